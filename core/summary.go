package core

import "time"

// JobSummary is the wire form of a Job for listings and status streams.
// It leaves out the spec and the image bytes.
type JobSummary struct {
	ID         int64        `json:"id"`
	Status     JobStatus    `json:"status"`
	Progress   float64      `json:"progress"`
	Layers     int          `json:"layers"`
	Errors     []LayerError `json:"errors"`
	Failure    string       `json:"failure,omitempty"`
	ImageType  string       `json:"imageType,omitempty"`
	ImageBytes int          `json:"imageBytes,omitempty"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// Summary returns the wire form of j.
func (j Job) Summary() JobSummary {
	s := JobSummary{
		ID:         j.ID,
		Status:     j.Status,
		Progress:   j.Progress,
		Errors:     j.Errors,
		Failure:    j.Failure,
		ImageType:  j.ImageType,
		ImageBytes: len(j.Image),
		UpdatedAt:  j.UpdatedAt,
	}
	if s.Errors == nil {
		s.Errors = []LayerError{}
	}
	if j.Spec != nil {
		s.Layers = len(j.Spec.Layers)
	}
	return s
}
