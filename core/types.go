// Package core provides the foundational types shared by every petalprint package.
//
// This package contains:
//   - Print requests: PrintSpec, LayerSpec, OutputSpec, WidgetSpec
//   - Job state: Job (the status payload), JobStatus, LayerError
//   - Layer task output: LayerUpdate (tagged variant) and Surface
package core

import (
	"time"
)

// JobStatus is the job-level state reported on every status emission.
type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusOngoing  JobStatus = "ongoing"
	JobStatusFinished JobStatus = "finished"
	JobStatusCanceled JobStatus = "canceled"
	JobStatusFailed   JobStatus = "failed"
)

// String returns the string representation of the JobStatus.
func (s JobStatus) String() string {
	return string(s)
}

// Terminal reports whether no further transitions can follow s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusFinished, JobStatusCanceled, JobStatusFailed:
		return true
	default:
		return false
	}
}

// Progress sentinels.
const (
	ProgressCanceled = -1.0
	ProgressDone     = 1.0

	// ProgressCeiling is the highest progress a job or layer reports while it
	// is still loading. Only the terminal all-ready state reports 1.
	ProgressCeiling = 0.999
)

// LayerError is a recoverable failure captured from one layer task.
type LayerError struct {
	Message    string `json:"message"`
	LayerIndex int    `json:"layerIndex"`
	URL        string `json:"url,omitempty"`
}

// Job is the status payload delivered to subscribers. Values are snapshots:
// the dispatcher never mutates a Job after handing it out.
type Job struct {
	ID        int64        `json:"id"`
	Spec      *PrintSpec   `json:"spec"`
	Status    JobStatus    `json:"status"`
	Progress  float64      `json:"progress"`
	Image     []byte       `json:"image,omitempty"`
	ImageType string       `json:"imageType,omitempty"`
	Errors    []LayerError `json:"errors"`
	Failure   string       `json:"failure,omitempty"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Terminal reports whether j is the last status of its job.
func (j Job) Terminal() bool {
	return j.Status.Terminal()
}

// Clone returns a copy of j whose Errors slice is not shared.
// Spec and Image are immutable once set and are shared.
func (j Job) Clone() Job {
	errs := make([]LayerError, len(j.Errors))
	copy(errs, j.Errors)
	j.Errors = errs
	return j
}
