// Package journal persists runtime events so that jobs can be inspected
// after the dispatcher has forgotten them, or after the process exited.
//
// Job ids restart at 0 in every process, so each store records its events
// under a session id. List and LatestSeq read the current session; History
// spans all sessions.
package journal

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/petalprint/runtime"
)

// Store persists events for replay.
type Store interface {
	// Session returns the id events are recorded under.
	Session() string

	// Append stores an event.
	Append(ctx context.Context, event runtime.Event) error

	// List returns events for a job of the current session.
	// afterSeq: return events with Seq > afterSeq (0 means all)
	// limit: max events to return (0 means no limit)
	List(ctx context.Context, jobID int64, afterSeq uint64, limit int) ([]runtime.Event, error)

	// LatestSeq returns the highest Seq for a job (0 if no events).
	LatestSeq(ctx context.Context, jobID int64) (uint64, error)

	// History returns the outcome of terminal jobs across all sessions,
	// newest first. limit 0 means no limit.
	History(ctx context.Context, limit int) ([]Record, error)
}

// Record summarizes one terminal job.
type Record struct {
	Session    string        `json:"session"`
	JobID      int64         `json:"jobId"`
	Status     string        `json:"status"`
	Errors     int           `json:"errors"`
	ImageBytes int           `json:"imageBytes,omitempty"`
	ImageType  string        `json:"imageType,omitempty"`
	Failure    string        `json:"failure,omitempty"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time     `json:"finishedAt"`
	TraceID    string        `json:"traceId,omitempty"`
}

// NewSession returns a fresh session id.
func NewSession() string {
	return uuid.NewString()
}

func recordFromEvent(session string, e runtime.Event) Record {
	return Record{
		Session:    session,
		JobID:      e.JobID,
		Status:     e.PayloadString("status"),
		Errors:     payloadInt(e.Payload, "errors"),
		ImageBytes: payloadInt(e.Payload, "image_bytes"),
		ImageType:  e.PayloadString("image_type"),
		Failure:    e.PayloadString("error"),
		Duration:   e.Elapsed,
		FinishedAt: e.Time,
		TraceID:    e.TraceID,
	}
}

// payloadInt reads a count that may have gone through JSON.
func payloadInt(p map[string]any, key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
