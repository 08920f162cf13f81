// Package sse streams job statuses to HTTP clients as Server-Sent Events.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/petal-labs/petalprint/core"
	"github.com/petal-labs/petalprint/runtime"
)

// HeartbeatInterval is the default interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// EventStatus is the SSE event name of every status message.
const EventStatus = "status"

// StatusSource provides the status stream of a job.
type StatusSource interface {
	StatusStream(ctx context.Context, jobID int64) (<-chan core.Job, error)
}

// Handler serves an SSE stream of the statuses of one job.
//
// The handler expects an "id" path value (Go 1.22+ ServeMux). The current
// status is sent first; the stream closes after the terminal status or when
// the client disconnects. Slow clients may skip intermediate statuses but
// always receive the terminal one.
//
// SSE format:
//
//	id: {n}
//	event: status
//	data: {json core.JobSummary}
//
// A heartbeat comment ": ping\n\n" is sent every heartbeat interval.
type Handler struct {
	source    StatusSource
	heartbeat time.Duration
}

// NewHandler creates a Handler streaming from source.
func NewHandler(source StatusSource) *Handler {
	return &Handler{source: source, heartbeat: HeartbeatInterval}
}

// WithHeartbeat returns a copy of h using the given heartbeat interval.
func (h *Handler) WithHeartbeat(d time.Duration) *Handler {
	c := *h
	if d > 0 {
		c.heartbeat = d
	}
	return &c
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	jobID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || jobID < 0 {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	stream, err := h.source.StatusStream(ctx, jobID)
	if err != nil {
		if errors.Is(err, runtime.ErrJobNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	var n uint64
	for {
		select {
		case <-ctx.Done():
			return

		case status, ok := <-stream:
			if !ok {
				return
			}
			n++
			if err := writeStatus(w, n, status); err != nil {
				return
			}
			flusher.Flush()
			if status.Terminal() {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeStatus writes a single status in SSE format.
func writeStatus(w http.ResponseWriter, id uint64, status core.Job) error {
	data, err := json.Marshal(status.Summary())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, EventStatus, data)
	return err
}
