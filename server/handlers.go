package server

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/petal-labs/petalprint/core"
	"github.com/petal-labs/petalprint/journal"
	"github.com/petal-labs/petalprint/loader"
	"github.com/petal-labs/petalprint/runtime"
	"github.com/petal-labs/petalprint/sse"
)

const defaultHistoryLimit = 50

// submitResponse is returned by POST /api/jobs.
type submitResponse struct {
	ID     int64          `json:"id"`
	Status core.JobStatus `json:"status"`
}

// jobView is the GET /api/jobs/{id} payload: the job summary plus its spec.
type jobView struct {
	core.JobSummary
	Spec *core.PrintSpec `json:"spec,omitempty"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleLayerTypes returns all registered layer types.
func (s *Server) handleLayerTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Registry().All())
}

// handleListJobs returns summaries of every retained job.
func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := s.engine.Jobs()
	out := make([]core.JobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Summary())
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSubmitJob accepts a print spec as JSON, or YAML when the request
// says so in its Content-Type, and starts a job for it.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "READ_ERROR", err.Error())
		return
	}

	spec, err := loader.Decode(body, requestFormat(r), "")
	if err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	id, err := s.engine.Submit(spec)
	if err != nil {
		switch {
		case errors.Is(err, runtime.ErrInvalidSpec):
			writeError(w, http.StatusBadRequest, "INVALID_SPEC", "print spec validation failed", specProblems(err)...)
		case errors.Is(err, runtime.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "SUBMIT_ERROR", err.Error())
		}
		return
	}

	status := core.JobStatusPending
	if j, ok := s.engine.Status(id); ok {
		status = j.Status
	}
	w.Header().Set("Location", fmt.Sprintf("/api/jobs/%d", id))
	writeJSON(w, http.StatusAccepted, submitResponse{ID: id, Status: status})
}

// handleGetJob returns the latest status of one job without image bytes.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, jobView{JobSummary: j.Summary(), Spec: j.Spec})
}

// handleCancelJob requests cancellation. Canceling a terminal job is
// accepted and changes nothing.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	s.engine.Cancel(j.ID)
	writeJSON(w, http.StatusAccepted, submitResponse{ID: j.ID, Status: j.Status})
}

// handleJobImage serves the encoded image of a finished job.
func (s *Server) handleJobImage(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	if j.Status != core.JobStatusFinished {
		writeError(w, http.StatusConflict, "NOT_READY", fmt.Sprintf("job %d is %s", j.ID, j.Status))
		return
	}
	w.Header().Set("Content-Type", j.ImageType)
	w.Header().Set("Content-Length", strconv.Itoa(len(j.Image)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(j.Image)
}

// handleHistory lists journaled terminal job events, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "JOURNAL_DISABLED", "no job journal is configured")
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	records, err := s.journal.History(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if records == nil {
		records = []journal.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleListSchedules returns the state of every configured schedule.
func (s *Server) handleListSchedules(w http.ResponseWriter, _ *http.Request) {
	if s.scheduler == nil {
		writeJSON(w, http.StatusOK, []ScheduleStatus{})
		return
	}
	writeJSON(w, http.StatusOK, s.scheduler.Statuses())
}

func (s *Server) eventsHandler() http.Handler {
	return sse.NewHandler(s.engine)
}

// lookupJob resolves the {id} path value, writing the error response
// itself when the id is malformed or unknown.
func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) (core.Job, bool) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid job id %q", raw))
		return core.Job{}, false
	}
	j, ok := s.engine.Status(id)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("job %d not found", id))
		return core.Job{}, false
	}
	return j, true
}

// requestFormat maps the request Content-Type to a spec format.
func requestFormat(r *http.Request) loader.Format {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return loader.FormatJSON
	}
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		return loader.FormatYAML
	}
	return loader.FormatJSON
}

// specProblems splits a validation error into its individual messages.
func specProblems(err error) []string {
	msg := strings.TrimPrefix(err.Error(), runtime.ErrInvalidSpec.Error()+": ")
	return strings.Split(msg, "; ")
}

func isMaxBytesError(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}
