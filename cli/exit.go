package cli

import (
	"fmt"

	"github.com/petal-labs/petalprint/core"
)

// Process exit codes.
const (
	exitSuccess      = 0
	exitValidation   = 1
	exitJobFailed    = 2
	exitFileNotFound = 3
	exitSpecParse    = 4
	exitCanceled     = 8
	exitTimeout      = 10
)

// ExitError is an error that carries a specific process exit code.
// Cobra's RunE returns this to signal the desired exit code to main.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// exitError creates a new ExitError with the given code and formatted message.
func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// jobExitError maps a terminal job status to its exit error, or nil for a
// finished job. timedOut tells a --timeout cancellation from any other.
func jobExitError(job core.Job, timedOut bool) error {
	switch job.Status {
	case core.JobStatusFinished:
		return nil
	case core.JobStatusFailed:
		return exitError(exitJobFailed, "job %d failed: %s", job.ID, job.Failure)
	case core.JobStatusCanceled:
		if timedOut {
			return exitError(exitTimeout, "job %d timed out", job.ID)
		}
		return exitError(exitCanceled, "job %d canceled", job.ID)
	default:
		return exitError(exitJobFailed, "job %d ended %s", job.ID, job.Status)
	}
}
