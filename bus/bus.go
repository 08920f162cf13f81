// Package bus provides the in-process distribution channels of petalprint:
// the cancellation bus that layer tasks observe, and the status hub that
// fans job statuses out to subscribers. Both are keyed by job id and are
// created once per process and injected; neither is a package-level global.
package bus

import "github.com/petal-labs/petalprint/core"

// CancelBus broadcasts cancel-by-job-id signals.
type CancelBus interface {
	// Publish signals cancellation of a job to every current subscriber of
	// that job. It has no memory: with no subscribers the signal is lost.
	Publish(jobID int64)

	// Subscribe registers interest in cancellation of a job.
	// Returns a CancelSubscription that must be closed when done.
	Subscribe(jobID int64) CancelSubscription

	// Close shuts down the bus. Later publishes are dropped.
	Close() error
}

// CancelSubscription observes cancellation of one job.
type CancelSubscription interface {
	// Done is closed the first time a cancellation for the job is observed.
	// Further deliveries are no-ops.
	Done() <-chan struct{}

	// Close unsubscribes and releases resources.
	Close() error
}

// StatusSubscription receives the statuses of one job.
type StatusSubscription interface {
	// Statuses returns a channel of job statuses. It is closed after the
	// terminal status, when the job is evicted, or when the subscription
	// is closed.
	Statuses() <-chan core.Job

	// Close unsubscribes and releases resources.
	Close() error
}
