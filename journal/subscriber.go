package journal

import (
	"context"
	"log/slog"
	"time"

	"github.com/petal-labs/petalprint/runtime"
)

// appendTimeout bounds a single write; the subscriber runs on job loops.
const appendTimeout = 2 * time.Second

// Subscriber writes runtime events to a Store. Its Handle method is a
// runtime.EventHandler.
type Subscriber struct {
	store  Store
	logger *slog.Logger
}

// NewSubscriber creates a new Subscriber.
func NewSubscriber(store Store, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		store:  store,
		logger: logger,
	}
}

// Handle persists a single event. Layer progress events are not journaled.
func (s *Subscriber) Handle(event runtime.Event) {
	if event.Kind == runtime.EventLayerProgress {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()
	if err := s.store.Append(ctx, event); err != nil {
		s.logger.Error("failed to persist event",
			"job_id", event.JobID,
			"kind", event.Kind,
			"seq", event.Seq,
			"error", err,
		)
	}
}
