package bus

import (
	"sync"
	"time"

	"github.com/petal-labs/petalprint/core"
)

// ThrottleConfig controls the behavior of ThrottledEmitter.
type ThrottleConfig struct {
	// CoalesceInterval is how often to flush coalesced ongoing statuses.
	// Default: 100ms
	CoalesceInterval time.Duration
}

// ThrottledEmitter wraps a status callback and coalesces high-frequency
// non-terminal statuses. Only the latest non-terminal status per job is kept
// within each coalesce interval. Terminal statuses discard the pending
// status of their job and pass through immediately; nothing is emitted for
// a job after its terminal status.
type ThrottledEmitter struct {
	emit     func(core.Job)
	interval time.Duration

	emitMu sync.Mutex // serializes calls to emit

	mu      sync.Mutex
	pending map[int64]core.Job // jobID -> latest non-terminal status
	done    map[int64]struct{}
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewThrottledEmitter creates a new ThrottledEmitter that wraps emit and
// coalesces non-terminal statuses at the configured interval.
func NewThrottledEmitter(emit func(core.Job), cfg ThrottleConfig) *ThrottledEmitter {
	interval := cfg.CoalesceInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	te := &ThrottledEmitter{
		emit:     emit,
		interval: interval,
		pending:  make(map[int64]core.Job),
		done:     make(map[int64]struct{}),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	go te.run()

	return te
}

// Emit sends a status through the throttled emitter.
func (te *ThrottledEmitter) Emit(status core.Job) {
	te.mu.Lock()
	if te.closed {
		te.mu.Unlock()
		return
	}
	if _, finished := te.done[status.ID]; finished {
		te.mu.Unlock()
		return
	}
	if !status.Terminal() {
		te.pending[status.ID] = status
		te.mu.Unlock()
		return
	}
	delete(te.pending, status.ID)
	te.done[status.ID] = struct{}{}
	te.mu.Unlock()

	te.emitMu.Lock()
	te.emit(status)
	te.emitMu.Unlock()
}

// Close flushes any pending statuses and stops the background ticker.
// It is safe to call Close multiple times.
func (te *ThrottledEmitter) Close() {
	te.mu.Lock()
	if te.closed {
		te.mu.Unlock()
		return
	}
	te.closed = true
	te.mu.Unlock()

	close(te.stopCh)
	<-te.doneCh
}

// run is the background goroutine that periodically flushes coalesced statuses.
func (te *ThrottledEmitter) run() {
	defer close(te.doneCh)

	ticker := time.NewTicker(te.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			te.flush()
		case <-te.stopCh:
			te.flush()
			return
		}
	}
}

// flush sends all pending statuses to the wrapped callback. The emit lock is
// taken before the pending map is swapped, so a terminal status emitted
// concurrently can never be overtaken by a stale one.
func (te *ThrottledEmitter) flush() {
	te.emitMu.Lock()
	defer te.emitMu.Unlock()

	te.mu.Lock()
	if len(te.pending) == 0 {
		te.mu.Unlock()
		return
	}
	toFlush := te.pending
	te.pending = make(map[int64]core.Job)
	te.mu.Unlock()

	for _, status := range toFlush {
		te.emit(status)
	}
}
