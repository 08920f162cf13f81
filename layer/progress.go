package layer

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/petal-labs/petalprint/core"
)

// DefaultCadence is how often QueueProgress reports.
const DefaultCadence = 500 * time.Millisecond

// QueueProgress reports progress of work split into units, such as tiles:
// 1 - remaining/total, where remaining counts units not yet started. While
// any unit is still in flight the value stays below 1.
type QueueProgress struct {
	emit     Emit
	interval time.Duration

	mu        sync.Mutex
	total     int
	remaining int
	inflight  int
	started   bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewQueueProgress tracks total units and reports through emit every
// interval (default: DefaultCadence) once started.
func NewQueueProgress(total int, emit Emit, interval time.Duration) *QueueProgress {
	if interval <= 0 {
		interval = DefaultCadence
	}
	if total < 0 {
		total = 0
	}
	return &QueueProgress{
		emit:      emit,
		interval:  interval,
		total:     total,
		remaining: total,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins periodic reporting. It stops on Stop or when ctx ends.
// Call it at most once.
func (q *QueueProgress) Start(ctx context.Context) {
	q.mu.Lock()
	q.started = true
	q.mu.Unlock()
	go func() {
		defer close(q.doneCh)
		ticker := time.NewTicker(q.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				q.report()
			case <-ctx.Done():
				return
			case <-q.stopCh:
				return
			}
		}
	}()
}

// Stop ends periodic reporting and waits for the reporter to exit. It is
// safe to call more than once, and without Start.
func (q *QueueProgress) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
	})
	q.mu.Lock()
	started := q.started
	q.mu.Unlock()
	if started {
		<-q.doneCh
	}
}

// Dequeue marks one unit as started.
func (q *QueueProgress) Dequeue() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.remaining > 0 {
		q.remaining--
		q.inflight++
	}
}

// Done marks one started unit as finished. A non-nil err is emitted as a
// Failed update and triggers an immediate progress report.
func (q *QueueProgress) Done(err error, url string) {
	q.mu.Lock()
	if q.inflight > 0 {
		q.inflight--
	}
	q.mu.Unlock()

	if err != nil {
		q.emit(core.Failed(err, url))
		q.report()
	}
}

// Progress returns the current value.
func (q *QueueProgress) Progress() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.total == 0 {
		return core.ProgressDone
	}
	p := 1 - float64(q.remaining)/float64(q.total)
	if q.remaining > 0 || q.inflight > 0 {
		p = math.Min(p, core.ProgressCeiling)
	}
	return p
}

// report emits the current value while it is below 1. Completion is
// signaled by the backend's Ready, not by a progress report.
func (q *QueueProgress) report() {
	if p := q.Progress(); p < core.ProgressDone {
		q.emit(core.Loading(p))
	}
}

// Stage is a rung of the discrete progress ladder.
type Stage int

const (
	StagePending Stage = iota
	StagePrepared
	StageLoaded
	StageReady
)

var stageProgress = [...]float64{
	StagePending:  0,
	StagePrepared: 0.5,
	StageLoaded:   0.75,
	StageReady:    1,
}

// Progress returns the progress value of the stage.
func (s Stage) Progress() float64 {
	if s < StagePending || s > StageReady {
		return 0
	}
	return stageProgress[s]
}

// StageProgress advances through the fixed ladder
// prepared 0.5, loaded 0.75, ready 1. Going backwards is a no-op.
type StageProgress struct {
	emit Emit

	mu    sync.Mutex
	stage Stage
}

// NewStageProgress reports through emit.
func NewStageProgress(emit Emit) *StageProgress {
	return &StageProgress{emit: emit}
}

// Stage returns the highest stage reached.
func (s *StageProgress) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Prepared marks the style or request as prepared.
func (s *StageProgress) Prepared() { s.advance(StagePrepared, nil) }

// Loaded marks the data as loaded.
func (s *StageProgress) Loaded() { s.advance(StageLoaded, nil) }

// Ready emits the success terminal with surface.
func (s *StageProgress) Ready(surface *core.Surface) { s.advance(StageReady, surface) }

func (s *StageProgress) advance(to Stage, surface *core.Surface) {
	s.mu.Lock()
	if to <= s.stage {
		s.mu.Unlock()
		return
	}
	s.stage = to
	s.mu.Unlock()

	if to == StageReady {
		s.emit(core.Ready(surface))
		return
	}
	s.emit(core.Loading(to.Progress()))
}
