package bus

import (
	"sort"
	"sync"
	"time"

	"github.com/petal-labs/petalprint/core"
)

// StatusHubConfig configures a StatusHub.
type StatusHubConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 16).
	// When a subscriber falls behind, its oldest undelivered status is
	// replaced; terminal statuses are never dropped.
	SubscriberBufferSize int

	// Now provides the current time (for testing). If nil, uses time.Now.
	Now func() time.Time
}

// StatusHub keeps the latest status of every job and fans each new status
// out to that job's subscribers. Once a job publishes a terminal status the
// hub closes all its subscriptions; later subscribers receive the terminal
// status alone.
type StatusHub struct {
	mu      sync.Mutex
	topics  map[int64]*statusTopic
	bufSize int
	now     func() time.Time
	closed  bool
}

type statusTopic struct {
	last       core.Job
	hasLast    bool
	terminalAt time.Time
	subs       map[*statusSub]struct{}
}

// NewStatusHub creates a new status hub with the given configuration.
func NewStatusHub(cfg StatusHubConfig) *StatusHub {
	bufSize := cfg.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 16
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &StatusHub{
		topics:  make(map[int64]*statusTopic),
		bufSize: bufSize,
		now:     now,
	}
}

// Open registers a job before its first status so that subscribers can
// attach early. Opening a known job is a no-op.
func (h *StatusHub) Open(jobID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	if _, ok := h.topics[jobID]; !ok {
		h.topics[jobID] = &statusTopic{subs: make(map[*statusSub]struct{})}
	}
}

// Publish records status as the latest for its job and delivers it to every
// subscriber. Statuses published after the job's terminal status are dropped.
func (h *StatusHub) Publish(status core.Job) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	t, ok := h.topics[status.ID]
	if !ok {
		t = &statusTopic{subs: make(map[*statusSub]struct{})}
		h.topics[status.ID] = t
	} else if t.last.Terminal() {
		return
	}

	t.last = status
	t.hasLast = true
	for sub := range t.subs {
		sub.send(status)
	}

	if status.Terminal() {
		t.terminalAt = h.now()
		for sub := range t.subs {
			sub.close()
		}
		t.subs = make(map[*statusSub]struct{})
	}
}

// Subscribe attaches to a job's statuses. The current status, if any, is
// delivered first. ok is false if the job was never opened or published.
func (h *StatusHub) Subscribe(jobID int64) (StatusSubscription, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[jobID]
	if !ok || h.closed {
		return nil, false
	}

	sub := newStatusSub(h, jobID, h.bufSize)
	if !t.hasLast {
		t.subs[sub] = struct{}{}
		return sub, true
	}
	sub.send(t.last)
	if t.last.Terminal() {
		sub.close()
		return sub, true
	}
	t.subs[sub] = struct{}{}
	return sub, true
}

// Last returns the latest status of a job.
func (h *StatusHub) Last(jobID int64) (core.Job, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[jobID]
	if !ok || !t.hasLast {
		return core.Job{}, false
	}
	return t.last, true
}

// Snapshot returns the latest status of every known job ordered by id.
func (h *StatusHub) Snapshot() []core.Job {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]core.Job, 0, len(h.topics))
	for _, t := range h.topics {
		if t.hasLast {
			out = append(out, t.last)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EvictTerminal forgets jobs that turned terminal before cutoff and returns
// their ids.
func (h *StatusHub) EvictTerminal(cutoff time.Time) []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	var evicted []int64
	for id, t := range h.topics {
		if t.last.Terminal() && t.terminalAt.Before(cutoff) {
			delete(h.topics, id)
			evicted = append(evicted, id)
		}
	}
	sort.Slice(evicted, func(i, j int) bool { return evicted[i] < evicted[j] })
	return evicted
}

// Close shuts down the hub and closes all subscriptions.
func (h *StatusHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for _, t := range h.topics {
		for sub := range t.subs {
			sub.close()
		}
		t.subs = make(map[*statusSub]struct{})
	}
	return nil
}

func (h *StatusHub) remove(sub *statusSub) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.topics[sub.jobID]; ok {
		delete(t.subs, sub)
	}
}

// statusSub is an in-memory status subscription with latest-wins buffering.
type statusSub struct {
	hub    *StatusHub
	jobID  int64
	ch     chan core.Job
	mu     sync.Mutex
	closed bool
}

func newStatusSub(h *StatusHub, jobID int64, bufSize int) *statusSub {
	return &statusSub{
		hub:   h,
		jobID: jobID,
		ch:    make(chan core.Job, bufSize),
	}
}

// Statuses returns the subscription channel.
func (s *statusSub) Statuses() <-chan core.Job {
	return s.ch
}

// Close unsubscribes and closes the channel.
func (s *statusSub) Close() error {
	s.hub.remove(s)
	s.close()
	return nil
}

// close performs the actual channel close, guarded against double-close.
func (s *statusSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send delivers a status. When the buffer is full the oldest buffered
// status is discarded to make room, so the newest always lands.
func (s *statusSub) send(status core.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- status:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- status:
	default:
	}
}

// Compile-time interface check.
var _ StatusSubscription = (*statusSub)(nil)
