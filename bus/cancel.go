package bus

import (
	"sync"
)

// MemCancelBus is an in-memory CancelBus.
type MemCancelBus struct {
	mu     sync.RWMutex
	subs   map[int64]map[*cancelSub]struct{} // jobID -> subscribers
	closed bool
}

// NewMemCancelBus creates a new in-memory cancellation bus.
func NewMemCancelBus() *MemCancelBus {
	return &MemCancelBus{
		subs: make(map[int64]map[*cancelSub]struct{}),
	}
}

// Publish delivers a cancellation to every subscriber of jobID.
// If the bus is closed, or nobody is subscribed, the signal is dropped.
func (b *MemCancelBus) Publish(jobID int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for sub := range b.subs[jobID] {
		sub.fire()
	}
}

// Subscribe registers a subscriber for a specific job.
func (b *MemCancelBus) Subscribe(jobID int64) CancelSubscription {
	sub := &cancelSub{
		bus:   b,
		jobID: jobID,
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return sub
	}
	set, ok := b.subs[jobID]
	if !ok {
		set = make(map[*cancelSub]struct{})
		b.subs[jobID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Subscribers returns the number of live subscriptions for jobID.
func (b *MemCancelBus) Subscribers(jobID int64) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[jobID])
}

// Close shuts down the bus and forgets all subscriptions. Pending
// subscriptions are not signaled.
func (b *MemCancelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.subs = make(map[int64]map[*cancelSub]struct{})
	return nil
}

func (b *MemCancelBus) remove(sub *cancelSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.subs[sub.jobID]
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.jobID)
	}
}

// cancelSub is an in-memory cancellation subscription.
type cancelSub struct {
	bus   *MemCancelBus
	jobID int64
	done  chan struct{}
	once  sync.Once
}

// Done is closed on the first delivered cancellation.
func (s *cancelSub) Done() <-chan struct{} {
	return s.done
}

// Close unsubscribes from the bus. It is safe to call more than once.
func (s *cancelSub) Close() error {
	s.bus.remove(s)
	return nil
}

func (s *cancelSub) fire() {
	s.once.Do(func() { close(s.done) })
}

// Compile-time interface checks.
var _ CancelBus = (*MemCancelBus)(nil)
var _ CancelSubscription = (*cancelSub)(nil)
