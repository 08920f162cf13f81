package journal

import (
	"context"
	"sort"
	"sync"

	"github.com/petal-labs/petalprint/runtime"
)

// MemStore is a thread-safe in-memory event store. It holds one session.
type MemStore struct {
	session string

	mu     sync.RWMutex
	events map[int64][]runtime.Event // jobID -> events
}

// NewMemStore creates an in-memory store. An empty session gets a fresh id.
func NewMemStore(session string) *MemStore {
	if session == "" {
		session = NewSession()
	}
	return &MemStore{
		session: session,
		events:  make(map[int64][]runtime.Event),
	}
}

func (s *MemStore) Session() string { return s.session }

func (s *MemStore) Append(_ context.Context, event runtime.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.JobID] = append(s.events[event.JobID], event)
	return nil
}

func (s *MemStore) List(_ context.Context, jobID int64, afterSeq uint64, limit int) ([]runtime.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []runtime.Event
	for _, e := range s.events[jobID] {
		if afterSeq > 0 && e.Seq <= afterSeq {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemStore) LatestSeq(_ context.Context, jobID int64) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxSeq uint64
	for _, e := range s.events[jobID] {
		maxSeq = max(maxSeq, e.Seq)
	}
	return maxSeq, nil
}

func (s *MemStore) History(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	var records []Record
	for _, events := range s.events {
		for _, e := range events {
			if e.Kind.Terminal() {
				records = append(records, recordFromEvent(s.session, e))
			}
		}
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if !records[i].FinishedAt.Equal(records[j].FinishedAt) {
			return records[i].FinishedAt.After(records[j].FinishedAt)
		}
		return records[i].JobID > records[j].JobID
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Compile-time interface check.
var _ Store = (*MemStore)(nil)
