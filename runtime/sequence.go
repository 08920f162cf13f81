package runtime

import "sync/atomic"

// seqGen produces monotonically increasing event sequence numbers for a
// single job.
type seqGen struct {
	counter atomic.Uint64
}

func newSeqGen() *seqGen {
	return &seqGen{}
}

// Next returns the next sequence number (1-indexed).
func (s *seqGen) Next() uint64 {
	return s.counter.Add(1)
}

// idGen allocates job ids: 0, 1, 2, ... for the life of the process.
// Ids are never reused.
type idGen struct {
	next atomic.Int64
}

// Next returns the next job id.
func (g *idGen) Next() int64 {
	return g.next.Add(1) - 1
}
