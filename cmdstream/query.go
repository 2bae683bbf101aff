package cmdstream

import (
	"math/bits"
	"sync/atomic"
)

// Query is an event query. End issues a new sequence number and the query is signaled once the
// submission containing the matching OpSignalQuery completes.
type Query struct {
	Resource

	issued   atomic.Uint64
	signaled atomic.Uint64

	// Producer-only stall tracking
	stallMask uint32
	stalling  bool
}

func NewQuery() *Query {
	return &Query{}
}

// End issues a new sequence number for this query. The producer must emit an OpSignalQuery with the
// returned value.
func (q *Query) End() uint64 {
	q.stallMask <<= 1
	return q.issued.Add(1)
}

// IsSignaled returns true if the last issued sequence number has completed on the device
func (q *Query) IsSignaled() bool {
	return q.signaled.Load() >= q.issued.Load()
}

// NotifyStall records that the producer polled this query without a result
func (q *Query) NotifyStall() {
	q.stallMask |= 1
	if bits.OnesCount32(q.stallMask) > 1 {
		q.stalling = true
	}
}

// IsStalling returns true once the producer has repeatedly polled this query without a result. The
// producer should flush eagerly after ending a stalling query.
func (q *Query) IsStalling() bool {
	return q.stalling
}

func (q *Query) signal(sequence uint64) {
	for {
		current := q.signaled.Load()
		if current >= sequence || q.signaled.CompareAndSwap(current, sequence) {
			return
		}
	}
}
