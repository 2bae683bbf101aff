package immediate

import (
	"runtime"
	"time"
)

// FlushPolicy controls when an implicit flush hands the current batch to the engine. The interval
// required between flushes grows with the number of submissions the device has not finished.
type FlushPolicy struct {
	// MinFlushInterval is the interval required between flushes when the device is idle
	MinFlushInterval time.Duration
	// IncFlushInterval is added to the interval for every pending submission
	IncFlushInterval time.Duration
	// MaxPendingSubmits is the backlog above which only strong hints flush
	MaxPendingSubmits int
}

// DefaultFlushPolicy is used when Options leaves Policy unset
var DefaultFlushPolicy = FlushPolicy{
	MinFlushInterval:  750 * time.Microsecond,
	IncFlushInterval:  250 * time.Microsecond,
	MaxPendingSubmits: 6,
}

// FlushDelay returns the minimum time between flushes with the provided number of pending submissions
func (p FlushPolicy) FlushDelay(pending int) time.Duration {
	return p.MinFlushInterval + p.IncFlushInterval*time.Duration(pending)
}

// ShouldFlush returns true if an implicit flush should dispatch, given the device backlog and the time
// since the last flush
func (p FlushPolicy) ShouldFlush(strongHint bool, pending int, sinceLastFlush time.Duration) bool {
	if !strongHint && pending > p.MaxPendingSubmits {
		return false
	}

	return sinceLastFlush >= p.FlushDelay(pending)
}

func (p FlushPolicy) isZero() bool {
	return p == FlushPolicy{}
}

// Clock provides the current time to the flush timer
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

// Yielder is called between polls while a context waits for a resource. Returning false abandons the
// wait.
type Yielder interface {
	Yield() bool
}

// SchedYielder yields the processor to other goroutines and never abandons a wait
type SchedYielder struct{}

func (SchedYielder) Yield() bool {
	runtime.Gosched()
	return true
}

// BoundedYielder yields at most Limit times before abandoning the wait
type BoundedYielder struct {
	Limit int
	count int
}

func NewBoundedYielder(limit int) *BoundedYielder {
	return &BoundedYielder{Limit: limit}
}

func (y *BoundedYielder) Yield() bool {
	if y.count >= y.Limit {
		return false
	}

	y.count++
	runtime.Gosched()
	return true
}

// Count returns the number of times the yielder has yielded
func (y *BoundedYielder) Count() int {
	return y.count
}
