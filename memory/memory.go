package memory

import (
	"sync/atomic"
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// Memory is a handle to a range of device memory returned by Allocator.Allocate. It is either a slice of
// a shared chunk or a dedicated native allocation that it owns outright. The range is released exactly
// once, by the first call to Free.
type Memory struct {
	allocator  *Allocator
	chunk      *allocationChunk
	memoryType *memoryType
	memory     DeviceMemory

	offset int
	length int
	mapPtr unsafe.Pointer

	freed atomic.Bool

	// Dedicated list links, protected by the allocator lock
	prevDedicated *Memory
	nextDedicated *Memory
}

// Offset is the offset of this range within its DeviceMemory
func (m *Memory) Offset() int {
	return m.offset
}

// Length is the size of this range. It may be larger than the requested size because the end of the
// range is aligned.
func (m *Memory) Length() int {
	return m.length
}

// MapPtr returns a host pointer to the start of this range, or nil if the memory type is not host-visible
func (m *Memory) MapPtr() unsafe.Pointer {
	return m.mapPtr
}

// Bytes returns the mapped range as a byte slice, or nil if the memory type is not host-visible
func (m *Memory) Bytes() []byte {
	if m.mapPtr == nil {
		return nil
	}

	return unsafe.Slice((*byte)(m.mapPtr), m.length)
}

// DeviceMemory returns the native memory object this range lives in
func (m *Memory) DeviceMemory() DeviceMemory {
	return m.memory
}

func (m *Memory) MemoryTypeIndex() int {
	return m.memoryType.index
}

// PropertyFlags returns the property flags of the memory type this range was allocated from
func (m *Memory) PropertyFlags() core1_0.MemoryPropertyFlags {
	return m.memoryType.properties.PropertyFlags
}

// IsDedicated returns true if this range owns its native allocation
func (m *Memory) IsDedicated() bool {
	return m.chunk == nil
}

// IsFreed returns true once Free has been called
func (m *Memory) IsFreed() bool {
	return m.freed.Load()
}

// Free returns this range to the allocator. The first call releases the range; every later call returns
// ErrMemoryFreed and does nothing.
func (m *Memory) Free() error {
	if !m.freed.CompareAndSwap(false, true) {
		return ErrMemoryFreed
	}

	m.allocator.logger.Debug("Memory::Free",
		slog.Int("MemoryTypeIndex", m.memoryType.index),
		slog.Int("Offset", m.offset),
		slog.Int("Length", m.length),
		slog.Bool("Dedicated", m.chunk == nil))

	m.allocator.free(m)
	return nil
}

func (m *Memory) printParameters(json *jwriter.ObjectState) {
	json.Name("Offset").Int(m.offset)
	json.Name("Length").Int(m.length)
	json.Name("MemoryTypeIndex").Int(m.memoryType.index)
	json.Name("Mapped").Bool(m.mapPtr != nil)
}
