package cmdstream

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/dxbackend/memory"
)

// BufferSlice is a reference-counted memory range that backs a Buffer. The range is returned to the
// allocator when the last reference is dropped: the buffer's mapped and physical slots, batches that
// carry the slice, and submissions that the slice was retired into each hold one.
type BufferSlice struct {
	memory *memory.Memory
	refs   atomic.Int32
}

func newBufferSlice(mem *memory.Memory) *BufferSlice {
	return &BufferSlice{memory: mem}
}

// Memory returns the memory handle behind this slice
func (s *BufferSlice) Memory() *memory.Memory {
	return s.memory
}

// Bytes returns the host mapping of this slice, or nil if the memory is not host-visible
func (s *BufferSlice) Bytes() []byte {
	return s.memory.Bytes()
}

func (s *BufferSlice) incRef() {
	s.refs.Add(1)
}

func (s *BufferSlice) decRef() {
	newVal := s.refs.Add(-1)
	if newVal < 0 {
		panic(fmt.Sprintf("buffer slice reference count went negative: %d", newVal))
	}

	if newVal == 0 {
		err := s.memory.Free()
		if err != nil {
			panic(errors.Wrap(err, "buffer slice memory was released twice"))
		}
	}
}

// BufferInfo describes the memory requested for every slice of a Buffer
type BufferInfo struct {
	Requirements memory.Requirements
	Flags        core1_0.MemoryPropertyFlags
	Priority     float32
	Dedicated    memory.DedicatedTarget
}

// Buffer is a resource that owns device memory. The producer sees the mapped slice, which is replaced
// immediately on discard, while the worker sees the physical slice, which is replaced when the
// invalidation operation executes. A replaced physical slice is kept alive until the submission it
// was retired into completes.
type Buffer struct {
	Resource

	allocator *memory.Allocator
	info      BufferInfo

	mapped   atomic.Pointer[BufferSlice]
	physical atomic.Pointer[BufferSlice]
}

// NewBuffer allocates the initial slice of a buffer
func NewBuffer(allocator *memory.Allocator, info BufferInfo) (*Buffer, error) {
	buffer := &Buffer{
		allocator: allocator,
		info:      info,
	}

	slice, err := buffer.AllocSlice()
	if err != nil {
		return nil, err
	}

	slice.incRef()
	slice.incRef()
	buffer.mapped.Store(slice)
	buffer.physical.Store(slice)

	return buffer, nil
}

// Info returns the parameters the buffer was created with
func (b *Buffer) Info() BufferInfo {
	return b.info
}

// AllocSlice allocates a new slice for this buffer without installing it anywhere
func (b *Buffer) AllocSlice() (*BufferSlice, error) {
	mem, err := b.allocator.Allocate(b.info.Requirements, b.info.Dedicated, b.info.Flags, b.info.Priority)
	if err != nil {
		return nil, err
	}

	return newBufferSlice(mem), nil
}

// DiscardSlice allocates a new slice and makes it the mapped slice. The caller must emit an
// invalidation carrying the returned slice so that the worker installs it as well.
func (b *Buffer) DiscardSlice() (*BufferSlice, error) {
	slice, err := b.AllocSlice()
	if err != nil {
		return nil, err
	}

	slice.incRef()
	old := b.mapped.Swap(slice)
	if old != nil {
		old.decRef()
	}

	return slice, nil
}

// MappedSlice returns the slice the producer writes to
func (b *Buffer) MappedSlice() *BufferSlice {
	return b.mapped.Load()
}

// PhysicalSlice returns the slice the worker records commands against, or nil once the buffer has
// been destroyed
func (b *Buffer) PhysicalSlice() *BufferSlice {
	return b.physical.Load()
}

// ReleaseMapped drops the producer's reference to the mapped slice. It is called when the producer
// destroys the buffer.
func (b *Buffer) ReleaseMapped() {
	old := b.mapped.Swap(nil)
	if old != nil {
		old.decRef()
	}
}

func (b *Buffer) invalidate(slice *BufferSlice, sub *Submission) {
	slice.incRef()
	old := b.physical.Swap(slice)
	if old != nil {
		sub.retire(old)
	}
}

func (b *Buffer) destroy(sub *Submission) {
	old := b.physical.Swap(nil)
	if old != nil {
		sub.retire(old)
	}
}
