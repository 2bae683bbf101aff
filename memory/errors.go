package memory

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// ErrMemoryFreed is returned when Free is called on a Memory that has already been released
var ErrMemoryFreed = errors.New("memory has already been freed")

// AllocationFailure is returned from Allocator.Allocate when every step of the fallback ladder failed.
// It carries the request and a snapshot of every heap at the time of the failure.
type AllocationFailure struct {
	Size           int
	Alignment      uint
	Flags          core1_0.MemoryPropertyFlags
	MemoryTypeBits uint32
	Heaps          []HeapStats
}

func (f *AllocationFailure) Error() string {
	return fmt.Sprintf("failed to allocate %d bytes with alignment %d (flags: %s, memory types: %#x)",
		f.Size, f.Alignment, f.Flags.String(), f.MemoryTypeBits)
}

// Result returns the native result code that best describes the failure
func (f *AllocationFailure) Result() common.VkResult {
	return core1_0.VKErrorOutOfDeviceMemory
}

func (f *AllocationFailure) Unwrap() error {
	return core1_0.VKErrorOutOfDeviceMemory.ToError()
}
