package memory

import (
	"unsafe"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// DeviceMemory is the subset of core1_0.DeviceMemory that the allocator uses. Memory handles returned by
// core1_0.Device.AllocateMemory satisfy it.
type DeviceMemory interface {
	Map(offset int, size int, flags core1_0.MemoryMapFlags) (unsafe.Pointer, common.VkResult, error)
	Unmap()
}

// DedicatedTarget names the single resource that a dedicated allocation will be bound to. At most one of
// Buffer and Image may be set.
type DedicatedTarget struct {
	Buffer core1_0.Buffer
	Image  core1_0.Image
}

// IsEmpty returns true if neither a buffer nor an image was provided
func (t DedicatedTarget) IsEmpty() bool {
	return t.Buffer == nil && t.Image == nil
}

// AllocateInfo describes a single native device memory allocation
type AllocateInfo struct {
	MemoryTypeIndex int
	Size            int
	// Priority is only set for device-local memory types
	Priority *float32
	// Dedicated is only set when the allocation will back a single resource
	Dedicated *DedicatedTarget
}

// Driver performs native device memory allocation on behalf of an Allocator. The vulkan package
// provides an implementation over core1_0.Device.
type Driver interface {
	AllocateDeviceMemory(info AllocateInfo) (DeviceMemory, common.VkResult, error)
	FreeDeviceMemory(memory DeviceMemory)
}
