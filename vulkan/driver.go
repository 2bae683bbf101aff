package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/dxbackend/memory"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"github.com/vkngwrapper/extensions/v2/khr_dedicated_allocation"
)

// NewDeviceMemoryLayout reads the physical device's memory properties once and builds a layout from
// them
func NewDeviceMemoryLayout(physicalDevice core1_0.PhysicalDevice, options memory.LayoutOptions) (*memory.DeviceMemoryLayout, error) {
	return memory.NewDeviceMemoryLayout(physicalDevice.MemoryProperties(), options)
}

// BuildAllocateInfo builds the native allocate info for a request, chaining the dedicated allocation
// and memory priority structures when the device supports them
func BuildAllocateInfo(info memory.AllocateInfo, extensions *ExtensionData) core1_0.MemoryAllocateInfo {
	allocInfo := core1_0.MemoryAllocateInfo{
		MemoryTypeIndex: info.MemoryTypeIndex,
		AllocationSize:  info.Size,
	}

	if extensions.DedicatedAllocations && info.Dedicated != nil && !info.Dedicated.IsEmpty() {
		dedicatedAllocInfo := khr_dedicated_allocation.MemoryDedicatedAllocateInfo{}
		if info.Dedicated.Buffer != nil {
			dedicatedAllocInfo.Buffer = info.Dedicated.Buffer
		} else {
			dedicatedAllocInfo.Image = info.Dedicated.Image
		}
		dedicatedAllocInfo.Next = allocInfo.Next
		allocInfo.Next = dedicatedAllocInfo
	}

	if extensions.MemoryPriority && info.Priority != nil {
		priorityInfo := ext_memory_priority.MemoryPriorityAllocateInfo{
			Priority: *info.Priority,
		}
		priorityInfo.Next = allocInfo.Next
		allocInfo.Next = priorityInfo
	}

	return allocInfo
}

// Driver allocates and frees device memory for a memory.Allocator
type Driver struct {
	device     core1_0.Device
	callbacks  *driver.AllocationCallbacks
	extensions *ExtensionData
}

var _ memory.Driver = &Driver{}

func NewDriver(device core1_0.Device, callbacks *driver.AllocationCallbacks, extensions *ExtensionData) *Driver {
	if extensions == nil {
		extensions = &ExtensionData{}
	}

	return &Driver{
		device:     device,
		callbacks:  callbacks,
		extensions: extensions,
	}
}

func (d *Driver) AllocateDeviceMemory(info memory.AllocateInfo) (memory.DeviceMemory, common.VkResult, error) {
	deviceMemory, res, err := d.device.AllocateMemory(d.callbacks, BuildAllocateInfo(info, d.extensions))
	if err != nil {
		return nil, res, err
	}

	return deviceMemory, res, nil
}

func (d *Driver) FreeDeviceMemory(deviceMemory memory.DeviceMemory) {
	vulkanMemory, ok := deviceMemory.(core1_0.DeviceMemory)
	if !ok {
		panic(errors.Newf("attempted to free memory that was not allocated by this driver: %T", deviceMemory))
	}

	vulkanMemory.Free(d.callbacks)
}
