package vulkan

import (
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/dxbackend/config"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"github.com/vkngwrapper/extensions/v2/khr_dedicated_allocation"
)

// ExtensionData records which optional memory features the device supports
type ExtensionData struct {
	DedicatedAllocations bool
	MemoryPriority       bool
}

// NewExtensionData inspects the device's version and active extensions. The priority override can
// switch memory priorities off, or on if the extension is active.
func NewExtensionData(device core1_0.Device, priority config.Tristate) *ExtensionData {
	data := &ExtensionData{}

	// Dedicated allocations were promoted to core 1.1
	if core1_1.PromoteDevice(device) != nil || device.IsDeviceExtensionActive(khr_dedicated_allocation.ExtensionName) {
		data.DedicatedAllocations = true
	}

	data.MemoryPriority = device.IsDeviceExtensionActive(ext_memory_priority.ExtensionName)
	data.MemoryPriority = data.WithPriorityOverride(priority).MemoryPriority

	return data
}

// WithPriorityOverride returns a copy of the data with memory priority forced off by TristateFalse.
// TristateTrue cannot enable priorities the device does not support.
func (d ExtensionData) WithPriorityOverride(priority config.Tristate) ExtensionData {
	if priority == config.TristateFalse {
		d.MemoryPriority = false
	}
	return d
}
