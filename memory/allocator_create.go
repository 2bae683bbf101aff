package memory

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/dxbackend/internal/utils"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator and all memory created from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// goroutine at a time or are synchronized by some other mechanism.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
}

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags

	// MemoryCallbackOptions is an optional set of callbacks that will be executed when native memory
	// is allocated or freed by this allocator. Chunks are shared between many Memory objects, so these
	// are not called once per Allocate.
	MemoryCallbackOptions *MemoryCallbackOptions
}

// New creates a new Allocator
//
// layout - The heaps and memory types of the device, built once per device with NewDeviceMemoryLayout
//
// driver - Performs native allocations against the device
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, layout *DeviceMemoryLayout, driver Driver, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		return nil, errors.New("a logger must be provided")
	}
	if layout == nil {
		return nil, errors.New("a device memory layout must be provided")
	}
	if driver == nil {
		return nil, errors.New("a driver must be provided")
	}

	allocator := &Allocator{
		logger:      logger,
		mutex:       utils.OptionalMutex{UseMutex: options.Flags&AllocatorCreateExternallySynchronized == 0},
		layout:      layout,
		driver:      driver,
		createFlags: options.Flags,
		memoryTypes: make([]memoryType, layout.MemoryTypeCount()),
	}
	allocator.callbacks = memoryCallbacks{
		Callbacks: options.MemoryCallbackOptions,
		Allocator: allocator,
	}

	for typeIndex := range allocator.memoryTypes {
		properties := layout.MemoryTypeProperties(typeIndex)
		allocator.memoryTypes[typeIndex] = memoryType{
			index:      typeIndex,
			heapIndex:  properties.HeapIndex,
			properties: properties,
		}
	}

	logger.Debug("Allocator::New",
		slog.Int("MemoryTypeCount", layout.MemoryTypeCount()),
		slog.Int("MemoryHeapCount", layout.MemoryHeapCount()),
		slog.String("Flags", options.Flags.String()),
	)

	return allocator, nil
}
