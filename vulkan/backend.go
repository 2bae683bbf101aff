package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/dxbackend/cmdstream"
	"github.com/vkngwrapper/dxbackend/config"
	"github.com/vkngwrapper/dxbackend/immediate"
	"github.com/vkngwrapper/dxbackend/memory"
	"golang.org/x/exp/slog"
)

// BackendOptions contains the native objects and settings needed to create a Backend
type BackendOptions struct {
	// AppName selects the built-in and user config sections. It defaults to the executable name.
	AppName string
	// Config replaces the config that would otherwise be loaded from the environment
	Config *config.Config

	PhysicalDevice   core1_0.PhysicalDevice
	Device           core1_0.Device
	Queue            core1_0.Queue
	QueueFamilyIndex int
	VulkanCallbacks  *driver.AllocationCallbacks
	Recorder         Recorder

	AllocatorOptions memory.CreateOptions
	EngineOptions    cmdstream.EngineOptions
}

// Backend owns the allocator, engine, and immediate context for one device
type Backend struct {
	Config    config.Config
	Allocator *memory.Allocator
	Engine    *cmdstream.Engine
	Context   *immediate.Context

	device *Device
}

// NewBackend loads config, builds the memory layout, and starts an engine on the provided queue
func NewBackend(logger *slog.Logger, options BackendOptions) (*Backend, error) {
	if logger == nil {
		return nil, errors.New("a logger must be provided")
	}
	if options.PhysicalDevice == nil || options.Device == nil || options.Queue == nil {
		return nil, errors.New("a physical device, device, and queue must be provided")
	}

	var cfg config.Config
	if options.Config != nil {
		cfg = *options.Config
	} else {
		appName := options.AppName
		if appName == "" {
			appName = config.ExecutableName()
		}

		var err error
		cfg, err = config.Load(logger, appName)
		if err != nil {
			return nil, err
		}
	}

	layout, err := NewDeviceMemoryLayout(options.PhysicalDevice, memory.LayoutOptionsFromConfig(cfg))
	if err != nil {
		return nil, err
	}

	extensions := NewExtensionData(options.Device, cfg.GetTristate("dxvk.memoryPriority", config.TristateAuto))
	allocator, err := memory.New(logger, layout, NewDriver(options.Device, options.VulkanCallbacks, extensions), options.AllocatorOptions)
	if err != nil {
		return nil, err
	}

	device, err := NewDevice(logger, options.Device, options.Queue, options.QueueFamilyIndex, options.VulkanCallbacks, options.Recorder)
	if err != nil {
		return nil, errors.CombineErrors(err, allocator.Destroy())
	}

	engine, err := cmdstream.NewEngine(logger, device, options.EngineOptions)
	if err != nil {
		device.Destroy()
		return nil, errors.CombineErrors(err, allocator.Destroy())
	}

	ctx, err := immediate.NewContext(logger, engine, allocator, immediate.OptionsFromConfig(cfg))
	if err != nil {
		err = errors.CombineErrors(err, engine.Close())
		device.Destroy()
		return nil, errors.CombineErrors(err, allocator.Destroy())
	}

	return &Backend{
		Config:    cfg,
		Allocator: allocator,
		Engine:    engine,
		Context:   ctx,
		device:    device,
	}, nil
}

// NewDeferredContext creates a deferred context that records for this backend's engine
func (b *Backend) NewDeferredContext(logger *slog.Logger) (*immediate.DeferredContext, error) {
	return immediate.NewDeferredContext(logger, b.Engine, immediate.OptionsFromConfig(b.Config))
}

// Close waits for the device to finish all work and releases everything the backend owns. Buffers
// that are still alive are reported as leaks by the allocator.
func (b *Backend) Close() error {
	err := b.Context.Close()
	err = errors.CombineErrors(err, b.Engine.Close())
	b.device.Destroy()
	return errors.CombineErrors(err, b.Allocator.Destroy())
}
