package vulkan

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/dxbackend/cmdstream"
	"golang.org/x/exp/slog"
)

const fenceTimeout = time.Duration(math.MaxInt64)

// Recorder turns consumer commands into native commands on a command buffer
type Recorder interface {
	Record(commandBuffer core1_0.CommandBuffer, barrier cmdstream.BarrierControl, command cmdstream.Command) error
}

type commandList struct {
	device        *Device
	commandBuffer core1_0.CommandBuffer
	barrier       cmdstream.BarrierControl
}

func (l *commandList) Begin() error {
	_, err := l.commandBuffer.Begin(core1_0.CommandBufferBeginInfo{
		Flags: core1_0.CommandBufferUsageOneTimeSubmit,
	})
	return err
}

func (l *commandList) Record(command cmdstream.Command) error {
	return l.device.recorder.Record(l.commandBuffer, l.barrier, command)
}

func (l *commandList) SetBarrierControl(control cmdstream.BarrierControl) {
	l.barrier = control
}

func (l *commandList) End() error {
	_, err := l.commandBuffer.End()
	return err
}

func (l *commandList) Release() {
	l.device.freeCommandBuffer(l.commandBuffer)
}

// Device commits command lists to a single queue and reports each submission once its fence signals
type Device struct {
	logger    *slog.Logger
	device    core1_0.Device
	queue     core1_0.Queue
	callbacks *driver.AllocationCallbacks
	recorder  Recorder

	poolMutex   sync.Mutex
	commandPool core1_0.CommandPool

	waiters sync.WaitGroup
}

var _ cmdstream.Device = &Device{}

func NewDevice(
	logger *slog.Logger,
	device core1_0.Device,
	queue core1_0.Queue,
	queueFamilyIndex int,
	callbacks *driver.AllocationCallbacks,
	recorder Recorder,
) (*Device, error) {
	if recorder == nil {
		return nil, errors.New("a recorder must be provided")
	}

	commandPool, _, err := device.CreateCommandPool(callbacks, core1_0.CommandPoolCreateInfo{
		Flags:            core1_0.CommandPoolCreateResetBuffer,
		QueueFamilyIndex: queueFamilyIndex,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create command pool")
	}

	logger.Debug("Device::New", slog.Int("QueueFamilyIndex", queueFamilyIndex))

	return &Device{
		logger:      logger,
		device:      device,
		queue:       queue,
		callbacks:   callbacks,
		recorder:    recorder,
		commandPool: commandPool,
	}, nil
}

func (d *Device) CreateCommandList() (cmdstream.CommandList, error) {
	d.poolMutex.Lock()
	defer d.poolMutex.Unlock()

	commandBuffers, _, err := d.device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        d.commandPool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to allocate command buffer")
	}

	return &commandList{
		device:        d,
		commandBuffer: commandBuffers[0],
	}, nil
}

func (d *Device) freeCommandBuffer(commandBuffer core1_0.CommandBuffer) {
	d.poolMutex.Lock()
	defer d.poolMutex.Unlock()

	d.device.FreeCommandBuffers([]core1_0.CommandBuffer{commandBuffer})
}

// Commit submits the submission's command list with a new fence. A goroutine waits on the fence and
// sends the submission on done once the device has finished it.
func (d *Device) Commit(sub *cmdstream.Submission, done chan<- *cmdstream.Submission) error {
	list, ok := sub.CommandList.(*commandList)
	if !ok {
		return errors.Newf("submission carries a command list from another device: %T", sub.CommandList)
	}

	fence, _, err := d.device.CreateFence(d.callbacks, core1_0.FenceCreateInfo{})
	if err != nil {
		return errors.Wrap(err, "failed to create fence")
	}

	_, err = d.queue.Submit(fence, []core1_0.SubmitInfo{
		{
			CommandBuffers: []core1_0.CommandBuffer{list.commandBuffer},
		},
	})
	if err != nil {
		fence.Destroy(d.callbacks)
		return errors.Wrap(err, "failed to submit command buffer")
	}

	d.waiters.Add(1)
	go d.waitForFence(fence, sub, done)

	return nil
}

func (d *Device) waitForFence(fence core1_0.Fence, sub *cmdstream.Submission, done chan<- *cmdstream.Submission) {
	defer d.waiters.Done()

	res, err := d.device.WaitForFences(true, fenceTimeout, []core1_0.Fence{fence})
	if err != nil {
		d.logger.LogAttrs(context.Background(), slog.LevelError, "Failed to wait for submission",
			slog.String("Result", res.String()),
			slog.Any("error", err))
		sub.Err = err
	}

	fence.Destroy(d.callbacks)
	done <- sub
}

// Destroy waits for every outstanding fence and destroys the command pool. The engine using this
// device must be closed first.
func (d *Device) Destroy() {
	d.waiters.Wait()

	d.poolMutex.Lock()
	defer d.poolMutex.Unlock()

	d.commandPool.Destroy(d.callbacks)
	d.logger.Debug("Device::Destroy")
}
