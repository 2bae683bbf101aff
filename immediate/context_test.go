package immediate_test

import (
	"io"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/dxbackend/cmdstream"
	"github.com/vkngwrapper/dxbackend/cmdstream/mocks"
	"github.com/vkngwrapper/dxbackend/config"
	"github.com/vkngwrapper/dxbackend/immediate"
	"github.com/vkngwrapper/dxbackend/memory"
	memmocks "github.com/vkngwrapper/dxbackend/memory/mocks"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

type texture struct {
	cmdstream.Resource
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2023, 7, 1, 12, 0, 0, 0, time.UTC)}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func readyEngine(t *testing.T, device cmdstream.Device) *cmdstream.Engine {
	engine, err := cmdstream.NewEngine(discardLogger(), device, cmdstream.EngineOptions{})
	require.NoError(t, err)

	return engine
}

func readyContext(t *testing.T, engine *cmdstream.Engine, allocator *memory.Allocator, options immediate.Options) *immediate.Context {
	ctx, err := immediate.NewContext(discardLogger(), engine, allocator, options)
	require.NoError(t, err)

	return ctx
}

// Type 0 is device-local, type 1 is host-visible and backed by real host memory
func readyAllocator(t *testing.T, ctrl *gomock.Controller) *memory.Allocator {
	layout, err := memory.NewDeviceMemoryLayout(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 1},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 16 * 1024 * 1024, Flags: core1_0.MemoryHeapDeviceLocal},
			{Size: 16 * 1024 * 1024},
		},
	}, memory.LayoutOptions{})
	require.NoError(t, err)

	driver := memmocks.NewMockDriver(ctrl)
	driver.EXPECT().AllocateDeviceMemory(gomock.Any()).DoAndReturn(
		func(info memory.AllocateInfo) (memory.DeviceMemory, common.VkResult, error) {
			deviceMemory := memmocks.NewMockDeviceMemory(ctrl)
			if info.MemoryTypeIndex == 1 {
				data := make([]byte, info.Size)
				deviceMemory.EXPECT().Map(0, -1, core1_0.MemoryMapFlags(0)).Return(unsafe.Pointer(&data[0]), core1_0.VKSuccess, nil)
				deviceMemory.EXPECT().Unmap().AnyTimes()
			}
			return deviceMemory, core1_0.VKSuccess, nil
		}).AnyTimes()
	driver.EXPECT().FreeDeviceMemory(gomock.Any()).AnyTimes()

	allocator, err := memory.New(discardLogger(), layout, driver, memory.CreateOptions{})
	require.NoError(t, err)

	return allocator
}

func bufferInfo(memoryTypeBits uint32, flags core1_0.MemoryPropertyFlags) cmdstream.BufferInfo {
	return cmdstream.BufferInfo{
		Requirements: memory.Requirements{
			Size:           4096,
			Alignment:      256,
			MemoryTypeBits: memoryTypeBits,
		},
		Flags: flags,
	}
}

func codes(commands []cmdstream.Command) []uint32 {
	result := make([]uint32, 0, len(commands))
	for _, command := range commands {
		result = append(result, command.Code)
	}
	return result
}

func TestFlushPolicyCadence(t *testing.T) {
	policy := immediate.DefaultFlushPolicy
	require.Equal(t, 750*time.Microsecond, policy.FlushDelay(0))
	require.Equal(t, 1250*time.Microsecond, policy.FlushDelay(2))

	for pending := 1; pending <= policy.MaxPendingSubmits+4; pending++ {
		require.Greater(t, policy.FlushDelay(pending), policy.FlushDelay(pending-1))
	}

	require.False(t, policy.ShouldFlush(false, 0, 749*time.Microsecond))
	require.True(t, policy.ShouldFlush(false, 0, 750*time.Microsecond))
	require.False(t, policy.ShouldFlush(false, 6, 2*time.Millisecond))
	require.True(t, policy.ShouldFlush(false, 6, 2250*time.Microsecond))
	require.False(t, policy.ShouldFlush(false, 7, time.Hour))
	require.True(t, policy.ShouldFlush(true, 7, time.Hour))
	require.False(t, policy.ShouldFlush(true, 7, 2*time.Millisecond))
}

func TestBoundedYielder(t *testing.T) {
	yielder := immediate.NewBoundedYielder(3)
	require.True(t, yielder.Yield())
	require.True(t, yielder.Yield())
	require.True(t, yielder.Yield())
	require.False(t, yielder.Yield())
	require.Equal(t, 3, yielder.Count())

	require.True(t, immediate.SchedYielder{}.Yield())
}

func TestOptionsFromConfig(t *testing.T) {
	options := immediate.OptionsFromConfig(config.New(map[string]string{
		"d3d11.allowMapFlagNoWait": "True",
		"d3d11.relaxedBarriers":    "True",
		"d3d11.dcSingleUseMode":    "False",
	}))
	require.True(t, options.AllowMapFlagNoWait)
	require.True(t, options.RelaxedBarriers)
	require.False(t, options.DcSingleUseMode)

	options = immediate.OptionsFromConfig(config.Config{})
	require.False(t, options.AllowMapFlagNoWait)
	require.False(t, options.RelaxedBarriers)
	require.True(t, options.DcSingleUseMode)
}

func TestMapTypeString(t *testing.T) {
	require.Equal(t, "MapWriteDiscard", immediate.MapWriteDiscard.String())
	require.Equal(t, "MapType(9)", immediate.MapType(9).String())
	require.Equal(t, "MapFlagDoNotWait", immediate.MapFlagDoNotWait.String())
}

func TestContextRelaxedBarriers(t *testing.T) {
	device := mocks.NewFakeDevice()
	device.SetAutoComplete(true)
	engine := readyEngine(t, device)
	ctx := readyContext(t, engine, nil, immediate.Options{RelaxedBarriers: true})

	require.NoError(t, ctx.EmitCommand(cmdstream.Command{Code: 1}))
	require.NoError(t, ctx.Flush())
	require.NoError(t, ctx.SynchronizeCs())

	lists := device.Lists()
	require.Len(t, lists, 1)
	require.Equal(t, cmdstream.BarrierControlIgnoreWriteAfterWrite, lists[0].Barrier())
	require.Equal(t, []uint32{1}, codes(lists[0].Commands()))

	require.NoError(t, ctx.Close())
	require.NoError(t, engine.Close())
}

func TestContextFlushWithoutWork(t *testing.T) {
	device := mocks.NewFakeDevice()
	device.SetAutoComplete(true)
	engine := readyEngine(t, device)
	ctx := readyContext(t, engine, nil, immediate.Options{})

	require.NoError(t, ctx.Flush())
	require.NoError(t, ctx.SynchronizeCs())
	require.Equal(t, 1, device.CommitCount())
	require.False(t, ctx.IsBusy())

	// Nothing recorded since the last flush
	require.NoError(t, ctx.Flush())
	require.NoError(t, ctx.SynchronizeCs())
	require.Equal(t, 1, device.CommitCount())

	require.NoError(t, ctx.FlushCsChunk())
	require.False(t, ctx.IsBusy())

	require.NoError(t, ctx.Close())
	require.NoError(t, engine.Close())
}

func TestContextWaitForResourceNoWait(t *testing.T) {
	device := mocks.NewFakeDevice()
	engine := readyEngine(t, device)
	ctx := readyContext(t, engine, nil, immediate.Options{AllowMapFlagNoWait: true})

	resource := &texture{}
	require.NoError(t, ctx.EmitCommand(cmdstream.Command{Code: 1}, resource))
	require.NoError(t, ctx.Flush())

	available, err := ctx.WaitForResource(resource, immediate.MapFlagDoNotWait)
	require.NoError(t, err)
	require.False(t, available)

	device.CompleteAll()
	ctx.SynchronizeDevice()

	available, err = ctx.WaitForResource(resource, immediate.MapFlagDoNotWait)
	require.NoError(t, err)
	require.True(t, available)

	require.NoError(t, ctx.Close())
	require.NoError(t, engine.Close())
}

func TestContextWaitForResourceIgnoresNoWaitUnlessAllowed(t *testing.T) {
	device := mocks.NewFakeDevice()
	engine := readyEngine(t, device)
	yielder := immediate.NewBoundedYielder(10)
	ctx := readyContext(t, engine, nil, immediate.Options{Yielder: yielder})

	resource := &texture{}
	require.NoError(t, ctx.EmitCommand(cmdstream.Command{Code: 1}, resource))

	available, err := ctx.WaitForResource(resource, immediate.MapFlagDoNotWait)
	require.NoError(t, err)
	require.False(t, available)
	require.Equal(t, 10, yielder.Count())

	// The blocking path flushed the work that uses the resource
	require.Equal(t, 1, device.CommitCount())
	require.True(t, resource.IsInUse())

	device.CompleteAll()
	require.NoError(t, ctx.Close())
	require.False(t, resource.IsInUse())
	require.NoError(t, engine.Close())
}

func TestContextWaitForResourceBlocks(t *testing.T) {
	device := mocks.NewFakeDevice()
	device.SetAutoComplete(true)
	engine := readyEngine(t, device)
	ctx := readyContext(t, engine, nil, immediate.Options{})

	resource := &texture{}
	available, err := ctx.WaitForResource(resource, 0)
	require.NoError(t, err)
	require.True(t, available)

	require.NoError(t, ctx.EmitCommand(cmdstream.Command{Code: 1}, resource))

	available, err = ctx.WaitForResource(resource, 0)
	require.NoError(t, err)
	require.True(t, available)
	require.False(t, resource.IsInUse())

	require.NoError(t, ctx.Close())
	require.NoError(t, engine.Close())
}

func TestContextFlushImplicitCadence(t *testing.T) {
	device := mocks.NewFakeDevice()
	engine := readyEngine(t, device)
	clock := newFakeClock()
	ctx := readyContext(t, engine, nil, immediate.Options{Clock: clock})

	require.NoError(t, ctx.Flush())
	require.NoError(t, ctx.SynchronizeCs())
	require.Equal(t, 1, device.CommitCount())
	require.Equal(t, 1, engine.PendingSubmissions())

	require.NoError(t, ctx.EmitCommand(cmdstream.Command{Code: 1}))

	// One pending submission widens the interval to 1ms
	clock.Advance(900 * time.Microsecond)
	require.NoError(t, ctx.FlushImplicit(false))
	require.NoError(t, ctx.SynchronizeCs())
	require.Equal(t, 1, device.CommitCount())

	clock.Advance(100 * time.Microsecond)
	require.NoError(t, ctx.FlushImplicit(false))
	require.NoError(t, ctx.SynchronizeCs())
	require.Equal(t, 2, device.CommitCount())

	device.CompleteAll()
	require.NoError(t, ctx.Close())
	require.NoError(t, engine.Close())
}

func TestContextFlushImplicitBacklog(t *testing.T) {
	device := mocks.NewFakeDevice()
	engine := readyEngine(t, device)
	clock := newFakeClock()
	ctx := readyContext(t, engine, nil, immediate.Options{
		Clock: clock,
		Policy: immediate.FlushPolicy{
			MinFlushInterval:  time.Millisecond,
			IncFlushInterval:  time.Millisecond,
			MaxPendingSubmits: 0,
		},
	})

	require.NoError(t, ctx.Flush())
	require.NoError(t, ctx.SynchronizeCs())
	require.NoError(t, ctx.EmitCommand(cmdstream.Command{Code: 1}))

	clock.Advance(time.Hour)
	require.NoError(t, ctx.FlushImplicit(false))
	require.NoError(t, ctx.SynchronizeCs())
	require.Equal(t, 1, device.CommitCount())

	require.NoError(t, ctx.FlushImplicit(true))
	require.NoError(t, ctx.SynchronizeCs())
	require.Equal(t, 2, device.CommitCount())

	device.CompleteAll()
	require.NoError(t, ctx.Close())
	require.NoError(t, engine.Close())
}

func TestContextMapBuffer(t *testing.T) {
	ctrl := gomock.NewController(t)
	allocator := readyAllocator(t, ctrl)

	device := mocks.NewFakeDevice()
	engine := readyEngine(t, device)
	ctx := readyContext(t, engine, allocator, immediate.Options{AllowMapFlagNoWait: true})

	buffer, err := ctx.CreateBuffer(bufferInfo(2, core1_0.MemoryPropertyHostVisible))
	require.NoError(t, err)

	data, err := ctx.MapBuffer(buffer, immediate.MapWrite, 0)
	require.NoError(t, err)
	require.Len(t, data, 4096)
	data[0] = 17

	require.NoError(t, ctx.EmitCommand(cmdstream.Command{Code: 1}, buffer))
	require.NoError(t, ctx.Flush())

	_, err = ctx.MapBuffer(buffer, immediate.MapRead, immediate.MapFlagDoNotWait)
	require.ErrorIs(t, err, immediate.ErrWasStillDrawing)

	data, err = ctx.MapBuffer(buffer, immediate.MapWriteNoOverwrite, immediate.MapFlagDoNotWait)
	require.NoError(t, err)
	require.Equal(t, byte(17), data[0])

	original := buffer.MappedSlice()
	data, err = ctx.MapBuffer(buffer, immediate.MapWriteDiscard, 0)
	require.NoError(t, err)
	require.Len(t, data, 4096)
	require.NotSame(t, original, buffer.MappedSlice())
	require.Equal(t, 2, allocator.Stats().AllocationCount)

	require.NoError(t, ctx.Flush())
	require.NoError(t, ctx.SynchronizeCs())
	require.False(t, original.Memory().IsFreed())

	device.CompleteAll()
	ctx.SynchronizeDevice()
	require.True(t, original.Memory().IsFreed())
	require.Equal(t, 1, allocator.Stats().AllocationCount)

	require.NoError(t, ctx.DestroyBuffer(buffer))
	device.SetAutoComplete(true)
	require.NoError(t, ctx.Close())
	require.Equal(t, 0, allocator.Stats().AllocationCount)

	require.NoError(t, engine.Close())
	require.NoError(t, allocator.Destroy())
}

func TestContextDroppedBatchReleasesSlices(t *testing.T) {
	ctrl := gomock.NewController(t)
	allocator := readyAllocator(t, ctrl)

	device := mocks.NewFakeDevice()
	device.SetAutoComplete(true)
	engine := readyEngine(t, device)
	ctx := readyContext(t, engine, allocator, immediate.Options{})

	buffer, err := ctx.CreateBuffer(bufferInfo(2, core1_0.MemoryPropertyHostVisible))
	require.NoError(t, err)
	require.NoError(t, ctx.DiscardBuffer(buffer))
	require.Equal(t, 2, allocator.Stats().AllocationCount)

	require.NoError(t, engine.Close())
	require.ErrorIs(t, ctx.FlushCsChunk(), cmdstream.ErrEngineClosed)

	// Only the physical slice is left once the producer lets go of the discarded one
	require.NoError(t, ctx.DestroyBuffer(buffer))
	require.Equal(t, 1, allocator.Stats().AllocationCount)
	require.False(t, buffer.PhysicalSlice().Memory().IsFreed())
}

func TestContextMapBufferNotMappable(t *testing.T) {
	ctrl := gomock.NewController(t)
	allocator := readyAllocator(t, ctrl)

	device := mocks.NewFakeDevice()
	device.SetAutoComplete(true)
	engine := readyEngine(t, device)
	ctx := readyContext(t, engine, allocator, immediate.Options{})

	buffer, err := ctx.CreateBuffer(bufferInfo(1, core1_0.MemoryPropertyDeviceLocal))
	require.NoError(t, err)

	_, err = ctx.MapBuffer(buffer, immediate.MapWrite, 0)
	require.ErrorIs(t, err, immediate.ErrNotMappable)

	require.NoError(t, ctx.DiscardBuffer(buffer))
	require.NoError(t, ctx.DestroyBuffer(buffer))
	require.NoError(t, ctx.Close())
	require.Equal(t, 0, allocator.Stats().AllocationCount)

	require.NoError(t, engine.Close())
}

func TestContextQueries(t *testing.T) {
	device := mocks.NewFakeDevice()
	engine := readyEngine(t, device)
	clock := newFakeClock()
	ctx := readyContext(t, engine, nil, immediate.Options{Clock: clock})

	query := cmdstream.NewQuery()
	require.NoError(t, ctx.EndQuery(query))

	// The strong hint flushed, since nothing had been flushed before
	require.NoError(t, ctx.SynchronizeCs())
	require.Equal(t, 1, device.CommitCount())

	require.ErrorIs(t, ctx.GetData(query), immediate.ErrNotReady)
	require.ErrorIs(t, ctx.GetData(query), immediate.ErrNotReady)

	device.CompleteAll()
	ctx.SynchronizeDevice()
	require.NoError(t, ctx.GetData(query))

	// Too soon after the last flush for the strong hint
	require.NoError(t, ctx.EndQuery(query))
	require.NoError(t, ctx.SynchronizeCs())
	require.Equal(t, 1, device.CommitCount())
	require.False(t, query.IsStalling())

	require.ErrorIs(t, ctx.GetData(query), immediate.ErrNotReady)
	require.True(t, query.IsStalling())

	// Stalling queries flush right away
	require.NoError(t, ctx.EndQuery(query))
	require.NoError(t, ctx.SynchronizeCs())
	require.Equal(t, 2, device.CommitCount())

	device.CompleteAll()
	require.NoError(t, ctx.Close())
	require.NoError(t, ctx.GetData(query))
	require.NoError(t, engine.Close())
}

func TestContextExecuteCommandList(t *testing.T) {
	device := mocks.NewFakeDevice()
	device.SetAutoComplete(true)
	engine := readyEngine(t, device)
	clock := newFakeClock()
	ctx := readyContext(t, engine, nil, immediate.Options{Clock: clock})

	deferred, err := immediate.NewDeferredContext(discardLogger(), engine, immediate.Options{DcSingleUseMode: false})
	require.NoError(t, err)

	resource := &texture{}
	deferred.EmitCommand(cmdstream.Command{Code: 2}, resource)
	deferred.EmitCommand(cmdstream.Command{Code: 3})
	list := deferred.Finish()
	require.Equal(t, 1, list.Len())
	require.False(t, list.IsSingleUse())

	require.NoError(t, ctx.EmitCommand(cmdstream.Command{Code: 0}))
	require.NoError(t, ctx.Flush())

	// The clock has not moved since the last flush, so executing does not flush implicitly
	require.NoError(t, ctx.EmitCommand(cmdstream.Command{Code: 1}))
	require.NoError(t, ctx.ExecuteCommandList(list))
	require.True(t, ctx.IsBusy())
	require.NoError(t, ctx.ExecuteCommandList(list))
	require.NoError(t, ctx.Flush())
	require.NoError(t, ctx.SynchronizeCs())

	lists := device.Lists()
	require.Len(t, lists, 2)
	require.Equal(t, []uint32{0}, codes(lists[0].Commands()))
	require.Equal(t, []uint32{1, 2, 3, 2, 3}, codes(lists[1].Commands()))

	require.NoError(t, list.Release())
	require.Error(t, ctx.ExecuteCommandList(list))

	require.NoError(t, ctx.Close())
	require.False(t, resource.IsInUse())
	require.NoError(t, engine.Close())
}

func TestContextExecuteCommandListFlushesImmediateWork(t *testing.T) {
	device := mocks.NewFakeDevice()
	device.SetAutoComplete(true)
	engine := readyEngine(t, device)
	ctx := readyContext(t, engine, nil, immediate.Options{Clock: newFakeClock()})

	deferred, err := immediate.NewDeferredContext(discardLogger(), engine, immediate.Options{DcSingleUseMode: true})
	require.NoError(t, err)

	deferred.EmitCommand(cmdstream.Command{Code: 4})
	list := deferred.Finish()

	// Nothing has been flushed yet, so the immediate work is flushed ahead of the command list
	require.NoError(t, ctx.EmitCommand(cmdstream.Command{Code: 5}))
	require.NoError(t, ctx.ExecuteCommandList(list))
	require.NoError(t, ctx.Close())

	lists := device.Lists()
	require.Len(t, lists, 2)
	require.Equal(t, []uint32{5}, codes(lists[0].Commands()))
	require.Equal(t, []uint32{4}, codes(lists[1].Commands()))
	require.NoError(t, engine.Close())
}

func TestContextExecuteSingleUseCommandList(t *testing.T) {
	device := mocks.NewFakeDevice()
	device.SetAutoComplete(true)
	engine := readyEngine(t, device)
	clock := newFakeClock()
	ctx := readyContext(t, engine, nil, immediate.Options{Clock: clock})

	deferred, err := immediate.NewDeferredContext(discardLogger(), engine, immediate.Options{DcSingleUseMode: true})
	require.NoError(t, err)

	deferred.EmitCommand(cmdstream.Command{Code: 4})
	list := deferred.Finish()
	require.True(t, list.IsSingleUse())

	require.NoError(t, ctx.EmitCommand(cmdstream.Command{Code: 0}))
	require.NoError(t, ctx.Flush())

	require.NoError(t, ctx.ExecuteCommandList(list))
	require.ErrorIs(t, ctx.ExecuteCommandList(list), immediate.ErrCommandListExecuted)
	require.NoError(t, list.Release())

	require.NoError(t, ctx.Close())

	lists := device.Lists()
	require.Len(t, lists, 2)
	require.Equal(t, []uint32{4}, codes(lists[1].Commands()))
	require.NoError(t, engine.Close())
}
