package memory

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/dxbackend/internal/utils"
	"github.com/vkngwrapper/dxbackend/memutils"
	"golang.org/x/exp/slog"
)

// Requirements describes the size, alignment, and acceptable memory types of a resource, along with its
// dedicated allocation hints
type Requirements struct {
	Size      int
	Alignment uint
	// MemoryTypeBits has bit i set if memory type i is acceptable
	MemoryTypeBits uint32

	PrefersDedicated  bool
	RequiresDedicated bool
}

// RequirementsFromVulkan converts native memory requirements into a Requirements object
func RequirementsFromVulkan(requirements core1_0.MemoryRequirements, prefersDedicated, requiresDedicated bool) Requirements {
	return Requirements{
		Size:              requirements.Size,
		Alignment:         uint(requirements.Alignment),
		MemoryTypeBits:    requirements.MemoryTypeBits,
		PrefersDedicated:  prefersDedicated,
		RequiresDedicated: requiresDedicated,
	}
}

type memoryType struct {
	index      int
	heapIndex  int
	properties core1_0.MemoryType

	chunks    []*allocationChunk
	dedicated dedicatedMemoryList
}

// Allocator serves device memory to resources. Small requests are placed in large shared chunks, one
// list of chunks per memory type, and large requests receive their own native allocation. Every
// operation on the allocator runs under a single lock unless the allocator was created with
// AllocatorCreateExternallySynchronized.
type Allocator struct {
	logger      *slog.Logger
	mutex       utils.OptionalMutex
	layout      *DeviceMemoryLayout
	driver      Driver
	callbacks   memoryCallbacks
	createFlags CreateFlags

	memoryTypes []memoryType
	destroyed   bool
}

// Layout returns the device memory layout this allocator was created with
func (a *Allocator) Layout() *DeviceMemoryLayout {
	return a.layout
}

// Allocate returns a range of device memory that satisfies the provided requirements and has at least the
// requested property flags. When the request cannot be served with the requested flags and the flags
// include device-local or host-cached, both are stripped and the request is retried. If every attempt
// fails, the heaps are logged and an *AllocationFailure is returned.
//
// dedicated - The resource this memory will be bound to. It is only used when the requirements hint at
// a dedicated allocation.
//
// priority - A value between 0 and 1, used for device-local memory only
func (a *Allocator) Allocate(req Requirements, dedicated DedicatedTarget, flags core1_0.MemoryPropertyFlags, priority float32) (*Memory, error) {
	a.logger.Debug("Allocator::Allocate",
		slog.Int("Size", req.Size),
		slog.Int("Alignment", int(req.Alignment)),
		slog.String("Flags", flags.String()),
		slog.Bool("PrefersDedicated", req.PrefersDedicated),
		slog.Bool("RequiresDedicated", req.RequiresDedicated),
	)

	if req.Size < 1 {
		return nil, errors.Newf("attempted to allocate %d bytes", req.Size)
	}
	if req.Alignment > 0 {
		err := memutils.CheckPow2(req.Alignment, "Requirements.Alignment")
		if err != nil {
			return nil, err
		}
	}
	if dedicated.Buffer != nil && dedicated.Image != nil {
		return nil, errors.New("both buffer and image were passed in- only one is permitted")
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return nil, errors.New("attempted to allocate from a destroyed allocator")
	}

	dedicatedHint := req.PrefersDedicated || req.RequiresDedicated
	mem := a.tryAlloc(req, dedicated, dedicatedHint, flags, priority)

	if mem == nil && dedicatedHint && !req.RequiresDedicated {
		a.logger.Debug("  Allocator::Allocate retrying without dedicated allocation")
		dedicatedHint = false
		mem = a.tryAlloc(req, dedicated, dedicatedHint, flags, priority)
	}

	optionalFlags := core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostCached
	if mem == nil && flags&optionalFlags != 0 {
		a.logger.Debug("  Allocator::Allocate retrying without optional property flags")
		mem = a.tryAlloc(req, dedicated, dedicatedHint, flags&^optionalFlags, priority)
	}

	if mem == nil {
		return nil, a.allocationFailed(req, flags)
	}

	a.layout.addAllocation(mem.memoryType.heapIndex, mem.length)
	return mem, nil
}

func (a *Allocator) allocationFailed(req Requirements, flags core1_0.MemoryPropertyFlags) error {
	failure := &AllocationFailure{
		Size:           req.Size,
		Alignment:      req.Alignment,
		Flags:          flags,
		MemoryTypeBits: req.MemoryTypeBits,
		Heaps:          a.layout.AllHeapStats(),
	}

	ctx := context.Background()
	a.logger.LogAttrs(ctx, slog.LevelError, "Memory allocation failed",
		slog.Int("Size", req.Size),
		slog.Int("Alignment", int(req.Alignment)),
		slog.String("MemoryFlags", flags.String()),
		slog.String("MemoryTypes", fmt.Sprintf("%#x", req.MemoryTypeBits)),
	)

	for _, heap := range failure.Heaps {
		a.logger.LogAttrs(ctx, slog.LevelError, fmt.Sprintf("Heap %d", heap.HeapIndex),
			slog.Int("AllocatedMB", heap.Allocated>>20),
			slog.Int("UsedMB", heap.Used>>20),
			slog.Int("AvailableMB", heap.Capacity>>20),
		)
	}

	return failure
}

func (a *Allocator) tryAlloc(
	req Requirements,
	dedicated DedicatedTarget,
	dedicatedHint bool,
	flags core1_0.MemoryPropertyFlags,
	priority float32,
) *Memory {
	for typeIndex := range a.memoryTypes {
		memType := &a.memoryTypes[typeIndex]

		if req.MemoryTypeBits&(1<<typeIndex) == 0 {
			continue
		}
		if memType.properties.PropertyFlags&flags != flags {
			continue
		}

		mem := a.tryAllocFromType(memType, flags, req.Size, req.Alignment, priority, dedicatedHint, dedicated)
		if mem != nil {
			return mem
		}
	}

	return nil
}

func (a *Allocator) tryAllocFromType(
	memType *memoryType,
	flags core1_0.MemoryPropertyFlags,
	size int,
	alignment uint,
	priority float32,
	dedicatedHint bool,
	dedicated DedicatedTarget,
) *Memory {
	chunkSize := a.layout.ChunkSize(memType.heapIndex)

	if flags&core1_0.MemoryPropertyDeviceLocal == 0 {
		priority = 0
	}

	a.logger.Debug("Allocator::tryAllocFromType",
		slog.Int("MemoryTypeIndex", memType.index),
		slog.Int("Size", size),
		slog.Int("ChunkSize", chunkSize),
	)

	if size >= chunkSize/4 || dedicatedHint {
		var target *DedicatedTarget
		if dedicatedHint && !dedicated.IsEmpty() {
			target = &dedicated
		}

		return a.allocDedicated(memType, size, priority, target)
	}

	for _, chunk := range memType.chunks {
		offset, length, success := chunk.alloc(flags, size, alignment, priority)
		if success {
			return a.chunkMemory(chunk, offset, length)
		}
	}

	deviceMemory, mapPtr, success := a.tryAllocDeviceMemory(memType, chunkSize, priority, nil)
	if !success {
		return nil
	}

	chunk := newAllocationChunk(a.logger, memType, deviceMemory, mapPtr, chunkSize, flags, priority)
	memType.chunks = append(memType.chunks, chunk)

	offset, length, success := chunk.alloc(flags, size, alignment, priority)
	if success {
		return a.chunkMemory(chunk, offset, length)
	}

	a.logger.Debug("  Allocator::tryAllocFromType fresh chunk could not place the request")
	return a.allocDedicated(memType, size, priority, nil)
}

func (a *Allocator) chunkMemory(chunk *allocationChunk, offset, length int) *Memory {
	return &Memory{
		allocator:  a,
		chunk:      chunk,
		memoryType: chunk.memoryType,
		memory:     chunk.memory,
		offset:     offset,
		length:     length,
		mapPtr:     chunk.mapPtrAt(offset),
	}
}

func (a *Allocator) allocDedicated(memType *memoryType, size int, priority float32, target *DedicatedTarget) *Memory {
	deviceMemory, mapPtr, success := a.tryAllocDeviceMemory(memType, size, priority, target)
	if !success {
		return nil
	}

	mem := &Memory{
		allocator:  a,
		memoryType: memType,
		memory:     deviceMemory,
		offset:     0,
		length:     size,
		mapPtr:     mapPtr,
	}
	memType.dedicated.Register(mem)

	a.logger.Debug("  Allocated as DedicatedMemory", slog.Int("MemoryTypeIndex", memType.index), slog.Int("Size", size))
	return mem
}

func (a *Allocator) tryAllocDeviceMemory(memType *memoryType, size int, priority float32, target *DedicatedTarget) (DeviceMemory, unsafe.Pointer, bool) {
	info := AllocateInfo{
		MemoryTypeIndex: memType.index,
		Size:            size,
		Dedicated:       target,
	}

	if memType.properties.PropertyFlags&core1_0.MemoryPropertyDeviceLocal != 0 {
		info.Priority = &priority
	}

	deviceMemory, res, err := a.driver.AllocateDeviceMemory(info)
	if err != nil {
		a.logger.Debug("    Allocator::tryAllocDeviceMemory FAILED",
			slog.Int("MemoryTypeIndex", memType.index),
			slog.Int("Size", size),
			slog.String("Result", res.String()),
			slog.Any("error", err),
		)
		return nil, nil, false
	}

	var mapPtr unsafe.Pointer
	if memType.properties.PropertyFlags&core1_0.MemoryPropertyHostVisible != 0 {
		mapPtr, res, err = deviceMemory.Map(0, common.WholeSize, 0)
		if err != nil {
			a.logger.LogAttrs(context.Background(), slog.LevelError, "Failed to map device memory",
				slog.Int("MemoryTypeIndex", memType.index),
				slog.Int("Size", size),
				slog.String("Result", res.String()),
				slog.Any("error", err),
			)
			a.driver.FreeDeviceMemory(deviceMemory)
			return nil, nil, false
		}
	}

	a.layout.addDeviceAllocation(memType.heapIndex, size)
	a.callbacks.Allocate(memType.index, deviceMemory, size)

	return deviceMemory, mapPtr, true
}

func (a *Allocator) freeDeviceMemory(memType *memoryType, deviceMemory DeviceMemory, size int, mapped bool) {
	a.callbacks.Free(memType.index, deviceMemory, size)

	if mapped {
		deviceMemory.Unmap()
	}
	a.driver.FreeDeviceMemory(deviceMemory)
	a.layout.removeDeviceAllocation(memType.heapIndex, size)
}

func (a *Allocator) free(mem *Memory) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return
	}

	if mem.chunk != nil {
		mem.chunk.free(mem.offset, mem.length)
	} else {
		mem.memoryType.dedicated.Unregister(mem)
		a.freeDeviceMemory(mem.memoryType, mem.memory, mem.length, mem.mapPtr != nil)
	}

	a.layout.removeAllocation(mem.memoryType.heapIndex, mem.length)
}

// Stats returns the usage counters of every heap, summed together. ChunkBytes is the number of bytes
// allocated from the device and AllocationBytes is the number of bytes handed out to callers.
func (a *Allocator) Stats() memutils.Statistics {
	var stats memutils.Statistics
	for heapIndex := 0; heapIndex < a.layout.MemoryHeapCount(); heapIndex++ {
		deviceAllocations, allocatedBytes, allocations, usedBytes := a.layout.statistics(heapIndex)
		stats.ChunkCount += deviceAllocations
		stats.ChunkBytes += allocatedBytes
		stats.AllocationCount += allocations
		stats.AllocationBytes += usedBytes
	}

	return stats
}

// HeapStats returns a snapshot of every heap's capacity and usage
func (a *Allocator) HeapStats() []HeapStats {
	return a.layout.AllHeapStats()
}

// CalculateStatistics walks every chunk and dedicated allocation and sums detailed statistics into the
// provided object
func (a *Allocator) CalculateStatistics(stats *memutils.DetailedStatistics) {
	stats.Clear()

	a.mutex.Lock()
	defer a.mutex.Unlock()

	for typeIndex := range a.memoryTypes {
		memType := &a.memoryTypes[typeIndex]
		for _, chunk := range memType.chunks {
			chunk.metadata.AddDetailedStatistics(stats)
		}
		memType.dedicated.AddDetailedStatistics(stats)
	}
}

func (a *Allocator) calculateTypeStatistics(memType *memoryType, stats *memutils.DetailedStatistics) {
	stats.Clear()
	for _, chunk := range memType.chunks {
		chunk.metadata.AddDetailedStatistics(stats)
	}
	memType.dedicated.AddDetailedStatistics(stats)
}

func printDetailedStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("ChunkCount").Int(stats.ChunkCount)
	json.Name("ChunkBytes").Int(stats.ChunkBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)

	if stats.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}

// BuildStatsString returns a JSON document describing every heap and memory type. When detailed is true,
// the document also contains a map of every chunk's regions and every dedicated allocation.
func (a *Allocator) BuildStatsString(detailed bool) string {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	writer := jwriter.NewWriter()
	root := writer.Object()

	var total memutils.DetailedStatistics
	total.Clear()
	typeStats := make([]memutils.DetailedStatistics, len(a.memoryTypes))
	for typeIndex := range a.memoryTypes {
		a.calculateTypeStatistics(&a.memoryTypes[typeIndex], &typeStats[typeIndex])
		total.AddDetailedStatistics(&typeStats[typeIndex])
	}

	totalObj := root.Name("Total").Object()
	printDetailedStatistics(&totalObj, &total)
	totalObj.End()

	heaps := root.Name("MemoryHeaps").Array()
	for heapIndex := 0; heapIndex < a.layout.MemoryHeapCount(); heapIndex++ {
		heapStats := a.layout.HeapStats(heapIndex)
		heapProperties := a.layout.MemoryHeapProperties(heapIndex)

		heapObj := heaps.Object()
		heapObj.Name("HeapIndex").Int(heapIndex)
		heapObj.Name("Flags").String(heapProperties.Flags.String())
		heapObj.Name("Capacity").Int(heapStats.Capacity)
		heapObj.Name("ChunkSize").Int(heapStats.ChunkSize)
		heapObj.Name("Allocated").Int(heapStats.Allocated)
		heapObj.Name("Used").Int(heapStats.Used)

		types := heapObj.Name("MemoryTypes").Array()
		for typeIndex := range a.memoryTypes {
			memType := &a.memoryTypes[typeIndex]
			if memType.heapIndex != heapIndex {
				continue
			}

			typeObj := types.Object()
			typeObj.Name("MemoryTypeIndex").Int(typeIndex)
			typeObj.Name("Flags").String(memType.properties.PropertyFlags.String())
			statsObj := typeObj.Name("Stats").Object()
			printDetailedStatistics(&statsObj, &typeStats[typeIndex])
			statsObj.End()
			typeObj.End()
		}
		types.End()
		heapObj.End()
	}
	heaps.End()

	if detailed {
		detailedMap := root.Name("DetailedMap").Object()
		for typeIndex := range a.memoryTypes {
			memType := &a.memoryTypes[typeIndex]
			if len(memType.chunks) == 0 && memType.dedicated.IsEmpty() {
				continue
			}

			typeObj := detailedMap.Name(fmt.Sprintf("Type %d", typeIndex)).Object()

			chunks := typeObj.Name("Chunks").Array()
			for _, chunk := range memType.chunks {
				chunkObj := chunks.Object()
				chunk.printDetailedMap(&chunkObj)
				chunkObj.End()
			}
			chunks.End()

			dedicatedAllocations := typeObj.Name("DedicatedAllocations").Array()
			memType.dedicated.BuildStatsString(&dedicatedAllocations)
			dedicatedAllocations.End()

			typeObj.End()
		}
		detailedMap.End()
	}

	root.End()
	return string(writer.Bytes())
}

// Validate runs consistency checks on every chunk and dedicated allocation list, and verifies that the
// heap usage counters agree with what the chunks and dedicated allocations actually hold
func (a *Allocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	heapStats := make([]memutils.Statistics, a.layout.MemoryHeapCount())
	for typeIndex := range a.memoryTypes {
		memType := &a.memoryTypes[typeIndex]
		for chunkIndex, chunk := range memType.chunks {
			err := chunk.Validate()
			if err != nil {
				return errors.Wrapf(err, "memory type %d, chunk %d", typeIndex, chunkIndex)
			}
			chunk.metadata.AddStatistics(&heapStats[memType.heapIndex])
		}

		err := memType.dedicated.Validate()
		if err != nil {
			return errors.Wrapf(err, "memory type %d dedicated allocations", typeIndex)
		}
		memType.dedicated.AddStatistics(&heapStats[memType.heapIndex])
	}

	for heapIndex := range heapStats {
		var counters memutils.Statistics
		counters.ChunkCount, counters.ChunkBytes, counters.AllocationCount, counters.AllocationBytes = a.layout.statistics(heapIndex)
		if counters != heapStats[heapIndex] {
			return errors.Newf("heap %d counters report %+v, but its chunks and dedicated allocations hold %+v",
				heapIndex, counters, heapStats[heapIndex])
		}
	}

	return nil
}

// Destroy releases every chunk and dedicated allocation back to the driver. Memory that was never
// freed is logged and an error is returned, but its native memory is released all the same. Memory
// objects must not be used after Destroy.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return nil
	}
	a.destroyed = true

	unreleased := 0
	for typeIndex := range a.memoryTypes {
		memType := &a.memoryTypes[typeIndex]

		for _, chunk := range memType.chunks {
			if !chunk.metadata.IsEmpty() {
				unreleased += chunk.logUnreleasedMemory()
			}
			a.freeDeviceMemory(memType, chunk.memory, chunk.Size(), chunk.mapPtr != nil)
		}
		memType.chunks = nil

		unreleased += memType.dedicated.logUnreleasedMemory(a.logger)
		for mem := memType.dedicated.head; mem != nil; {
			next := mem.nextDedicated
			memType.dedicated.Unregister(mem)
			a.freeDeviceMemory(memType, mem.memory, mem.length, mem.mapPtr != nil)
			mem = next
		}
	}

	if unreleased > 0 {
		return errors.Newf("%d allocations were not freed before the allocator was destroyed", unreleased)
	}

	return nil
}
