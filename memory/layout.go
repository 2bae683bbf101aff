package memory

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/dxbackend/config"
)

const (
	// MaxChunkSize is the largest chunk the allocator will ever carve out of a heap
	MaxChunkSize int = 64 * 1024 * 1024
	// minChunkCount is the number of chunks that must fit into a heap. Small heaps get proportionally
	// small chunks so that a single chunk never reserves a large share of the heap.
	minChunkCount int = 16
)

// LayoutOptions contains optional settings used when building a DeviceMemoryLayout
type LayoutOptions struct {
	// MaxChunkSize lowers the chunk size cap below the default of 64MiB. It is ignored when zero,
	// negative, or larger than the default.
	MaxChunkSize int
}

// LayoutOptionsFromConfig reads the "dxvk.maxChunkSize" option, in MiB
func LayoutOptionsFromConfig(cfg config.Config) LayoutOptions {
	return LayoutOptions{
		MaxChunkSize: int(cfg.GetInt("dxvk.maxChunkSize", 0)) * 1024 * 1024,
	}
}

// HeapStats is a snapshot of a single heap's capacity and usage counters
type HeapStats struct {
	HeapIndex int
	// Capacity is the size of the heap reported by the device
	Capacity int
	// ChunkSize is the size of every chunk allocated from this heap
	ChunkSize int
	// Allocated is the number of bytes that have been allocated from the device, including the unused
	// portions of chunks
	Allocated int
	// Used is the number of bytes that have been handed out to callers
	Used int
}

type memoryHeap struct {
	properties core1_0.MemoryHeap
	chunkSize  int

	// Number of real allocations that have been made from device memory
	deviceAllocationCount int32
	// Size of real allocations that have been made from device memory
	allocatedBytes int64
	// Number of live memory handles
	allocationCount int32
	// Size of live memory handles
	usedBytes int64
}

// DeviceMemoryLayout describes the memory heaps and memory types of a device along with the chunk size
// chosen for each heap and the usage counters of each heap. It is built once, when a device is opened,
// and passed to the Allocator that serves that device.
type DeviceMemoryLayout struct {
	heaps []memoryHeap
	types []core1_0.MemoryType
}

func pickChunkSize(heapSize int, maxChunkSize int) int {
	chunkSize := heapSize / minChunkCount
	if chunkSize > maxChunkSize {
		return maxChunkSize
	}
	return chunkSize
}

// NewDeviceMemoryLayout builds a DeviceMemoryLayout from the memory properties reported by a physical device
func NewDeviceMemoryLayout(properties *core1_0.PhysicalDeviceMemoryProperties, options LayoutOptions) (*DeviceMemoryLayout, error) {
	if properties == nil {
		return nil, errors.New("memory properties must not be nil")
	}
	if len(properties.MemoryHeaps) == 0 {
		return nil, errors.New("the device reported no memory heaps")
	}

	maxChunkSize := MaxChunkSize
	if options.MaxChunkSize > 0 && options.MaxChunkSize < maxChunkSize {
		maxChunkSize = options.MaxChunkSize
	}

	layout := &DeviceMemoryLayout{
		heaps: make([]memoryHeap, len(properties.MemoryHeaps)),
		types: make([]core1_0.MemoryType, len(properties.MemoryTypes)),
	}

	for heapIndex, heap := range properties.MemoryHeaps {
		layout.heaps[heapIndex].properties = heap
		layout.heaps[heapIndex].chunkSize = pickChunkSize(heap.Size, maxChunkSize)
	}

	for typeIndex, memoryType := range properties.MemoryTypes {
		if memoryType.HeapIndex < 0 || memoryType.HeapIndex >= len(properties.MemoryHeaps) {
			return nil, errors.Newf("memory type %d refers to heap %d, but the device only has %d heaps",
				typeIndex, memoryType.HeapIndex, len(properties.MemoryHeaps))
		}

		layout.types[typeIndex] = memoryType
	}

	return layout, nil
}

func (l *DeviceMemoryLayout) MemoryTypeCount() int {
	return len(l.types)
}

func (l *DeviceMemoryLayout) MemoryHeapCount() int {
	return len(l.heaps)
}

func (l *DeviceMemoryLayout) MemoryTypeProperties(memoryTypeIndex int) core1_0.MemoryType {
	return l.types[memoryTypeIndex]
}

func (l *DeviceMemoryLayout) MemoryHeapProperties(heapIndex int) core1_0.MemoryHeap {
	return l.heaps[heapIndex].properties
}

func (l *DeviceMemoryLayout) MemoryTypeIndexToHeapIndex(memoryTypeIndex int) int {
	return l.types[memoryTypeIndex].HeapIndex
}

// ChunkSize returns the size of the chunks allocated from the provided heap
func (l *DeviceMemoryLayout) ChunkSize(heapIndex int) int {
	return l.heaps[heapIndex].chunkSize
}

// HeapStats returns a snapshot of the provided heap's counters
func (l *DeviceMemoryLayout) HeapStats(heapIndex int) HeapStats {
	heap := &l.heaps[heapIndex]

	return HeapStats{
		HeapIndex: heapIndex,
		Capacity:  heap.properties.Size,
		ChunkSize: heap.chunkSize,
		Allocated: int(atomic.LoadInt64(&heap.allocatedBytes)),
		Used:      int(atomic.LoadInt64(&heap.usedBytes)),
	}
}

// AllHeapStats returns a snapshot of every heap's counters
func (l *DeviceMemoryLayout) AllHeapStats() []HeapStats {
	stats := make([]HeapStats, len(l.heaps))
	for heapIndex := range l.heaps {
		stats[heapIndex] = l.HeapStats(heapIndex)
	}
	return stats
}

func (l *DeviceMemoryLayout) addDeviceAllocation(heapIndex int, size int) {
	heap := &l.heaps[heapIndex]
	atomic.AddInt64(&heap.allocatedBytes, int64(size))
	atomic.AddInt32(&heap.deviceAllocationCount, 1)
}

func (l *DeviceMemoryLayout) removeDeviceAllocation(heapIndex int, size int) {
	heap := &l.heaps[heapIndex]

	newVal := atomic.AddInt64(&heap.allocatedBytes, int64(-size))
	if newVal < 0 {
		panic(fmt.Sprintf("allocated bytes for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&heap.deviceAllocationCount, -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("device allocation count for heapIndex %d went negative", heapIndex))
	}
}

func (l *DeviceMemoryLayout) addAllocation(heapIndex int, size int) {
	heap := &l.heaps[heapIndex]
	atomic.AddInt64(&heap.usedBytes, int64(size))
	atomic.AddInt32(&heap.allocationCount, 1)
}

func (l *DeviceMemoryLayout) removeAllocation(heapIndex int, size int) {
	heap := &l.heaps[heapIndex]

	newVal := atomic.AddInt64(&heap.usedBytes, int64(-size))
	if newVal < 0 {
		panic(fmt.Sprintf("used bytes for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&heap.allocationCount, -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("allocation count for heapIndex %d went negative", heapIndex))
	}
}

func (l *DeviceMemoryLayout) statistics(heapIndex int) (deviceAllocations, allocatedBytes, allocations, usedBytes int) {
	heap := &l.heaps[heapIndex]
	return int(atomic.LoadInt32(&heap.deviceAllocationCount)),
		int(atomic.LoadInt64(&heap.allocatedBytes)),
		int(atomic.LoadInt32(&heap.allocationCount)),
		int(atomic.LoadInt64(&heap.usedBytes))
}
