package memory

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/dxbackend/memutils"
	"golang.org/x/exp/slog"
)

// dedicatedMemoryList is an intrusive list of the dedicated allocations made from one memory type.
// Callers must hold the allocator lock.
type dedicatedMemoryList struct {
	count int
	head  *Memory
	tail  *Memory
}

func (l *dedicatedMemoryList) Validate() error {
	actualCount := 0
	var prev *Memory
	for mem := l.head; mem != nil; mem = mem.nextDedicated {
		if mem.prevDedicated != prev {
			return errors.Newf("dedicated allocation at position %d has a broken back-link", actualCount)
		}
		if mem.chunk != nil {
			return errors.Newf("allocation at position %d of the dedicated list belongs to a chunk", actualCount)
		}
		prev = mem
		actualCount++
	}

	if l.tail != prev {
		return errors.New("the tail of the dedicated allocation list is not its last element")
	}

	if l.count != actualCount {
		return errors.Newf("the listed number of dedicated allocations in the list (%d) does not match the actual number of allocations (%d)", l.count, actualCount)
	}

	return nil
}

func (l *dedicatedMemoryList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for item := l.head; item != nil; item = item.nextDedicated {
		stats.Statistics.ChunkCount++
		stats.Statistics.ChunkBytes += item.length
		stats.AddAllocation(item.length)
	}
}

func (l *dedicatedMemoryList) AddStatistics(stats *memutils.Statistics) {
	stats.ChunkCount += l.count
	stats.AllocationCount += l.count

	for item := l.head; item != nil; item = item.nextDedicated {
		stats.ChunkBytes += item.length
		stats.AllocationBytes += item.length
	}
}

func (l *dedicatedMemoryList) BuildStatsString(json *jwriter.ArrayState) {
	for mem := l.head; mem != nil; mem = mem.nextDedicated {
		obj := json.Object()
		mem.printParameters(&obj)
		obj.End()
	}
}

func (l *dedicatedMemoryList) IsEmpty() bool {
	return l.count == 0
}

func (l *dedicatedMemoryList) Register(mem *Memory) {
	if l.count == 0 {
		l.head = mem
		l.tail = mem
		l.count = 1
		return
	}

	mem.prevDedicated = l.tail
	l.tail.nextDedicated = mem
	l.tail = mem
	l.count++
}

func (l *dedicatedMemoryList) Unregister(mem *Memory) {
	prev := mem.prevDedicated
	next := mem.nextDedicated

	if prev != nil {
		prev.nextDedicated = next
	} else {
		l.head = next
	}

	if next != nil {
		next.prevDedicated = prev
	} else {
		l.tail = prev
	}

	mem.prevDedicated = nil
	mem.nextDedicated = nil
	l.count--
}

func (l *dedicatedMemoryList) logUnreleasedMemory(logger *slog.Logger) int {
	for mem := l.head; mem != nil; mem = mem.nextDedicated {
		logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed dedicated allocation",
			slog.Int("memoryTypeIndex", mem.memoryType.index),
			slog.Int("size", mem.length),
		)
	}

	return l.count
}
