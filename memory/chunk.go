package memory

import (
	"context"
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/dxbackend/memutils"
	"github.com/vkngwrapper/dxbackend/memutils/metadata"
	"golang.org/x/exp/slog"
)

// allocationChunk is a single native allocation of one memory type's chunk size that is carved into
// ranges. Every range in a chunk was requested with the same property flags and priority.
type allocationChunk struct {
	memoryType *memoryType
	memory     DeviceMemory
	mapPtr     unsafe.Pointer
	logger     *slog.Logger

	flags    core1_0.MemoryPropertyFlags
	priority float32

	metadata *metadata.FreeListMetadata
}

func newAllocationChunk(
	logger *slog.Logger,
	memoryType *memoryType,
	memory DeviceMemory,
	mapPtr unsafe.Pointer,
	size int,
	flags core1_0.MemoryPropertyFlags,
	priority float32,
) *allocationChunk {
	chunk := &allocationChunk{
		memoryType: memoryType,
		memory:     memory,
		mapPtr:     mapPtr,
		logger:     logger,
		flags:      flags,
		priority:   priority,
		metadata:   metadata.NewFreeListMetadata(),
	}
	chunk.metadata.Init(size)

	return chunk
}

func (c *allocationChunk) Size() int {
	return c.metadata.Size()
}

// alloc places a range of the requested size within this chunk, returning false if the chunk was created
// for different flags or priority, or if the chosen free slice cannot hold the aligned range
func (c *allocationChunk) alloc(flags core1_0.MemoryPropertyFlags, size int, alignment uint, priority float32) (offset, length int, success bool) {
	if c.flags != flags || c.priority != priority {
		return 0, 0, false
	}

	success, request := c.metadata.CreateAllocationRequest(size, alignment)
	if !success {
		return 0, 0, false
	}

	err := c.metadata.Alloc(request)
	if err != nil {
		panic(errors.Wrap(err, "chunk metadata rejected its own allocation request"))
	}

	return request.Offset, request.Size, true
}

func (c *allocationChunk) free(offset, length int) {
	err := c.metadata.Free(offset, length)
	if err != nil {
		panic(errors.Wrapf(err, "failed to return range at offset %d to its chunk", offset))
	}

	memutils.DebugValidate(c.metadata)
}

func (c *allocationChunk) mapPtrAt(offset int) unsafe.Pointer {
	if c.mapPtr == nil {
		return nil
	}

	return unsafe.Add(c.mapPtr, offset)
}

func (c *allocationChunk) Validate() error {
	if c.memory == nil {
		return errors.New("no valid memory for this chunk")
	}
	if c.metadata.Size() < 1 {
		return errors.New("this chunk's metadata has an invalid size")
	}

	return c.metadata.Validate()
}

// logUnreleasedMemory writes one error record for every range that is still allocated and returns the
// number of ranges that were reported
func (c *allocationChunk) logUnreleasedMemory() int {
	count := 0
	err := c.metadata.VisitAllRegions(func(offset int, size int, free bool) error {
		if free {
			return nil
		}

		count++
		c.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
			slog.Int("memoryTypeIndex", c.memoryType.index),
			slog.Int("offset", offset),
			slog.Int("size", size),
		)
		return nil
	})
	if err != nil {
		c.logger.LogAttrs(context.Background(),
			slog.LevelError,
			"[UNRELEASED MEMORY] error while iterating unreleased memory",
			slog.Any("error", err))
	}

	return count
}

func (c *allocationChunk) printDetailedMap(json *jwriter.ObjectState) {
	c.metadata.ChunkJsonData(json)
	json.Name("Flags").String(c.flags.String())
	json.Name("Priority").Float64(float64(c.priority))

	regions := json.Name("Regions").Array()
	_ = c.metadata.VisitAllRegions(func(offset int, size int, free bool) error {
		region := regions.Object()
		region.Name("Offset").Int(offset)
		region.Name("Size").Int(size)
		if free {
			region.Name("Type").String("FREE")
		} else {
			region.Name("Type").String("ALLOCATION")
		}
		region.End()
		return nil
	})
	regions.End()
}
