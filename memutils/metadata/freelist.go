package metadata

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/dxbackend/memutils"
	"golang.org/x/exp/slices"
)

// FreeListMetadata is a ChunkMetadata implementation that keeps an unordered list of free slices and
// places new allocations in a worst-fit manner: a free slice with exactly the requested length is used
// if one exists, otherwise the largest free slice is chosen. Spreading allocations over the largest
// ranges keeps the free list short when many similar-sized resources are created and destroyed.
//
// Freed ranges are merged with any adjacent free slices before being returned to the list, so two
// neighboring free slices never coexist.
type FreeListMetadata struct {
	chunkMetadataBase

	freeList    []Slice
	sumFreeSize int
	// offset -> length of every live allocation
	allocations *swiss.Map[int, int]
}

var _ ChunkMetadata = &FreeListMetadata{}

// NewFreeListMetadata creates a FreeListMetadata. Init must be called before it is used.
func NewFreeListMetadata() *FreeListMetadata {
	return &FreeListMetadata{
		allocations: swiss.NewMap[int, int](16),
	}
}

// Init marks the entire chunk as a single free slice
func (m *FreeListMetadata) Init(size int) {
	m.chunkMetadataBase.Init(size)

	m.allocations.Clear()
	m.freeList = m.freeList[:0]
	m.freeList = append(m.freeList, Slice{Offset: 0, Length: size})
	m.sumFreeSize = size
}

func (m *FreeListMetadata) AllocationCount() int {
	return m.allocations.Count()
}

func (m *FreeListMetadata) FreeRegionsCount() int {
	return len(m.freeList)
}

func (m *FreeListMetadata) SumFreeSize() int {
	return m.sumFreeSize
}

func (m *FreeListMetadata) IsEmpty() bool {
	return m.allocations.Count() == 0
}

// FreeSlices returns a copy of the current free list, in list order
func (m *FreeListMetadata) FreeSlices() []Slice {
	return slices.Clone(m.freeList)
}

func (m *FreeListMetadata) CreateAllocationRequest(allocSize int, allocAlignment uint) (bool, AllocationRequest) {
	if allocSize <= 0 || len(m.freeList) == 0 {
		return false, AllocationRequest{}
	}

	bestIndex := 0
	for index, slice := range m.freeList {
		if slice.Length == allocSize {
			bestIndex = index
			break
		} else if slice.Length > m.freeList[bestIndex].Length {
			bestIndex = index
		}
	}

	bestSlice := m.freeList[bestIndex]
	allocStart := memutils.AlignUp(bestSlice.Offset, allocAlignment)
	allocEnd := memutils.AlignUp(allocStart+allocSize, allocAlignment)

	if allocEnd > bestSlice.End() {
		return false, AllocationRequest{}
	}

	return true, AllocationRequest{
		Offset:    allocStart,
		Size:      allocEnd - allocStart,
		FreeSlice: bestSlice,
		FreeIndex: bestIndex,
	}
}

func (m *FreeListMetadata) Alloc(request AllocationRequest) error {
	if request.FreeIndex < 0 || request.FreeIndex >= len(m.freeList) ||
		m.freeList[request.FreeIndex] != request.FreeSlice {
		return errors.Newf("allocation request at offset %d refers to a free slice that no longer exists", request.Offset)
	}

	allocEnd := request.Offset + request.Size
	if request.Offset < request.FreeSlice.Offset || allocEnd > request.FreeSlice.End() {
		return errors.Newf("allocation request [%d, %d) does not fit inside free slice [%d, %d)",
			request.Offset, allocEnd, request.FreeSlice.Offset, request.FreeSlice.End())
	}

	m.freeList = slices.Delete(m.freeList, request.FreeIndex, request.FreeIndex+1)

	if request.Offset != request.FreeSlice.Offset {
		m.freeList = append(m.freeList, Slice{
			Offset: request.FreeSlice.Offset,
			Length: request.Offset - request.FreeSlice.Offset,
		})
	}

	if allocEnd != request.FreeSlice.End() {
		m.freeList = append(m.freeList, Slice{
			Offset: allocEnd,
			Length: request.FreeSlice.End() - allocEnd,
		})
	}

	m.allocations.Put(request.Offset, request.Size)
	m.sumFreeSize -= request.Size

	return nil
}

func (m *FreeListMetadata) Free(offset int, size int) error {
	length, ok := m.allocations.Get(offset)
	if !ok {
		return errors.Newf("attempted to free offset %d, which is not a live allocation", offset)
	}
	if length != size {
		return errors.Newf("attempted to free %d bytes at offset %d, but the allocation there is %d bytes", size, offset, length)
	}

	m.allocations.Delete(offset)
	m.sumFreeSize += length

	// Pull every adjacent slice out of the list and fold it into the freed range
	index := 0
	for index < len(m.freeList) {
		current := m.freeList[index]

		if current.Offset == offset+length {
			length += current.Length
			m.freeList = slices.Delete(m.freeList, index, index+1)
		} else if current.End() == offset {
			offset -= current.Length
			length += current.Length
			m.freeList = slices.Delete(m.freeList, index, index+1)
		} else {
			index++
		}
	}

	m.freeList = append(m.freeList, Slice{Offset: offset, Length: length})
	return nil
}

type region struct {
	Slice
	free bool
}

func (m *FreeListMetadata) sortedRegions() ([]region, error) {
	byOffset := make(map[int]region, len(m.freeList)+m.allocations.Count())
	offsets := make([]int, 0, len(m.freeList)+m.allocations.Count())

	var err error
	add := func(r region) {
		if _, exists := byOffset[r.Offset]; exists {
			err = errors.Newf("more than one region begins at offset %d", r.Offset)
			return
		}
		byOffset[r.Offset] = r
		offsets = append(offsets, r.Offset)
	}

	for _, slice := range m.freeList {
		add(region{Slice: slice, free: true})
	}
	m.allocations.Iter(func(offset int, length int) bool {
		add(region{Slice: Slice{Offset: offset, Length: length}})
		return err != nil
	})
	if err != nil {
		return nil, err
	}

	slices.Sort(offsets)

	regions := make([]region, 0, len(offsets))
	for _, offset := range offsets {
		regions = append(regions, byOffset[offset])
	}

	return regions, nil
}

// Validate verifies that the free slices and live allocations partition [0, Size()) exactly: no
// overlaps, no gaps, no empty ranges, and no two free slices that should have been merged.
func (m *FreeListMetadata) Validate() error {
	regions, err := m.sortedRegions()
	if err != nil {
		return err
	}

	nextOffset := 0
	sumFree := 0
	previousFree := false
	for _, r := range regions {
		if r.Length <= 0 {
			return errors.Newf("region at offset %d has invalid length %d", r.Offset, r.Length)
		}
		if r.Offset != nextOffset {
			if r.Offset < nextOffset {
				return errors.Newf("region at offset %d overlaps the previous region, which ends at %d", r.Offset, nextOffset)
			}
			return errors.Newf("gap between offset %d and offset %d is neither free nor allocated", nextOffset, r.Offset)
		}
		if r.free && previousFree {
			return errors.Newf("free slice at offset %d was not merged with the free slice before it", r.Offset)
		}

		if r.free {
			sumFree += r.Length
		}
		previousFree = r.free
		nextOffset = r.End()
	}

	if nextOffset != m.Size() {
		return errors.Newf("regions cover %d bytes, but the chunk is %d bytes", nextOffset, m.Size())
	}

	if sumFree != m.sumFreeSize {
		return errors.Newf("free slices add up to %d bytes, but the metadata reports %d free bytes", sumFree, m.sumFreeSize)
	}

	return nil
}

func (m *FreeListMetadata) VisitAllRegions(handleRegion func(offset int, size int, free bool) error) error {
	regions, err := m.sortedRegions()
	if err != nil {
		return err
	}

	for _, r := range regions {
		err = handleRegion(r.Offset, r.Length, r.free)
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *FreeListMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.ChunkCount++
	stats.AllocationCount += m.allocations.Count()
	stats.ChunkBytes += m.Size()
	stats.AllocationBytes += m.Size() - m.sumFreeSize
}

func (m *FreeListMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.ChunkCount++
	stats.ChunkBytes += m.Size()

	m.allocations.Iter(func(offset int, length int) bool {
		stats.AddAllocation(length)
		return false
	})

	for _, slice := range m.freeList {
		stats.AddUnusedRange(slice.Length)
	}
}

func (m *FreeListMetadata) ChunkJsonData(json *jwriter.ObjectState) {
	m.chunkJsonData(json, m.sumFreeSize, m.allocations.Count(), len(m.freeList))
}
