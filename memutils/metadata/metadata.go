package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/dxbackend/memutils"
)

// ChunkMetadata represents a single large allocation of memory within some system. It manages
// suballocations within the chunk, allowing ranges to be requested and freed, as well as
// enumerated and queried. Implementations are not safe for concurrent use: the owner of the chunk
// is expected to serialize access.
type ChunkMetadata interface {
	// Init must be called before the ChunkMetadata is used. It gives the implementation an opportunity
	// to ensure that metadata structures are prepared for allocations, as well as allows the consumer
	// to inform the implementation of the size in bytes of the chunk of memory it will be managing,
	// via the size parameter.
	Init(size int)
	// Size retrieves the size in bytes that the chunk was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. When the implementation is
	// functioning correctly, it should not be possible for this method to return an error.
	Validate() error
	// AllocationCount returns the number of suballocations currently live in the implementation.
	AllocationCount() int
	// FreeRegionsCount returns the number of unique regions of free memory in the chunk.
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes of memory in the chunk.
	SumFreeSize() int
	// IsEmpty will return true if this chunk has no live suballocations
	IsEmpty() bool

	// VisitAllRegions will call the provided callback once for each allocation and free region in
	// the chunk, in ascending offset order. This should generally only be done for diagnostic purposes.
	VisitAllRegions(handleRegion func(offset int, size int, free bool) error) error

	// AddDetailedStatistics sums this chunk's allocation statistics into the statistics currently present
	// in the provided memutils.DetailedStatistics object.
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this chunk's allocation statistics into the statistics currently present in the
	// provided memutils.Statistics object.
	AddStatistics(stats *memutils.Statistics)
	// ChunkJsonData populates a json object with information about this chunk
	ChunkJsonData(json *jwriter.ObjectState)

	// CreateAllocationRequest retrieves an AllocationRequest object indicating where the implementation
	// would place an allocation of the requested size and alignment. The boolean return value is false
	// if the chunk cannot serve the request. The returned object can be passed to Alloc to commit the
	// allocation.
	CreateAllocationRequest(allocSize int, allocAlignment uint) (bool, AllocationRequest)
	// Alloc commits an AllocationRequest object. The implementation must return an error if the
	// request is no longer valid, i.e. the free range it was created from has changed since.
	Alloc(request AllocationRequest) error
	// Free returns a live suballocation to the chunk. The implementation must return an error if
	// the offset and size do not describe a live suballocation within this chunk.
	Free(offset int, size int) error
}

type chunkMetadataBase struct {
	size int
}

func (m *chunkMetadataBase) Init(size int) {
	m.size = size
}

func (m *chunkMetadataBase) Size() int { return m.size }

func (m *chunkMetadataBase) chunkJsonData(json *jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
