package metadata

// Slice is a single contiguous range of bytes within a chunk
type Slice struct {
	Offset int
	Length int
}

// End returns the first byte offset past the end of the slice
func (s Slice) End() int {
	return s.Offset + s.Length
}

// AllocationRequest is a type returned from ChunkMetadata.CreateAllocationRequest which indicates where
// the metadata intends to place a new allocation. Nothing is modified until the request is passed to
// ChunkMetadata.Alloc.
type AllocationRequest struct {
	// Offset is the aligned start of the allocation within the chunk
	Offset int
	// Size is the total size of the allocation. Because the end of the allocation is aligned as well,
	// this may be larger than what was originally requested.
	Size int

	// FreeSlice is the free range the allocation will be carved out of
	FreeSlice Slice
	// FreeIndex is the position of FreeSlice within the implementation's free list
	FreeIndex int
}
