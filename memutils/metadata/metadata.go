package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpupools/memutils"
	"github.com/vkngwrapper/gpupools/memutils/gpuptr"
)

// BlockMetadata tracks which bytes of a single block of memory are in use. It never touches the
// memory itself: pools pair a BlockMetadata with a device memory block and translate the
// agnostic pointers it produces into real bind offsets.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. It sizes the managed block in bytes
	// and leaves the whole block free.
	Init(size int)
	// Size retrieves the size in bytes that the block was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. When the implementation
	// is functioning correctly it should not be possible for this method to return an error.
	Validate() error
	// AllocationCount returns the number of suballocations currently live in the block.
	AllocationCount() int
	// FreeRegionsCount returns the number of distinct free regions in the block. Regions are
	// never merged, so two adjacent free regions count twice.
	FreeRegionsCount() int
	// SumFreeSize returns the number of bytes that are available for new allocations.
	SumFreeSize() int
	// SumUsedSize returns the number of bytes charged to live suballocations.
	SumUsedSize() int
	// IsEmpty will return true if this block has no live suballocations
	IsEmpty() bool

	// VisitAllRegions calls handleRegion once for each used and free region of the block, in
	// offset order. Meant for diagnostics only.
	VisitAllRegions(handleRegion func(pointer gpuptr.Pointer, size int, free bool) error) error

	// AddDetailedStatistics sums this block's allocation statistics into stats
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this block's allocation statistics into stats
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all allocations
	Clear()
	// BlockJsonData populates a json object with information about this block
	BlockJsonData(json *jwriter.ObjectState)

	// CreateAllocationRequest finds room for size bytes aligned to alignment without committing
	// anything. It returns false when no region can hold the allocation. An alignment that is not
	// a power of two is a caller bug and panics.
	CreateAllocationRequest(size int, alignment uint64) (bool, AllocationRequest, error)
	// Alloc commits a request produced by CreateAllocationRequest. It returns an error if the
	// request no longer matches the metadata's state.
	Alloc(request AllocationRequest) error
}

// BlockMetadataBase provides the shared size bookkeeping for BlockMetadata implementations.
type BlockMetadataBase struct {
	size int
}

// Init sizes the block in bytes.
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the block in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

// WriteBlockJson writes the fields every implementation reports.
func (m *BlockMetadataBase) WriteBlockJson(json *jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
