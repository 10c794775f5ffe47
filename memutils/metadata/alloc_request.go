package metadata

// AllocationRequestType identifies the BlockMetadata implementation that produced an
// AllocationRequest.
type AllocationRequestType uint32

const (
	// AllocationRequestBump indicates that the request was sourced from BumpBlockMetadata
	AllocationRequestBump AllocationRequestType = iota
	// AllocationRequestFreeList indicates that the request was sourced from FreeListBlockMetadata
	AllocationRequestFreeList
)

var allocationRequestMapping = map[AllocationRequestType]string{
	AllocationRequestBump:     "Bump",
	AllocationRequestFreeList: "FreeList",
}

func (t AllocationRequestType) String() string {
	return allocationRequestMapping[t]
}

// AllocationRequest is returned from BlockMetadata.CreateAllocationRequest and describes where
// the metadata intends to place a new allocation. It is committed with BlockMetadata.Alloc.
type AllocationRequest struct {
	// Item is the aligned extent that will be handed to the caller
	Item Extent
	// Consumed is the number of bytes taken out of the free region: Item.Size plus the
	// padding needed to reach the aligned offset
	Consumed int
	// Source is the free region the allocation is carved from, as it looked when the request
	// was created
	Source Extent
	// Type identifies the BlockMetadata implementation that generated this request
	Type AllocationRequestType

	// AlgorithmData is arbitrary data used by the BlockMetadata implementation for internal
	// purposes
	AlgorithmData uint64
}
