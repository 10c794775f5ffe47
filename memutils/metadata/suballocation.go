package metadata

import "github.com/vkngwrapper/gpupools/memutils/gpuptr"

// Extent is a contiguous range of bytes inside a block, addressed with an agnostic pointer.
type Extent struct {
	Pointer gpuptr.Pointer
	Size    int
}

// End is the offset of the first byte past the extent.
func (e Extent) End() uint64 {
	return e.Pointer.Offset() + uint64(e.Size)
}

// Overlaps reports whether the two extents share at least one byte.
func (e Extent) Overlaps(other Extent) bool {
	return e.Size > 0 && other.Size > 0 &&
		e.Pointer.Offset() < other.End() && other.Pointer.Offset() < e.End()
}
