package metadata

import (
	"sort"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/gpupools/memutils"
	"github.com/vkngwrapper/gpupools/memutils/gpuptr"
)

type usedExtent struct {
	// start is the offset of the free region before alignment padding was skipped
	start    uint64
	size     int
	consumed int
}

// FreeListBlockMetadata is a BlockMetadata implementation that keeps an unordered list of free
// extents and an index of used extents keyed by their aligned offset.
//
// Allocation is first-fit over the free list in its current order. A free extent that is used
// up entirely is removed by swapping the last extent into its place, so the list order changes
// over time. Freed extents are appended to the free list as-is: adjacent free extents are never
// merged, so fragmentation can build up under churn with varying sizes.
//
// The bytes skipped to align an allocation are charged to that allocation and returned to the
// free list with it.
type FreeListBlockMetadata struct {
	BlockMetadataBase

	free    []Extent
	used    *swiss.Map[uint64, usedExtent]
	sumUsed int
}

var _ BlockMetadata = &FreeListBlockMetadata{}

func NewFreeListBlockMetadata() *FreeListBlockMetadata {
	return &FreeListBlockMetadata{
		free: make([]Extent, 0, 1),
		used: swiss.NewMap[uint64, usedExtent](8),
	}
}

func (m *FreeListBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.Clear()
}

// Clear returns the metadata to a single free extent spanning the whole block.
func (m *FreeListBlockMetadata) Clear() {
	m.free = m.free[:0]
	if m.Size() > 0 {
		m.free = append(m.free, Extent{Pointer: gpuptr.New(0, 0, 0), Size: m.Size()})
	}
	m.used.Clear()
	m.sumUsed = 0
}

func (m *FreeListBlockMetadata) AllocationCount() int { return m.used.Count() }

func (m *FreeListBlockMetadata) FreeRegionsCount() int { return len(m.free) }

func (m *FreeListBlockMetadata) SumFreeSize() int { return m.Size() - m.sumUsed }

func (m *FreeListBlockMetadata) SumUsedSize() int { return m.sumUsed }

func (m *FreeListBlockMetadata) IsEmpty() bool { return m.used.Count() == 0 }

// FreeExtents returns a copy of the free list in its current search order.
func (m *FreeListBlockMetadata) FreeExtents() []Extent {
	extents := make([]Extent, len(m.free))
	copy(extents, m.free)
	return extents
}

func (m *FreeListBlockMetadata) Validate() error {
	type region struct {
		start, end uint64
	}
	regions := make([]region, 0, len(m.free)+m.used.Count())

	var freeSize int
	for index, extent := range m.free {
		if extent.Size <= 0 {
			return errors.Errorf("free extent %d at %s has non-positive size %d", index, extent.Pointer, extent.Size)
		}
		if extent.Pointer.TypeIndex() != 0 || extent.Pointer.PoolIndex() != 0 {
			return errors.Errorf("free extent %d at %s is not an agnostic pointer", index, extent.Pointer)
		}
		freeSize += extent.Size
		regions = append(regions, region{extent.Pointer.Offset(), extent.End()})
	}

	var usedSize int
	var err error
	m.used.Iter(func(offset uint64, used usedExtent) bool {
		if offset < used.start || offset+uint64(used.size) != used.start+uint64(used.consumed) {
			err = errors.Errorf("used extent at offset %d does not end where its consumed region ends", offset)
			return true
		}
		usedSize += used.consumed
		regions = append(regions, region{used.start, used.start + uint64(used.consumed)})
		return false
	})
	if err != nil {
		return err
	}

	if usedSize != m.sumUsed {
		return errors.Errorf("used extents add up to %d bytes, but the metadata is tracking %d used bytes", usedSize, m.sumUsed)
	}
	if freeSize+usedSize > m.Size() {
		return errors.Errorf("free bytes %d and used bytes %d exceed the block size %d", freeSize, usedSize, m.Size())
	}

	sort.Slice(regions, func(i, j int) bool { return regions[i].start < regions[j].start })
	for i, r := range regions {
		if r.end > uint64(m.Size()) {
			return errors.Errorf("region at offset %d extends to %d, past the end of the block", r.start, r.end)
		}
		if i > 0 && regions[i-1].end > r.start {
			return errors.Errorf("region at offset %d overlaps the region at offset %d", r.start, regions[i-1].start)
		}
	}

	return nil
}

// VisitAllRegions reports used extents with their requested size, starting at their aligned
// offset. Alignment padding is not reported.
func (m *FreeListBlockMetadata) VisitAllRegions(handleRegion func(pointer gpuptr.Pointer, size int, free bool) error) error {
	type region struct {
		pointer gpuptr.Pointer
		size    int
		free    bool
	}
	regions := make([]region, 0, len(m.free)+m.used.Count())
	for _, extent := range m.free {
		regions = append(regions, region{extent.Pointer, extent.Size, true})
	}
	m.used.Iter(func(offset uint64, used usedExtent) bool {
		regions = append(regions, region{gpuptr.New(0, 0, offset), used.size, false})
		return false
	})
	sort.Slice(regions, func(i, j int) bool { return regions[i].pointer < regions[j].pointer })

	for _, r := range regions {
		if err := handleRegion(r.pointer, r.size, r.free); err != nil {
			return err
		}
	}
	return nil
}

func (m *FreeListBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()

	for _, extent := range m.free {
		stats.AddUnusedRange(extent.Size)
	}
	m.used.Iter(func(_ uint64, used usedExtent) bool {
		stats.AddAllocation(used.consumed)
		return false
	})
}

func (m *FreeListBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.used.Count()
	stats.BlockBytes += m.Size()
	stats.AllocationBytes += m.sumUsed
}

// BlockJsonData populates a json object with information about this block
func (m *FreeListBlockMetadata) BlockJsonData(json *jwriter.ObjectState) {
	m.WriteBlockJson(json, m.SumFreeSize(), m.AllocationCount(), m.FreeRegionsCount())

	extents := json.Name("FreeExtents").Array()
	for _, extent := range m.free {
		obj := extents.Object()
		obj.Name("Offset").Int(int(extent.Pointer.Offset()))
		obj.Name("Size").Int(extent.Size)
		obj.End()
	}
	extents.End()
}

// CreateAllocationRequest scans the free list for the first extent that can hold size bytes
// once its start is aligned. A block whose total size is below size fails fast.
func (m *FreeListBlockMetadata) CreateAllocationRequest(size int, alignment uint64) (bool, AllocationRequest, error) {
	if err := memutils.CheckPow2(alignment, "allocation alignment"); err != nil {
		panic(err.Error())
	}
	if size <= 0 {
		return false, AllocationRequest{}, errors.New("allocation size must be greater than 0")
	}
	if size > m.Size() {
		return false, AllocationRequest{}, nil
	}

	for index, extent := range m.free {
		aligned := extent.Pointer.Align(alignment)
		consumed := int(aligned.Offset()-extent.Pointer.Offset()) + size
		if consumed > extent.Size {
			continue
		}

		return true, AllocationRequest{
			Item:          Extent{Pointer: aligned, Size: size},
			Consumed:      consumed,
			Source:        extent,
			Type:          AllocationRequestFreeList,
			AlgorithmData: uint64(index),
		}, nil
	}

	return false, AllocationRequest{}, nil
}

func (m *FreeListBlockMetadata) Alloc(request AllocationRequest) error {
	if request.Type != AllocationRequestFreeList {
		return errors.New("allocation request was received by an incompatible metadata")
	}

	index := int(request.AlgorithmData)
	if index >= len(m.free) || m.free[index] != request.Source {
		return errors.Errorf("allocation request for %s refers to a free extent that no longer exists", request.Item.Pointer)
	}

	offset := request.Item.Pointer.Offset()
	if _, exists := m.used.Get(offset); exists {
		return errors.Errorf("an allocation already exists at %s", request.Item.Pointer)
	}

	extent := &m.free[index]
	extent.Pointer = extent.Pointer.AddOffset(uint64(request.Consumed))
	extent.Size -= request.Consumed
	if extent.Size == 0 {
		last := len(m.free) - 1
		m.free[index] = m.free[last]
		m.free = m.free[:last]
	}

	m.used.Put(offset, usedExtent{
		start:    request.Source.Pointer.Offset(),
		size:     request.Item.Size,
		consumed: request.Consumed,
	})
	m.sumUsed += request.Consumed

	return nil
}

// Free returns the extent allocated at pointer, padding included, to the end of the free list.
// The type and pool indices of pointer are ignored. It returns an error if no live allocation
// starts at pointer's offset.
func (m *FreeListBlockMetadata) Free(pointer gpuptr.Pointer) (int, error) {
	offset := pointer.Offset()
	used, ok := m.used.Get(offset)
	if !ok {
		return 0, errors.Errorf("pointer %s was not allocated from this block", pointer)
	}

	m.used.Delete(offset)
	m.free = append(m.free, Extent{Pointer: gpuptr.New(0, 0, used.start), Size: used.consumed})
	m.sumUsed -= used.consumed

	return used.consumed, nil
}
