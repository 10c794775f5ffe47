package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/gpupools/memutils"
	"github.com/vkngwrapper/gpupools/memutils/gpuptr"
)

// BumpBlockMetadata is a BlockMetadata implementation that hands out memory from a single
// pointer that only ever moves forward. Individual allocations cannot be freed: the only way to
// reclaim memory is Clear, which moves the pointer back to the start of the block.
type BumpBlockMetadata struct {
	BlockMetadataBase

	pointer         gpuptr.Pointer
	allocationCount int
	smallest        int
	largest         int
}

var _ BlockMetadata = &BumpBlockMetadata{}

func NewBumpBlockMetadata() *BumpBlockMetadata {
	return &BumpBlockMetadata{}
}

func (m *BumpBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.Clear()
}

// Clear moves the pointer back to offset 0
func (m *BumpBlockMetadata) Clear() {
	m.pointer = gpuptr.New(0, 0, 0)
	m.allocationCount = 0
	m.smallest = 0
	m.largest = 0
}

// Pointer is the offset the next unaligned allocation would start at.
func (m *BumpBlockMetadata) Pointer() gpuptr.Pointer { return m.pointer }

func (m *BumpBlockMetadata) AllocationCount() int { return m.allocationCount }

func (m *BumpBlockMetadata) FreeRegionsCount() int {
	if m.SumFreeSize() > 0 {
		return 1
	}
	return 0
}

func (m *BumpBlockMetadata) SumFreeSize() int { return m.Size() - int(m.pointer.Offset()) }

func (m *BumpBlockMetadata) SumUsedSize() int { return int(m.pointer.Offset()) }

func (m *BumpBlockMetadata) IsEmpty() bool { return m.pointer.Offset() == 0 }

func (m *BumpBlockMetadata) Validate() error {
	if m.pointer.TypeIndex() != 0 || m.pointer.PoolIndex() != 0 {
		return errors.Errorf("bump pointer %s is not an agnostic pointer", m.pointer)
	}
	if m.pointer.Offset() > uint64(m.Size()) {
		return errors.Errorf("bump pointer %s is past the end of the block, which is %d bytes", m.pointer, m.Size())
	}
	if m.allocationCount == 0 && m.pointer.Offset() != 0 {
		return errors.Errorf("bump pointer is at %s but no allocations have been made", m.pointer)
	}
	return nil
}

// VisitAllRegions reports the consumed prefix of the block as a single used region followed by
// the free tail. Individual allocations are not tracked.
func (m *BumpBlockMetadata) VisitAllRegions(handleRegion func(pointer gpuptr.Pointer, size int, free bool) error) error {
	if used := m.SumUsedSize(); used > 0 {
		if err := handleRegion(gpuptr.New(0, 0, 0), used, false); err != nil {
			return err
		}
	}
	if free := m.SumFreeSize(); free > 0 {
		return handleRegion(m.pointer, free, true)
	}
	return nil
}

func (m *BumpBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()
	stats.AllocationCount += m.allocationCount
	stats.AllocationBytes += m.SumUsedSize()

	if m.allocationCount > 0 {
		if m.smallest < stats.AllocationSizeMin {
			stats.AllocationSizeMin = m.smallest
		}
		if m.largest > stats.AllocationSizeMax {
			stats.AllocationSizeMax = m.largest
		}
	}
	if free := m.SumFreeSize(); free > 0 {
		stats.AddUnusedRange(free)
	}
}

func (m *BumpBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.allocationCount
	stats.BlockBytes += m.Size()
	stats.AllocationBytes += m.SumUsedSize()
}

// BlockJsonData populates a json object with information about this block
func (m *BumpBlockMetadata) BlockJsonData(json *jwriter.ObjectState) {
	m.WriteBlockJson(json, m.SumFreeSize(), m.allocationCount, m.FreeRegionsCount())
	json.Name("Pointer").Int(int(m.pointer.Offset()))
}

// CreateAllocationRequest aligns the current pointer and checks that size bytes still fit before
// the end of the block.
func (m *BumpBlockMetadata) CreateAllocationRequest(size int, alignment uint64) (bool, AllocationRequest, error) {
	if err := memutils.CheckPow2(alignment, "allocation alignment"); err != nil {
		panic(err.Error())
	}
	if size <= 0 {
		return false, AllocationRequest{}, errors.New("allocation size must be greater than 0")
	}

	aligned := m.pointer.Align(alignment)
	if aligned.Offset()+uint64(size) > uint64(m.Size()) {
		return false, AllocationRequest{}, nil
	}

	return true, AllocationRequest{
		Item:     Extent{Pointer: aligned, Size: size},
		Consumed: int(aligned.Offset()-m.pointer.Offset()) + size,
		Source:   Extent{Pointer: m.pointer, Size: m.SumFreeSize()},
		Type:     AllocationRequestBump,
	}, nil
}

func (m *BumpBlockMetadata) Alloc(request AllocationRequest) error {
	if request.Type != AllocationRequestBump {
		return errors.New("allocation request was received by an incompatible metadata")
	}
	if request.Source.Pointer != m.pointer {
		return errors.Errorf("allocation request was created at %s, but the bump pointer has moved to %s", request.Source.Pointer, m.pointer)
	}

	m.pointer = request.Item.Pointer.AddOffset(uint64(request.Item.Size))
	if m.allocationCount == 0 || request.Consumed < m.smallest {
		m.smallest = request.Consumed
	}
	if request.Consumed > m.largest {
		m.largest = request.Consumed
	}
	m.allocationCount++

	return nil
}
