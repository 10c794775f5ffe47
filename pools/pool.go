package pools

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gpupools/memutils"
	"github.com/vkngwrapper/gpupools/memutils/gpuptr"
)

// MemoryPool hands out byte ranges of device memory. The pointer returned from Allocate is both
// the offset to bind a resource at (gpuptr.Pointer.Offset) and the key to pass back to Free.
//
// A pointer does not keep its memory alive: it must not be used after the pool that produced it
// has been reset, released, or destroyed.
type MemoryPool interface {
	// Allocate returns the device memory and pointer of a new range of at least
	// requirements.Size bytes, aligned to requirements.Alignment, on a memory type that is
	// allowed by requirements.MemoryTypeBits and supports properties.
	//
	// Alignments that are not a power of two are a programming error and panic.
	Allocate(requirements *core1_0.MemoryRequirements, properties core1_0.MemoryPropertyFlags) (core1_0.DeviceMemory, gpuptr.Pointer, error)
	// Free returns a pointer's range to the pool. Pointers that were not allocated from the pool,
	// or were already freed, cause a panic in pools that track individual allocations.
	Free(pointer gpuptr.Pointer)
	// Reset frees every allocation in the pool at once, keeping its device memory for reuse.
	Reset()
	// Destroy returns all device memory owned by the pool. The pool may not be used afterward.
	Destroy() error

	// Size is the number of bytes charged to live allocations, alignment padding included
	Size() int
	// Capacity is the number of bytes the pool can hand out. For a MetaPool this is an estimate
	// based on the device's heap sizes.
	Capacity() int

	// AddStatistics sums this pool's block and allocation statistics into stats
	AddStatistics(stats *memutils.Statistics)
	// AddDetailedStatistics sums this pool's block and allocation statistics into stats
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// BuildStatsString returns a JSON document describing the pool. When detailedMap is true, the
	// document includes every block's used and free regions.
	BuildStatsString(detailedMap bool) string
}

var _ MemoryPool = &LinearPool{}
var _ MemoryPool = &BlockPool{}
var _ MemoryPool = &MetaPool{}

// checkRequirements panics on an alignment that is not a power of two and rejects empty
// requests. Pools call it before touching the device.
func checkRequirements(requirements *core1_0.MemoryRequirements) error {
	if err := memutils.CheckPow2(uint64(requirements.Alignment), "allocation alignment"); err != nil {
		panic(err.Error())
	}
	if requirements.Size <= 0 {
		return errors.Newf("allocation size must be greater than 0, got %d", requirements.Size)
	}
	return nil
}
