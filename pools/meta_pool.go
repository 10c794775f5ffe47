package pools

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gpupools/memutils"
	"github.com/vkngwrapper/gpupools/memutils/gpuptr"
	"github.com/vkngwrapper/gpupools/pools/internal/utils"
	"golang.org/x/exp/slog"
)

const (
	// defaultLargeHeapBlockSize is the block size a MetaPool prefers on heaps larger than
	// smallHeapMaxSize when no preferred block size is given. It is equal to 256Mb.
	defaultLargeHeapBlockSize int = 256 * 1024 * 1024
	smallHeapMaxSize          int = 1024 * 1024 * 1024 // 1 GB

	// maxNewBlockSizeShift is the number of times a MetaPool will halve its preferred block size
	// when the device is out of memory, before falling back to a block that exactly fits
	maxNewBlockSizeShift = 3
)

type memoryType struct {
	index              int
	heapIndex          int
	properties         core1_0.MemoryPropertyFlags
	preferredBlockSize int
	pools              []*BlockPool
}

// MetaPool allocates from any memory type on the device by keeping a list of BlockPools for
// each type and adding a new BlockPool whenever the existing ones cannot serve a request.
//
// Pointers returned from a MetaPool carry the memory type index and the index of the BlockPool
// within that type, so that Free can route them back to the pool that allocated them.
type MetaPool struct {
	logger *slog.Logger
	device Device
	mutex  utils.OptionalMutex

	types    []*memoryType
	size     int
	capacity int
}

// NewMetaPool creates a MetaPool over device. The device's memory types and heaps are read once
// here; if they could change, a new MetaPool must be created.
//
// preferredBlockSize is the size of the blocks the pool tries to allocate first. Blocks may
// end up smaller, to fit the remaining device memory, or larger, to fit a large request. If it
// is 0, each memory type uses an eighth of its heap for heaps up to 1GB, and 256MB otherwise.
func NewMetaPool(logger *slog.Logger, device Device, preferredBlockSize int, options CreateOptions) *MetaPool {
	if preferredBlockSize < 0 {
		panic(fmt.Sprintf("attempted to create a MetaPool with a negative preferred block size %d", preferredBlockSize))
	}

	pool := &MetaPool{
		logger: loggerOrDiscard(logger),
		device: device,
		mutex:  utils.OptionalMutex{UseMutex: options.useMutex()},
	}

	memoryProperties := device.MemoryProperties()
	if len(memoryProperties.MemoryTypes) > gpuptr.MaxTypeIndex+1 {
		panic(fmt.Sprintf("device %q has %d memory types, but pointers can only address %d", device.Name(), len(memoryProperties.MemoryTypes), gpuptr.MaxTypeIndex+1))
	}

	for typeIndex, memType := range memoryProperties.MemoryTypes {
		heapSize := memoryProperties.MemoryHeaps[memType.HeapIndex].Size

		blockSize := preferredBlockSize
		if blockSize == 0 {
			blockSize = calculatePreferredBlockSize(heapSize)
		}

		pool.types = append(pool.types, &memoryType{
			index:              typeIndex,
			heapIndex:          memType.HeapIndex,
			properties:         memType.PropertyFlags,
			preferredBlockSize: blockSize,
		})
		pool.capacity += heapSize
	}

	return pool
}

func calculatePreferredBlockSize(heapSize int) int {
	rawSize := defaultLargeHeapBlockSize
	if heapSize <= smallHeapMaxSize {
		rawSize = heapSize / 8
	}

	return memutils.AlignUp(rawSize, 32)
}

// Allocate serves the request from an existing BlockPool if one can hold it, and otherwise
// creates a new BlockPool. Memory types that already have pools are tried before memory types
// that do not.
//
// For each candidate memory type, the existing pools are tried in order. If none of them can
// hold the request, new blocks of the preferred size, then half, a quarter, and an eighth of it,
// then exactly the requested size, are tried until the device manages to allocate one. Sizes
// smaller than the request are skipped. If the device is out of memory for every size, the next
// memory type is tried.
func (p *MetaPool) Allocate(requirements *core1_0.MemoryRequirements, properties core1_0.MemoryPropertyFlags) (core1_0.DeviceMemory, gpuptr.Pointer, error) {
	p.logger.Debug("MetaPool::Allocate")

	if err := checkRequirements(requirements); err != nil {
		return nil, gpuptr.Null(), err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	candidates := make([]*memoryType, 0, len(p.types))
	for _, memType := range p.types {
		if len(memType.pools) > 0 {
			candidates = append(candidates, memType)
		}
	}
	for _, memType := range p.types {
		if len(memType.pools) == 0 {
			candidates = append(candidates, memType)
		}
	}

	supported := false
	for _, memType := range candidates {
		if !typeAllowed(requirements.MemoryTypeBits, memType.index) ||
			!propertiesSatisfied(memType.properties, properties) {
			continue
		}
		supported = true

		memory, pointer, err := p.allocateFromExistingPools(memType, requirements, properties)
		if err == nil {
			return memory, pointer, nil
		} else if !errors.Is(err, ErrOutOfMemory) {
			return nil, gpuptr.Null(), err
		}

		memory, pointer, err = p.allocateFromNewPool(memType, requirements, properties)
		if err == nil {
			return memory, pointer, nil
		} else if !errors.Is(err, ErrOutOfMemory) {
			return nil, gpuptr.Null(), err
		}

		p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Memory type could not serve allocation, trying next",
			slog.Int("MemoryTypeIndex", memType.index),
			slog.Int("Size", requirements.Size),
		)
	}

	if !supported {
		return nil, gpuptr.Null(), &UnsupportedMemoryRequirementsError{
			DeviceName:     p.device.Name(),
			MemoryTypeBits: requirements.MemoryTypeBits,
			Properties:     properties,
		}
	}

	return nil, gpuptr.Null(), &OutOfMemoryError{Size: requirements.Size}
}

func (p *MetaPool) allocateFromExistingPools(memType *memoryType, requirements *core1_0.MemoryRequirements, properties core1_0.MemoryPropertyFlags) (core1_0.DeviceMemory, gpuptr.Pointer, error) {
	for poolIndex, pool := range memType.pools {
		if pool.Capacity()-pool.metadata.SumUsedSize() < requirements.Size {
			continue
		}

		before := pool.metadata.SumUsedSize()
		memory, pointer, err := pool.allocate(requirements, properties)
		if errors.Is(err, ErrOutOfMemory) {
			// Enough free bytes, but too fragmented
			continue
		} else if err != nil {
			return nil, gpuptr.Null(), err
		}

		p.size += pool.metadata.SumUsedSize() - before
		p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing pool",
			slog.Int("MemoryTypeIndex", memType.index),
			slog.Int("PoolIndex", poolIndex),
		)
		return memory, gpuptr.New(memType.index, poolIndex, pointer.Offset()), nil
	}

	return nil, gpuptr.Null(), &OutOfMemoryError{Size: requirements.Size}
}

func (p *MetaPool) allocateFromNewPool(memType *memoryType, requirements *core1_0.MemoryRequirements, properties core1_0.MemoryPropertyFlags) (core1_0.DeviceMemory, gpuptr.Pointer, error) {
	poolIndex := len(memType.pools)
	if poolIndex > gpuptr.MaxPoolIndex {
		p.logger.LogAttrs(context.Background(), slog.LevelWarn, "memory type has as many pools as a pointer can address",
			slog.Int("MemoryTypeIndex", memType.index),
			slog.Int("PoolCount", poolIndex),
		)
		return nil, gpuptr.Null(), &OutOfMemoryError{Size: requirements.Size}
	}

	var blockSize int
	for shift := 0; shift <= maxNewBlockSizeShift+1; shift++ {
		if shift > maxNewBlockSizeShift {
			blockSize = requirements.Size
		} else {
			blockSize = memType.preferredBlockSize >> shift
		}
		if blockSize < requirements.Size {
			continue
		}

		block, err := AllocateBlockOnType(p.logger, p.device, memType.index, blockSize)
		if errors.Is(err, ErrOutOfMemory) {
			continue
		} else if err != nil {
			return nil, gpuptr.Null(), err
		}

		pool := NewBlockPool(p.logger, block, CreateOptions{Flags: PoolCreateExternallySynchronized})
		pool.ownedByMetaPool = true
		memory, pointer, err := pool.allocate(requirements, properties)
		if err != nil {
			block.Free()
			return nil, gpuptr.Null(), errors.Wrapf(err, "failed to allocate %d bytes from a new block of %d bytes", requirements.Size, blockSize)
		}

		memType.pools = append(memType.pools, pool)
		p.size += pool.metadata.SumUsedSize()

		p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new pool",
			slog.Int("MemoryTypeIndex", memType.index),
			slog.Int("PoolIndex", poolIndex),
			slog.Int("BlockSize", blockSize),
		)
		return memory, gpuptr.New(memType.index, poolIndex, pointer.Offset()), nil
	}

	return nil, gpuptr.Null(), &OutOfMemoryError{Size: requirements.Size}
}

// Free routes pointer to the BlockPool that allocated it. A pointer whose type or pool index
// does not exist in this MetaPool panics, as does a pointer that is not a live allocation.
func (p *MetaPool) Free(pointer gpuptr.Pointer) {
	p.logger.Debug("MetaPool::Free")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	typeIndex := pointer.TypeIndex()
	poolIndex := pointer.PoolIndex()
	if typeIndex >= len(p.types) {
		panic(fmt.Sprintf("the given pointer %s was not allocated in this MetaPool: no memory type %d", pointer, typeIndex))
	}
	memType := p.types[typeIndex]
	if poolIndex >= len(memType.pools) {
		panic(fmt.Sprintf("the given pointer %s was not allocated in this MetaPool: no pool %d in memory type %d", pointer, poolIndex, typeIndex))
	}

	p.size -= memType.pools[poolIndex].free(pointer.Agnostic())
}

// Reset frees every allocation in every BlockPool. The blocks themselves are kept.
func (p *MetaPool) Reset() {
	p.logger.Debug("MetaPool::Reset")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, memType := range p.types {
		for _, pool := range memType.pools {
			pool.metadata.Clear()
		}
	}
	p.size = 0
}

// Destroy frees every block owned by the pool. Allocations that are still live are logged and
// reported as an error, but every block is freed regardless.
func (p *MetaPool) Destroy() error {
	p.logger.Debug("MetaPool::Destroy")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	var err error
	for _, memType := range p.types {
		for _, pool := range memType.pools {
			err = errors.CombineErrors(err, pool.destroy())
		}
		memType.pools = nil
	}
	p.size = 0

	return err
}

func (p *MetaPool) Size() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.size
}

// Capacity is the combined size of the heap behind each memory type. Memory types that share a
// heap count it more than once, so this is an upper bound and not a promise.
func (p *MetaPool) Capacity() int { return p.capacity }

// PoolCount returns the number of BlockPools that have been created for a memory type.
func (p *MetaPool) PoolCount(memoryTypeIndex int) int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return len(p.types[memoryTypeIndex].pools)
}

// Pool returns the BlockPool a pointer from this MetaPool was allocated from, or nil if the
// pointer's indices do not exist in this MetaPool. The BlockPool is for inspection only: it is
// not locked by the MetaPool's mutex, and calling Allocate, Free, Reset, or Destroy on it panics.
func (p *MetaPool) Pool(pointer gpuptr.Pointer) *BlockPool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if pointer.TypeIndex() >= len(p.types) {
		return nil
	}
	pools := p.types[pointer.TypeIndex()].pools
	if pointer.PoolIndex() >= len(pools) {
		return nil
	}
	return pools[pointer.PoolIndex()]
}

func (p *MetaPool) AddStatistics(stats *memutils.Statistics) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, memType := range p.types {
		for _, pool := range memType.pools {
			pool.metadata.AddStatistics(stats)
		}
	}
}

func (p *MetaPool) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.addDetailedStatistics(stats)
}

func (p *MetaPool) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	for _, memType := range p.types {
		for _, pool := range memType.pools {
			pool.metadata.AddDetailedStatistics(stats)
		}
	}
}

func (p *MetaPool) BuildStatsString(detailedMap bool) string {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	var stats memutils.DetailedStatistics
	stats.Clear()
	p.addDetailedStatistics(&stats)

	return buildStatsString(&stats, p.size, p.capacity, detailedMap, func(blocks *jwriter.ArrayState) {
		for _, memType := range p.types {
			for poolIndex, pool := range memType.pools {
				obj := blocks.Object()
				obj.Name("PoolIndex").Int(poolIndex)
				pool.printBlock(&obj)
				obj.End()
			}
		}
	})
}

// Validate checks every BlockPool's bookkeeping and the pool's running byte count.
func (p *MetaPool) Validate() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	var used int
	for _, memType := range p.types {
		for poolIndex, pool := range memType.pools {
			if pool.block.MemoryTypeIndex() != memType.index {
				return errors.Newf("pool %d of memory type %d has a block on memory type %d", poolIndex, memType.index, pool.block.MemoryTypeIndex())
			}
			err := pool.metadata.Validate()
			if err != nil {
				return errors.Wrapf(err, "pool %d of memory type %d", poolIndex, memType.index)
			}
			used += pool.metadata.SumUsedSize()
		}
	}

	if used != p.size {
		return errors.Newf("the pools have %d bytes in use, but the MetaPool is tracking %d", used, p.size)
	}
	return nil
}
