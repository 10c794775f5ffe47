package pools

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gpupools/memutils"
	"github.com/vkngwrapper/gpupools/memutils/gpuptr"
	"github.com/vkngwrapper/gpupools/memutils/metadata"
	"github.com/vkngwrapper/gpupools/pools/internal/utils"
	"golang.org/x/exp/slog"
)

// LinearPool is a bump allocator over a single MemoryBlock. Allocation only ever advances a
// pointer, so individual frees reclaim nothing: memory comes back only through Reset.
//
// The block is allocated lazily by the first call to Allocate, on the first memory type that
// satisfies that request. Every later request must be satisfiable by the same memory type until
// Release drops the block.
type LinearPool struct {
	logger   *slog.Logger
	device   Device
	mutex    utils.OptionalMutex
	capacity int

	block    *MemoryBlock
	metadata *metadata.BumpBlockMetadata
}

// NewLinearPool creates a LinearPool that will hand out up to capacity bytes. No device memory
// is allocated until the first call to Allocate.
func NewLinearPool(logger *slog.Logger, device Device, capacity int, options CreateOptions) *LinearPool {
	if capacity <= 0 {
		panic("attempted to create a LinearPool with a capacity of 0 or less")
	}

	pool := &LinearPool{
		logger:   loggerOrDiscard(logger),
		device:   device,
		mutex:    utils.OptionalMutex{UseMutex: options.useMutex()},
		capacity: capacity,
		metadata: metadata.NewBumpBlockMetadata(),
	}
	pool.metadata.Init(capacity)

	return pool
}

// Allocate returns the next aligned range of the block, allocating the block first if needed.
// Requesting a memory type or properties the block cannot serve panics.
func (p *LinearPool) Allocate(requirements *core1_0.MemoryRequirements, properties core1_0.MemoryPropertyFlags) (core1_0.DeviceMemory, gpuptr.Pointer, error) {
	p.logger.Debug("LinearPool::Allocate")

	if err := checkRequirements(requirements); err != nil {
		return nil, gpuptr.Null(), err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if requirements.Size > p.capacity {
		return nil, gpuptr.Null(), &OutOfMemoryError{Size: requirements.Size}
	}

	if p.block == nil {
		blockRequirements := *requirements
		blockRequirements.Size = p.capacity

		block, err := AllocateBlock(p.logger, p.device, &blockRequirements, properties)
		if err != nil {
			return nil, gpuptr.Null(), err
		}
		p.block = block
		p.metadata.Init(p.capacity)
	} else {
		p.block.checkSupports("LinearPool", requirements.MemoryTypeBits, properties)
	}

	success, request, err := p.metadata.CreateAllocationRequest(requirements.Size, uint64(requirements.Alignment))
	if err != nil {
		return nil, gpuptr.Null(), err
	} else if !success {
		return nil, gpuptr.Null(), &OutOfMemoryError{Size: requirements.Size}
	}

	err = p.metadata.Alloc(request)
	if err != nil {
		return nil, gpuptr.Null(), err
	}
	memutils.DebugValidate(p.metadata)

	return p.block.Memory(), request.Item.Pointer, nil
}

// Free does nothing: a LinearPool only reclaims memory on Reset.
func (p *LinearPool) Free(pointer gpuptr.Pointer) {
	p.logger.LogAttrs(context.Background(), slog.LevelWarn, "Calling LinearPool::Free has no effect",
		slog.String("pointer", pointer.String()))
}

// Reset moves the pointer back to the start of the block. The block itself is kept.
func (p *LinearPool) Reset() {
	p.logger.Debug("LinearPool::Reset")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.metadata.Clear()
}

// Release frees the block, if there is one. The next Allocate will allocate a new block and may
// pick a different memory type.
func (p *LinearPool) Release() {
	p.logger.Debug("LinearPool::Release")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.release()
}

func (p *LinearPool) release() {
	if p.block == nil {
		return
	}

	p.block.Free()
	p.block = nil
	p.metadata.Clear()
}

func (p *LinearPool) Destroy() error {
	p.logger.Debug("LinearPool::Destroy")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.release()
	return nil
}

// Block is the block the pool is allocating from, or nil if nothing has been allocated since the
// pool was created or released.
func (p *LinearPool) Block() *MemoryBlock {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.block
}

func (p *LinearPool) Size() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.metadata.SumUsedSize()
}

func (p *LinearPool) Capacity() int { return p.capacity }

func (p *LinearPool) AddStatistics(stats *memutils.Statistics) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.block != nil {
		p.metadata.AddStatistics(stats)
	}
}

func (p *LinearPool) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.block != nil {
		p.metadata.AddDetailedStatistics(stats)
	}
}

func (p *LinearPool) BuildStatsString(detailedMap bool) string {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	var stats memutils.DetailedStatistics
	stats.Clear()
	if p.block != nil {
		p.metadata.AddDetailedStatistics(&stats)
	}

	return buildStatsString(&stats, p.metadata.SumUsedSize(), p.capacity, detailedMap, func(blocks *jwriter.ArrayState) {
		if p.block == nil {
			return
		}

		obj := blocks.Object()
		printBlock(&obj, p.block, p.metadata)
		obj.End()
	})
}

// Validate checks the pool's bookkeeping for consistency.
func (p *LinearPool) Validate() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.block == nil {
		if !p.metadata.IsEmpty() {
			return errors.New("the pool has no block, but its pointer is not at the start of the block")
		}
		return nil
	}
	if p.block.Size() != p.capacity {
		return errors.Newf("the pool's block is %d bytes, but the pool's capacity is %d", p.block.Size(), p.capacity)
	}

	return p.metadata.Validate()
}
