package pools

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gpupools/memutils"
	"github.com/vkngwrapper/gpupools/memutils/gpuptr"
	"github.com/vkngwrapper/gpupools/memutils/metadata"
	"github.com/vkngwrapper/gpupools/pools/internal/utils"
	"golang.org/x/exp/slog"
)

// BlockPool is a first-fit free-list allocator over a single MemoryBlock that supports freeing
// individual allocations. Free extents are never merged with their neighbors, so long-running
// churn with varying sizes fragments the block until Reset.
type BlockPool struct {
	logger *slog.Logger
	mutex  utils.OptionalMutex

	block    *MemoryBlock
	metadata *metadata.FreeListBlockMetadata

	// set for pools created by a MetaPool, which must go through the MetaPool to change
	ownedByMetaPool bool
}

// NewBlockPool creates a BlockPool that takes ownership of block. The whole block starts out
// free.
func NewBlockPool(logger *slog.Logger, block *MemoryBlock, options CreateOptions) *BlockPool {
	if block == nil || block.Memory() == nil {
		panic("attempted to create a BlockPool without a live memory block")
	}

	pool := &BlockPool{
		logger:   loggerOrDiscard(logger),
		mutex:    utils.OptionalMutex{UseMutex: options.useMutex()},
		block:    block,
		metadata: metadata.NewFreeListBlockMetadata(),
	}
	pool.metadata.Init(block.Size())

	return pool
}

func (p *BlockPool) checkNotOwned(operation string) {
	if p.ownedByMetaPool {
		panic(fmt.Sprintf("attempted to call BlockPool::%s on a pool owned by a MetaPool", operation))
	}
}

// Allocate places the request in the first free extent that can hold it once aligned.
// Requesting a memory type or properties the block cannot serve panics.
func (p *BlockPool) Allocate(requirements *core1_0.MemoryRequirements, properties core1_0.MemoryPropertyFlags) (core1_0.DeviceMemory, gpuptr.Pointer, error) {
	p.logger.Debug("BlockPool::Allocate")
	p.checkNotOwned("Allocate")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.allocate(requirements, properties)
}

func (p *BlockPool) allocate(requirements *core1_0.MemoryRequirements, properties core1_0.MemoryPropertyFlags) (core1_0.DeviceMemory, gpuptr.Pointer, error) {
	if err := checkRequirements(requirements); err != nil {
		return nil, gpuptr.Null(), err
	}
	p.block.checkSupports("BlockPool", requirements.MemoryTypeBits, properties)

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

// Free returns the allocation at pointer to the free list. The pointer's type and pool indices
// are ignored. Freeing a pointer that is not a live allocation of this pool panics.
func (p *BlockPool) Free(pointer gpuptr.Pointer) {
	p.logger.Debug("BlockPool::Free")
	p.checkNotOwned("Free")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.free(pointer)
}

func (p *BlockPool) free(pointer gpuptr.Pointer) int {
	consumed, err := p.metadata.Free(pointer.Agnostic())
	if err != nil {
		panic(fmt.Sprintf("BlockPool failed to free %s: %v", pointer, err))
	}
	memutils.DebugValidate(p.metadata)

	return consumed
}

// Reset frees every allocation, leaving a single free extent spanning the block.
func (p *BlockPool) Reset() {
	p.logger.Debug("BlockPool::Reset")
	p.checkNotOwned("Reset")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.metadata.Clear()
}

// Destroy frees the pool's block. Allocations that are still live are logged and reported as an
// error, but the block is freed regardless.
func (p *BlockPool) Destroy() error {
	p.logger.Debug("BlockPool::Destroy")
	p.checkNotOwned("Destroy")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.destroy()
}

func (p *BlockPool) destroy() error {
	if p.block.Memory() == nil {
		panic("attempted to destroy a BlockPool that was already destroyed")
	}

	var err error
	if !p.metadata.IsEmpty() {
		count := p.metadata.AllocationCount()
		_ = p.metadata.VisitAllRegions(func(pointer gpuptr.Pointer, size int, free bool) error {
			if !free {
				p.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
					slog.Int("MemoryTypeIndex", p.block.MemoryTypeIndex()),
					slog.Uint64("offset", pointer.Offset()),
					slog.Int("size", size),
				)
			}
			return nil
		})

		err = errors.Newf("%d allocations were not freed before the destruction of this memory block", count)
	}

	p.block.Free()
	p.metadata.Clear()
	return err
}

func (p *BlockPool) Block() *MemoryBlock { return p.block }

func (p *BlockPool) Size() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.metadata.SumUsedSize()
}

func (p *BlockPool) Capacity() int { return p.block.Size() }

// IsEmpty is true when the pool has no live allocations
func (p *BlockPool) IsEmpty() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.metadata.IsEmpty()
}

func (p *BlockPool) AddStatistics(stats *memutils.Statistics) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.metadata.AddStatistics(stats)
}

func (p *BlockPool) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.metadata.AddDetailedStatistics(stats)
}

func (p *BlockPool) BuildStatsString(detailedMap bool) string {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	var stats memutils.DetailedStatistics
	stats.Clear()
	p.metadata.AddDetailedStatistics(&stats)

	return buildStatsString(&stats, p.metadata.SumUsedSize(), p.block.Size(), detailedMap, func(blocks *jwriter.ArrayState) {
		obj := blocks.Object()
		p.printBlock(&obj)
		obj.End()
	})
}

func (p *BlockPool) printBlock(json *jwriter.ObjectState) {
	printBlock(json, p.block, p.metadata)
}

// Validate checks the pool's bookkeeping for consistency.
func (p *BlockPool) Validate() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.block.Memory() == nil {
		return errors.New("no valid memory for this memory pool")
	}
	if p.metadata.Size() != p.block.Size() {
		return errors.Newf("the pool's metadata tracks %d bytes, but its block is %d bytes", p.metadata.Size(), p.block.Size())
	}

	return p.metadata.Validate()
}
