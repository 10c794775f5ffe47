package pools

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// MemoryBlock owns a single raw allocation of device memory on one memory type. It is owned by
// exactly one pool, which frees it when the pool is released or destroyed.
type MemoryBlock struct {
	logger          *slog.Logger
	device          Device
	memory          core1_0.DeviceMemory
	memoryTypeIndex int
	properties      core1_0.MemoryPropertyFlags
	size            int
}

// AllocateBlock allocates requirements.Size bytes on the first memory type, in index order,
// that is allowed by requirements.MemoryTypeBits and supports every flag in properties.
//
// A memory type that is out of memory is skipped in favor of the next candidate. Any other
// device failure is returned immediately as a *MemoryAllocateError. If no memory type is a
// candidate at all, the error is an *UnsupportedMemoryRequirementsError; if every candidate
// ran out of memory, it is an *OutOfMemoryError.
func AllocateBlock(logger *slog.Logger, device Device, requirements *core1_0.MemoryRequirements, properties core1_0.MemoryPropertyFlags) (*MemoryBlock, error) {
	logger = loggerOrDiscard(logger)
	memoryTypes := device.MemoryProperties().MemoryTypes

	candidates := 0
	for memoryTypeIndex, memoryType := range memoryTypes {
		if !typeAllowed(requirements.MemoryTypeBits, memoryTypeIndex) ||
			!propertiesSatisfied(memoryType.PropertyFlags, properties) {
			continue
		}
		candidates++

		block, err := AllocateBlockOnType(logger, device, memoryTypeIndex, requirements.Size)
		if errors.Is(err, ErrOutOfMemory) {
			logger.LogAttrs(context.Background(), slog.LevelDebug, "    Memory type out of memory, trying next",
				slog.Int("MemoryTypeIndex", memoryTypeIndex),
				slog.Int("Size", requirements.Size),
			)
			continue
		} else if err != nil {
			return nil, err
		}

		return block, nil
	}

	if candidates == 0 {
		return nil, &UnsupportedMemoryRequirementsError{
			DeviceName:     device.Name(),
			MemoryTypeBits: requirements.MemoryTypeBits,
			Properties:     properties,
		}
	}

	return nil, &OutOfMemoryError{Size: requirements.Size}
}

// AllocateBlockOnType allocates size bytes directly on the given memory type. It returns an
// *OutOfMemoryError when the device reports that it is out of host or device memory and a
// *MemoryAllocateError for any other failure.
func AllocateBlockOnType(logger *slog.Logger, device Device, memoryTypeIndex int, size int) (*MemoryBlock, error) {
	memoryTypes := device.MemoryProperties().MemoryTypes
	if memoryTypeIndex < 0 || memoryTypeIndex >= len(memoryTypes) {
		panic(fmt.Sprintf("attempted to allocate a block on memory type %d, but device %q only has %d memory types", memoryTypeIndex, device.Name(), len(memoryTypes)))
	}

	memory, res, err := device.AllocateMemory(memoryTypeIndex, size)
	if err != nil {
		if isOutOfMemoryResult(res) {
			return nil, &OutOfMemoryError{Size: size}
		}

		return nil, &MemoryAllocateError{
			DeviceName:      device.Name(),
			Size:            size,
			MemoryTypeIndex: memoryTypeIndex,
			Result:          res,
			Err:             err,
		}
	}

	logger = loggerOrDiscard(logger)
	logger.LogAttrs(context.Background(), slog.LevelDebug, "    Allocated new memory block",
		slog.Int("MemoryTypeIndex", memoryTypeIndex),
		slog.Int("Size", size),
	)

	return &MemoryBlock{
		logger:          logger,
		device:          device,
		memory:          memory,
		memoryTypeIndex: memoryTypeIndex,
		properties:      memoryTypes[memoryTypeIndex].PropertyFlags,
		size:            size,
	}, nil
}

// Memory is the device memory backing this block, or nil once the block has been freed
func (b *MemoryBlock) Memory() core1_0.DeviceMemory { return b.memory }

func (b *MemoryBlock) MemoryTypeIndex() int { return b.memoryTypeIndex }

// Properties are the property flags of the block's memory type, which may be a superset of the
// flags that were requested
func (b *MemoryBlock) Properties() core1_0.MemoryPropertyFlags { return b.properties }

func (b *MemoryBlock) Size() int { return b.size }

// Supports reports whether this block can serve an allocation with the given memory type bits
// and properties.
func (b *MemoryBlock) Supports(memoryTypeBits uint32, properties core1_0.MemoryPropertyFlags) bool {
	return typeAllowed(memoryTypeBits, b.memoryTypeIndex) && propertiesSatisfied(b.properties, properties)
}

// Free returns the block's memory to the device. Freeing a block twice panics.
func (b *MemoryBlock) Free() {
	if b.memory == nil {
		panic("attempting to free a memory block, but it did not have a backing vulkan memory handle")
	}

	b.device.FreeMemory(b.memoryTypeIndex, b.size, b.memory)
	b.memory = nil

	b.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Freed memory block",
		slog.Int("MemoryTypeIndex", b.memoryTypeIndex),
		slog.Int("Size", b.size),
	)
}

func (b *MemoryBlock) checkSupports(poolName string, memoryTypeBits uint32, properties core1_0.MemoryPropertyFlags) {
	if !typeAllowed(memoryTypeBits, b.memoryTypeIndex) {
		panic(fmt.Sprintf("%s is allocated for device memory type %d, but new allocation only supports memory types %#b", poolName, b.memoryTypeIndex, memoryTypeBits))
	}
	if !propertiesSatisfied(b.properties, properties) {
		panic(fmt.Sprintf("%s is allocated for device memory type %d which supports the properties %s, but new allocation requires %s", poolName, b.memoryTypeIndex, b.properties, properties))
	}
}
