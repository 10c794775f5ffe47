package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gpupools/memutils/gpuptr"
	"github.com/vkngwrapper/gpupools/pools"
)

// AllocateBuffer allocates memory for buffer from pool and binds it. If the bind fails, the
// memory is returned to the pool.
//
// pool must not be a LinearPool if the memory is ever expected to be freed, since
// LinearPool.Free does nothing.
func AllocateBuffer(pool pools.MemoryPool, buffer core1_0.Buffer, properties core1_0.MemoryPropertyFlags) (gpuptr.Pointer, common.VkResult, error) {
	if buffer == nil {
		return gpuptr.Null(), core1_0.VKErrorUnknown, errors.New("attempted to allocate memory for a nil buffer")
	}

	memory, ptr, err := pool.Allocate(buffer.MemoryRequirements(), properties)
	if err != nil {
		return gpuptr.Null(), resultFor(err), err
	}

	res, err := buffer.BindBufferMemory(memory, int(ptr.Offset()))
	if err != nil {
		pool.Free(ptr)
		return gpuptr.Null(), res, errors.Wrapf(err, "failed to bind buffer to %s", ptr)
	}

	return ptr, res, nil
}

func resultFor(err error) common.VkResult {
	var allocateErr *pools.MemoryAllocateError
	switch {
	case errors.As(err, &allocateErr):
		return allocateErr.Result
	case errors.Is(err, pools.ErrOutOfMemory):
		return core1_0.VKErrorOutOfDeviceMemory
	case errors.Is(err, pools.ErrUnsupportedMemoryRequirements):
		return core1_0.VKErrorFeatureNotPresent
	}
	return core1_0.VKErrorUnknown
}
