package pools

import (
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

//go:generate mockgen -source device.go -destination ./mocks/device.go -package mock_pools

// Device is everything the pools need from the GPU: a snapshot of its memory types and heaps,
// and a way to allocate and free raw blocks of device memory. pools/vulkan provides the
// implementation backed by a real core1_0.Device.
type Device interface {
	// Name identifies the device in error messages
	Name() string
	// MemoryProperties lists the device's memory types and heaps. Pools read it once and expect
	// it not to change.
	MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties
	// AllocateMemory allocates size bytes of memory from the given memory type. When the device
	// runs out of memory the result is core1_0.VKErrorOutOfHostMemory or
	// core1_0.VKErrorOutOfDeviceMemory.
	AllocateMemory(memoryTypeIndex int, size int) (core1_0.DeviceMemory, common.VkResult, error)
	// FreeMemory releases memory previously returned from AllocateMemory with the same
	// memoryTypeIndex and size.
	FreeMemory(memoryTypeIndex int, size int, memory core1_0.DeviceMemory)
}

func typeAllowed(memoryTypeBits uint32, memoryTypeIndex int) bool {
	return memoryTypeBits&(1<<uint(memoryTypeIndex)) != 0
}

func propertiesSatisfied(available, required core1_0.MemoryPropertyFlags) bool {
	return available&required == required
}

func isOutOfMemoryResult(res common.VkResult) bool {
	return res == core1_0.VKErrorOutOfHostMemory || res == core1_0.VKErrorOutOfDeviceMemory
}
