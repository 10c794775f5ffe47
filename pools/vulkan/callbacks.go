package vulkan

import "github.com/vkngwrapper/core/v2/core1_0"

type AllocateDeviceMemoryCallback func(
	device *Device,
	memoryType int,
	memory core1_0.DeviceMemory,
	size int,
	userData interface{},
)

type FreeDeviceMemoryCallback func(
	device *Device,
	memoryType int,
	memory core1_0.DeviceMemory,
	size int,
	userData interface{},
)

// MemoryCallbackOptions is called whenever a Device allocates or frees a block of device memory,
// which is useful for consumers that want to track real allocations rather than suballocations.
type MemoryCallbackOptions struct {
	Allocate AllocateDeviceMemoryCallback
	Free     FreeDeviceMemoryCallback
	UserData interface{}
}

func (d *Device) notifyAllocate(memoryType int, memory core1_0.DeviceMemory, size int) {
	if d.memoryCallbacks != nil && d.memoryCallbacks.Allocate != nil {
		d.memoryCallbacks.Allocate(d, memoryType, memory, size, d.memoryCallbacks.UserData)
	}
}

func (d *Device) notifyFree(memoryType int, memory core1_0.DeviceMemory, size int) {
	if d.memoryCallbacks != nil && d.memoryCallbacks.Free != nil {
		d.memoryCallbacks.Free(d, memoryType, memory, size, d.memoryCallbacks.UserData)
	}
}
