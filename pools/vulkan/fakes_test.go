package vulkan_test

import (
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
)

type fakePhysicalDevice struct {
	core1_0.PhysicalDevice
	properties       core1_0.PhysicalDeviceProperties
	memoryProperties core1_0.PhysicalDeviceMemoryProperties
}

func (d *fakePhysicalDevice) Properties() (*core1_0.PhysicalDeviceProperties, error) {
	return &d.properties, nil
}

func (d *fakePhysicalDevice) MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties {
	return &d.memoryProperties
}

type fakeDeviceMemory struct {
	core1_0.DeviceMemory
	info  core1_0.MemoryAllocateInfo
	freed bool
}

func (m *fakeDeviceMemory) Free(callbacks *driver.AllocationCallbacks) {
	if m.freed {
		panic("device memory freed twice")
	}
	m.freed = true
}

type fakeVulkanDevice struct {
	core1_0.Device
	extensions map[string]bool
	allocated  []*fakeDeviceMemory

	// failWith makes AllocateMemory fail with the given result when it is not VKSuccess
	failWith common.VkResult
}

func (d *fakeVulkanDevice) IsDeviceExtensionActive(extensionName string) bool {
	return d.extensions[extensionName]
}

func (d *fakeVulkanDevice) AllocateMemory(allocationCallbacks *driver.AllocationCallbacks, o core1_0.MemoryAllocateInfo) (core1_0.DeviceMemory, common.VkResult, error) {
	if d.failWith != core1_0.VKSuccess {
		return nil, d.failWith, d.failWith.ToError()
	}

	memory := &fakeDeviceMemory{info: o}
	d.allocated = append(d.allocated, memory)
	return memory, core1_0.VKSuccess, nil
}

func (d *fakeVulkanDevice) liveCount() int {
	live := 0
	for _, memory := range d.allocated {
		if !memory.freed {
			live++
		}
	}
	return live
}

type fakeResource struct {
	requirements core1_0.MemoryRequirements
	bindResult   common.VkResult

	boundMemory core1_0.DeviceMemory
	boundOffset int
}

func (r *fakeResource) bind(memory core1_0.DeviceMemory, offset int) (common.VkResult, error) {
	if r.bindResult != core1_0.VKSuccess {
		return r.bindResult, r.bindResult.ToError()
	}

	r.boundMemory = memory
	r.boundOffset = offset
	return core1_0.VKSuccess, nil
}

type fakeBuffer struct {
	core1_0.Buffer
	fakeResource
}

func (b *fakeBuffer) MemoryRequirements() *core1_0.MemoryRequirements {
	return &b.requirements
}

func (b *fakeBuffer) BindBufferMemory(memory core1_0.DeviceMemory, offset int) (common.VkResult, error) {
	return b.bind(memory, offset)
}

func newPhysicalDevice(maxAllocations int) *fakePhysicalDevice {
	return &fakePhysicalDevice{
		properties: core1_0.PhysicalDeviceProperties{
			DeviceName: "Fake GPU",
			DriverType: core1_0.PhysicalDeviceTypeDiscreteGPU,
			Limits: &core1_0.PhysicalDeviceLimits{
				BufferImageGranularity:   1,
				NonCoherentAtomSize:      1,
				MaxMemoryAllocationCount: maxAllocations,
			},
		},
		memoryProperties: core1_0.PhysicalDeviceMemoryProperties{
			MemoryTypes: []core1_0.MemoryType{
				{
					PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
					HeapIndex:     0,
				},
				{
					PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
					HeapIndex:     1,
				},
			},
			MemoryHeaps: []core1_0.MemoryHeap{
				{
					Size:  1000000,
					Flags: core1_0.MemoryHeapDeviceLocal,
				},
				{
					Size:  1000000,
					Flags: 0,
				},
			},
		},
	}
}

func newVulkanDevice(extensions ...string) *fakeVulkanDevice {
	device := &fakeVulkanDevice{
		extensions: make(map[string]bool),
		failWith:   core1_0.VKSuccess,
	}
	for _, extension := range extensions {
		device.extensions[extension] = true
	}
	return device
}
