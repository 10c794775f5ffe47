package vulkan_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"github.com/vkngwrapper/extensions/v2/khr_external_memory"
	"github.com/vkngwrapper/extensions/v2/khr_external_memory_capabilities"
	"github.com/vkngwrapper/gpupools/pools/vulkan"
)

func TestNewDevice(t *testing.T) {
	physicalDevice := newPhysicalDevice(100)
	device, err := vulkan.NewDevice(nil, physicalDevice, newVulkanDevice(), vulkan.CreateOptions{
		HeapSizeLimits: []int{4096, -1},
	})
	require.NoError(t, err)

	require.Equal(t, "Fake GPU", device.Name())
	require.Equal(t, 4096, device.MemoryProperties().MemoryHeaps[0].Size)
	require.Equal(t, 1000000, device.MemoryProperties().MemoryHeaps[1].Size)
	require.Len(t, device.MemoryProperties().MemoryTypes, 2)

	// The physical device's own properties are left alone
	require.Equal(t, 1000000, physicalDevice.memoryProperties.MemoryHeaps[0].Size)
}

func TestNewDeviceValidatesOptions(t *testing.T) {
	_, err := vulkan.NewDevice(nil, newPhysicalDevice(100), newVulkanDevice(), vulkan.CreateOptions{
		HeapSizeLimits: []int{4096},
	})
	require.Error(t, err)

	handleTypes := []khr_external_memory_capabilities.ExternalMemoryHandleTypeFlags{1, 0}
	_, err = vulkan.NewDevice(nil, newPhysicalDevice(100), newVulkanDevice(), vulkan.CreateOptions{
		ExternalMemoryHandleTypes: handleTypes,
	})
	require.Error(t, err)

	_, err = vulkan.NewDevice(nil, newPhysicalDevice(100), newVulkanDevice(khr_external_memory.ExtensionName), vulkan.CreateOptions{
		ExternalMemoryHandleTypes: handleTypes[:1],
	})
	require.Error(t, err)

	_, err = vulkan.NewDevice(nil, newPhysicalDevice(100), newVulkanDevice(khr_external_memory.ExtensionName), vulkan.CreateOptions{
		ExternalMemoryHandleTypes: handleTypes,
	})
	require.NoError(t, err)
}

func TestDeviceAllocateAndFree(t *testing.T) {
	type callback struct {
		memoryType int
		size       int
		userData   interface{}
	}
	var allocated, freed []callback

	vulkanDevice := newVulkanDevice()
	device, err := vulkan.NewDevice(nil, newPhysicalDevice(100), vulkanDevice, vulkan.CreateOptions{
		MemoryCallbackOptions: &vulkan.MemoryCallbackOptions{
			Allocate: func(device *vulkan.Device, memoryType int, memory core1_0.DeviceMemory, size int, userData interface{}) {
				allocated = append(allocated, callback{memoryType, size, userData})
			},
			Free: func(device *vulkan.Device, memoryType int, memory core1_0.DeviceMemory, size int, userData interface{}) {
				freed = append(freed, callback{memoryType, size, userData})
			},
			UserData: "user data",
		},
	})
	require.NoError(t, err)

	memory, res, err := device.AllocateMemory(1, 2048)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, core1_0.MemoryAllocateInfo{
		AllocationSize:  2048,
		MemoryTypeIndex: 1,
	}, memory.(*fakeDeviceMemory).info)
	require.Equal(t, []callback{{1, 2048, "user data"}}, allocated)
	require.Equal(t, 1, device.AllocationCount())

	budgets := make([]vulkan.Budget, 2)
	device.HeapBudgets(0, budgets)
	require.Equal(t, 0, budgets[0].Usage)
	require.Equal(t, 1, budgets[1].Statistics.BlockCount)
	require.Equal(t, 2048, budgets[1].Statistics.BlockBytes)
	require.Equal(t, 2048, budgets[1].Usage)
	require.Equal(t, 800000, budgets[1].Budget)

	device.FreeMemory(1, 2048, memory)
	require.True(t, memory.(*fakeDeviceMemory).freed)
	require.Equal(t, []callback{{1, 2048, "user data"}}, freed)
	require.Equal(t, 0, device.AllocationCount())

	device.HeapBudgets(1, budgets[:1])
	require.Equal(t, 0, budgets[0].Usage)
	require.Equal(t, 0, budgets[0].Statistics.BlockCount)
}

func TestDeviceMemoryPriority(t *testing.T) {
	device, err := vulkan.NewDevice(nil, newPhysicalDevice(100), newVulkanDevice(ext_memory_priority.ExtensionName), vulkan.CreateOptions{})
	require.NoError(t, err)

	memory, _, err := device.AllocateMemory(0, 1024)
	require.NoError(t, err)
	require.Equal(t, core1_0.MemoryAllocateInfo{
		AllocationSize:  1024,
		MemoryTypeIndex: 0,
		NextOptions: common.NextOptions{
			Next: ext_memory_priority.MemoryPriorityAllocateInfo{
				Priority: 0.5,
			},
		},
	}, memory.(*fakeDeviceMemory).info)
	device.FreeMemory(0, 1024, memory)

	device, err = vulkan.NewDevice(nil, newPhysicalDevice(100), newVulkanDevice(ext_memory_priority.ExtensionName), vulkan.CreateOptions{
		Priority: 1,
	})
	require.NoError(t, err)

	memory, _, err = device.AllocateMemory(0, 1024)
	require.NoError(t, err)
	require.Equal(t, ext_memory_priority.MemoryPriorityAllocateInfo{Priority: 1}, memory.(*fakeDeviceMemory).info.Next)
	device.FreeMemory(0, 1024, memory)
}

func TestDeviceExternalMemory(t *testing.T) {
	handleType := khr_external_memory_capabilities.ExternalMemoryHandleTypeFlags(1)
	device, err := vulkan.NewDevice(nil, newPhysicalDevice(100), newVulkanDevice(khr_external_memory.ExtensionName), vulkan.CreateOptions{
		ExternalMemoryHandleTypes: []khr_external_memory_capabilities.ExternalMemoryHandleTypeFlags{0, handleType},
	})
	require.NoError(t, err)

	memory, _, err := device.AllocateMemory(0, 1024)
	require.NoError(t, err)
	require.Nil(t, memory.(*fakeDeviceMemory).info.Next)
	device.FreeMemory(0, 1024, memory)

	memory, _, err = device.AllocateMemory(1, 1024)
	require.NoError(t, err)
	require.Equal(t, khr_external_memory.ExportMemoryAllocateInfo{
		HandleTypes: handleType,
	}, memory.(*fakeDeviceMemory).info.Next)
	device.FreeMemory(1, 1024, memory)
}

func TestDeviceHeapSizeLimit(t *testing.T) {
	vulkanDevice := newVulkanDevice()
	device, err := vulkan.NewDevice(nil, newPhysicalDevice(100), vulkanDevice, vulkan.CreateOptions{
		HeapSizeLimits: []int{4096, 0},
	})
	require.NoError(t, err)

	first, _, err := device.AllocateMemory(0, 4096)
	require.NoError(t, err)

	_, res, err := device.AllocateMemory(0, 1)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)
	require.Len(t, vulkanDevice.allocated, 1)
	require.Equal(t, 1, device.AllocationCount())

	// The other heap has no limit
	second, _, err := device.AllocateMemory(1, 8192)
	require.NoError(t, err)

	device.FreeMemory(0, 4096, first)
	third, _, err := device.AllocateMemory(0, 1)
	require.NoError(t, err)

	device.FreeMemory(0, 1, third)
	device.FreeMemory(1, 8192, second)
	require.Equal(t, 0, vulkanDevice.liveCount())
}

func TestDeviceMaxAllocationCount(t *testing.T) {
	vulkanDevice := newVulkanDevice()
	device, err := vulkan.NewDevice(nil, newPhysicalDevice(1), vulkanDevice, vulkan.CreateOptions{})
	require.NoError(t, err)

	first, _, err := device.AllocateMemory(0, 1024)
	require.NoError(t, err)

	_, res, err := device.AllocateMemory(1, 1024)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorTooManyObjects, res)
	require.Equal(t, 1, device.AllocationCount())

	budgets := make([]vulkan.Budget, 2)
	device.HeapBudgets(0, budgets)
	require.Equal(t, 0, budgets[1].Statistics.BlockCount)

	device.FreeMemory(0, 1024, first)
	second, _, err := device.AllocateMemory(1, 1024)
	require.NoError(t, err)
	device.FreeMemory(1, 1024, second)
}

func TestDeviceDriverFailureRollsBack(t *testing.T) {
	vulkanDevice := newVulkanDevice()
	vulkanDevice.failWith = core1_0.VKErrorOutOfHostMemory
	device, err := vulkan.NewDevice(nil, newPhysicalDevice(100), vulkanDevice, vulkan.CreateOptions{
		HeapSizeLimits: []int{4096, 4096},
	})
	require.NoError(t, err)

	_, res, err := device.AllocateMemory(0, 4096)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorOutOfHostMemory, res)
	require.Equal(t, 0, device.AllocationCount())

	budgets := make([]vulkan.Budget, 1)
	device.HeapBudgets(0, budgets)
	require.Equal(t, 0, budgets[0].Usage)

	vulkanDevice.failWith = core1_0.VKSuccess
	memory, _, err := device.AllocateMemory(0, 4096)
	require.NoError(t, err)
	device.FreeMemory(0, 4096, memory)
}
