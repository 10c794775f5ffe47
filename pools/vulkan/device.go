// Package vulkan adapts a vkngwrapper core1_0.Device to the pools.Device interface, so that the
// pools package can allocate real device memory. AllocateBuffer binds a buffer to memory handed
// out by any pool.
package vulkan

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"github.com/vkngwrapper/extensions/v2/khr_external_memory"
	"github.com/vkngwrapper/extensions/v2/khr_external_memory_capabilities"
	"github.com/vkngwrapper/gpupools/memutils"
	"github.com/vkngwrapper/gpupools/pools"
	"golang.org/x/exp/slog"
)

// Budget is the device memory a Device has allocated from one heap, and how much it may
// allocate.
type Budget struct {
	Statistics memutils.Statistics
	// Usage is the number of bytes currently allocated from the heap
	Usage int
	// Budget is the number of bytes that can be allocated from the heap before performance
	// is likely to suffer
	Budget int
}

// CreateOptions contains optional settings when creating a Device. It is valid to leave every
// field blank.
type CreateOptions struct {
	// VulkanCallbacks is an optional set of callbacks passed to Vulkan whenever memory is
	// allocated or freed
	VulkanCallbacks *driver.AllocationCallbacks

	// MemoryCallbackOptions is an optional set of callbacks that will be executed when a block
	// of device memory is allocated or freed
	MemoryCallbackOptions *MemoryCallbackOptions

	// HeapSizeLimits can be left empty. If it is provided, though, it must be a slice
	// with a number of entries corresponding to the number of heaps in the PhysicalDevice.
	// Each entry must be either the maximum number of bytes that should be allocated from
	// the corresponding heap, or 0 or -1 indicating no limit.
	//
	// Heaps with a limit report the limit as their size, and allocations beyond the limit
	// fail with VKErrorOutOfDeviceMemory.
	HeapSizeLimits []int

	// ExternalMemoryHandleTypes can be left empty. If it is provided though, it must be a slice
	// with a number of entries corresponding to the number of memory types in the PhysicalDevice.
	// Each entry is either 0, or the handle types that memory allocated on that type should be
	// exportable to. khr_external_memory must be active on the device.
	ExternalMemoryHandleTypes []khr_external_memory_capabilities.ExternalMemoryHandleTypeFlags

	// Priority is passed to ext_memory_priority for every block, if the extension is active.
	// It should be between 0 and 1; leaving it at 0 uses 0.5.
	Priority float32
}

// Device allocates blocks of device memory for the pools package. It keeps per-heap counts of
// the blocks it has allocated, enforces optional heap size limits, and refuses to allocate more
// blocks than the device's MaxMemoryAllocationCount.
//
// A Device is safe to use from multiple goroutines.
type Device struct {
	logger *slog.Logger

	device           core1_0.Device
	deviceProperties *core1_0.PhysicalDeviceProperties
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties

	allocationCallbacks       *driver.AllocationCallbacks
	memoryCallbacks           *MemoryCallbackOptions
	heapLimits                []int
	externalMemoryHandleTypes []khr_external_memory_capabilities.ExternalMemoryHandleTypeFlags
	useMemoryPriority         bool
	priority                  float32

	// Number of blocks currently allocated on the device
	memoryCount uint32
	// Number and size of blocks currently allocated from each heap
	blockCount [common.MaxMemoryHeaps]int32
	blockBytes [common.MaxMemoryHeaps]int64
}

var _ pools.Device = &Device{}

// NewDevice reads the physical device's properties and memory properties and creates a Device
// that allocates from device.
func NewDevice(logger *slog.Logger, physicalDevice core1_0.PhysicalDevice, device core1_0.Device, options CreateOptions) (*Device, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	deviceProperties, err := physicalDevice.Properties()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read physical device properties")
	}

	// Heap sizes are clamped to the heap limits, so copy the properties before touching them
	memoryProperties := *physicalDevice.MemoryProperties()
	memoryProperties.MemoryTypes = append([]core1_0.MemoryType(nil), memoryProperties.MemoryTypes...)
	memoryProperties.MemoryHeaps = append([]core1_0.MemoryHeap(nil), memoryProperties.MemoryHeaps...)

	heapCount := len(memoryProperties.MemoryHeaps)
	if heapCount > common.MaxMemoryHeaps {
		return nil, errors.Newf("physical device %q reports %d memory heaps, but Vulkan only allows %d", deviceProperties.DeviceName, heapCount, common.MaxMemoryHeaps)
	}

	heapLimitCount := len(options.HeapSizeLimits)
	if heapLimitCount > 0 && heapLimitCount != heapCount {
		return nil, errors.New("vulkan.CreateOptions.HeapSizeLimits was provided, but the length does not equal the number of PhysicalDevice heaps")
	}

	handleTypeCount := len(options.ExternalMemoryHandleTypes)
	if handleTypeCount > 0 {
		if handleTypeCount != len(memoryProperties.MemoryTypes) {
			return nil, errors.New("vulkan.CreateOptions.ExternalMemoryHandleTypes was provided, but the length does not equal the number of PhysicalDevice memory types")
		}
		if !device.IsDeviceExtensionActive(khr_external_memory.ExtensionName) {
			return nil, errors.New("vulkan.CreateOptions.ExternalMemoryHandleTypes was provided, but khr_external_memory is not active")
		}
	}

	heapLimits := make([]int, heapCount)
	for heapIndex, limit := range options.HeapSizeLimits {
		if limit <= 0 {
			continue
		}

		heapLimits[heapIndex] = limit
		if limit < memoryProperties.MemoryHeaps[heapIndex].Size {
			memoryProperties.MemoryHeaps[heapIndex].Size = limit
		}
	}

	priority := options.Priority
	if priority == 0 {
		priority = 0.5
	}

	return &Device{
		logger:           logger,
		device:           device,
		deviceProperties: deviceProperties,
		memoryProperties: &memoryProperties,

		allocationCallbacks:       options.VulkanCallbacks,
		memoryCallbacks:           options.MemoryCallbackOptions,
		heapLimits:                heapLimits,
		externalMemoryHandleTypes: options.ExternalMemoryHandleTypes,
		useMemoryPriority:         device.IsDeviceExtensionActive(ext_memory_priority.ExtensionName),
		priority:                  priority,
	}, nil
}

func (d *Device) Name() string {
	return d.deviceProperties.DeviceName
}

// MemoryProperties returns the physical device's memory properties, with heap sizes reduced to
// any heap size limits.
func (d *Device) MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties {
	return d.memoryProperties
}

func (d *Device) VulkanDevice() core1_0.Device {
	return d.device
}

// AllocationCount is the number of blocks currently allocated through this Device
func (d *Device) AllocationCount() int {
	return int(atomic.LoadUint32(&d.memoryCount))
}

func (d *Device) addBlockAllocation(heapIndex, size int) (common.VkResult, error) {
	limit := d.heapLimits[heapIndex]
	if limit == 0 {
		atomic.AddInt64(&d.blockBytes[heapIndex], int64(size))
		atomic.AddInt32(&d.blockCount[heapIndex], 1)
		return core1_0.VKSuccess, nil
	}

	for {
		currentVal := atomic.LoadInt64(&d.blockBytes[heapIndex])
		targetVal := currentVal + int64(size)

		if targetVal > int64(limit) {
			return core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
		}

		if atomic.CompareAndSwapInt64(&d.blockBytes[heapIndex], currentVal, targetVal) {
			break
		}
	}

	atomic.AddInt32(&d.blockCount[heapIndex], 1)
	return core1_0.VKSuccess, nil
}

func (d *Device) removeBlockAllocation(heapIndex, size int) {
	newVal := atomic.AddInt64(&d.blockBytes[heapIndex], int64(-size))
	if newVal < 0 {
		panic(fmt.Sprintf("block bytes for heap %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&d.blockCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("block count for heap %d went negative", heapIndex))
	}
}

// AllocateMemory allocates a block of size bytes on the given memory type.
func (d *Device) AllocateMemory(memoryTypeIndex int, size int) (memory core1_0.DeviceMemory, res common.VkResult, err error) {
	d.logger.Debug("Device::AllocateMemory")

	newCount := atomic.AddUint32(&d.memoryCount, 1)
	defer func() {
		if err != nil {
			// Decrement
			atomic.AddUint32(&d.memoryCount, ^uint32(0))
		}
	}()

	if int(newCount) > d.deviceProperties.Limits.MaxMemoryAllocationCount {
		return nil, core1_0.VKErrorTooManyObjects, core1_0.VKErrorTooManyObjects.ToError()
	}

	heapIndex := d.memoryProperties.MemoryTypes[memoryTypeIndex].HeapIndex
	res, err = d.addBlockAllocation(heapIndex, size)
	if err != nil {
		return nil, res, err
	}
	defer func() {
		if err != nil {
			d.removeBlockAllocation(heapIndex, size)
		}
	}()

	allocateInfo := core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	}

	if d.useMemoryPriority {
		priorityInfo := ext_memory_priority.MemoryPriorityAllocateInfo{
			Priority: d.priority,
		}
		priorityInfo.Next = allocateInfo.Next
		allocateInfo.Next = priorityInfo
	}

	if len(d.externalMemoryHandleTypes) > 0 && d.externalMemoryHandleTypes[memoryTypeIndex] != 0 {
		exportMemoryAllocInfo := khr_external_memory.ExportMemoryAllocateInfo{
			HandleTypes: d.externalMemoryHandleTypes[memoryTypeIndex],
		}
		exportMemoryAllocInfo.Next = allocateInfo.Next
		allocateInfo.Next = exportMemoryAllocInfo
	}

	memory, res, err = d.device.AllocateMemory(d.allocationCallbacks, allocateInfo)
	if err != nil {
		d.logger.LogAttrs(context.Background(), slog.LevelDebug, "    vkAllocateMemory failed",
			slog.Int("MemoryTypeIndex", memoryTypeIndex),
			slog.Int("Size", size),
			slog.String("Result", res.String()),
		)
		return nil, res, err
	}

	d.notifyAllocate(memoryTypeIndex, memory, size)
	return memory, res, nil
}

// FreeMemory frees a block previously returned by AllocateMemory.
func (d *Device) FreeMemory(memoryTypeIndex int, size int, memory core1_0.DeviceMemory) {
	d.logger.Debug("Device::FreeMemory")

	d.notifyFree(memoryTypeIndex, memory, size)
	memory.Free(d.allocationCallbacks)

	d.removeBlockAllocation(d.memoryProperties.MemoryTypes[memoryTypeIndex].HeapIndex, size)
	// Decrement
	atomic.AddUint32(&d.memoryCount, ^uint32(0))
}

// HeapBudgets fills budgets with the current usage of consecutive heaps, starting at firstHeap.
func (d *Device) HeapBudgets(firstHeap int, budgets []Budget) {
	for i := 0; i < len(budgets); i++ {
		heapIndex := firstHeap + i

		budgets[i].Statistics.BlockCount = int(atomic.LoadInt32(&d.blockCount[heapIndex]))
		budgets[i].Statistics.BlockBytes = int(atomic.LoadInt64(&d.blockBytes[heapIndex]))

		budgets[i].Usage = budgets[i].Statistics.BlockBytes
		budgets[i].Budget = d.memoryProperties.MemoryHeaps[heapIndex].Size * 8 / 10
	}
}
