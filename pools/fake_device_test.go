package pools_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

type fakeMemory struct {
	core1_0.DeviceMemory
	id              int
	memoryTypeIndex int
	size            int
}

type allocationAttempt struct {
	MemoryTypeIndex int
	Size            int
}

// fakeDevice hands out fakeMemory objects until a heap's size is used up, after which it reports
// VKErrorOutOfDeviceMemory.
type fakeDevice struct {
	t          *testing.T
	properties core1_0.PhysicalDeviceMemoryProperties
	heapUsed   []int
	nextID     int
	live       map[*fakeMemory]struct{}
	attempts   []allocationAttempt

	// failures forces AllocateMemory on a memory type to fail with the given result
	failures map[int]common.VkResult
}

func newFakeDevice(t *testing.T, types []core1_0.MemoryType, heaps []core1_0.MemoryHeap) *fakeDevice {
	device := &fakeDevice{
		t: t,
		properties: core1_0.PhysicalDeviceMemoryProperties{
			MemoryTypes: types,
			MemoryHeaps: heaps,
		},
		heapUsed: make([]int, len(heaps)),
		live:     make(map[*fakeMemory]struct{}),
		failures: make(map[int]common.VkResult),
	}

	t.Cleanup(func() {
		require.Empty(t, device.live, "device memory was leaked")
	})
	return device
}

// newSimpleDevice has a single memory type supporting every property on a heap of heapSize bytes
func newSimpleDevice(t *testing.T, heapSize int) *fakeDevice {
	return newFakeDevice(t,
		[]core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
				HeapIndex:     0,
			},
		},
		[]core1_0.MemoryHeap{
			{Size: heapSize, Flags: core1_0.MemoryHeapDeviceLocal},
		},
	)
}

// newSplitDevice has a device-local type and a host-visible type, each on its own heap
func newSplitDevice(t *testing.T, heapSize int) *fakeDevice {
	return newFakeDevice(t,
		[]core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
				HeapIndex:     0,
			},
			{
				PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
				HeapIndex:     1,
			},
		},
		[]core1_0.MemoryHeap{
			{Size: heapSize, Flags: core1_0.MemoryHeapDeviceLocal},
			{Size: heapSize},
		},
	)
}

func (d *fakeDevice) Name() string { return "fake device" }

func (d *fakeDevice) MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties {
	return &d.properties
}

func (d *fakeDevice) AllocateMemory(memoryTypeIndex int, size int) (core1_0.DeviceMemory, common.VkResult, error) {
	d.attempts = append(d.attempts, allocationAttempt{MemoryTypeIndex: memoryTypeIndex, Size: size})

	if res, failed := d.failures[memoryTypeIndex]; failed {
		return nil, res, res.ToError()
	}

	heapIndex := d.properties.MemoryTypes[memoryTypeIndex].HeapIndex
	if size > d.properties.MemoryHeaps[heapIndex].Size-d.heapUsed[heapIndex] {
		return nil, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
	}

	d.heapUsed[heapIndex] += size
	d.nextID++
	memory := &fakeMemory{id: d.nextID, memoryTypeIndex: memoryTypeIndex, size: size}
	d.live[memory] = struct{}{}

	return memory, core1_0.VKSuccess, nil
}

func (d *fakeDevice) FreeMemory(memoryTypeIndex int, size int, memory core1_0.DeviceMemory) {
	fake, ok := memory.(*fakeMemory)
	require.True(d.t, ok)
	_, live := d.live[fake]
	require.True(d.t, live, "freed memory that is not live")
	require.Equal(d.t, fake.memoryTypeIndex, memoryTypeIndex)
	require.Equal(d.t, fake.size, size)

	delete(d.live, fake)
	d.heapUsed[d.properties.MemoryTypes[memoryTypeIndex].HeapIndex] -= size
}

func (d *fakeDevice) LiveBlocks() int { return len(d.live) }

func requirements(size, alignment int) *core1_0.MemoryRequirements {
	return &core1_0.MemoryRequirements{
		Size:           size,
		Alignment:      alignment,
		MemoryTypeBits: 0xffffffff,
	}
}

func testLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
