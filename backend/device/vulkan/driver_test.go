package vulkan_test

import (
	"io"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/core/v2/mocks"
	"github.com/vkngwrapper/extensions/v2/ext_memory_budget"
	"github.com/vkngwrapper/extensions/v2/khr_get_physical_device_properties2"
	"github.com/vkngwrapper/mediaheap/backend/device"
	"github.com/vkngwrapper/mediaheap/backend/device/vulkan"
	"github.com/vkngwrapper/mediaheap/heap"
	"github.com/vkngwrapper/mediaheap/heap/heaptest"
	"github.com/vkngwrapper/mediaheap/memutils"
	"golang.org/x/exp/slog"
)

// fakeDevice hands out mock device memory backed by Go buffers
type fakeDevice struct {
	ctrl        *gomock.Controller
	allocated   []core1_0.MemoryAllocateInfo
	outOfMemory bool
}

func (d *fakeDevice) AllocateMemory(callbacks *driver.AllocationCallbacks, o core1_0.MemoryAllocateInfo) (core1_0.DeviceMemory, common.VkResult, error) {
	if d.outOfMemory {
		return nil, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
	}
	d.allocated = append(d.allocated, o)

	data := make([]byte, o.AllocationSize)
	memory := mocks.EasyMockDeviceMemory(d.ctrl)
	memory.EXPECT().Map(0, -1, core1_0.MemoryMapFlags(0)).Return(unsafe.Pointer(&data[0]), core1_0.VKSuccess, nil).AnyTimes()
	memory.EXPECT().Unmap().AnyTimes()
	memory.EXPECT().Free(nil).Times(1)

	return memory, core1_0.VKSuccess, nil
}

func memoryProperties() *core1_0.PhysicalDeviceMemoryProperties {
	return &core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
				HeapIndex:     0,
			},
			{
				PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
				HeapIndex:     1,
			},
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
				HeapIndex:     0,
			},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{
				Size:  1000000,
				Flags: core1_0.MemoryHeapDeviceLocal,
			},
			{
				Size:  500000,
				Flags: 0,
			},
		},
	}
}

func TestMemoryTypeSelection(t *testing.T) {
	ctrl := gomock.NewController(t)
	fake := &fakeDevice{ctrl: ctrl}

	hostDriver, err := vulkan.New(fake, memoryProperties(), vulkan.Options{})
	require.NoError(t, err)
	require.Equal(t, 1, hostDriver.MemoryTypeIndex())
	require.Equal(t, uint64(500000), hostDriver.MaxSize())

	deviceDriver, err := vulkan.New(fake, memoryProperties(), vulkan.Options{PreferredFlags: core1_0.MemoryPropertyDeviceLocal})
	require.NoError(t, err)
	require.Equal(t, 2, deviceDriver.MemoryTypeIndex())
	require.Equal(t, uint64(1000000), deviceDriver.MaxSize())

	_, err = vulkan.New(fake, memoryProperties(), vulkan.Options{RequiredFlags: core1_0.MemoryPropertyHostCached})
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	_, err = vulkan.New(nil, memoryProperties(), vulkan.Options{})
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)
}

func TestConformance(t *testing.T) {
	heaptest.Run(t, heaptest.Suite{
		New: func(t *testing.T, limit uint64, options heap.CreateOptions) *heap.Heap {
			ctrl := gomock.NewController(t)
			vulkanDriver, err := vulkan.New(&fakeDevice{ctrl: ctrl}, memoryProperties(), vulkan.Options{})
			require.NoError(t, err)

			backend, err := device.New(vulkanDriver, device.Options{})
			require.NoError(t, err)

			h, err := heap.Create(slog.New(slog.NewJSONHandler(io.Discard, nil)), backend, limit, options)
			require.NoError(t, err)
			return h
		},
	})
}

func TestAllocateAndLock(t *testing.T) {
	ctrl := gomock.NewController(t)
	fake := &fakeDevice{ctrl: ctrl}

	vulkanDriver, err := vulkan.New(fake, memoryProperties(), vulkan.Options{})
	require.NoError(t, err)
	require.NoError(t, vulkanDriver.Init())

	handle, err := vulkanDriver.Alloc(256)
	require.NoError(t, err)
	require.Equal(t, []core1_0.MemoryAllocateInfo{
		{
			AllocationSize:  256,
			MemoryTypeIndex: 1,
		},
	}, fake.allocated)

	window, err := vulkanDriver.Lock(handle)
	require.NoError(t, err)
	require.Len(t, window, 256)
	copy(window, "frame")

	_, err = vulkanDriver.Lock(handle)
	require.Error(t, err)
	require.NoError(t, vulkanDriver.Unlock(handle))
	require.Error(t, vulkanDriver.Unlock(handle))

	window, err = vulkanDriver.Lock(handle)
	require.NoError(t, err)
	require.Equal(t, []byte("frame"), window[:5])

	require.NoError(t, vulkanDriver.Free(handle))
	require.Error(t, vulkanDriver.Free(handle))
	require.NoError(t, vulkanDriver.Release())
}

func TestOutOfDeviceMemory(t *testing.T) {
	ctrl := gomock.NewController(t)
	fake := &fakeDevice{ctrl: ctrl, outOfMemory: true}

	vulkanDriver, err := vulkan.New(fake, memoryProperties(), vulkan.Options{})
	require.NoError(t, err)
	require.NoError(t, vulkanDriver.Init())

	_, err = vulkanDriver.Alloc(256)
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)
}

// fixedBudget reports the same budget for every heap and records which heap was asked for
type fixedBudget struct {
	budget    uint64
	usage     uint64
	err       error
	heapIndex int
}

func (b *fixedBudget) HeapBudget(heapIndex int) (uint64, uint64, error) {
	b.heapIndex = heapIndex
	return b.budget, b.usage, b.err
}

func TestBudgetCapsMaxSize(t *testing.T) {
	ctrl := gomock.NewController(t)
	budget := &fixedBudget{budget: 300000, usage: 100000, heapIndex: -1}

	vulkanDriver, err := vulkan.New(&fakeDevice{ctrl: ctrl}, memoryProperties(), vulkan.Options{Budget: budget})
	require.NoError(t, err)
	require.Equal(t, uint64(200000), vulkanDriver.MaxSize())
	require.Equal(t, 1, budget.heapIndex)

	budget.budget = 900000
	require.Equal(t, uint64(500000), vulkanDriver.MaxSize())

	budget.usage = 950000
	require.Equal(t, uint64(0), vulkanDriver.MaxSize())

	budget.budget = 0
	require.Equal(t, uint64(500000), vulkanDriver.MaxSize())

	budget.budget = 300000
	budget.err = errors.New("device lost")
	require.Equal(t, uint64(500000), vulkanDriver.MaxSize())
}

func TestHeapLimitAboveBudget(t *testing.T) {
	ctrl := gomock.NewController(t)
	budget := &fixedBudget{budget: 300000, usage: 100000}

	vulkanDriver, err := vulkan.New(&fakeDevice{ctrl: ctrl}, memoryProperties(), vulkan.Options{Budget: budget})
	require.NoError(t, err)
	backend, err := device.New(vulkanDriver, device.Options{})
	require.NoError(t, err)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	_, err = heap.Create(logger, backend, 250000, heap.CreateOptions{})
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)

	h, err := heap.Create(logger, backend, 150000, heap.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, h.Release())
}

func TestMemoryBudgetUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)

	vkDevice := mocks.NewMockDevice(ctrl)
	physicalDevice := mocks.NewMockPhysicalDevice(ctrl)
	instance := mocks.NewMockInstance(ctrl)

	vkDevice.EXPECT().IsDeviceExtensionActive(ext_memory_budget.ExtensionName).Return(false)
	require.Nil(t, vulkan.NewMemoryBudget(vkDevice, physicalDevice, instance))

	vkDevice.EXPECT().IsDeviceExtensionActive(ext_memory_budget.ExtensionName).Return(true)
	physicalDevice.EXPECT().InstanceAPIVersion().Return(common.Vulkan1_0)
	instance.EXPECT().IsInstanceExtensionActive(khr_get_physical_device_properties2.ExtensionName).Return(false)
	require.Nil(t, vulkan.NewMemoryBudget(vkDevice, physicalDevice, instance))
}
