package device_test

import (
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/mediaheap/backend/device"
	"github.com/vkngwrapper/mediaheap/envelope"
	mock_device "github.com/vkngwrapper/mediaheap/backend/device/mocks"
	"github.com/vkngwrapper/mediaheap/heap"
	"github.com/vkngwrapper/mediaheap/heap/heaptest"
	"github.com/vkngwrapper/mediaheap/memutils"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func createHeap(t *testing.T, driver device.Driver, options device.Options, limit uint64, createOptions heap.CreateOptions) *heap.Heap {
	backend, err := device.New(driver, options)
	require.NoError(t, err)

	h, err := heap.Create(testLogger(), backend, limit, createOptions)
	require.NoError(t, err)
	return h
}

func TestConformance_Simulated(t *testing.T) {
	heaptest.Run(t, heaptest.Suite{
		New: func(t *testing.T, limit uint64, options heap.CreateOptions) *heap.Heap {
			return createHeap(t, device.NewSimulatedDriver(4*limit), device.Options{}, limit, options)
		},
	})
}

func TestConformance_File(t *testing.T) {
	heaptest.Run(t, heaptest.Suite{
		New: func(t *testing.T, limit uint64, options heap.CreateOptions) *heap.Heap {
			return createHeap(t, device.NewFileDriver(t.TempDir(), 0), device.Options{}, limit, options)
		},
	})
}

func TestNewRequiresDriver(t *testing.T) {
	_, err := device.New(nil, device.Options{})
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)
}

func TestInitTwice(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver := mock_device.NewMockDriver(ctrl)

	driver.EXPECT().MaxSize().Return(uint64(4096))
	driver.EXPECT().Init().Return(nil)
	h := createHeap(t, driver, device.Options{}, 1024, heap.CreateOptions{})

	require.ErrorIs(t, h.Init(1024), memutils.ErrAlreadyInitialized)
	require.Equal(t, heap.StateReady, h.State())

	driver.EXPECT().Release().Return(nil)
	require.NoError(t, h.Release())
}

func TestLimitAboveDeviceMemory(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver := mock_device.NewMockDriver(ctrl)
	driver.EXPECT().MaxSize().Return(uint64(512))

	backend, err := device.New(driver, device.Options{})
	require.NoError(t, err)

	_, err = heap.Create(testLogger(), backend, 1024, heap.CreateOptions{})
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)
}

func TestNestedMapsShareOneLock(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver := mock_device.NewMockDriver(ctrl)

	driver.EXPECT().MaxSize().Return(uint64(4096))
	driver.EXPECT().Init().Return(nil)
	h := createHeap(t, driver, device.Options{}, 1024, heap.CreateOptions{})

	driver.EXPECT().Alloc(uint64(100)).Return(uint32(7), nil)
	handle, err := h.Alloc(100, 1)
	require.NoError(t, err)

	window := make([]byte, 100)
	driver.EXPECT().Lock(uint32(7)).Return(window, nil).Times(1)

	first, err := h.Map(handle)
	require.NoError(t, err)
	second, err := h.Map(handle)
	require.NoError(t, err)
	first.Data()[0] = 12
	require.Equal(t, byte(12), second.Data()[0])

	require.NoError(t, h.Unmap(first))

	driver.EXPECT().Unlock(uint32(7)).Return(nil).Times(1)
	require.NoError(t, h.Unmap(second))

	driver.EXPECT().Free(uint32(7)).Return(nil)
	require.NoError(t, h.Free(handle))

	driver.EXPECT().Release().Return(nil)
	require.NoError(t, h.Release())
}

func TestLockFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver := mock_device.NewMockDriver(ctrl)

	driver.EXPECT().MaxSize().Return(uint64(4096))
	driver.EXPECT().Init().Return(nil)
	h := createHeap(t, driver, device.Options{}, 1024, heap.CreateOptions{})

	driver.EXPECT().Alloc(uint64(64)).Return(uint32(1), nil)
	handle, err := h.Alloc(64, 1)
	require.NoError(t, err)

	driver.EXPECT().Lock(uint32(1)).Return(nil, errors.New("device lost"))
	_, err = h.Map(handle)
	require.ErrorIs(t, err, memutils.ErrMapFailed)

	driver.EXPECT().Free(uint32(1)).Return(nil)
	require.NoError(t, h.Free(handle))
}

func TestAllocFailureRollsBackUsage(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver := mock_device.NewMockDriver(ctrl)

	driver.EXPECT().MaxSize().Return(uint64(4096))
	driver.EXPECT().Init().Return(nil)
	h := createHeap(t, driver, device.Options{}, 1024, heap.CreateOptions{})

	driver.EXPECT().Alloc(uint64(100)).Return(uint32(0), errors.Wrap(memutils.ErrOutOfMemory, "device full"))
	_, err := h.Alloc(100, 1)
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)

	allocated, _, err := h.HeapSize()
	require.NoError(t, err)
	require.Equal(t, uint64(0), allocated)
	require.Equal(t, uint64(0), h.AllocationCount())

	driver.EXPECT().Alloc(uint64(100)).Return(uint32(3), nil)
	handle, err := h.Alloc(100, 1)
	require.NoError(t, err)

	driver.EXPECT().Alloc(uint64(200)).Return(uint32(0), errors.Wrap(memutils.ErrOutOfMemory, "device full"))
	require.ErrorIs(t, h.SetAllocSize(handle, 200), memutils.ErrOutOfMemory)

	allocated, _, err = h.HeapSize()
	require.NoError(t, err)
	require.Equal(t, uint64(100), allocated)
	size, err := h.AllocSize(handle)
	require.NoError(t, err)
	require.Equal(t, uint64(100), size)

	driver.EXPECT().Free(uint32(3)).Return(nil)
	require.NoError(t, h.Free(handle))
}

func TestFailedRelocationKeepsWindow(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver := mock_device.NewMockDriver(ctrl)

	driver.EXPECT().MaxSize().Return(uint64(4096))
	driver.EXPECT().Init().Return(nil)
	backend, err := device.New(driver, device.Options{})
	require.NoError(t, err)
	h, err := heap.Create(testLogger(), backend, 1024, heap.CreateOptions{})
	require.NoError(t, err)

	driver.EXPECT().Alloc(uint64(64)).Return(uint32(1), nil)
	handle, err := h.Alloc(64, 1)
	require.NoError(t, err)

	window := make([]byte, 64)
	driver.EXPECT().Lock(uint32(1)).Return(window, nil)
	view, err := h.Map(handle)
	require.NoError(t, err)
	copy(view.Data(), "held")

	target := make([]byte, 128)
	gomock.InOrder(
		driver.EXPECT().Alloc(uint64(128)).Return(uint32(2), nil),
		driver.EXPECT().Lock(uint32(2)).Return(target, nil),
		driver.EXPECT().Unlock(uint32(2)).Return(nil),
		driver.EXPECT().Free(uint32(1)).Return(errors.New("device lost")),
		driver.EXPECT().Free(uint32(2)).Return(nil),
	)
	require.Error(t, h.SetAllocSize(handle, 128))

	require.Equal(t, uint64(64), backend.MappedBytes())
	require.Equal(t, []byte("held"), view.Data()[:4])
	size, err := h.AllocSize(handle)
	require.NoError(t, err)
	require.Equal(t, uint64(64), size)

	driver.EXPECT().Unlock(uint32(1)).Return(nil)
	require.NoError(t, h.Unmap(view))
	require.Equal(t, uint64(0), backend.MappedBytes())

	driver.EXPECT().Free(uint32(1)).Return(nil)
	require.NoError(t, h.Free(handle))
}

func TestLimitShare(t *testing.T) {
	driver := device.NewSimulatedDriver(4096)
	backend, err := device.New(driver, device.Options{})
	require.NoError(t, err)
	require.NoError(t, backend.Init(1024, envelope.Release))

	record, err := backend.Alloc(600, 1)
	require.NoError(t, err)
	record.Size = 600

	_, err = backend.Alloc(500, 1)
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)
	require.Equal(t, 1, driver.AllocationCount())

	_, err = backend.Resize(record, 1100)
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)
	require.Equal(t, 1, driver.AllocationCount())

	relocated, err := backend.Resize(record, 1024)
	require.NoError(t, err)
	require.True(t, relocated)
	record.Size = 1024

	require.NoError(t, backend.Free(record))
	require.Equal(t, 0, driver.AllocationCount())
	require.NoError(t, backend.Destroy())
}

func TestMapBudget(t *testing.T) {
	driver := device.NewSimulatedDriver(4096)
	backend, err := device.New(driver, device.Options{MaxMappedBytes: 1000})
	require.NoError(t, err)
	h, err := heap.Create(testLogger(), backend, 2048, heap.CreateOptions{})
	require.NoError(t, err)

	first, err := h.Alloc(600, 1)
	require.NoError(t, err)
	second, err := h.Alloc(600, 1)
	require.NoError(t, err)

	firstView, err := h.Map(first)
	require.NoError(t, err)
	require.Equal(t, uint64(600), backend.MappedBytes())

	_, err = h.Map(second)
	require.ErrorIs(t, err, memutils.ErrMapFailed)

	nested, err := h.Map(first)
	require.NoError(t, err)
	require.Equal(t, uint64(600), backend.MappedBytes())
	require.Equal(t, 600, driver.LockedBytes())

	require.NoError(t, h.Unmap(nested))
	require.NoError(t, h.Unmap(firstView))
	require.Equal(t, uint64(0), backend.MappedBytes())
	require.Equal(t, 0, driver.LockedBytes())

	secondView, err := h.Map(second)
	require.NoError(t, err)
	require.NoError(t, h.Unmap(secondView))

	require.NoError(t, h.Free(first))
	require.NoError(t, h.Free(second))
	require.NoError(t, h.Release())
	require.Equal(t, 0, driver.AllocationCount())
}

func TestRelocationInvalidatesViews(t *testing.T) {
	driver := device.NewSimulatedDriver(8192)
	backend, err := device.New(driver, device.Options{})
	require.NoError(t, err)
	h, err := heap.Create(testLogger(), backend, 8192, heap.CreateOptions{})
	require.NoError(t, err)

	handle, err := h.Alloc(100, 1)
	require.NoError(t, err)

	view, err := h.Map(handle)
	require.NoError(t, err)
	copy(view.Data(), "media frame")

	// Growth within the original device allocation keeps the view
	require.NoError(t, h.SetAllocSize(handle, 50))
	require.NoError(t, h.SetAllocSize(handle, 100))
	require.Equal(t, 100, driver.LockedBytes())

	require.NoError(t, h.SetAllocSize(handle, 4000))
	require.Equal(t, 0, driver.LockedBytes())
	require.Equal(t, uint64(0), backend.MappedBytes())
	require.Equal(t, 1, driver.AllocationCount())
	require.ErrorIs(t, h.Unmap(view), memutils.ErrInvalidView)

	view, err = h.Map(handle)
	require.NoError(t, err)
	require.Equal(t, 4000, view.Len())
	require.Equal(t, []byte("media frame"), view.Data()[:11])
	require.NoError(t, h.Unmap(view))

	reports, err := h.DebugCheck()
	require.NoError(t, err)
	require.Empty(t, reports)

	require.NoError(t, h.Free(handle))
	require.NoError(t, h.Release())
}

func TestHeaderOnlyRecord(t *testing.T) {
	driver := device.NewSimulatedDriver(4096)
	backend, err := device.New(driver, device.Options{})
	require.NoError(t, err)
	h, err := heap.Create(testLogger(), backend, 4096, heap.CreateOptions{Flags: heap.CreateGuardBands})
	require.NoError(t, err)

	handle, err := h.Alloc(256, 5)
	require.NoError(t, err)

	size, err := h.AllocSize(handle)
	require.NoError(t, err)
	require.Equal(t, uint64(256), size)

	reports, err := h.DebugCheck()
	require.NoError(t, err)
	require.Empty(t, reports)

	require.NoError(t, h.Free(handle))
	require.NoError(t, h.Release())
}
