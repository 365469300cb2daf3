// Package heaptest is a conformance suite that every heap backend runs against its own heaps
package heaptest

import (
	"bytes"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/mediaheap/heap"
	"github.com/vkngwrapper/mediaheap/memutils"
)

// Suite describes the backend under test
type Suite struct {
	// New returns a ready heap over a fresh backend
	New func(t *testing.T, limit uint64, options heap.CreateOptions) *heap.Heap
	// Addressable backends lay the footer out directly after the body, so overruns are detectable
	Addressable bool
	// Reinitializable backends accept Init on a ready, empty heap
	Reinitializable bool
}

// Run runs every conformance test against the backend described by suite
func Run(t *testing.T, suite Suite) {
	tests := []struct {
		name string
		test func(t *testing.T, suite Suite)
	}{
		{"AllocSize", testAllocSize},
		{"ZeroSize", testZeroSize},
		{"DoubleFree", testDoubleFree},
		{"ForeignHandle", testForeignHandle},
		{"Accounting", testAccounting},
		{"LimitEnforcement", testLimitEnforcement},
		{"Scenario", testScenario},
		{"MapRoundTrip", testMapRoundTrip},
		{"UnmapTwice", testUnmapTwice},
		{"FreeWhileMapped", testFreeWhileMapped},
		{"Resize", testResize},
		{"ResizeAboveLimit", testResizeAboveLimit},
		{"Corruption", testCorruption},
		{"DebugCheckClean", testDebugCheckClean},
		{"ReleaseNotEmpty", testReleaseNotEmpty},
		{"ForceRelease", testForceRelease},
		{"Released", testReleased},
		{"Reinit", testReinit},
		{"Synchronized", testSynchronized},
		{"Stats", testStats},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			test.test(t, suite)
		})
	}
}

func requireHeapSize(t *testing.T, h *heap.Heap, allocated, limit uint64) {
	t.Helper()

	actualAllocated, actualLimit, err := h.HeapSize()
	require.NoError(t, err)
	require.Equal(t, allocated, actualAllocated)
	require.Equal(t, limit, actualLimit)
}

func fill(data []byte, seed byte) {
	for i := range data {
		data[i] = seed + byte(i)
	}
}

func testAllocSize(t *testing.T, suite Suite) {
	h := suite.New(t, 1<<16, heap.CreateOptions{})

	for _, size := range []uint64{1, 7, 100, 4096} {
		handle, err := h.Alloc(size, 3)
		require.NoError(t, err)
		require.NotEqual(t, heap.InvalidHandle, handle)

		actual, err := h.AllocSize(handle)
		require.NoError(t, err)
		require.Equal(t, size, actual)

		require.NoError(t, h.Free(handle))
	}

	require.NoError(t, h.Release())
}

func testZeroSize(t *testing.T, suite Suite) {
	h := suite.New(t, 1024, heap.CreateOptions{})

	_, err := h.Alloc(0, 1)
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)
	requireHeapSize(t, h, 0, 1024)

	require.NoError(t, h.Release())
}

func testDoubleFree(t *testing.T, suite Suite) {
	h := suite.New(t, 1024, heap.CreateOptions{})

	handle, err := h.Alloc(16, 1)
	require.NoError(t, err)
	require.NoError(t, h.Free(handle))

	require.ErrorIs(t, h.Free(handle), memutils.ErrInvalidHandle)
	_, err = h.AllocSize(handle)
	require.ErrorIs(t, err, memutils.ErrInvalidHandle)
	_, err = h.Map(handle)
	require.ErrorIs(t, err, memutils.ErrInvalidHandle)

	require.NoError(t, h.Release())
}

func testForeignHandle(t *testing.T, suite Suite) {
	first := suite.New(t, 1024, heap.CreateOptions{})
	second := suite.New(t, 1024, heap.CreateOptions{})

	handle, err := first.Alloc(16, 1)
	require.NoError(t, err)

	require.ErrorIs(t, second.Free(handle), memutils.ErrInvalidHandle)
	_, err = second.AllocSize(handle)
	require.ErrorIs(t, err, memutils.ErrInvalidHandle)
	require.ErrorIs(t, second.Free(heap.InvalidHandle), memutils.ErrInvalidHandle)

	view, err := first.Map(handle)
	require.NoError(t, err)
	require.ErrorIs(t, second.Unmap(view), memutils.ErrInvalidView)
	require.NoError(t, first.Unmap(view))

	require.NoError(t, first.Free(handle))
	require.NoError(t, first.Release())
	require.NoError(t, second.Release())
}

func testAccounting(t *testing.T, suite Suite) {
	h := suite.New(t, 4096, heap.CreateOptions{})

	sizes := []uint64{10, 20, 30, 40, 123}
	var handles []heap.Handle
	var total uint64
	for _, size := range sizes {
		handle, err := h.Alloc(size, 1)
		require.NoError(t, err)
		handles = append(handles, handle)
		total += size

		requireHeapSize(t, h, total, 4096)
	}
	require.Equal(t, uint64(len(sizes)), h.AllocationCount())

	for _, handle := range handles {
		require.NoError(t, h.Free(handle))
	}
	requireHeapSize(t, h, 0, 4096)
	require.Equal(t, uint64(0), h.AllocationCount())

	require.NoError(t, h.Release())
}

func testLimitEnforcement(t *testing.T, suite Suite) {
	h := suite.New(t, 1024, heap.CreateOptions{})

	handle, err := h.Alloc(500, 1)
	require.NoError(t, err)
	requireHeapSize(t, h, 500, 1024)

	_, err = h.Alloc(600, 1)
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)
	requireHeapSize(t, h, 500, 1024)
	require.Equal(t, uint64(1), h.AllocationCount())

	require.NoError(t, h.Free(handle))
	require.NoError(t, h.Release())
}

func testScenario(t *testing.T, suite Suite) {
	h := suite.New(t, 1024, heap.CreateOptions{})

	h1, err := h.Alloc(100, 1)
	require.NoError(t, err)
	requireHeapSize(t, h, 100, 1024)

	_, err = h.Alloc(1000, 1)
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)
	requireHeapSize(t, h, 100, 1024)

	require.NoError(t, h.Free(h1))
	requireHeapSize(t, h, 0, 1024)

	require.NoError(t, h.Release())
	require.Equal(t, heap.StateReleased, h.State())
}

func testMapRoundTrip(t *testing.T, suite Suite) {
	h := suite.New(t, 4096, heap.CreateOptions{})

	handle, err := h.Alloc(256, 2)
	require.NoError(t, err)

	view, err := h.Map(handle)
	require.NoError(t, err)
	require.Equal(t, handle, view.Handle())
	require.GreaterOrEqual(t, view.Len(), 256)
	fill(view.Data()[:256], 7)
	require.NoError(t, h.Unmap(view))

	expected := make([]byte, 256)
	fill(expected, 7)

	view, err = h.Map(handle)
	require.NoError(t, err)
	require.Equal(t, expected, view.Data()[:256])

	nested, err := h.Map(handle)
	require.NoError(t, err)
	require.Equal(t, expected, nested.Data()[:256])
	require.NoError(t, h.Unmap(nested))
	require.NoError(t, h.Unmap(view))

	require.NoError(t, h.Free(handle))
	require.NoError(t, h.Release())
}

func testUnmapTwice(t *testing.T, suite Suite) {
	h := suite.New(t, 1024, heap.CreateOptions{})

	handle, err := h.Alloc(32, 1)
	require.NoError(t, err)

	view, err := h.Map(handle)
	require.NoError(t, err)
	require.NoError(t, h.Unmap(view))
	require.ErrorIs(t, h.Unmap(view), memutils.ErrInvalidView)
	require.ErrorIs(t, h.Unmap(nil), memutils.ErrInvalidView)

	require.NoError(t, h.Free(handle))
	require.NoError(t, h.Release())
}

func testFreeWhileMapped(t *testing.T, suite Suite) {
	h := suite.New(t, 1024, heap.CreateOptions{})

	handle, err := h.Alloc(32, 1)
	require.NoError(t, err)

	view, err := h.Map(handle)
	require.NoError(t, err)

	require.NoError(t, h.Free(handle))
	require.ErrorIs(t, h.Unmap(view), memutils.ErrInvalidView)
	requireHeapSize(t, h, 0, 1024)

	require.NoError(t, h.Release())
}

func testResize(t *testing.T, suite Suite) {
	h := suite.New(t, 8192, heap.CreateOptions{})

	handle, err := h.Alloc(64, 1)
	require.NoError(t, err)

	view, err := h.Map(handle)
	require.NoError(t, err)
	fill(view.Data()[:64], 1)
	require.NoError(t, h.Unmap(view))

	expected := make([]byte, 64)
	fill(expected, 1)

	require.NoError(t, h.SetAllocSize(handle, 2048))
	size, err := h.AllocSize(handle)
	require.NoError(t, err)
	require.Equal(t, uint64(2048), size)
	requireHeapSize(t, h, 2048, 8192)

	view, err = h.Map(handle)
	require.NoError(t, err)
	require.GreaterOrEqual(t, view.Len(), 2048)
	require.Equal(t, expected, view.Data()[:64])
	require.NoError(t, h.Unmap(view))

	require.NoError(t, h.SetAllocSize(handle, 16))
	size, err = h.AllocSize(handle)
	require.NoError(t, err)
	require.Equal(t, uint64(16), size)
	requireHeapSize(t, h, 16, 8192)

	view, err = h.Map(handle)
	require.NoError(t, err)
	require.Equal(t, expected[:16], view.Data()[:16])
	require.NoError(t, h.Unmap(view))

	require.NoError(t, h.SetAllocSize(handle, 16))
	require.ErrorIs(t, h.SetAllocSize(handle, 0), memutils.ErrInvalidArgument)

	reports, err := h.DebugCheck()
	require.NoError(t, err)
	require.Empty(t, reports)

	require.NoError(t, h.Free(handle))
	require.NoError(t, h.Release())
}

func testResizeAboveLimit(t *testing.T, suite Suite) {
	h := suite.New(t, 1024, heap.CreateOptions{})

	handle, err := h.Alloc(100, 1)
	require.NoError(t, err)

	require.ErrorIs(t, h.SetAllocSize(handle, 2000), memutils.ErrOutOfMemory)
	requireHeapSize(t, h, 100, 1024)

	size, err := h.AllocSize(handle)
	require.NoError(t, err)
	require.Equal(t, uint64(100), size)

	require.NoError(t, h.Free(handle))
	require.NoError(t, h.Release())
}

func testCorruption(t *testing.T, suite Suite) {
	if !suite.Addressable {
		t.Skip("overruns cannot reach the envelope of an indirect backend")
	}

	h := suite.New(t, 4096, heap.CreateOptions{Flags: heap.CreateGuardBands | heap.CreateForceRelease})
	require.True(t, h.Layout().Guarded())

	intact, err := h.Alloc(48, 1)
	require.NoError(t, err)
	handle, err := h.Alloc(32, 1)
	require.NoError(t, err)

	view, err := h.Map(handle)
	require.NoError(t, err)
	data := view.Data()
	require.Greater(t, cap(data), len(data))
	overrun := data[:len(data)+1]
	overrun[len(data)] = 0
	require.NoError(t, h.Unmap(view))

	reports, err := h.DebugCheck()
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, handle, reports[0].Handle)
	require.Equal(t, uint64(32), reports[0].Size)
	require.ErrorIs(t, reports[0].Err, memutils.ErrCorruptFooter)

	require.ErrorIs(t, h.Free(handle), memutils.ErrCorruptFooter)
	size, err := h.AllocSize(handle)
	require.NoError(t, err)
	require.Equal(t, uint64(32), size)

	require.NoError(t, h.Free(intact))
	require.NoError(t, h.Release())
}

func testDebugCheckClean(t *testing.T, suite Suite) {
	h := suite.New(t, 4096, heap.CreateOptions{Flags: heap.CreateGuardBands})

	var handles []heap.Handle
	for i := 0; i < 8; i++ {
		handle, err := h.Alloc(uint64(17*(i+1)), uint32(i))
		require.NoError(t, err)
		handles = append(handles, handle)
	}

	reports, err := h.DebugCheck()
	require.NoError(t, err)
	require.Empty(t, reports)

	for _, handle := range handles {
		require.NoError(t, h.Free(handle))
	}
	require.NoError(t, h.Release())
}

func testReleaseNotEmpty(t *testing.T, suite Suite) {
	h := suite.New(t, 1024, heap.CreateOptions{})

	handle, err := h.Alloc(64, 1)
	require.NoError(t, err)

	require.ErrorIs(t, h.Release(), memutils.ErrHeapNotEmpty)
	require.Equal(t, heap.StateReady, h.State())

	require.NoError(t, h.Free(handle))
	require.NoError(t, h.Release())
}

func testForceRelease(t *testing.T, suite Suite) {
	h := suite.New(t, 1024, heap.CreateOptions{Flags: heap.CreateForceRelease})

	first, err := h.Alloc(64, 1)
	require.NoError(t, err)
	_, err = h.Alloc(128, 2)
	require.NoError(t, err)

	view, err := h.Map(first)
	require.NoError(t, err)

	require.NoError(t, h.Release())
	require.Equal(t, heap.StateReleased, h.State())
	require.Equal(t, uint64(0), h.AllocationCount())
	require.ErrorIs(t, h.Unmap(view), memutils.ErrInvalidState)
}

func testReleased(t *testing.T, suite Suite) {
	h := suite.New(t, 1024, heap.CreateOptions{})
	handle, err := h.Alloc(16, 1)
	require.NoError(t, err)
	require.NoError(t, h.Free(handle))
	require.NoError(t, h.Release())

	_, err = h.Alloc(16, 1)
	require.ErrorIs(t, err, memutils.ErrInvalidState)
	require.ErrorIs(t, h.Free(handle), memutils.ErrInvalidState)
	_, err = h.AllocSize(handle)
	require.ErrorIs(t, err, memutils.ErrInvalidState)
	require.ErrorIs(t, h.SetAllocSize(handle, 32), memutils.ErrInvalidState)
	_, _, err = h.HeapSize()
	require.ErrorIs(t, err, memutils.ErrInvalidState)
	_, err = h.Map(handle)
	require.ErrorIs(t, err, memutils.ErrInvalidState)
	_, err = h.DebugCheck()
	require.ErrorIs(t, err, memutils.ErrInvalidState)
	require.ErrorIs(t, h.Init(1024), memutils.ErrInvalidState)
	require.ErrorIs(t, h.Release(), memutils.ErrInvalidState)
}

func testReinit(t *testing.T, suite Suite) {
	h := suite.New(t, 1024, heap.CreateOptions{})

	handle, err := h.Alloc(64, 1)
	require.NoError(t, err)
	require.ErrorIs(t, h.Init(2048), memutils.ErrHeapNotEmpty)
	require.ErrorIs(t, h.Init(0), memutils.ErrInvalidArgument)
	require.NoError(t, h.Free(handle))

	err = h.Init(2048)
	if !suite.Reinitializable {
		require.ErrorIs(t, err, memutils.ErrAlreadyInitialized)
		requireHeapSize(t, h, 0, 1024)
		require.NoError(t, h.Release())
		return
	}

	require.NoError(t, err)
	requireHeapSize(t, h, 0, 2048)

	handle, err = h.Alloc(1500, 1)
	require.NoError(t, err)
	require.NoError(t, h.Free(handle))
	require.NoError(t, h.Release())
}

func testSynchronized(t *testing.T, suite Suite) {
	h := suite.New(t, 1<<16, heap.CreateOptions{Flags: heap.CreateSynchronized})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(seed byte) {
			defer wg.Done()
			errs <- churn(h, seed)
		}(byte(worker))
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	requireHeapSize(t, h, 0, 1<<16)
	require.NoError(t, h.Release())
}

func churn(h *heap.Heap, seed byte) error {
	expected := make([]byte, 64)
	fill(expected, seed)

	for i := 0; i < 50; i++ {
		handle, err := h.Alloc(64, uint32(seed))
		if err != nil {
			return err
		}

		view, err := h.Map(handle)
		if err != nil {
			return err
		}
		fill(view.Data()[:64], seed)
		if !bytes.Equal(expected, view.Data()[:64]) {
			return memutils.ErrCorruptHeader
		}
		err = h.Unmap(view)
		if err != nil {
			return err
		}

		err = h.Free(handle)
		if err != nil {
			return err
		}
	}

	return nil
}

func testStats(t *testing.T, suite Suite) {
	h := suite.New(t, 4096, heap.CreateOptions{})

	handle, err := h.Alloc(100, 9)
	require.NoError(t, err)

	var stats map[string]any
	require.NoError(t, json.Unmarshal([]byte(h.BuildStatsString(true)), &stats))
	require.Equal(t, "Ready", stats["State"])
	require.Equal(t, float64(4096), stats["Limit"])
	require.Equal(t, float64(100), stats["AllocatedBytes"])
	require.Equal(t, float64(1), stats["AllocationCount"])

	allocations, ok := stats["Allocations"].([]any)
	require.True(t, ok)
	require.Len(t, allocations, 1)
	allocation := allocations[0].(map[string]any)
	require.Equal(t, handle.String(), allocation["Handle"])
	require.Equal(t, float64(9), allocation["Type"])

	var summary map[string]any
	require.NoError(t, json.Unmarshal([]byte(h.BuildStatsString(false)), &summary))
	require.NotContains(t, summary, "Allocations")

	require.NoError(t, h.Free(handle))
	require.NoError(t, h.Release())
}
