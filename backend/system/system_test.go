package system_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/mediaheap/backend/system"
	"github.com/vkngwrapper/mediaheap/envelope"
	"github.com/vkngwrapper/mediaheap/heap"
	"github.com/vkngwrapper/mediaheap/heap/heaptest"
	"github.com/vkngwrapper/mediaheap/memutils"
	"golang.org/x/exp/slog"
)

func newHeap(t *testing.T, limit uint64, options heap.CreateOptions) *heap.Heap {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	h, err := heap.Create(logger, system.New(), limit, options)
	require.NoError(t, err)
	return h
}

func TestConformance(t *testing.T) {
	heaptest.Run(t, heaptest.Suite{
		New:             newHeap,
		Addressable:     true,
		Reinitializable: true,
	})
}

func TestResizeInPlace(t *testing.T) {
	backend := system.New()
	require.NoError(t, backend.Init(8192, envelope.Release))

	record, err := backend.Alloc(100, 1)
	require.NoError(t, err)
	record.Size = 100
	require.Len(t, record.Header, envelope.Release.HeaderSize())
	require.Len(t, record.Body, 100)
	require.Len(t, record.Footer, envelope.Release.FooterSize())
	require.Equal(t, heap.AllocationFlagInUse, record.HandleOrFlags)
	record.Body[0] = 42

	relocated, err := backend.Resize(record, 50)
	require.NoError(t, err)
	require.False(t, relocated)
	record.Size = 50
	require.Len(t, record.Body, 50)
	require.Equal(t, byte(42), record.Body[0])

	relocated, err = backend.Resize(record, 100)
	require.NoError(t, err)
	require.False(t, relocated)
	record.Size = 100

	relocated, err = backend.Resize(record, 4000)
	require.NoError(t, err)
	require.True(t, relocated)
	require.Len(t, record.Body, 4000)
	require.Equal(t, byte(42), record.Body[0])
	require.Equal(t, heap.AllocationFlagInUse|heap.AllocationFlagRelocated, record.HandleOrFlags)
	record.Size = 4000

	var stats memutils.DetailedStatistics
	stats.Clear()
	backend.AddDetailedStatistics(&stats)
	require.Equal(t, 1, stats.BlockCount)
	require.Equal(t, 1, stats.AllocationCount)
	require.Equal(t, 4000, stats.AllocationBytes)
	require.Equal(t, 4000+envelope.Release.Overhead(), stats.BlockBytes)

	require.NoError(t, backend.Free(record))
	require.NoError(t, backend.Destroy())
}

func TestBackendLimit(t *testing.T) {
	backend := system.New()
	require.NoError(t, backend.Init(128, envelope.Release))

	record, err := backend.Alloc(100, 1)
	require.NoError(t, err)
	record.Size = 100

	_, err = backend.Alloc(29, 1)
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)

	_, err = backend.Resize(record, 129)
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)

	relocated, err := backend.Resize(record, 128)
	require.NoError(t, err)
	require.True(t, relocated)
	require.NoError(t, backend.Free(record))
}
