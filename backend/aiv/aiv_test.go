package aiv_test

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/mediaheap/backend/aiv"
	"github.com/vkngwrapper/mediaheap/envelope"
	"github.com/vkngwrapper/mediaheap/heap"
	"github.com/vkngwrapper/mediaheap/heap/heaptest"
	"github.com/vkngwrapper/mediaheap/memutils"
	"github.com/vkngwrapper/mediaheap/memutils/metadata"
	"golang.org/x/exp/slog"
)

func heapFactory(options aiv.Options) func(t *testing.T, limit uint64, createOptions heap.CreateOptions) *heap.Heap {
	return func(t *testing.T, limit uint64, createOptions heap.CreateOptions) *heap.Heap {
		backend, err := aiv.New(options)
		require.NoError(t, err)

		logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
		h, err := heap.Create(logger, backend, limit, createOptions)
		require.NoError(t, err)
		return h
	}
}

func TestConformance_TLSF(t *testing.T) {
	heaptest.Run(t, heaptest.Suite{
		New:             heapFactory(aiv.Options{}),
		Addressable:     true,
		Reinitializable: true,
	})
}

func TestConformance_TLSFMinOffset(t *testing.T) {
	heaptest.Run(t, heaptest.Suite{
		New:             heapFactory(aiv.Options{Strategy: metadata.AllocationStrategyMinOffset, Alignment: 64}),
		Addressable:     true,
		Reinitializable: true,
	})
}

func TestConformance_Linear(t *testing.T) {
	heaptest.Run(t, heaptest.Suite{
		New:             heapFactory(aiv.Options{Algorithm: aiv.AlgorithmLinear}),
		Addressable:     true,
		Reinitializable: true,
	})
}

func TestNewInvalidOptions(t *testing.T) {
	_, err := aiv.New(aiv.Options{Alignment: 3})
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	_, err = aiv.New(aiv.Options{Algorithm: aiv.Algorithm(7)})
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)
}

func TestArenaExhaustion(t *testing.T) {
	backend, err := aiv.New(aiv.Options{})
	require.NoError(t, err)
	require.NoError(t, backend.Init(256, envelope.Release))

	record, err := backend.Alloc(200, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(0), record.Ref)
	require.Len(t, record.Body, 200)

	// Usage would allow it, but the arena has no room left once the envelope is included
	_, err = backend.Alloc(40, 1)
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)

	require.NoError(t, backend.Free(record))
	require.NoError(t, backend.Validate())
	require.NoError(t, backend.Destroy())
}

func TestResizeRelocates(t *testing.T) {
	backend, err := aiv.New(aiv.Options{})
	require.NoError(t, err)
	require.NoError(t, backend.Init(4096, envelope.Debug))

	first, err := backend.Alloc(100, 1)
	require.NoError(t, err)
	first.Size = 100
	second, err := backend.Alloc(100, 1)
	require.NoError(t, err)
	second.Size = 100

	for i := range first.Body {
		first.Body[i] = byte(i)
	}
	firstOffset := first.Ref

	relocated, err := backend.Resize(first, 40)
	require.NoError(t, err)
	require.False(t, relocated)
	first.Size = 40
	require.Equal(t, firstOffset, first.Ref)
	require.Len(t, first.Body, 40)

	relocated, err = backend.Resize(first, 100)
	require.NoError(t, err)
	require.False(t, relocated)
	first.Size = 100

	// The second record blocks growth in place
	relocated, err = backend.Resize(first, 1000)
	require.NoError(t, err)
	require.True(t, relocated)
	require.NotEqual(t, firstOffset, first.Ref)
	require.Equal(t, heap.AllocationFlagInUse|heap.AllocationFlagRelocated, first.HandleOrFlags)
	for i := 0; i < 100; i++ {
		require.Equal(t, byte(i), first.Body[i])
	}
	first.Size = 1000

	require.NoError(t, backend.Validate())

	var stats memutils.DetailedStatistics
	stats.Clear()
	backend.AddDetailedStatistics(&stats)
	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 2*envelope.Debug.Overhead()+1100, stats.AllocationBytes)

	require.NoError(t, backend.Free(first))
	require.NoError(t, backend.Free(second))
	require.NoError(t, backend.Destroy())
}

func TestLinearReclaimsFromTop(t *testing.T) {
	backend, err := aiv.New(aiv.Options{Algorithm: aiv.AlgorithmLinear, Alignment: 1})
	require.NoError(t, err)
	require.NoError(t, backend.Init(1024, envelope.Release))

	overhead := uint64(envelope.Release.Overhead())
	first, err := backend.Alloc(100, 1)
	require.NoError(t, err)
	second, err := backend.Alloc(100, 1)
	require.NoError(t, err)
	require.Equal(t, 100+overhead, second.Ref)

	// Freeing the bottom of the stack does not make room at the top
	require.NoError(t, backend.Free(first))
	third, err := backend.Alloc(100, 1)
	require.NoError(t, err)
	require.Equal(t, 2*(100+overhead), third.Ref)

	require.NoError(t, backend.Free(third))
	require.NoError(t, backend.Free(second))

	fourth, err := backend.Alloc(100, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(0), fourth.Ref)

	require.NoError(t, backend.Validate())
	require.NoError(t, backend.Free(fourth))
}

func TestDetailedMap(t *testing.T) {
	h := heapFactory(aiv.Options{})(t, 2048, heap.CreateOptions{})

	handle, err := h.Alloc(100, 1)
	require.NoError(t, err)

	var stats map[string]any
	require.NoError(t, json.Unmarshal([]byte(h.BuildStatsString(true)), &stats))
	require.Equal(t, "aiv", stats["Backend"])

	detailedMap, ok := stats["Detailed Map"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "TLSF", detailedMap["Algorithm"])
	require.Equal(t, float64(2048), detailedMap["TotalBytes"])
	require.Equal(t, float64(1), detailedMap["Allocations"])

	regions, ok := detailedMap["Regions"].([]any)
	require.True(t, ok)
	require.Len(t, regions, 2)
	require.Equal(t, false, regions[0].(map[string]any)["Free"])
	require.Equal(t, true, regions[1].(map[string]any)["Free"])

	backendStats, ok := stats["Backend Statistics"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(1), backendStats["AllocationCount"])

	require.NoError(t, h.Free(handle))
	require.NoError(t, h.Release())
}
