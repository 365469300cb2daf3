package metadata_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/mediaheap/memutils"
	"github.com/vkngwrapper/mediaheap/memutils/metadata"
)

func allocate(t *testing.T, block metadata.BlockMetadata, size int, alignment uint, strategy metadata.AllocationStrategy) metadata.BlockAllocationHandle {
	success, req, err := block.CreateAllocationRequest(size, alignment, 1, strategy)
	require.NoError(t, err)
	require.True(t, success)

	handle := req.BlockAllocationHandle
	err = block.Alloc(req, 1, &handle)
	require.NoError(t, err)
	require.NoError(t, block.Validate())

	return handle
}

func detailedStats(block metadata.BlockMetadata) memutils.DetailedStatistics {
	var stats memutils.DetailedStatistics
	stats.Clear()
	block.AddDetailedStatistics(&stats)
	return stats
}

func emptyStats(size int) memutils.DetailedStatistics {
	return memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount: 1,
			BlockBytes: size,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: size,
		UnusedRangeSizeMax: size,
	}
}

func TestTLSFBasicAlloc(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1000)
	require.Equal(t, emptyStats(1000), detailedStats(tlsf))

	alloc1 := allocate(t, tlsf, 100, 1, metadata.AllocationStrategyMinMemory)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 1,
			AllocationBytes: 100,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 900,
		UnusedRangeSizeMax: 900,
	}, detailedStats(tlsf))

	offset, err := tlsf.AllocationOffset(alloc1)
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	size, err := tlsf.AllocationSize(alloc1)
	require.NoError(t, err)
	require.Equal(t, 100, size)
	require.False(t, tlsf.IsEmpty())

	err = tlsf.Free(alloc1)
	require.NoError(t, err)
	require.NoError(t, tlsf.Validate())
	require.True(t, tlsf.IsEmpty())
	require.Equal(t, emptyStats(1000), detailedStats(tlsf))
}

func TestTLSFSameSize(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(10000)

	alloc1 := allocate(t, tlsf, 100, 1, metadata.AllocationStrategyMinMemory)
	alloc2 := allocate(t, tlsf, 100, 1, metadata.AllocationStrategyMinMemory)
	alloc3 := allocate(t, tlsf, 100, 1, metadata.AllocationStrategyMinMemory)
	alloc4 := allocate(t, tlsf, 100, 1, metadata.AllocationStrategyMinMemory)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      10000,
			AllocationCount: 4,
			AllocationBytes: 400,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 9600,
		UnusedRangeSizeMax: 9600,
	}, detailedStats(tlsf))

	require.NoError(t, tlsf.Free(alloc1))
	require.NoError(t, tlsf.Free(alloc3))
	require.NoError(t, tlsf.Validate())
	require.Equal(t, 3, tlsf.FreeRegionsCount())

	require.NoError(t, tlsf.Free(alloc2))
	require.NoError(t, tlsf.Free(alloc4))
	require.NoError(t, tlsf.Validate())

	require.Equal(t, emptyStats(10000), detailedStats(tlsf))
	require.Equal(t, 1, tlsf.FreeRegionsCount())
}

func TestTLSFAlignmentPadding(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1000)

	alloc1 := allocate(t, tlsf, 10, 1, metadata.AllocationStrategyMinMemory)
	alloc2 := allocate(t, tlsf, 16, 64, metadata.AllocationStrategyMinMemory)

	offset, err := tlsf.AllocationOffset(alloc2)
	require.NoError(t, err)
	require.Equal(t, 64, offset)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 2,
			AllocationBytes: 26,
		},
		UnusedRangeCount:   2,
		AllocationSizeMin:  10,
		AllocationSizeMax:  16,
		UnusedRangeSizeMin: 54,
		UnusedRangeSizeMax: 920,
	}, detailedStats(tlsf))

	require.NoError(t, tlsf.Free(alloc2))
	require.NoError(t, tlsf.Validate())

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 1,
			AllocationBytes: 10,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  10,
		AllocationSizeMax:  10,
		UnusedRangeSizeMin: 990,
		UnusedRangeSizeMax: 990,
	}, detailedStats(tlsf))

	require.NoError(t, tlsf.Free(alloc1))
	require.True(t, tlsf.IsEmpty())
}

func TestTLSFBadAlignment(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1000)

	_, _, err := tlsf.CreateAllocationRequest(10, 3, 1, metadata.AllocationStrategyMinMemory)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)
}

func TestTLSFMinOffsetReusesLowestHole(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1000)

	alloc1 := allocate(t, tlsf, 100, 1, metadata.AllocationStrategyMinMemory)
	allocate(t, tlsf, 100, 1, metadata.AllocationStrategyMinMemory)
	alloc3 := allocate(t, tlsf, 100, 1, metadata.AllocationStrategyMinMemory)
	allocate(t, tlsf, 100, 1, metadata.AllocationStrategyMinMemory)

	require.NoError(t, tlsf.Free(alloc3))
	require.NoError(t, tlsf.Free(alloc1))

	alloc5 := allocate(t, tlsf, 50, 1, metadata.AllocationStrategyMinOffset)
	offset, err := tlsf.AllocationOffset(alloc5)
	require.NoError(t, err)
	require.Equal(t, 0, offset)
}

func TestTLSFMinTimeFillsHoles(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(400)

	alloc1 := allocate(t, tlsf, 100, 1, metadata.AllocationStrategyMinTime)
	allocate(t, tlsf, 100, 1, metadata.AllocationStrategyMinTime)
	allocate(t, tlsf, 200, 1, metadata.AllocationStrategyMinTime)

	require.NoError(t, tlsf.Free(alloc1))

	alloc4 := allocate(t, tlsf, 100, 1, metadata.AllocationStrategyMinTime)
	offset, err := tlsf.AllocationOffset(alloc4)
	require.NoError(t, err)
	require.Equal(t, 0, offset)
	require.Equal(t, 0, tlsf.SumFreeSize())
}

func TestTLSFExhausted(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(100)

	allocate(t, tlsf, 100, 1, metadata.AllocationStrategyMinMemory)

	success, _, err := tlsf.CreateAllocationRequest(1, 1, 1, metadata.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.False(t, success)
}

func TestTLSFUserDataAndDoubleFree(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1000)

	alloc1 := allocate(t, tlsf, 40, 1, metadata.AllocationStrategyMinMemory)
	allocate(t, tlsf, 40, 1, metadata.AllocationStrategyMinMemory)

	userData, err := tlsf.AllocationUserData(alloc1)
	require.NoError(t, err)
	require.Equal(t, &alloc1, userData)

	err = tlsf.SetAllocationUserData(alloc1, "frame")
	require.NoError(t, err)

	userData, err = tlsf.AllocationUserData(alloc1)
	require.NoError(t, err)
	require.Equal(t, "frame", userData)

	require.NoError(t, tlsf.Free(alloc1))
	require.Error(t, tlsf.Free(alloc1))

	_, err = tlsf.AllocationUserData(alloc1)
	require.Error(t, err)
}

func TestTLSFClear(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(100)

	alloc1 := allocate(t, tlsf, 20, 1, metadata.AllocationStrategyMinMemory)
	allocate(t, tlsf, 20, 1, metadata.AllocationStrategyMinMemory)

	tlsf.Clear()
	require.NoError(t, tlsf.Validate())
	require.Equal(t, emptyStats(100), detailedStats(tlsf))

	_, err := tlsf.AllocationOffset(alloc1)
	require.Error(t, err)
}

func TestTLSFVisitAllRegions(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(100)

	alloc1 := allocate(t, tlsf, 40, 1, metadata.AllocationStrategyMinMemory)
	alloc2 := allocate(t, tlsf, 40, 1, metadata.AllocationStrategyMinMemory)

	type region struct {
		offset, size int
		free         bool
	}
	var regions []region
	var handles []metadata.BlockAllocationHandle
	err := tlsf.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		regions = append(regions, region{offset, size, free})
		if !free {
			handles = append(handles, handle)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []region{{0, 40, false}, {40, 40, false}, {80, 20, true}}, regions)
	require.Equal(t, []metadata.BlockAllocationHandle{alloc1, alloc2}, handles)
}
