package memutil_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/usmalloc/usmalloc/memutil"
)

func TestAlignUp(t *testing.T) {
	require.Equal(t, 0, memutil.AlignUp(0, 256))
	require.Equal(t, 256, memutil.AlignUp(1, 256))
	require.Equal(t, 256, memutil.AlignUp(256, 256))
	require.Equal(t, 512, memutil.AlignUp(257, 256))
	require.Equal(t, 131072, memutil.AlignUp(100000, 131072))
}

func TestAlignDown(t *testing.T) {
	require.Equal(t, 0, memutil.AlignDown(255, 256))
	require.Equal(t, 256, memutil.AlignDown(256, 256))
	require.Equal(t, 256, memutil.AlignDown(511, 256))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutil.CheckPow2(1, "value"))
	require.NoError(t, memutil.CheckPow2(65536, "value"))

	err := memutil.CheckPow2(48, "value")
	require.ErrorIs(t, err, memutil.PowerOfTwoError)

	err = memutil.CheckPow2(0, "value")
	require.ErrorIs(t, err, memutil.PowerOfTwoError)
}

func TestFloorPow2(t *testing.T) {
	require.Equal(t, 1, memutil.FloorPow2(1))
	require.Equal(t, 4, memutil.FloorPow2(7))
	require.Equal(t, 8, memutil.FloorPow2(8))
	require.Equal(t, 33554432, memutil.FloorPow2(39845888))

	require.Panics(t, func() {
		memutil.FloorPow2(0)
	})
}

func TestDetailedStatisticsAccumulate(t *testing.T) {
	var stats memutil.DetailedStatistics
	stats.Clear()

	require.Equal(t, math.MaxInt, stats.AllocationSizeMin)

	stats.AddAllocation(100)
	stats.AddAllocation(300)
	stats.AddUnusedRange(50)

	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 400, stats.AllocationBytes)
	require.Equal(t, 100, stats.AllocationSizeMin)
	require.Equal(t, 300, stats.AllocationSizeMax)
	require.Equal(t, 1, stats.UnusedRangeCount)
	require.Equal(t, 50, stats.UnusedRangeSizeMin)

	var other memutil.DetailedStatistics
	other.Clear()
	other.AddAllocation(20)

	stats.AddDetailedStatistics(&other)
	require.Equal(t, 3, stats.AllocationCount)
	require.Equal(t, 20, stats.AllocationSizeMin)
}
