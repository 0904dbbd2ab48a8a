package usm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	kb = 1024
	mb = 1024 * 1024
	gb = 1024 * 1024 * 1024
)

func TestComputeSizeTiers(t *testing.T) {
	tiers := computeSizeTiers(256 * mb)

	require.Equal(t, 1*mb, tiers.smallHeapSize)
	require.Equal(t, 128*kb, tiers.maxSmallAlloc)
	require.Equal(t, 2*mb, tiers.minLargeAlloc)
	require.Equal(t, 4*mb, tiers.largeHeapSize)
}

func TestSnapToQuarterPow2(t *testing.T) {
	// Exact powers of two snap to themselves.
	require.Equal(t, 32*mb, snapToQuarterPow2(32*mb))

	// 38Mb sits between the 32Mb floor and the 64Mb ceiling; the nearest of the four
	// evenly-spaced points is 40Mb.
	require.Equal(t, 40*mb, snapToQuarterPow2(38*mb))

	// Just below a power of two rounds up to it.
	require.Equal(t, 32*mb, snapToQuarterPow2(31*mb))

	// Tiny values degrade to the floor rather than dividing by zero.
	require.Equal(t, 2, snapToQuarterPow2(3))
}

func TestPhysicalMemoryLimit(t *testing.T) {
	device := newFakeDevice(0x1000)
	device.workingSet = 256 * mb
	device.physicalMemory = 8 * gb
	device.maxBufferLength = 64 * mb

	// The working set hint is the binding constraint.
	require.Equal(t, 256*mb, physicalMemoryLimit(device))

	// 65% of RAM binds when the hint is generous.
	device.workingSet = 16 * gb
	require.Equal(t, 8*gb/100*65, physicalMemoryLimit(device))

	// Never below one maximum-length buffer.
	device.workingSet = 16 * mb
	device.physicalMemory = 32 * mb
	require.Equal(t, 64*mb, physicalMemoryLimit(device))
}

func TestHeapSizeFor(t *testing.T) {
	tiers := computeSizeTiers(256 * mb)
	granularity := uint(128 * kb)

	require.Equal(t, tiers.smallHeapSize, tiers.heapSizeFor(1024, granularity))
	require.Equal(t, tiers.smallHeapSize, tiers.heapSizeFor(tiers.maxSmallAlloc-1, granularity))

	require.Equal(t, tiers.largeHeapSize, tiers.heapSizeFor(tiers.maxSmallAlloc, granularity))
	require.Equal(t, tiers.largeHeapSize, tiers.heapSizeFor(tiers.minLargeAlloc-1, granularity))

	// At or above minLargeAlloc, heaps are one-offs sized to the request and rounded
	// up to the granularity.
	require.Equal(t, tiers.minLargeAlloc, tiers.heapSizeFor(tiers.minLargeAlloc, granularity))
	require.Equal(t, 2*mb+256*kb, tiers.heapSizeFor(2*mb+200*kb, granularity))
}

func TestTierOf(t *testing.T) {
	tiers := computeSizeTiers(256 * mb)

	require.Equal(t, tierSmall, tiers.tierOf(tiers.smallHeapSize))
	require.Equal(t, tierLarge, tiers.tierOf(tiers.largeHeapSize))
	require.Equal(t, tierOneOff, tiers.tierOf(3*mb))
}
