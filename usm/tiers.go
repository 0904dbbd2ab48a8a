package usm

import (
	"github.com/usmalloc/usmalloc/memutil"
)

type blockTier uint32

const (
	tierSmall blockTier = iota
	tierLarge
	tierOneOff
)

var blockTierMapping = map[blockTier]string{
	tierSmall:  "tierSmall",
	tierLarge:  "tierLarge",
	tierOneOff: "tierOneOff",
}

func (t blockTier) String() string {
	str, ok := blockTierMapping[t]
	if !ok {
		return "unknown blockTier"
	}

	return str
}

// sizeTiers holds the four thresholds that govern which heap a request is served from.
// Requests below maxSmallAlloc share small heaps, requests at or above minLargeAlloc get
// a one-off heap sized to the request, and everything in between shares large heaps.
type sizeTiers struct {
	maxSmallAlloc int
	minLargeAlloc int
	smallHeapSize int
	largeHeapSize int
}

// physicalMemoryLimit derives the budget the tier thresholds are computed from: the
// smaller of the device's working set hint and 65% of physical RAM, but never less than
// one maximum-length buffer.
func physicalMemoryLimit(device Device) int {
	limit := device.WorkingSetLimit()

	ramPortion := device.PhysicalMemorySize() / 100 * 65
	if ramPortion < limit {
		limit = ramPortion
	}

	maxBufferLength := device.MaxBufferLength()
	if limit < maxBufferLength {
		limit = maxBufferLength
	}

	return limit
}

// computeSizeTiers derives the tier thresholds from the physical memory limit. The small
// heap size is 1/256th of the limit, snapped to the nearest of the four evenly-spaced
// points between the adjacent powers of two. Each heap carries fixed per-dispatch driver
// overhead regardless of its size, so the snapping bounds the number of simultaneously
// resident heaps while keeping per-allocation waste to a fraction of its tier's heap.
func computeSizeTiers(physMemoryLimit int) sizeTiers {
	smallHeapSize := snapToQuarterPow2(physMemoryLimit / 256)

	return sizeTiers{
		maxSmallAlloc: smallHeapSize / 8,
		minLargeAlloc: smallHeapSize * 2,
		smallHeapSize: smallHeapSize,
		largeHeapSize: smallHeapSize * 4,
	}
}

// snapToQuarterPow2 rounds size to the nearest multiple of a quarter of its power-of-two
// floor, which is the nearest of the four evenly-spaced points between the floor and the
// ceiling.
func snapToQuarterPow2(size int) int {
	floor := memutil.FloorPow2(size)
	quarter := floor / 4
	if quarter == 0 {
		return floor
	}

	return (size + quarter/2) / quarter * quarter
}

// heapSizeFor chooses the capacity of a new heap block able to serve a request of the
// provided size. One-off heaps are rounded up to the rounding granularity rather than
// wasting a full large heap on a rare oversized allocation.
func (t sizeTiers) heapSizeFor(allocSize int, oneOffGranularity uint) int {
	if allocSize < t.maxSmallAlloc {
		return t.smallHeapSize
	}
	if allocSize < t.minLargeAlloc {
		return t.largeHeapSize
	}

	return memutil.AlignUp(allocSize, oneOffGranularity)
}

// tierOf classifies a block by its capacity. Blocks whose capacity matches neither
// standard heap size were created for a single oversized allocation.
func (t sizeTiers) tierOf(capacity int) blockTier {
	switch capacity {
	case t.smallHeapSize:
		return tierSmall
	case t.largeHeapSize:
		return tierLarge
	}

	return tierOneOff
}
