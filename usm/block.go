package usm

import (
	"context"
	"fmt"

	"log/slog"

	"github.com/dolthub/swiss"
	"github.com/pkg/errors"
	"github.com/usmalloc/usmalloc/memutil"
	"golang.org/x/exp/slices"
)

const (
	// heapQueryAlignment is the alignment availableSize is queried at. Querying at a
	// large fixed alignment keeps the value a safe lower bound on what a real
	// suballocation can get.
	heapQueryAlignment uint = 16 * 1024
	// heapBaseProbeSize is the size of the probe buffers used to discover the heap's
	// internal base address.
	heapBaseProbeSize int = 16 * 1024
)

// heapBlock owns one GPU heap placed at a fixed position inside the pool's address-space
// reservation, plus the no-copy buffer view that aliases the same bytes from the CPU side.
// Suballocation offsets are relative to heapVA, the heap's driver-internal base address,
// which the driver does not expose and the block discovers empirically at creation.
type heapBlock struct {
	logger *slog.Logger
	heap   Heap
	view   Buffer

	cpuBase uintptr
	gpuBase uint64
	heapVA  uint64

	capacity      int
	usedSize      int
	availableSize int

	// suballocations is kept ascending by offset; buffers maps each live offset to
	// its heap sub-buffer handle.
	suballocations []suballocation
	buffers        *swiss.Map[int, Buffer]
}

type suballocation struct {
	offset int
	size   int
}

func compareSuballocationOffset(s suballocation, offset int) int {
	switch {
	case s.offset < offset:
		return -1
	case s.offset > offset:
		return 1
	}
	return 0
}

// newHeapBlock creates a heap of the requested size and converges on a CPU/GPU address
// pair such that the block's GPU address delta from reservation.gpuBase equals its CPU
// address delta from reservation.cpuBase. The driver assigns the GPU address of a no-copy
// buffer on its own; the loop re-aims the CPU placement at whatever address the driver
// reported until the two agree. The assignment is a deterministic function of allocation
// order, so this settles within a couple of iterations; exceeding the retry cap means the
// driver no longer behaves as this design requires, and is fatal.
func newHeapBlock(
	logger *slog.Logger,
	device Device,
	reservation *addressSpaceReservation,
	blockOffset int,
	size int,
	addressMatchAttempts int,
) (*heapBlock, error) {
	heap, err := device.CreateHeap(HeapCreateInfo{
		Size:                  size,
		DisableHazardTracking: true,
		StorageShared:         true,
	})
	if err != nil {
		return nil, err
	}

	// Until something is actually allocated from it, the heap should not count against
	// the resident footprint.
	heap.SetPurgeableEmpty()

	targetGPU := reservation.gpuBase + uint64(blockOffset)
	var view Buffer
	var cpuBase uintptr

	for attempt := 0; attempt < addressMatchAttempts; attempt++ {
		cpuBase = reservation.cpuBase + uintptr(targetGPU-reservation.gpuBase)

		candidate, err := device.CreateNoCopyBuffer(cpuBase, size)
		if err != nil {
			heap.Release()
			return nil, err
		}

		reported := candidate.GPUAddress()
		if reported == targetGPU {
			view = candidate
			break
		}

		// The driver wants this buffer elsewhere. Release the rejected registration
		// before re-aiming at the reported address.
		candidate.Release()
		targetGPU = reported
	}

	if view == nil {
		heap.Release()
		panic(fmt.Sprintf("CPU/GPU address matching did not converge after %d attempts: the driver is no longer assigning buffer addresses deterministically", addressMatchAttempts))
	}

	block := &heapBlock{
		logger:        logger,
		heap:          heap,
		view:          view,
		cpuBase:       cpuBase,
		gpuBase:       targetGPU,
		capacity:      size,
		availableSize: heap.MaxAvailableSize(heapQueryAlignment),
		buffers:       swiss.NewMap[int, Buffer](16),
	}
	block.heapVA = block.discoverHeapBase()

	logger.LogAttrs(context.Background(), slog.LevelDebug, "created heap block",
		slog.Uint64("block.gpuBase", block.gpuBase),
		slog.Int("block.capacity", block.capacity))

	return block, nil
}

// discoverHeapBase finds the heap's internal base address, which the driver does not
// expose directly. Two adjacent probe buffers are allocated and immediately freed: their
// reported addresses must be exactly heapBaseProbeSize apart and each must shrink the
// heap's available size by exactly that much, or the driver is violating the assumptions
// suballocation offsets are computed under. The probe nets to zero and re-running it
// yields the same base.
func (b *heapBlock) discoverHeapBase() uint64 {
	before := b.heap.MaxAvailableSize(uint(heapBaseProbeSize))

	first, err := b.heap.AllocateBuffer(heapBaseProbeSize)
	if err != nil {
		panic(fmt.Sprintf("heap refused a %d-byte probe buffer from a fresh heap: %+v", heapBaseProbeSize, err))
	}
	afterFirst := b.heap.MaxAvailableSize(uint(heapBaseProbeSize))

	second, err := b.heap.AllocateBuffer(heapBaseProbeSize)
	if err != nil {
		panic(fmt.Sprintf("heap refused the second %d-byte probe buffer: %+v", heapBaseProbeSize, err))
	}
	afterSecond := b.heap.MaxAvailableSize(uint(heapBaseProbeSize))

	firstAddress := first.GPUAddress()
	secondAddress := second.GPUAddress()

	if secondAddress != firstAddress+uint64(heapBaseProbeSize) {
		panic(fmt.Sprintf("probe buffers were assigned non-adjacent addresses %#x and %#x: cannot trust offsets derived from this heap", firstAddress, secondAddress))
	}
	if before-afterFirst != heapBaseProbeSize || afterFirst-afterSecond != heapBaseProbeSize {
		panic(fmt.Sprintf("probe buffers shrank the heap by %d and %d bytes instead of %d: cannot trust sizes reported by this heap", before-afterFirst, afterFirst-afterSecond, heapBaseProbeSize))
	}

	second.Release()
	first.Release()

	if b.heap.MaxAvailableSize(uint(heapBaseProbeSize)) != before {
		panic("heap base discovery did not net to zero available size")
	}

	return firstAddress
}

// allocate suballocates size bytes from the heap and returns the CPU pointer for the new
// region. The caller (the pool) is responsible for checking availableSize first;
// violating that is a programming error, not a runtime condition.
func (b *heapBlock) allocate(size int) uintptr {
	if size > b.availableSize {
		panic(fmt.Sprintf("block with %d available bytes asked to allocate %d: the pool failed to check availableSize", b.availableSize, size))
	}

	buffer, err := b.heap.AllocateBuffer(size)
	if err != nil {
		panic(fmt.Sprintf("heap refused a %d-byte allocation despite reporting %d bytes available: %+v", size, b.availableSize, err))
	}

	// Track the driver's actual allocated size, not the requested one; the free-side
	// accounting checks against it.
	actualSize := buffer.Length()
	offset := int(buffer.GPUAddress() - b.heapVA)

	index, present := slices.BinarySearchFunc(b.suballocations, offset, compareSuballocationOffset)
	if present {
		panic(fmt.Sprintf("heap returned offset %d which is already occupied by a live suballocation", offset))
	}

	b.suballocations = slices.Insert(b.suballocations, index, suballocation{offset: offset, size: actualSize})
	b.buffers.Put(offset, buffer)
	b.usedSize += actualSize
	b.availableSize = b.heap.MaxAvailableSize(heapQueryAlignment)

	return b.cpuBase + uintptr(offset)
}

// free releases the suballocation that pointer was returned from. Freeing a pointer with
// no registered suballocation is a double free or a foreign pointer, either way a caller
// contract violation.
func (b *heapBlock) free(pointer uintptr) {
	if pointer < b.cpuBase {
		panic(fmt.Sprintf("freeing pointer %#x below this block's base %#x", pointer, b.cpuBase))
	}
	offset := int(pointer - b.cpuBase)

	buffer, ok := b.buffers.Get(offset)
	if !ok {
		panic(fmt.Sprintf("freeing pointer %#x (offset %d) with no registered suballocation: double free or foreign pointer", pointer, offset))
	}
	b.buffers.Delete(offset)

	index, present := slices.BinarySearchFunc(b.suballocations, offset, compareSuballocationOffset)
	if !present {
		panic(fmt.Sprintf("offset %d has a registered buffer but no suballocation entry", offset))
	}

	entry := b.suballocations[index]
	if entry.size != buffer.Length() {
		panic(fmt.Sprintf("suballocation at offset %d recorded %d bytes but the driver reports %d", offset, entry.size, buffer.Length()))
	}

	b.suballocations = slices.Delete(b.suballocations, index, index+1)
	buffer.Release()

	b.usedSize -= entry.size
	b.availableSize = b.heap.MaxAvailableSize(heapQueryAlignment)
}

// offsetOf resolves a CPU pointer to its byte offset within the block. Unlike free, a
// miss is not fatal: the pool probes candidate blocks speculatively through this path.
func (b *heapBlock) offsetOf(pointer uintptr) (int, bool) {
	if pointer < b.cpuBase {
		return 0, false
	}
	offset := int(pointer - b.cpuBase)
	if offset >= b.capacity {
		return 0, false
	}

	index, present := slices.BinarySearchFunc(b.suballocations, offset, compareSuballocationOffset)
	if present {
		return offset, true
	}
	if index == 0 {
		return 0, false
	}

	previous := b.suballocations[index-1]
	if offset < previous.offset+previous.size {
		return offset, true
	}

	return 0, false
}

// contains reports whether pointer falls inside the block's capacity window, live
// suballocation or not.
func (b *heapBlock) contains(pointer uintptr) bool {
	return pointer >= b.cpuBase && pointer < b.cpuBase+uintptr(b.capacity)
}

func (b *heapBlock) isEmpty() bool {
	return len(b.suballocations) == 0
}

func (b *heapBlock) Validate() error {
	if b.heap == nil {
		return errors.New("no valid heap for this block")
	}
	if b.capacity < 1 {
		return errors.Errorf("this block has an invalid capacity %d", b.capacity)
	}

	usedTotal := 0
	previousEnd := 0
	for i, entry := range b.suballocations {
		if entry.size < 1 {
			return errors.Errorf("suballocation at offset %d has an invalid size %d", entry.offset, entry.size)
		}
		if entry.offset < previousEnd {
			return errors.Errorf("suballocation at offset %d overlaps the previous suballocation ending at %d", entry.offset, previousEnd)
		}
		if entry.offset+entry.size > b.capacity {
			return errors.Errorf("suballocation at offset %d extends past the block capacity %d", entry.offset, b.capacity)
		}
		if _, ok := b.buffers.Get(entry.offset); !ok {
			return errors.Errorf("suballocation %d at offset %d has no registered buffer", i, entry.offset)
		}

		usedTotal += entry.size
		previousEnd = entry.offset + entry.size
	}

	if usedTotal != b.usedSize {
		return errors.Errorf("live suballocations total %d bytes but the block records %d used", usedTotal, b.usedSize)
	}
	if b.buffers.Count() != len(b.suballocations) {
		return errors.Errorf("%d registered buffers for %d suballocations", b.buffers.Count(), len(b.suballocations))
	}

	return nil
}

// destroy releases the block's heap, its view buffer, and any sub-buffers that were still
// live. Leaked suballocations are logged the way they would be on pool teardown.
func (b *heapBlock) destroy() {
	for _, entry := range b.suballocations {
		b.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
			slog.Int("offset", entry.offset),
			slog.Int("size", entry.size),
			slog.Uint64("block.gpuBase", b.gpuBase))
	}

	b.buffers.Iter(func(offset int, buffer Buffer) bool {
		buffer.Release()
		return false
	})
	b.suballocations = nil

	b.view.Release()
	b.heap.Release()
	b.heap = nil
}

func (b *heapBlock) addStatistics(stats *memutil.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += b.capacity
	stats.AllocationCount += len(b.suballocations)
	stats.AllocationBytes += b.usedSize
}

func (b *heapBlock) addDetailedStatistics(stats *memutil.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += b.capacity

	for _, entry := range b.suballocations {
		stats.AddAllocation(entry.size)
	}

	if unused := b.capacity - b.usedSize; unused > 0 {
		stats.AddUnusedRange(unused)
	}
}

var _ memutil.Validatable = (*heapBlock)(nil)
