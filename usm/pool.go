package usm

import (
	"context"
	"fmt"

	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/usmalloc/usmalloc/memutil"
	"github.com/usmalloc/usmalloc/usm/internal/utils"
	"golang.org/x/exp/slices"
)

// Pool is the unified CPU/GPU heap-pool allocator. It owns every heap block, keeps one
// address-sorted index over all of them plus one size-sorted index per tier, and exposes
// the allocate/free/translate API.
//
// The pool does not track in-flight GPU work. A region must not be freed while GPU
// commands that reference it may still execute; deferring the free until that work
// completes is the command-queue layer's obligation, not the pool's.
type Pool struct {
	logger  *slog.Logger
	device  Device
	options CreateOptions

	tiers           sizeTiers
	memoryLimit     int
	maxBufferLength int
	reservation     *addressSpaceReservation

	mutex utils.OptionalRWMutex

	// smallBySize and largeBySize are ascending by availableSize; blocksByAddress is
	// ascending by gpuBase with no overlap. Every block in blocksByAddress appears in
	// exactly one of the two size indexes, except transiently while an Allocate or
	// Free call is mutating it.
	smallBySize     []*heapBlock
	largeBySize     []*heapBlock
	blocksByAddress []*heapBlock

	// nextBlockOffset is the watermark inside the reservation where the next block is
	// aimed. Evicted block ranges are not reclaimed; the reservation is sized so that
	// running off its end takes deliberate effort.
	nextBlockOffset int
}

// Allocate returns a CPU pointer to size bytes of memory addressable by both the CPU and
// the GPU. It fails fast with ErrAllocationTooLarge, ErrOutOfDeviceMemory, or
// ErrOutOfVirtualMemory rather than waiting; retrying after reducing device pressure is
// the caller's policy.
func (p *Pool) Allocate(size int) (uintptr, error) {
	p.logger.Debug("Pool::Allocate")

	if size <= 0 {
		panic(fmt.Sprintf("attempted to allocate %d bytes", size))
	}
	if size >= p.maxBufferLength {
		return 0, errors.Wrapf(ErrAllocationTooLarge, "requested %d bytes but the device maximum buffer length is %d", size, p.maxBufferLength)
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	defer memutil.DebugValidate(p)

	small := size < p.tiers.maxSmallAlloc

	block := p.extractBestFit(small, size)
	if block == nil {
		var err error
		block, err = p.provisionBlock(size)
		if err != nil {
			return 0, err
		}
	}

	pointer := block.allocate(size)

	// The block's position in its size index is stale the moment availableSize
	// changes, so it only goes back in now.
	p.insertBySize(block)

	return pointer, nil
}

// Free returns the region at pointer to its owning block, then either evicts the block or
// re-indexes it. Freeing a pointer the pool never issued is a caller contract violation
// and panics.
func (p *Pool) Free(pointer uintptr) {
	p.logger.Debug("Pool::Free")

	p.mutex.Lock()
	defer p.mutex.Unlock()
	defer memutil.DebugValidate(p)

	block := p.ownerOf(pointer)
	if block == nil {
		panic(fmt.Sprintf("freeing pointer %#x that was not allocated from this pool", pointer))
	}

	p.removeFromSizeIndex(block)
	block.free(pointer)

	if block.isEmpty() {
		tier := p.tiers.tierOf(block.capacity)

		// One-off blocks are never worth retaining; standard-tier blocks are kept
		// as spares up to the configured count to damp churn at tier boundaries.
		if tier == tierOneOff || p.retainedEmptyBlocks(tier, block) >= p.options.SpareEmptyBlocks {
			p.removeFromAddressIndex(block)
			p.logger.LogAttrs(context.Background(), slog.LevelDebug, "deleted empty block",
				slog.Uint64("block.gpuBase", block.gpuBase),
				slog.String("block.tier", tier.String()))
			block.destroy()
			return
		}
	}

	p.insertBySize(block)
}

// BufferAndOffset translates a CPU pointer inside a live allocation into the GPU-facing
// buffer handle of its owning block plus the byte offset within that block, the pair the
// command-encoding layer needs to bind the region to a dispatch. It returns false for
// pointers outside any live allocation.
func (p *Pool) BufferAndOffset(pointer uintptr) (Buffer, int, bool) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	block := p.ownerOf(pointer)
	if block == nil {
		return nil, 0, false
	}

	offset, ok := block.offsetOf(pointer)
	if !ok {
		return nil, 0, false
	}

	return block.view, offset, true
}

// TotalUsedSize reports the sum of all live allocation sizes, including driver-side
// rounding, across every block.
func (p *Pool) TotalUsedSize() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	total := 0
	for _, block := range p.blocksByAddress {
		total += block.usedSize
	}

	return total
}

// ResidentBuffers returns the buffer view of every block in the pool, in address order.
// The command-encoding layer passes these to the driver's residency declaration before
// each dispatch so that all pool-owned memory is marked in use.
func (p *Pool) ResidentBuffers() []Buffer {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	buffers := make([]Buffer, len(p.blocksByAddress))
	for i, block := range p.blocksByAddress {
		buffers[i] = block.view
	}

	return buffers
}

// Statistics sums basic block and allocation accounting across the pool.
func (p *Pool) Statistics() memutil.Statistics {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	var stats memutil.Statistics
	for _, block := range p.blocksByAddress {
		block.addStatistics(&stats)
	}

	return stats
}

// AddDetailedStatistics sums detailed accounting for the pool into stats.
func (p *Pool) AddDetailedStatistics(stats *memutil.DetailedStatistics) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	for _, block := range p.blocksByAddress {
		block.addDetailedStatistics(stats)
	}
}

// Destroy tears the pool down, destroying every block (logging any allocations that were
// never freed) and releasing the address-space reservation.
func (p *Pool) Destroy() {
	p.logger.Debug("Pool::Destroy")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, block := range p.blocksByAddress {
		block.destroy()
	}
	p.blocksByAddress = nil
	p.smallBySize = nil
	p.largeBySize = nil

	p.reservation.release()
	p.reservation = nil
}

// provisionBlock creates a heap block able to serve a request of the provided size, evicting
// every fully-empty block and retrying once if the device refuses. The new block is
// inserted into the address index but not a size index; the caller re-indexes it after
// the suballocation lands.
func (p *Pool) provisionBlock(size int) (*heapBlock, error) {
	heapSize := p.tiers.heapSizeFor(size, p.options.OneOffGranularity)

	if p.nextBlockOffset+heapSize > p.reservation.size {
		return nil, errors.Wrapf(ErrOutOfVirtualMemory, "a new %d-byte block does not fit in the remaining %d bytes of the reserved span", heapSize, p.reservation.size-p.nextBlockOffset)
	}

	block, err := newHeapBlock(p.logger, p.device, p.reservation, p.nextBlockOffset, heapSize, p.options.AddressMatchAttempts)
	if err != nil {
		if p.evictEmptyBlocks() == 0 {
			return nil, errors.Wrapf(ErrOutOfDeviceMemory, "creating a %d-byte heap block: %v", heapSize, err)
		}

		block, err = newHeapBlock(p.logger, p.device, p.reservation, p.nextBlockOffset, heapSize, p.options.AddressMatchAttempts)
		if err != nil {
			return nil, errors.Wrapf(ErrOutOfDeviceMemory, "creating a %d-byte heap block after evicting empty blocks: %v", heapSize, err)
		}
	}

	// Convergence may have landed the block past the offset it was aimed at. The
	// committed range still has to fit inside the reservation.
	if !p.reservation.contains(block.cpuBase, block.capacity) {
		block.destroy()
		return nil, errors.Wrapf(ErrOutOfVirtualMemory, "the driver placed a %d-byte block outside the reserved span", heapSize)
	}

	p.insertByAddress(block)
	p.nextBlockOffset = int(block.cpuBase-p.reservation.cpuBase) + heapSize

	return block, nil
}

// extractBestFit removes and returns the smallest block in the chosen size index whose
// availableSize satisfies the request, or nil. The index is ascending by availableSize,
// so the first sufficient block is the best fit.
func (p *Pool) extractBestFit(small bool, size int) *heapBlock {
	index := p.sizeIndex(small)

	for i, block := range *index {
		if block.availableSize >= size {
			*index = slices.Delete(*index, i, i+1)
			return block
		}
	}

	return nil
}

// evictEmptyBlocks destroys every fully-empty block, removing each from both its size
// index and the address index, and reports how many were evicted.
func (p *Pool) evictEmptyBlocks() int {
	count := 0

	for i := 0; i < len(p.blocksByAddress); {
		block := p.blocksByAddress[i]
		if !block.isEmpty() {
			i++
			continue
		}

		p.removeFromSizeIndex(block)
		p.blocksByAddress = slices.Delete(p.blocksByAddress, i, i+1)
		p.logger.LogAttrs(context.Background(), slog.LevelDebug, "evicted empty block under memory pressure",
			slog.Uint64("block.gpuBase", block.gpuBase))
		block.destroy()
		count++
	}

	return count
}

// retainedEmptyBlocks counts the fully-empty blocks of the given tier that the pool is
// currently holding, not counting except (the block being considered for eviction).
func (p *Pool) retainedEmptyBlocks(tier blockTier, except *heapBlock) int {
	count := 0
	for _, block := range p.blocksByAddress {
		if block != except && block.isEmpty() && p.tiers.tierOf(block.capacity) == tier {
			count++
		}
	}

	return count
}

// ownerOf locates the unique block whose capacity window contains pointer, or nil. Blocks
// are co-sorted by CPU and GPU base (convergence pins both to the same delta), so the
// address index serves CPU-side lookups directly.
func (p *Pool) ownerOf(pointer uintptr) *heapBlock {
	index, _ := slices.BinarySearchFunc(p.blocksByAddress, pointer, func(b *heapBlock, target uintptr) int {
		switch {
		case b.cpuBase < target:
			return -1
		case b.cpuBase > target:
			return 1
		}
		return 0
	})

	// index is the first block at or above pointer; the owner is that block exactly or
	// the one before it.
	if index < len(p.blocksByAddress) && p.blocksByAddress[index].contains(pointer) {
		return p.blocksByAddress[index]
	}
	if index > 0 && p.blocksByAddress[index-1].contains(pointer) {
		return p.blocksByAddress[index-1]
	}

	return nil
}

func (p *Pool) sizeIndex(small bool) *[]*heapBlock {
	if small {
		return &p.smallBySize
	}
	return &p.largeBySize
}

// insertBySize inserts the block into its tier's size index at the position matching its
// current availableSize. Small-capacity blocks live in the small index; large and one-off
// blocks live in the large index.
func (p *Pool) insertBySize(block *heapBlock) {
	index := p.sizeIndex(p.tiers.tierOf(block.capacity) == tierSmall)

	at, _ := slices.BinarySearchFunc(*index, block.availableSize, func(b *heapBlock, target int) int {
		switch {
		case b.availableSize < target:
			return -1
		case b.availableSize > target:
			return 1
		}
		return 0
	})

	*index = slices.Insert(*index, at, block)
}

func (p *Pool) removeFromSizeIndex(block *heapBlock) {
	index := p.sizeIndex(p.tiers.tierOf(block.capacity) == tierSmall)

	for i, candidate := range *index {
		if candidate == block {
			*index = slices.Delete(*index, i, i+1)
			return
		}
	}

	panic(fmt.Sprintf("block at gpu address %#x was not in its size index", block.gpuBase))
}

func (p *Pool) insertByAddress(block *heapBlock) {
	at, present := slices.BinarySearchFunc(p.blocksByAddress, block.gpuBase, func(b *heapBlock, target uint64) int {
		switch {
		case b.gpuBase < target:
			return -1
		case b.gpuBase > target:
			return 1
		}
		return 0
	})
	if present {
		panic(fmt.Sprintf("two blocks were assigned the same gpu base address %#x", block.gpuBase))
	}

	p.blocksByAddress = slices.Insert(p.blocksByAddress, at, block)
}

func (p *Pool) removeFromAddressIndex(block *heapBlock) {
	for i, candidate := range p.blocksByAddress {
		if candidate == block {
			p.blocksByAddress = slices.Delete(p.blocksByAddress, i, i+1)
			return
		}
	}

	panic(fmt.Sprintf("block at gpu address %#x was not in the address index", block.gpuBase))
}

// Validate performs the cross-index consistency checks: address order with no overlap,
// ascending size order in both size indexes, every block indexed exactly once, and every
// block internally consistent. When the implementation is functioning correctly it cannot
// return an error; it exists for the debug_usm build and diagnostics.
func (p *Pool) Validate() error {
	var previous *heapBlock
	for _, block := range p.blocksByAddress {
		if err := block.Validate(); err != nil {
			return err
		}

		if previous != nil {
			if previous.gpuBase+uint64(previous.capacity) > block.gpuBase {
				return errors.Errorf("blocks at gpu addresses %#x and %#x overlap", previous.gpuBase, block.gpuBase)
			}
			if previous.cpuBase >= block.cpuBase {
				return errors.Errorf("blocks at gpu addresses %#x and %#x are not in CPU address order", previous.gpuBase, block.gpuBase)
			}
		}
		previous = block
	}

	if len(p.smallBySize)+len(p.largeBySize) != len(p.blocksByAddress) {
		return errors.Errorf("%d blocks in the size indexes but %d in the address index", len(p.smallBySize)+len(p.largeBySize), len(p.blocksByAddress))
	}

	for _, index := range [][]*heapBlock{p.smallBySize, p.largeBySize} {
		for i, block := range index {
			if i > 0 && index[i-1].availableSize > block.availableSize {
				return errors.Errorf("size index is not ascending at position %d", i)
			}

			if p.ownerOf(block.cpuBase) != block {
				return errors.Errorf("block at gpu address %#x is size-indexed but not address-indexed", block.gpuBase)
			}
		}
	}

	return nil
}

var _ memutil.Validatable = (*Pool)(nil)
