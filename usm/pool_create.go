package usm

import (
	"context"
	"io"

	"log/slog"

	"github.com/usmalloc/usmalloc/memutil"
	"github.com/usmalloc/usmalloc/usm/internal/utils"
)

const (
	// defaultReservationSize is the virtual address span requested when none is
	// configured. 128Gb of address space costs nothing until pages are touched.
	defaultReservationSize int = 128 * 1024 * 1024 * 1024
	// defaultReservationFloor is the smallest span the pool will run inside. 1Gb.
	defaultReservationFloor int = 1024 * 1024 * 1024
	// defaultGPUBaseAddress is the reference GPU address the CPU/GPU delta is measured
	// against. It is never dereferenced; it only needs to sit well clear of the
	// driver's own internal allocations.
	defaultGPUBaseAddress uint64 = 0x11_0000_0000
	// defaultOneOffGranularity is the rounding granularity for one-off heap sizes. 128Kb.
	defaultOneOffGranularity uint = 128 * 1024

	defaultBisectionSteps       = 6
	defaultAddressMatchAttempts = 8
	defaultSpareEmptyBlocks     = 1
)

// CreateOptions contains optional settings when creating a Pool
type CreateOptions struct {
	// VirtualMemory reserves the pool's CPU address span. When nil,
	// SystemVirtualMemory is used.
	VirtualMemory VirtualMemory

	// PreferredReservationSize is the virtual address span the pool asks for before
	// shrinking on platform refusal. Defaults to 128Gb.
	PreferredReservationSize int
	// ReservationFloor is the span below which reservation failure becomes a fatal
	// startup error rather than a shrink. Defaults to 1Gb.
	ReservationFloor int
	// ReservationBisectionSteps bounds the shrink search for a close-to-maximal span
	// after the first halving succeeds. Defaults to 6.
	ReservationBisectionSteps int

	// GPUBaseAddress is the reference point for CPU/GPU address matching. It must not
	// collide with the driver's internal allocations. Leave zero for the default.
	GPUBaseAddress uint64

	// AddressMatchAttempts caps the CPU/GPU address convergence loop during block
	// creation. Exceeding the cap panics, because it means the driver stopped
	// assigning addresses deterministically. Defaults to 8.
	AddressMatchAttempts int

	// SpareEmptyBlocks is the number of fully-empty blocks retained per tier to damp
	// allocate/free thrashing at tier boundaries. Defaults to 1.
	SpareEmptyBlocks int

	// OneOffGranularity is the power-of-two granularity one-off heap sizes are rounded
	// up to. Defaults to 128Kb.
	OneOffGranularity uint

	// UseMutex guards every pool entry point with an internal mutex. The pool is
	// synchronous and single-threaded by contract; hosts that call in from multiple
	// goroutines must either set this or serialize externally, because partial
	// interleavings would corrupt the cross-index invariants.
	UseMutex bool
}

// New creates a Pool against the provided device, computing the size-tier thresholds from
// the device's memory configuration and reserving the virtual address span the pool will
// live inside.
//
// logger - Destination for debug and error logging. May be nil to discard.
//
// device - The GPU driver capability surface memory will be allocated through.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, device Device, options CreateOptions) (*Pool, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if options.VirtualMemory == nil {
		options.VirtualMemory = SystemVirtualMemory()
	}
	if options.PreferredReservationSize == 0 {
		options.PreferredReservationSize = defaultReservationSize
	}
	if options.ReservationFloor == 0 {
		options.ReservationFloor = defaultReservationFloor
	}
	if options.ReservationBisectionSteps == 0 {
		options.ReservationBisectionSteps = defaultBisectionSteps
	}
	if options.GPUBaseAddress == 0 {
		options.GPUBaseAddress = defaultGPUBaseAddress
	}
	if options.AddressMatchAttempts == 0 {
		options.AddressMatchAttempts = defaultAddressMatchAttempts
	}
	if options.SpareEmptyBlocks == 0 {
		options.SpareEmptyBlocks = defaultSpareEmptyBlocks
	}
	if options.OneOffGranularity == 0 {
		options.OneOffGranularity = defaultOneOffGranularity
	}

	err := memutil.CheckPow2(options.OneOffGranularity, "CreateOptions.OneOffGranularity")
	if err != nil {
		return nil, err
	}

	limit := physicalMemoryLimit(device)
	tiers := computeSizeTiers(limit)

	reservation, err := reserveAddressSpace(
		logger,
		options.VirtualMemory,
		options.PreferredReservationSize,
		options.ReservationFloor,
		options.ReservationBisectionSteps,
		options.GPUBaseAddress,
	)
	if err != nil {
		return nil, err
	}

	logger.LogAttrs(context.Background(), slog.LevelDebug, "created heap pool",
		slog.Int("physicalMemoryLimit", limit),
		slog.Int("smallHeapSize", tiers.smallHeapSize),
		slog.Int("largeHeapSize", tiers.largeHeapSize))

	return &Pool{
		logger:          logger,
		device:          device,
		options:         options,
		tiers:           tiers,
		memoryLimit:     limit,
		maxBufferLength: device.MaxBufferLength(),
		reservation:     reservation,
		mutex: utils.OptionalRWMutex{
			UseMutex: options.UseMutex,
		},
	}, nil
}
