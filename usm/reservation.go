package usm

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
)

// addressSpaceReservation is the single contiguous CPU virtual address range that every
// heap block lives inside, paired with the fixed GPU base address used as the reference
// point for CPU/GPU address matching. For a CPU pointer P inside the reservation, the
// theoretical GPU address is gpuBase + (P - cpuBase); blocks correct for the driver's
// actual assignment at creation time.
type addressSpaceReservation struct {
	vmem    VirtualMemory
	cpuBase uintptr
	gpuBase uint64
	size    int
}

// reserveAddressSpace attempts to reserve preferred bytes of virtual address space,
// shrinking the request until the platform accepts it: first by repeated halving, then by
// a bounded bisection between the largest size that succeeded and the smallest that
// failed. Every rejected or superseded candidate is released before the next attempt.
// Failing to reserve even floor bytes is an unrecoverable startup condition and is
// reported as an error.
func reserveAddressSpace(
	logger *slog.Logger,
	vmem VirtualMemory,
	preferred, floor int,
	bisectionSteps int,
	gpuBase uint64,
) (*addressSpaceReservation, error) {
	if preferred < floor {
		preferred = floor
	}

	size := preferred
	var cpuBase uintptr
	for {
		address, err := vmem.Reserve(size)
		if err == nil {
			cpuBase = address
			break
		}

		if size <= floor {
			return nil, errors.Wrapf(err, "could not reserve even the minimum virtual address span of %d bytes", floor)
		}

		size = size / 2
		if size < floor {
			size = floor
		}
	}

	if size < preferred {
		// The span shrank, so the maximum reservable size lies somewhere between the
		// size that worked and the last one that did not. Narrow the bracket with a
		// bounded number of probes rather than settling for the halved size.
		low, high := size, size*2
		if high > preferred {
			high = preferred
		}

		for i := 0; i < bisectionSteps; i++ {
			mid := low + (high-low)/2
			if mid <= low || mid >= high {
				break
			}

			vmem.Release(cpuBase, low)

			address, err := vmem.Reserve(mid)
			if err == nil {
				cpuBase = address
				low = mid
				continue
			}

			high = mid
			address, err = vmem.Reserve(low)
			if err != nil {
				// The platform shrank underneath us between probes.
				return nil, errors.Wrapf(err, "a previously successful reservation of %d bytes was refused", low)
			}
			cpuBase = address
		}

		size = low
	}

	logger.LogAttrs(context.Background(), slog.LevelDebug, "reserved virtual address span",
		slog.Int("size", size),
		slog.Int("preferred", preferred))

	return &addressSpaceReservation{
		vmem:    vmem,
		cpuBase: cpuBase,
		gpuBase: gpuBase,
		size:    size,
	}, nil
}

// contains reports whether the half-open range [address, address+length) lies entirely
// inside the reservation.
func (r *addressSpaceReservation) contains(address uintptr, length int) bool {
	return address >= r.cpuBase && address+uintptr(length) <= r.cpuBase+uintptr(r.size)
}

func (r *addressSpaceReservation) release() {
	r.vmem.Release(r.cpuBase, r.size)
}
