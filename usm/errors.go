package usm

import "github.com/cockroachdb/errors"

var (
	// ErrOutOfDeviceMemory is returned from Pool.Allocate when the device refused to
	// create a new heap block even after evicting every fully-empty block. The caller
	// may retry after reducing device memory pressure, typically by waiting for
	// in-flight GPU work to complete and freeing allocations it referenced.
	ErrOutOfDeviceMemory = errors.New("usm: out of device memory")
	// ErrOutOfVirtualMemory is returned from Pool.Allocate when a new heap block would
	// not fit inside the virtual address span reserved at pool creation.
	ErrOutOfVirtualMemory = errors.New("usm: reserved virtual address span exhausted")
	// ErrAllocationTooLarge is returned from Pool.Allocate for requests at or above the
	// device's maximum buffer length. No heap configuration can satisfy them.
	ErrAllocationTooLarge = errors.New("usm: allocation exceeds device maximum buffer length")
)
