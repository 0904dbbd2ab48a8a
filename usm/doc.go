// Package usm implements a unified CPU/GPU memory allocator: a single reserved virtual
// address range in which every pointer is simultaneously a valid CPU address and, after a
// fixed translation, a GPU buffer address. Memory is suballocated from a pool of GPU heap
// objects so that individual allocations carry no per-allocation driver registration
// cost.
//
// A Pool is created once per device via New and passed wherever allocation is needed. The
// public surface is Pool.Allocate, Pool.Free, Pool.BufferAndOffset, plus introspection
// helpers. The GPU driver itself is consumed through the small Device capability
// interface; this package contains no vendor API surface.
//
// All pool operations are synchronous and bounded. The pool does not synchronize with the
// GPU: freeing memory still referenced by in-flight GPU work, and serializing concurrent
// access to the pool (or setting CreateOptions.UseMutex), are the caller's obligations.
package usm
