package usm

// HeapCreateInfo describes the GPU heap object requested from the Device. The pool always
// requests heaps whose memory is fully shareable between the CPU and GPU and whose automatic
// hazard tracking is disabled, because the pool itself guarantees that suballocations never
// overlap.
type HeapCreateInfo struct {
	// Size is the capacity of the heap in bytes
	Size int
	// DisableHazardTracking requests that the driver skip per-buffer hazard tracking
	// for buffers suballocated from this heap
	DisableHazardTracking bool
	// StorageShared requests memory that is addressable from both the CPU and the GPU
	// without copies
	StorageShared bool
}

// Device is the capability surface the pool consumes from the GPU driver layer. It is
// deliberately small: heap creation, buffer suballocation, no-copy buffer placement at a
// chosen CPU address, and a handful of size queries. Implementations wrap whatever vendor
// API actually backs them.
//
// The Device must assign buffer GPU addresses deterministically as a function of allocation
// order: creating a no-copy buffer at the same CPU address twice in a row (with the first
// released before the second is created) must report the same GPU address both times. The
// pool's CPU/GPU address matching depends on this property and treats violations as fatal.
type Device interface {
	// CreateHeap creates a GPU heap object. It returns an error when the device is out
	// of memory; the pool treats that as recoverable.
	CreateHeap(info HeapCreateInfo) (Heap, error)
	// CreateNoCopyBuffer wraps the page-aligned CPU region starting at cpuAddress in a
	// buffer without copying it. The driver, not the caller, chooses the buffer's GPU
	// address; the caller learns it from the returned Buffer.
	CreateNoCopyBuffer(cpuAddress uintptr, size int) (Buffer, error)

	// MaxBufferLength reports the largest single buffer the device can create, in bytes.
	MaxBufferLength() int
	// PhysicalMemorySize reports the size of physical RAM in bytes.
	PhysicalMemorySize() int
	// WorkingSetLimit reports the device's recommended working set size in bytes.
	WorkingSetLimit() int
}

// Heap is a driver-managed contiguous memory region from which buffers can be suballocated
// without separate per-buffer residency registration.
type Heap interface {
	// MaxAvailableSize reports the largest single buffer that could currently be
	// suballocated from this heap at the provided alignment.
	MaxAvailableSize(alignment uint) int
	// AllocateBuffer suballocates a buffer of at least size bytes from the heap. The
	// returned Buffer reports the driver-assigned GPU address and the actual allocated
	// length, which may exceed size due to driver-side rounding.
	AllocateBuffer(size int) (Buffer, error)
	// SetPurgeableEmpty marks the heap's memory as discardable so that it contributes
	// no resident footprint until it is actually written to.
	SetPurgeableEmpty()
	// Release destroys the heap. All buffers suballocated from it must have been
	// released first.
	Release()
}

// Buffer is an opaque handle to driver-visible memory, either suballocated from a Heap or
// wrapping CPU memory via Device.CreateNoCopyBuffer.
type Buffer interface {
	// GPUAddress reports the driver-assigned GPU virtual address of the buffer
	GPUAddress() uint64
	// Length reports the actual allocated size in bytes, including any driver-side rounding
	Length() int
	// Release destroys the buffer
	Release()
}

// VirtualMemory reserves and releases ranges of CPU virtual address space. The default
// implementation mmaps anonymous, private, unbacked memory; tests substitute their own.
type VirtualMemory interface {
	Reserve(size int) (uintptr, error)
	Release(address uintptr, size int)
}
