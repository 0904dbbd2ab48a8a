package usm

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/usmalloc/usmalloc/memutil"
	"golang.org/x/exp/slices"
)

// noCopyShift offsets the fake driver's first no-copy buffer address from the pool's GPU
// base so that the first block always needs a second convergence attempt.
const noCopyShift uint64 = 256 * 1024

// fakeBufferGranularity is the rounding the fake driver applies to suballocation sizes,
// standing in for real drivers reporting an actual size above the requested one.
const fakeBufferGranularity uint = 256

type fakeBuffer struct {
	gpuAddress uint64
	length     int
	released   bool
	onRelease  func()
}

func (b *fakeBuffer) GPUAddress() uint64 { return b.gpuAddress }
func (b *fakeBuffer) Length() int        { return b.length }

func (b *fakeBuffer) Release() {
	if b.released {
		panic("fake buffer released twice")
	}
	b.released = true
	if b.onRelease != nil {
		b.onRelease()
	}
}

type fakeRange struct {
	offset int
	size   int
}

type fakeHeap struct {
	device       *fakeDevice
	capacity     int
	internalBase uint64

	ranges         []fakeRange
	purgeableCalls int
	released       bool
}

func (h *fakeHeap) MaxAvailableSize(alignment uint) int {
	largest := 0
	cursor := 0
	for _, r := range h.ranges {
		if gap := r.offset - cursor; gap > largest {
			largest = gap
		}
		cursor = r.offset + r.size
	}
	if gap := h.capacity - cursor; gap > largest {
		largest = gap
	}

	return largest
}

func (h *fakeHeap) AllocateBuffer(size int) (Buffer, error) {
	if h.released {
		panic("allocating from a released fake heap")
	}

	actual := memutil.AlignUp(size, fakeBufferGranularity)

	// First fit: the lowest gap that holds the rounded size.
	offset := -1
	cursor := 0
	for _, r := range h.ranges {
		if r.offset-cursor >= actual {
			offset = cursor
			break
		}
		cursor = r.offset + r.size
	}
	if offset < 0 {
		if h.capacity-cursor < actual {
			return nil, errors.Newf("fake heap exhausted: %d bytes requested", actual)
		}
		offset = cursor
	}

	at, _ := slices.BinarySearchFunc(h.ranges, offset, func(r fakeRange, target int) int {
		return r.offset - target
	})
	h.ranges = slices.Insert(h.ranges, at, fakeRange{offset: offset, size: actual})

	allocOffset := offset
	return &fakeBuffer{
		gpuAddress: h.internalBase + uint64(offset),
		length:     actual,
		onRelease: func() {
			h.removeRange(allocOffset)
		},
	}, nil
}

func (h *fakeHeap) removeRange(offset int) {
	for i, r := range h.ranges {
		if r.offset == offset {
			h.ranges = slices.Delete(h.ranges, i, i+1)
			return
		}
	}
	panic(fmt.Sprintf("fake heap has no range at offset %d", offset))
}

func (h *fakeHeap) SetPurgeableEmpty() {
	h.purgeableCalls++
}

func (h *fakeHeap) Release() {
	if h.released {
		panic("fake heap released twice")
	}
	if len(h.ranges) > 0 {
		panic(fmt.Sprintf("releasing a fake heap with %d live suballocations", len(h.ranges)))
	}
	h.released = true
	h.device.heapBytes -= h.capacity
}

type fakeDevice struct {
	maxBufferLength int
	physicalMemory  int
	workingSet      int

	// deviceBudget caps total live heap bytes; zero means unlimited.
	deviceBudget    int
	heapBytes       int
	failHeapCreates int

	nextHeapBase uint64
	heaps        []*fakeHeap
	lastHeapInfo HeapCreateInfo

	// noCopyNext is the deterministic next GPU address for a no-copy buffer. Releasing
	// the most recent buffer rewinds it, so retrying the same placement reports the
	// same address. wander breaks that determinism for the convergence-failure test.
	noCopyNext    uint64
	noCopyCreates int
	wander        bool
}

func newFakeDevice(gpuBase uint64) *fakeDevice {
	return &fakeDevice{
		maxBufferLength: 64 * 1024 * 1024,
		physicalMemory:  8 * 1024 * 1024 * 1024,
		workingSet:      256 * 1024 * 1024,
		nextHeapBase:    0x4_0000_0000,
		noCopyNext:      gpuBase + noCopyShift,
	}
}

func (d *fakeDevice) CreateHeap(info HeapCreateInfo) (Heap, error) {
	d.lastHeapInfo = info

	if d.failHeapCreates > 0 {
		d.failHeapCreates--
		return nil, errors.New("fake device refused heap creation")
	}
	if d.deviceBudget > 0 && d.heapBytes+info.Size > d.deviceBudget {
		return nil, errors.Newf("fake device out of memory: %d bytes live, %d requested", d.heapBytes, info.Size)
	}

	heap := &fakeHeap{
		device:       d,
		capacity:     info.Size,
		internalBase: d.nextHeapBase,
	}
	d.nextHeapBase += uint64(info.Size) + 0x10_0000
	d.heapBytes += info.Size
	d.heaps = append(d.heaps, heap)

	return heap, nil
}

func (d *fakeDevice) CreateNoCopyBuffer(cpuAddress uintptr, size int) (Buffer, error) {
	d.noCopyCreates++

	address := d.noCopyNext
	if d.wander {
		d.noCopyNext += 0x10000
		return &fakeBuffer{gpuAddress: address, length: size}, nil
	}

	d.noCopyNext += uint64(size)
	return &fakeBuffer{
		gpuAddress: address,
		length:     size,
		onRelease: func() {
			if address+uint64(size) == d.noCopyNext {
				d.noCopyNext = address
			}
		},
	}, nil
}

func (d *fakeDevice) MaxBufferLength() int    { return d.maxBufferLength }
func (d *fakeDevice) PhysicalMemorySize() int { return d.physicalMemory }
func (d *fakeDevice) WorkingSetLimit() int    { return d.workingSet }

type fakeVirtualMemory struct {
	// maxReserve fails reservations above this size; zero means unlimited.
	maxReserve int

	slabs        map[uintptr][]byte
	reserveCalls int
	releaseCalls int
}

func newFakeVirtualMemory() *fakeVirtualMemory {
	return &fakeVirtualMemory{
		slabs: make(map[uintptr][]byte),
	}
}

func (m *fakeVirtualMemory) Reserve(size int) (uintptr, error) {
	m.reserveCalls++

	if m.maxReserve > 0 && size > m.maxReserve {
		return 0, errors.Newf("fake platform refused a %d-byte reservation", size)
	}

	data := make([]byte, size)
	address := uintptr(unsafe.Pointer(&data[0]))
	m.slabs[address] = data
	return address, nil
}

func (m *fakeVirtualMemory) Release(address uintptr, size int) {
	m.releaseCalls++

	if _, ok := m.slabs[address]; !ok {
		panic(fmt.Sprintf("fake virtual memory releasing unknown region %#x", address))
	}
	delete(m.slabs, address)
}

func (m *fakeVirtualMemory) liveRegions() int {
	return len(m.slabs)
}

// slab returns the backing bytes for the region containing address, plus the byte index
// of address within it. Tests use this to read and write "through" CPU pointers without
// raw pointer arithmetic.
func (m *fakeVirtualMemory) slab(address uintptr) ([]byte, int) {
	for base, data := range m.slabs {
		if address >= base && address < base+uintptr(len(data)) {
			return data, int(address - base)
		}
	}
	panic(fmt.Sprintf("address %#x is not inside any fake reservation", address))
}
