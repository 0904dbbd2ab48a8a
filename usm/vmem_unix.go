//go:build unix

package usm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

type systemVirtualMemory struct {
	regions map[uintptr][]byte
}

// SystemVirtualMemory returns the default VirtualMemory implementation, which reserves
// anonymous, private, read/write address space with no backing file and no swap
// accounting. The reserved range costs nothing until pages are actually touched.
func SystemVirtualMemory() VirtualMemory {
	return &systemVirtualMemory{
		regions: make(map[uintptr][]byte),
	}
}

func (m *systemVirtualMemory) Reserve(size int) (uintptr, error) {
	data, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return 0, err
	}

	address := uintptr(unsafe.Pointer(&data[0]))
	m.regions[address] = data
	return address, nil
}

func (m *systemVirtualMemory) Release(address uintptr, size int) {
	data, ok := m.regions[address]
	if !ok {
		panic(fmt.Sprintf("attempted to release a virtual memory region at %#x that was not reserved through this object", address))
	}
	delete(m.regions, address)

	err := unix.Munmap(data)
	if err != nil {
		panic(fmt.Sprintf("unexpected failure when unmapping a reserved region: %+v", err))
	}
}
