//go:build linux && amd64

package jit

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const nativeSupported = true

// callJIT calls the entry sequence at entry with the state block in RDI.
// Implemented in call_amd64.s.
func callJIT(entry, state uintptr)

// mapExecutable copies code into a fresh mapping and makes it read-only
// and executable. The mapping is never writable and executable at once.
func mapExecutable(code []byte) ([]byte, error) {
	size := roundUp(len(code), unix.Getpagesize())
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap code: %w", err)
	}
	copy(buf, code)
	// Pad the tail with int3.
	for i := len(code); i < len(buf); i++ {
		buf[i] = 0xcc
	}
	if err := unix.Mprotect(buf, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(buf)
		return nil, fmt.Errorf("failed to mprotect code: %w", err)
	}
	return buf[:len(code)], nil
}

// mapScratch maps size bytes of read-write memory whose first guard bytes
// are inaccessible.
func mapScratch(size, guard int) ([]byte, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap native stack: %w", err)
	}
	if err := unix.Mprotect(buf[:guard], unix.PROT_NONE); err != nil {
		_ = unix.Munmap(buf)
		return nil, fmt.Errorf("failed to protect stack guard: %w", err)
	}
	return buf, nil
}

func unmap(b []byte) error {
	if cap(b) == 0 {
		return nil
	}
	return unix.Munmap(b[:cap(b)])
}
