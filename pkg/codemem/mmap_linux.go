//go:build linux

package codemem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func mapRegion(size int) ([]byte, bool, error) {
	buf, err := unix.Mmap(
		-1, 0,
		size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
	)
	if err != nil {
		// Hardened kernels refuse W+X mappings; fall back to a data mapping.
		buf, err = unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			return nil, false, fmt.Errorf("failed to mmap code memory: %w", err)
		}
		return buf, false, nil
	}
	return buf, true, nil
}

func unmapRegion(buf []byte, mapped bool) error {
	return unix.Munmap(buf)
}
