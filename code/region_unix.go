//go:build unix

package code

import (
	"golang.org/x/sys/unix"
)

// mapMemory maps size bytes (rounded up to whole pages) of anonymous,
// private, read-write memory. Nothing is executed natively from the region,
// so it is never made executable.
func mapMemory(size int) ([]byte, func() error, error) {
	page := unix.Getpagesize()
	length := (size + page - 1) &^ (page - 1)
	mem, err := unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	return mem, func() error { return unix.Munmap(mem) }, nil
}
