//go:build linux || darwin

package device

import (
	"golang.org/x/sys/unix"
)

// reserveMemory maps an anonymous private region outside the Go heap
func reserveMemory(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func releaseMemory(memory []byte) error {
	return unix.Munmap(memory)
}
