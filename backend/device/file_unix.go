//go:build linux || darwin

package device

import (
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

func openWindow(path string, size int) ([]byte, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func discardWindow(window []byte) error {
	return unix.Munmap(window)
}

func closeWindow(path string, window []byte) error {
	err := unix.Msync(window, unix.MS_SYNC)
	return errors.CombineErrors(err, unix.Munmap(window))
}
