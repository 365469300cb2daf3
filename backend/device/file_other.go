//go:build !linux && !darwin

package device

import (
	"os"
)

func openWindow(path string, size int) ([]byte, error) {
	window := make([]byte, size)

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	_, err = file.ReadAt(window, 0)
	if err != nil {
		return nil, err
	}

	return window, nil
}

func discardWindow(window []byte) error {
	return nil
}

func closeWindow(path string, window []byte) error {
	return os.WriteFile(path, window, 0o600)
}
