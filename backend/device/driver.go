package device

//go:generate mockgen -source driver.go -destination ./mocks/driver.go -package mock_device

// Driver is the device memory collaborator behind the device backend. Device memory is addressed
// by 32-bit handles and is only visible to the CPU while locked. The backend never locks a handle
// that is already locked, and never calls a Driver concurrently.
type Driver interface {
	// Init prepares the driver. It is called once, before any other method.
	Init() error
	// MaxSize is the largest heap limit the driver can serve
	MaxSize() uint64
	// Alloc reserves size bytes of device memory. Exhaustion is reported as memutils.ErrOutOfMemory.
	Alloc(size uint64) (uint32, error)
	// Free returns device memory, closing the handle's window if it is locked. A failed Free
	// leaves the handle allocated and its lock state unchanged.
	Free(handle uint32) error
	// Lock makes a handle's memory visible to the CPU until Unlock. The returned window covers the
	// whole size the handle was allocated with.
	Lock(handle uint32) ([]byte, error)
	// Unlock publishes any writes made through the window and closes it
	Unlock(handle uint32) error
	// Release frees every resource the driver holds
	Release() error
}
