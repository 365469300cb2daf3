// Package device is the indirect heap backend. Allocation bodies live in device memory that the
// CPU cannot address, so the heap keeps only a small host header per allocation and bodies are
// reached through bounded lock windows opened by Map.
package device

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/mediaheap/envelope"
	"github.com/vkngwrapper/mediaheap/heap"
	"github.com/vkngwrapper/mediaheap/memutils"
)

// Options contains optional settings for the device backend
type Options struct {
	// MaxMappedBytes bounds the total size of the device allocations that may be locked at once.
	// 0 means no bound.
	MaxMappedBytes uint64
}

type deviceAllocation struct {
	handle   uint32
	capacity uint64

	window []byte
	locks  int
}

// Backend keeps allocation bodies in driver memory and header records on the host
type Backend struct {
	driver  Driver
	options Options
	layout  envelope.Layout

	limit       uint64
	initialized bool
	mappedBytes uint64
	stats       memutils.Statistics
}

var _ heap.Backend = &Backend{}
var _ heap.StatisticsReporter = &Backend{}

func New(driver Driver, options Options) (*Backend, error) {
	if driver == nil {
		return nil, errors.Wrap(memutils.ErrInvalidArgument, "the device backend requires a driver")
	}

	return &Backend{
		driver:  driver,
		options: options,
	}, nil
}

func (b *Backend) Name() string { return "device" }

// Init initializes the driver. Device storage cannot be initialized twice, so a second call
// fails with memutils.ErrAlreadyInitialized.
func (b *Backend) Init(limit uint64, layout envelope.Layout) error {
	if b.initialized {
		return errors.Wrap(memutils.ErrAlreadyInitialized, "device memory cannot be reinitialized")
	}

	if maxSize := b.driver.MaxSize(); limit > maxSize {
		return errors.Wrapf(memutils.ErrOutOfMemory, "heap limit of %d bytes exceeds the %d bytes of device memory", limit, maxSize)
	}

	err := b.driver.Init()
	if err != nil {
		return err
	}

	b.layout = layout
	b.limit = limit
	b.initialized = true
	b.stats.Clear()
	return nil
}

// reserve checks the heap's share of device memory, which can be smaller than what the
// driver would hand out
func (b *Backend) reserve(delta uint64) error {
	if delta > b.limit-uint64(b.stats.AllocationBytes) {
		return errors.Wrapf(memutils.ErrOutOfMemory, "%d more bytes would exceed the %d bytes of device memory this heap may use", delta, b.limit)
	}
	return nil
}

func (b *Backend) Alloc(size uint64, allocType uint32) (*heap.Record, error) {
	err := b.reserve(size)
	if err != nil {
		return nil, err
	}

	handle, err := b.driver.Alloc(size)
	if err != nil {
		return nil, err
	}

	b.stats.BlockCount++
	b.stats.BlockBytes += int(size)
	b.stats.AllocationCount++
	b.stats.AllocationBytes += int(size)

	return &heap.Record{
		HandleOrFlags: handle,
		Header:        make([]byte, b.layout.HeaderSize()),
		Ref:           uint64(handle),
		Private: &deviceAllocation{
			handle:   handle,
			capacity: size,
		},
	}, nil
}

func (b *Backend) unlock(alloc *deviceAllocation) error {
	err := b.driver.Unlock(alloc.handle)
	if err != nil {
		return errors.Mark(err, memutils.ErrMapFailed)
	}

	b.mappedBytes -= alloc.capacity
	alloc.window = nil
	alloc.locks = 0
	return nil
}

func (b *Backend) Free(record *heap.Record) error {
	alloc := record.Private.(*deviceAllocation)

	if alloc.locks > 0 {
		err := b.unlock(alloc)
		if err != nil {
			return err
		}
	}

	err := b.driver.Free(alloc.handle)
	if err != nil {
		return err
	}

	b.stats.BlockCount--
	b.stats.BlockBytes -= int(alloc.capacity)
	b.stats.AllocationCount--
	b.stats.AllocationBytes -= int(record.Size)

	record.Header = nil
	record.Private = nil
	return nil
}

// Resize shrinks in place, and grows in place up to the size the device memory was allocated
// with. Larger growth moves the body to new device memory, closing any open window.
func (b *Backend) Resize(record *heap.Record, newSize uint64) (relocated bool, err error) {
	alloc := record.Private.(*deviceAllocation)

	if newSize > record.Size {
		err = b.reserve(newSize - record.Size)
		if err != nil {
			return false, err
		}
	}

	if newSize <= alloc.capacity {
		b.stats.AllocationBytes += int(newSize) - int(record.Size)
		return false, nil
	}

	handle, err := b.driver.Alloc(newSize)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			err = errors.CombineErrors(err, b.driver.Free(handle))
		}
	}()

	err = b.copyBody(alloc, handle, record.Size)
	if err != nil {
		return false, err
	}

	// A failed free leaves the old storage and its window untouched
	err = b.driver.Free(alloc.handle)
	if err != nil {
		return false, err
	}

	if alloc.locks > 0 {
		b.mappedBytes -= alloc.capacity
		alloc.window = nil
		alloc.locks = 0
	}

	b.stats.BlockBytes += int(newSize) - int(alloc.capacity)
	b.stats.AllocationBytes += int(newSize) - int(record.Size)

	alloc.handle = handle
	alloc.capacity = newSize
	record.HandleOrFlags = handle
	record.Ref = uint64(handle)
	return true, nil
}

func (b *Backend) copyBody(alloc *deviceAllocation, target uint32, size uint64) (err error) {
	source := alloc.window
	if alloc.locks == 0 {
		source, err = b.driver.Lock(alloc.handle)
		if err != nil {
			return errors.Mark(err, memutils.ErrMapFailed)
		}
		defer func() {
			err = errors.CombineErrors(err, b.driver.Unlock(alloc.handle))
		}()
	}

	destination, err := b.driver.Lock(target)
	if err != nil {
		return errors.Mark(err, memutils.ErrMapFailed)
	}

	copy(destination, source[:size])
	return b.driver.Unlock(target)
}

// Map locks the allocation's device memory on first use. Windows are shared between nested
// maps of the same allocation, and the total size of open windows is bounded by
// Options.MaxMappedBytes.
func (b *Backend) Map(record *heap.Record) ([]byte, error) {
	alloc := record.Private.(*deviceAllocation)

	if alloc.locks == 0 {
		if b.options.MaxMappedBytes > 0 && b.mappedBytes+alloc.capacity > b.options.MaxMappedBytes {
			return nil, errors.Wrapf(memutils.ErrMapFailed, "mapping %d bytes would exceed the %d byte window budget with %d bytes mapped",
				alloc.capacity, b.options.MaxMappedBytes, b.mappedBytes)
		}

		window, err := b.driver.Lock(alloc.handle)
		if err != nil {
			return nil, errors.Mark(err, memutils.ErrMapFailed)
		}

		alloc.window = window
		b.mappedBytes += alloc.capacity
	}

	alloc.locks++
	return alloc.window, nil
}

func (b *Backend) Unmap(record *heap.Record) error {
	alloc := record.Private.(*deviceAllocation)

	if alloc.locks == 0 {
		return errors.Wrapf(memutils.ErrInvalidView, "device memory %d is not mapped", alloc.handle)
	}

	if alloc.locks > 1 {
		alloc.locks--
		return nil
	}

	return b.unlock(alloc)
}

// MappedBytes returns the total size of the device allocations currently locked
func (b *Backend) MappedBytes() uint64 {
	return b.mappedBytes
}

func (b *Backend) Destroy() error {
	b.stats.Clear()
	return b.driver.Release()
}

func (b *Backend) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount += b.stats.BlockCount
	stats.BlockBytes += b.stats.BlockBytes
	stats.AllocationCount += b.stats.AllocationCount
	stats.AllocationBytes += b.stats.AllocationBytes
}
