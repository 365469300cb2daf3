package heap

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/mediaheap/memutils"
)

// Usage is the byte and allocation count registry of one heap. Its counters can only be changed
// through Increment, Decrement and Resize, which keep allocated bytes within the limit and never
// let the counters go negative. Usage is always internally synchronized.
type Usage struct {
	mutex           sync.Mutex
	limit           uint64
	allocatedBytes  uint64
	allocationCount uint64
}

func NewUsage(limit uint64) *Usage {
	return &Usage{limit: limit}
}

func (u *Usage) reset(limit uint64) {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	u.limit = limit
	u.allocatedBytes = 0
	u.allocationCount = 0
}

// Increment registers a new allocation of delta bytes. It returns memutils.ErrOutOfMemory
// without changing anything if the allocation would exceed the limit.
func (u *Usage) Increment(delta uint64) error {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if delta > u.limit-u.allocatedBytes {
		return errors.Wrapf(memutils.ErrOutOfMemory, "allocating %d bytes would exceed the heap limit: %d of %d bytes in use", delta, u.allocatedBytes, u.limit)
	}

	u.allocatedBytes += delta
	u.allocationCount++
	return nil
}

// Decrement unregisters an allocation of delta bytes. Underflow means a caller released
// something it never registered; the returned error is an assertion failure.
func (u *Usage) Decrement(delta uint64) error {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if u.allocationCount == 0 || delta > u.allocatedBytes {
		return errors.WithAssertionFailure(errors.Wrapf(memutils.ErrUsageUnderflow,
			"releasing %d bytes with %d bytes in %d allocations registered", delta, u.allocatedBytes, u.allocationCount))
	}

	u.allocatedBytes -= delta
	u.allocationCount--
	return nil
}

// Resize moves one registered allocation from oldSize to newSize bytes. Growth beyond the limit
// returns memutils.ErrOutOfMemory without changing anything.
func (u *Usage) Resize(oldSize, newSize uint64) error {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if u.allocationCount == 0 || oldSize > u.allocatedBytes {
		return errors.WithAssertionFailure(errors.Wrapf(memutils.ErrUsageUnderflow,
			"resizing a %d byte allocation with %d bytes registered", oldSize, u.allocatedBytes))
	}

	if newSize > oldSize && newSize-oldSize > u.limit-u.allocatedBytes {
		return errors.Wrapf(memutils.ErrOutOfMemory, "growing an allocation from %d to %d bytes would exceed the heap limit: %d of %d bytes in use", oldSize, newSize, u.allocatedBytes, u.limit)
	}

	u.allocatedBytes = u.allocatedBytes - oldSize + newSize
	return nil
}

// HeapSize returns the bytes currently allocated and the limit
func (u *Usage) HeapSize() (allocated, limit uint64) {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	return u.allocatedBytes, u.limit
}

func (u *Usage) AllocationCount() uint64 {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	return u.allocationCount
}
