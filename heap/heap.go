// Package heap implements the allocation contract shared by every mediaheap backend.
//
// A Heap hands out opaque Handles rather than pointers, because some backends keep allocation
// bodies in device memory that the CPU can only reach through a temporary mapping. Every
// allocation is wrapped in an envelope (see package envelope) and every byte is accounted for in
// the heap's Usage registry, so all backends report usage and detect corruption identically.
package heap

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/mediaheap/envelope"
	"github.com/vkngwrapper/mediaheap/internal/utils"
	"github.com/vkngwrapper/mediaheap/memutils"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// Handle identifies one allocation within the heap that issued it. The high 16 bits carry the
// issuing heap's tag, so handles from another heap are rejected rather than misinterpreted.
type Handle uint64

// InvalidHandle is never issued by a heap
const InvalidHandle Handle = 0

const (
	handleSerialBits = 48
	handleSerialMask = 1<<handleSerialBits - 1
	handleTagMask    = 1<<16 - 1
)

func (h Handle) String() string {
	return fmt.Sprintf("%04x:%012x", uint64(h)>>handleSerialBits, uint64(h)&handleSerialMask)
}

// Allocator is the contract every heap satisfies regardless of backend
type Allocator interface {
	Init(limit uint64) error
	Alloc(size uint64, allocType uint32) (Handle, error)
	Free(handle Handle) error
	AllocSize(handle Handle) (uint64, error)
	SetAllocSize(handle Handle, newSize uint64) error
	HeapSize() (allocated, limit uint64, err error)
	Map(handle Handle) (*MappedView, error)
	Unmap(view *MappedView) error
	Release() error
	DebugCheck() ([]CorruptionReport, error)
}

type allocation struct {
	record *Record
	// Views handed out by Map and not yet unmapped
	mapCount int
	// Bumped whenever outstanding views are invalidated
	generation uint32
}

// Heap is one configured allocator: a backend plus the envelope, handle and usage bookkeeping
// around it. A Heap is not safe for concurrent use unless it was created with CreateSynchronized.
type Heap struct {
	logger  *slog.Logger
	mutex   utils.OptionalRWMutex
	backend Backend
	layout  envelope.Layout
	flags   CreateFlags
	state   State

	usage       *Usage
	tag         uint64
	lastSerial  uint64
	allocations *swiss.Map[Handle, *allocation]
}

var _ Allocator = &Heap{}

func (h *Heap) checkReady() error {
	if h.state != StateReady {
		return errors.Wrapf(memutils.ErrInvalidState, "heap is %s", h.state)
	}
	return nil
}

func (h *Heap) nextHandle() Handle {
	h.lastSerial++
	return Handle(h.tag<<handleSerialBits | h.lastSerial&handleSerialMask)
}

func (h *Heap) lookup(handle Handle) (*allocation, error) {
	alloc, ok := h.allocations.Get(handle)
	if !ok {
		return nil, errors.Wrapf(memutils.ErrInvalidHandle, "handle %s does not belong to a live allocation in this heap", handle)
	}
	return alloc, nil
}

func (h *Heap) sortedHandles() []Handle {
	handles := make([]Handle, 0, h.allocations.Count())
	h.allocations.Iter(func(handle Handle, _ *allocation) bool {
		handles = append(handles, handle)
		return false
	})
	slices.Sort(handles)
	return handles
}

func (h *Heap) writeEnvelope(record *Record) {
	h.layout.WriteHeader(record.Header, envelope.Header{
		Size:          record.Size,
		Type:          record.Type,
		HandleOrFlags: record.HandleOrFlags,
	})
	if record.Footer != nil {
		h.layout.WriteFooter(record.Footer, record.Size)
	}
}

// Layout returns the envelope layout used by this heap's allocations
func (h *Heap) Layout() envelope.Layout {
	return h.layout
}

// State returns the lifecycle stage of the heap
func (h *Heap) State() State {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return h.state
}

// Alloc reserves size bytes and returns a handle to them. allocType is stored in the allocation
// header for the consumer's benefit. The heap limit is checked before the backend is asked for
// storage, and a failed allocation leaves the heap exactly as it was.
func (h *Heap) Alloc(size uint64, allocType uint32) (Handle, error) {
	h.logger.Debug("Heap::Alloc", slog.Uint64("size", size), slog.Uint64("type", uint64(allocType)))

	h.mutex.Lock()
	defer h.mutex.Unlock()

	err := h.checkReady()
	if err != nil {
		return InvalidHandle, err
	}

	if size == 0 {
		return InvalidHandle, errors.Wrap(memutils.ErrInvalidArgument, "allocation size must be greater than zero")
	}

	err = h.usage.Increment(size)
	if err != nil {
		return InvalidHandle, err
	}

	record, err := h.backend.Alloc(size, allocType)
	if err != nil {
		h.logger.Debug("    Heap::Alloc FAILED", slog.Any("error", err))
		return InvalidHandle, errors.CombineErrors(err, h.usage.Decrement(size))
	}

	record.Size = size
	record.Type = allocType
	h.writeEnvelope(record)

	handle := h.nextHandle()
	h.allocations.Put(handle, &allocation{record: record})
	return handle, nil
}

// Free validates the allocation's envelope and returns its storage to the backend. A corrupt
// envelope fails the free and leaves the allocation in place so it can be inspected. Views that
// were never unmapped are released and become invalid.
func (h *Heap) Free(handle Handle) error {
	h.logger.Debug("Heap::Free", slog.String("handle", handle.String()))

	h.mutex.Lock()
	defer h.mutex.Unlock()

	err := h.checkReady()
	if err != nil {
		return err
	}

	alloc, err := h.lookup(handle)
	if err != nil {
		return err
	}

	err = h.layout.CheckEnvelope(alloc.record.Header, alloc.record.Footer)
	if err != nil {
		h.logger.LogAttrs(context.Background(), slog.LevelError, "corrupt allocation could not be freed",
			slog.String("handle", handle.String()),
			slog.Uint64("size", alloc.record.Size),
			slog.Any("error", err),
		)
		return errors.Wrapf(err, "free %s", handle)
	}

	err = h.dropViews(handle, alloc, "free")
	if err != nil {
		return err
	}

	err = h.backend.Free(alloc.record)
	if err != nil {
		return err
	}

	h.allocations.Delete(handle)
	return h.usage.Decrement(alloc.record.Size)
}

// AllocSize returns the usable size of an allocation as recorded in its header
func (h *Heap) AllocSize(handle Handle) (uint64, error) {
	h.logger.Debug("Heap::AllocSize", slog.String("handle", handle.String()))

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	err := h.checkReady()
	if err != nil {
		return 0, err
	}

	alloc, err := h.lookup(handle)
	if err != nil {
		return 0, err
	}

	header, err := h.layout.ReadHeader(alloc.record.Header)
	if err != nil {
		return 0, err
	}

	return header.Size, nil
}

// SetAllocSize grows or shrinks an allocation, preserving its contents up to the smaller of the
// two sizes. The handle stays the same even if the backend has to move the storage. When it
// does, every outstanding view of the allocation becomes invalid and Unmap rejects it with
// memutils.ErrInvalidView.
func (h *Heap) SetAllocSize(handle Handle, newSize uint64) error {
	h.logger.Debug("Heap::SetAllocSize", slog.String("handle", handle.String()), slog.Uint64("size", newSize))

	h.mutex.Lock()
	defer h.mutex.Unlock()

	err := h.checkReady()
	if err != nil {
		return err
	}

	if newSize == 0 {
		return errors.Wrap(memutils.ErrInvalidArgument, "allocation size must be greater than zero")
	}

	alloc, err := h.lookup(handle)
	if err != nil {
		return err
	}

	oldSize := alloc.record.Size
	if oldSize == newSize {
		return nil
	}

	err = h.layout.CheckEnvelope(alloc.record.Header, alloc.record.Footer)
	if err != nil {
		return errors.Wrapf(err, "resize %s", handle)
	}

	err = h.usage.Resize(oldSize, newSize)
	if err != nil {
		return err
	}

	relocated, err := h.backend.Resize(alloc.record, newSize)
	if err != nil {
		return errors.CombineErrors(err, h.usage.Resize(newSize, oldSize))
	}

	alloc.record.Size = newSize
	h.writeEnvelope(alloc.record)

	if relocated {
		h.invalidateViews(handle, alloc, "relocation")
	}

	return nil
}

// HeapSize returns the number of bytes currently allocated and the heap's limit
func (h *Heap) HeapSize() (allocated, limit uint64, err error) {
	h.logger.Debug("Heap::HeapSize")

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	err = h.checkReady()
	if err != nil {
		return 0, 0, err
	}

	allocated, limit = h.usage.HeapSize()
	return allocated, limit, nil
}

// AllocationCount returns the number of live allocations
func (h *Heap) AllocationCount() uint64 {
	return h.usage.AllocationCount()
}
