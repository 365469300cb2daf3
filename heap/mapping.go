package heap

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/mediaheap/memutils"
	"golang.org/x/exp/slog"
)

// MappedView is a CPU-visible window onto an allocation's body. A view stays valid until it is
// passed to Unmap, its allocation is freed, or a resize relocates its allocation.
type MappedView struct {
	heap       *Heap
	handle     Handle
	generation uint32
	data       []byte
	released   bool
}

// Handle returns the allocation this view was mapped from
func (v *MappedView) Handle() Handle { return v.handle }

// Data returns the mapped bytes. The slice must not be used after the view is unmapped.
func (v *MappedView) Data() []byte { return v.data }

func (v *MappedView) Len() int { return len(v.data) }

// Map makes an allocation's body visible to the CPU. Maps nest, and each returned view must be
// released with Unmap.
func (h *Heap) Map(handle Handle) (*MappedView, error) {
	h.logger.Debug("Heap::Map", slog.String("handle", handle.String()))

	h.mutex.Lock()
	defer h.mutex.Unlock()

	err := h.checkReady()
	if err != nil {
		return nil, err
	}

	alloc, err := h.lookup(handle)
	if err != nil {
		return nil, err
	}

	data, err := h.backend.Map(alloc.record)
	if err != nil {
		return nil, err
	}
	alloc.mapCount++

	return &MappedView{
		heap:       h,
		handle:     handle,
		generation: alloc.generation,
		data:       data[:alloc.record.Size],
	}, nil
}

// Unmap releases a view returned by Map. Views that were already released, that belong to
// another heap, or that were invalidated by a free or relocation return memutils.ErrInvalidView.
func (h *Heap) Unmap(view *MappedView) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	err := h.checkReady()
	if err != nil {
		return err
	}

	if view == nil || view.heap != h {
		return errors.Wrap(memutils.ErrInvalidView, "view was not mapped by this heap")
	}
	h.logger.Debug("Heap::Unmap", slog.String("handle", view.handle.String()))
	if view.released {
		return errors.Wrapf(memutils.ErrInvalidView, "view of %s was already unmapped", view.handle)
	}

	alloc, ok := h.allocations.Get(view.handle)
	if !ok {
		return errors.Wrapf(memutils.ErrInvalidView, "allocation %s was freed while mapped", view.handle)
	}
	if alloc.generation != view.generation || alloc.mapCount == 0 {
		return errors.Wrapf(memutils.ErrInvalidView, "view of %s was invalidated by a relocation", view.handle)
	}

	err = h.backend.Unmap(alloc.record)
	if err != nil {
		return err
	}

	alloc.mapCount--
	view.released = true
	view.data = nil
	return nil
}

// dropViews releases the backend mapping references of every outstanding view of alloc before
// its storage goes away
func (h *Heap) dropViews(handle Handle, alloc *allocation, reason string) error {
	if alloc.mapCount == 0 {
		return nil
	}

	h.logger.LogAttrs(context.Background(), slog.LevelWarn, "outstanding views released",
		slog.String("handle", handle.String()),
		slog.Int("views", alloc.mapCount),
		slog.String("reason", reason),
	)

	var err error
	for ; alloc.mapCount > 0; alloc.mapCount-- {
		err = errors.CombineErrors(err, h.backend.Unmap(alloc.record))
	}
	alloc.generation++

	return err
}

// invalidateViews marks the outstanding views of alloc as stale. The backend has already
// dropped its own mapping references.
func (h *Heap) invalidateViews(handle Handle, alloc *allocation, reason string) {
	if alloc.mapCount > 0 {
		h.logger.LogAttrs(context.Background(), slog.LevelWarn, "outstanding views invalidated",
			slog.String("handle", handle.String()),
			slog.Int("views", alloc.mapCount),
			slog.String("reason", reason),
		)
	}

	alloc.mapCount = 0
	alloc.generation++
}
