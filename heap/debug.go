package heap

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/mediaheap/memutils"
	"golang.org/x/exp/slog"
)

// CorruptionReport describes one problem found by DebugCheck. Backend-level problems are reported
// with InvalidHandle.
type CorruptionReport struct {
	Handle Handle
	Type   uint32
	Size   uint64
	Err    error
}

// DebugCheck walks every live allocation and verifies its envelope. It does not stop at the first
// problem: every corrupt allocation is logged and returned, in handle order. Backends that
// implement memutils.Validatable are validated as well. The returned error is only non-nil if the
// heap itself is unusable.
func (h *Heap) DebugCheck() ([]CorruptionReport, error) {
	h.logger.Debug("Heap::DebugCheck")

	// Backend validation walks allocator state that is not safe to share
	h.mutex.Lock()
	defer h.mutex.Unlock()

	err := h.checkReady()
	if err != nil {
		return nil, err
	}

	var reports []CorruptionReport
	for _, handle := range h.sortedHandles() {
		alloc, _ := h.allocations.Get(handle)

		err := h.checkAllocation(alloc.record)
		if err != nil {
			reports = append(reports, CorruptionReport{
				Handle: handle,
				Type:   alloc.record.Type,
				Size:   alloc.record.Size,
				Err:    err,
			})
		}
	}

	if validatable, ok := h.backend.(memutils.Validatable); ok {
		err := validatable.Validate()
		if err != nil {
			reports = append(reports, CorruptionReport{Handle: InvalidHandle, Err: err})
		}
	}

	for _, report := range reports {
		h.logger.LogAttrs(context.Background(), slog.LevelError, "heap corruption detected",
			slog.String("handle", report.Handle.String()),
			slog.Uint64("size", report.Size),
			slog.Uint64("type", uint64(report.Type)),
			slog.Any("error", report.Err),
		)
	}

	return reports, nil
}

func (h *Heap) checkAllocation(record *Record) error {
	err := h.layout.CheckEnvelope(record.Header, record.Footer)
	if err != nil {
		return err
	}

	if !h.layout.Guarded() {
		return nil
	}

	header, err := h.layout.ReadHeader(record.Header)
	if err != nil {
		return err
	}
	if header.Size != record.Size {
		return errors.Wrapf(memutils.ErrSizeMismatch, "header size is %d, heap recorded %d", header.Size, record.Size)
	}

	return nil
}
