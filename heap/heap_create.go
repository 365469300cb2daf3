package heap

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/mediaheap/envelope"
	"github.com/vkngwrapper/mediaheap/memutils"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific heap behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreateSynchronized guards every heap operation with an internal lock. Without it, the
	// consumer must make sure a heap is only used from one goroutine at a time.
	CreateSynchronized CreateFlags = 1 << iota
	// CreateForceRelease makes Release reclaim live allocations instead of failing with
	// memutils.ErrHeapNotEmpty. Unreleased allocations are logged either way.
	CreateForceRelease
	// CreateGuardBands uses the envelope.Debug layout regardless of build tags, so every free and
	// every DebugCheck verifies allocation guard bands
	CreateGuardBands
)

func init() {
	CreateSynchronized.Register("CreateSynchronized")
	CreateForceRelease.Register("CreateForceRelease")
	CreateGuardBands.Register("CreateGuardBands")
}

// CreateOptions contains optional settings when creating a heap
type CreateOptions struct {
	// Flags indicates specific heap behaviors to activate or deactivate
	Flags CreateFlags
	// Layout overrides the envelope layout. When nil, envelope.Default is used unless
	// CreateGuardBands is set.
	Layout *envelope.Layout
}

// State is the lifecycle stage of a heap
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateReleased
)

var stateMapping = map[State]string{
	StateUninitialized: "Uninitialized",
	StateReady:         "Ready",
	StateReleased:      "Released",
}

func (s State) String() string {
	return stateMapping[s]
}

var lastHeapTag uint32

func nextHeapTag() uint64 {
	for {
		tag := atomic.AddUint32(&lastHeapTag, 1) & handleTagMask
		if tag != 0 {
			return uint64(tag)
		}
	}
}

// New builds an uninitialized heap over backend. It becomes usable once Init succeeds.
func New(logger *slog.Logger, backend Backend, options CreateOptions) (*Heap, error) {
	if backend == nil {
		return nil, errors.Wrap(memutils.ErrInvalidArgument, "a heap requires a backend")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	layout := envelope.Default
	if options.Flags&CreateGuardBands != 0 {
		layout = envelope.Debug
	}
	if options.Layout != nil {
		layout = *options.Layout
	}

	heap := &Heap{
		logger:      logger.With(slog.String("backend", backend.Name())),
		backend:     backend,
		layout:      layout,
		flags:       options.Flags,
		state:       StateUninitialized,
		usage:       NewUsage(0),
		tag:         nextHeapTag(),
		allocations: swiss.NewMap[Handle, *allocation](64),
	}

	if options.Flags&CreateSynchronized != 0 {
		heap.mutex.Enable()
	}

	return heap, nil
}

// Create builds a heap over backend and initializes it with a limit of limit bytes
func Create(logger *slog.Logger, backend Backend, limit uint64, options CreateOptions) (*Heap, error) {
	if limit == 0 {
		return nil, errors.Wrap(memutils.ErrInvalidArgument, "heap limit must be greater than zero")
	}

	heap, err := New(logger, backend, options)
	if err != nil {
		return nil, err
	}

	err = heap.Init(limit)
	if err != nil {
		return nil, err
	}

	return heap, nil
}

// Init (re)initializes the backend's storage and zeroes usage. It can be called on a new heap or
// on a ready heap with no live allocations. Some backends refuse a second initialization with
// memutils.ErrAlreadyInitialized.
func (h *Heap) Init(limit uint64) error {
	h.logger.Debug("Heap::Init", slog.Uint64("limit", limit))

	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.state == StateReleased {
		return errors.Wrapf(memutils.ErrInvalidState, "cannot initialize a heap that is %s", h.state)
	}
	if limit == 0 {
		return errors.Wrap(memutils.ErrInvalidArgument, "heap limit must be greater than zero")
	}
	if count := h.allocations.Count(); count > 0 {
		return errors.Wrapf(memutils.ErrHeapNotEmpty, "cannot initialize a heap with %d live allocations", count)
	}

	err := h.backend.Init(limit, h.layout)
	if err != nil {
		return err
	}

	h.usage.reset(limit)
	h.state = StateReady
	return nil
}

// Release tears the heap down. Live allocations are logged as unreleased memory; unless the heap
// was created with CreateForceRelease they also make Release fail with memutils.ErrHeapNotEmpty,
// leaving the heap usable. A released heap rejects every further operation.
func (h *Heap) Release() error {
	h.logger.Debug("Heap::Release")

	h.mutex.Lock()
	defer h.mutex.Unlock()

	err := h.checkReady()
	if err != nil {
		return err
	}

	handles := h.sortedHandles()
	if len(handles) > 0 {
		for _, handle := range handles {
			h.logUnreleasedMemory(handle)
		}

		if h.flags&CreateForceRelease == 0 {
			return errors.Wrapf(memutils.ErrHeapNotEmpty, "%d allocations were not freed before the heap was released", len(handles))
		}

		for _, handle := range handles {
			err = errors.CombineErrors(err, h.reclaim(handle))
		}
	}

	err = errors.CombineErrors(err, h.backend.Destroy())
	h.state = StateReleased
	return err
}

func (h *Heap) reclaim(handle Handle) error {
	alloc, _ := h.allocations.Get(handle)
	err := h.dropViews(handle, alloc, "release")
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

func (h *Heap) logUnreleasedMemory(handle Handle) {
	alloc, _ := h.allocations.Get(handle)

	h.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.String("handle", handle.String()),
		slog.Uint64("size", alloc.record.Size),
		slog.Uint64("type", uint64(alloc.record.Type)),
		slog.Uint64("flags", uint64(alloc.record.HandleOrFlags)),
	)
}
