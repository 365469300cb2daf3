package heap

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/mediaheap/envelope"
	"github.com/vkngwrapper/mediaheap/memutils"
)

const (
	// AllocationFlagInUse is set in HandleOrFlags by addressable backends for every live allocation
	AllocationFlagInUse uint32 = 1 << iota
	// AllocationFlagRelocated is set by addressable backends once an allocation has been moved by a resize
	AllocationFlagRelocated
)

// Record is a backend's description of where one allocation lives. The heap owns the Size and
// Type fields and writes the envelope into Header and Footer; everything else belongs to the
// backend.
type Record struct {
	Size uint64
	Type uint32
	// HandleOrFlags is the device handle for indirect backends and AllocationFlag bits otherwise
	HandleOrFlags uint32

	// Header is always host-addressable and at least Layout.HeaderSize bytes
	Header []byte
	// Footer is at least Layout.FooterSize bytes, or nil when the body is not host-addressable
	Footer []byte
	// Body is the usable memory, or nil when it is not host-addressable
	Body []byte

	// Ref is the backend's reference to the underlying storage, such as an offset or a device handle
	Ref uint64
	// Private is any additional state the backend keeps for this allocation
	Private any
}

//go:generate mockgen -source backend.go -destination ./mocks/backend.go -package mock_heap

// Backend is a storage strategy behind a Heap. The Heap performs all validation, usage
// accounting, envelope bookkeeping and handle management, so a Backend only ever sees
// well-formed requests for records it created. Backends are never called concurrently by a
// single Heap.
type Backend interface {
	// Name identifies the backend in logs and statistics
	Name() string
	// Init prepares storage for a heap of limit bytes whose records use layout. Backends that
	// cannot be initialized twice return memutils.ErrAlreadyInitialized.
	Init(limit uint64, layout envelope.Layout) error
	// Alloc reserves storage for size bytes. The returned record's Header (and Footer, for
	// addressable backends) must be sized for the layout passed to Init. Running out of storage
	// is reported as memutils.ErrOutOfMemory.
	Alloc(size uint64, allocType uint32) (*Record, error)
	// Free returns a record's storage. Any mapping references still held must be dropped.
	Free(record *Record) error
	// Resize changes the storage behind record to hold newSize bytes, preserving the first
	// min(record.Size, newSize) bytes. record.Size still holds the old size when Resize is called.
	// Header, Footer and Body must be updated to the new layout. If the storage moved, relocated
	// is true and the backend must have dropped every mapping reference to the old storage.
	Resize(record *Record, newSize uint64) (relocated bool, err error)
	// Map returns a CPU-visible window of at least record.Size bytes. Maps nest; each successful
	// Map is paired with one Unmap.
	Map(record *Record) ([]byte, error)
	// Unmap releases one reference taken by Map
	Unmap(record *Record) error
	// Destroy releases every resource the backend holds. It is called once no records remain.
	Destroy() error
}

// StatisticsReporter is implemented by backends that can describe their block usage
type StatisticsReporter interface {
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
}

// DetailedMapPrinter is implemented by backends that can describe the layout of their free space
type DetailedMapPrinter interface {
	PrintDetailedMap(json jwriter.ObjectState)
}
