package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/mediaheap/memutils"
)

// BlockMetadata manages the free space of a single contiguous block of memory. It hands out
// offsets for suballocations within the block and takes them back, but never touches the memory
// itself. Heap backends place allocation envelopes at the offsets it returns.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. size is the number of bytes in the
	// block being managed. Calling Init again discards every suballocation.
	Init(size int)
	// Size retrieves the size in bytes that the block was initialized with
	Size() int
	// SupportsRandomAccess reports whether suballocations may be placed anywhere in the block. TLSF
	// does, the linear stack does not.
	SupportsRandomAccess() bool

	// Validate performs internal consistency checks on the metadata. These checks may be expensive.
	// A correctly functioning implementation never returns an error.
	Validate() error
	// AllocationCount returns the number of live suballocations
	AllocationCount() int
	// FreeRegionsCount returns the number of distinct free regions in the block
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes in the block. Not all of them are necessarily
	// reachable by a single allocation.
	SumFreeSize() int
	// IsEmpty will return true if this block has no live suballocations
	IsEmpty() bool

	// VisitAllRegions will call the provided callback once for each allocation and free region in
	// the block. This is meant for diagnostics and may be slow.
	VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error

	// AllocationOffset returns the offset in bytes of a live region within the block
	AllocationOffset(allocHandle BlockAllocationHandle) (int, error)
	// AllocationSize returns the number of bytes reserved for a live suballocation. This may be
	// larger than the size originally requested.
	AllocationSize(allocHandle BlockAllocationHandle) (int, error)
	// AllocationUserData returns the userData value provided to Alloc for a live suballocation
	AllocationUserData(allocHandle BlockAllocationHandle) (any, error)
	// SetAllocationUserData replaces the userData value of a live suballocation
	SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error

	// AddDetailedStatistics sums this block's allocation statistics into stats
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this block's allocation statistics into stats
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all suballocations
	Clear()
	// BlockJsonData populates a json object with information about this block
	BlockJsonData(json jwriter.ObjectState)

	// CreateAllocationRequest finds a place for a new suballocation without committing it. The
	// returned bool is false when the block cannot hold the request, which is not an error.
	//
	// allocAlignment must be a power of two. allocType is passed through untouched for the
	// consumer's benefit. strategy chooses between tighter packing and faster searches.
	CreateAllocationRequest(
		allocSize int, allocAlignment uint,
		allocType uint32,
		strategy AllocationStrategy,
	) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest. The request must have come from this metadata and no other
	// Alloc or Free may have happened since it was created.
	Alloc(request AllocationRequest, allocType uint32, userData any) error

	// Free returns a suballocation to the block's free space
	Free(allocHandle BlockAllocationHandle) error
}

// BlockMetadataBase is a simple struct that provides a few shared utilities for BlockMetadata
// implementations in this package.
type BlockMetadataBase struct {
	size int
}

// Init prepares this structure for allocations and sizes the block in bytes based on the parameter size.
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the block in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

func (m *BlockMetadataBase) writeBlockJson(json jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
