package metadata

// AllocationRequestType indicates which BlockMetadata implementation produced an AllocationRequest
type AllocationRequestType uint32

const (
	// AllocationRequestTLSF indicates that the allocation request was sourced from TLSFBlockMetadata
	AllocationRequestTLSF AllocationRequestType = iota
	// AllocationRequestEndOfStack indicates that the allocation request was sourced from
	// LinearBlockMetadata and will be pushed on top of its stack
	AllocationRequestEndOfStack
)

var allocationRequestMapping = map[AllocationRequestType]string{
	AllocationRequestTLSF:       "TLSF",
	AllocationRequestEndOfStack: "EndOfStack",
}

func (t AllocationRequestType) String() string {
	return allocationRequestMapping[t]
}

// AllocationRequest is returned from BlockMetadata.CreateAllocationRequest and describes where the
// metadata intends to place a new suballocation. It is committed with BlockMetadata.Alloc.
type AllocationRequest struct {
	// BlockAllocationHandle identifies the region the suballocation will be carved from. After
	// Alloc succeeds it identifies the suballocation itself.
	BlockAllocationHandle BlockAllocationHandle
	// Size is the number of bytes that will be reserved
	Size int
	// Offset is the aligned offset within the block where the suballocation will begin
	Offset int
	// Type identifies the implementation that created this request
	Type AllocationRequestType

	// AllocType is the value passed into CreateAllocationRequest by the consumer
	AllocType uint32
}
