package metadata

import (
	"sort"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/mediaheap/memutils"
)

// LinearBlockMetadata is a bump allocator. Suballocations are always pushed on top of a stack
// ordered by offset. Freeing a suballocation in the middle of the stack only marks it, and its
// space comes back once everything above it has been freed as well. This suits streaming
// workloads where buffers are released roughly in the order they were acquired.
//
// Handles are the suballocation's offset plus one, so NoAllocation and 0 are never valid.
type LinearBlockMetadata struct {
	BlockMetadataBase

	suballocations []Suballocation
	// Freed entries still present in suballocations
	nullItemCount int
	// Bytes below the top of the stack held by freed entries
	nullItemSize int
	usedSize     int
}

var _ BlockMetadata = &LinearBlockMetadata{}

func NewLinearBlockMetadata() *LinearBlockMetadata {
	return &LinearBlockMetadata{}
}

func (m *LinearBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.suballocations = m.suballocations[:0]
	m.nullItemCount = 0
	m.nullItemSize = 0
	m.usedSize = 0
}

func (m *LinearBlockMetadata) SupportsRandomAccess() bool { return false }

func (m *LinearBlockMetadata) top() int {
	if len(m.suballocations) == 0 {
		return 0
	}
	last := &m.suballocations[len(m.suballocations)-1]
	return last.Offset + last.Size
}

func (m *LinearBlockMetadata) Validate() error {
	offset := 0
	nullCount := 0
	nullSize := 0
	usedSize := 0

	for i := range m.suballocations {
		suballoc := &m.suballocations[i]
		if suballoc.Offset < offset {
			return errors.Errorf("suballocation %d at offset %d overlaps the previous suballocation", i, suballoc.Offset)
		}
		if suballoc.Size < 1 {
			return errors.Errorf("suballocation %d at offset %d has no size", i, suballoc.Offset)
		}

		if suballoc.free() {
			nullCount++
			nullSize += suballoc.Size
		} else {
			usedSize += suballoc.Size
		}
		offset = suballoc.Offset + suballoc.Size
	}

	if offset > m.Size() {
		return errors.Errorf("suballocations end at offset %d, beyond the block size %d", offset, m.Size())
	}
	if len(m.suballocations) > 0 && m.suballocations[len(m.suballocations)-1].free() {
		return errors.New("the top of the stack is a freed suballocation that was never reclaimed")
	}
	if nullCount != m.nullItemCount {
		return errors.Errorf("metadata lists %d freed suballocations but %d were found", m.nullItemCount, nullCount)
	}
	if nullSize != m.nullItemSize {
		return errors.Errorf("metadata lists %d freed bytes but %d were found", m.nullItemSize, nullSize)
	}
	if usedSize != m.usedSize {
		return errors.Errorf("metadata lists %d used bytes but %d were found", m.usedSize, usedSize)
	}

	return nil
}

func (m *LinearBlockMetadata) AllocationCount() int {
	return len(m.suballocations) - m.nullItemCount
}

func (m *LinearBlockMetadata) FreeRegionsCount() int {
	count := 0
	m.visitFreeRanges(func(offset, size int) { count++ })
	return count
}

func (m *LinearBlockMetadata) SumFreeSize() int {
	return m.Size() - m.usedSize
}

func (m *LinearBlockMetadata) IsEmpty() bool {
	return m.AllocationCount() == 0
}

// visitFreeRanges reports every gap between live suballocations, including gaps made of freed
// entries that have not been reclaimed, and the space above the top of the stack.
func (m *LinearBlockMetadata) visitFreeRanges(visit func(offset, size int)) {
	offset := 0
	for i := range m.suballocations {
		suballoc := &m.suballocations[i]
		if suballoc.free() {
			continue
		}
		if suballoc.Offset > offset {
			visit(offset, suballoc.Offset-offset)
		}
		offset = suballoc.Offset + suballoc.Size
	}

	if offset < m.Size() {
		visit(offset, m.Size()-offset)
	}
}

func (m *LinearBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	offset := 0
	for i := range m.suballocations {
		suballoc := &m.suballocations[i]
		if suballoc.Offset > offset {
			err := handleBlock(NoAllocation, offset, suballoc.Offset-offset, nil, true)
			if err != nil {
				return err
			}
		}

		handle := NoAllocation
		if !suballoc.free() {
			handle = BlockAllocationHandle(suballoc.Offset + 1)
		}
		err := handleBlock(handle, suballoc.Offset, suballoc.Size, suballoc.UserData, suballoc.free())
		if err != nil {
			return err
		}
		offset = suballoc.Offset + suballoc.Size
	}

	if offset < m.Size() {
		return handleBlock(NoAllocation, offset, m.Size()-offset, nil, true)
	}
	return nil
}

func (m *LinearBlockMetadata) findSuballocation(allocHandle BlockAllocationHandle) (*Suballocation, error) {
	if allocHandle == 0 || allocHandle == NoAllocation {
		return nil, errors.Errorf("block handle %d is not known to this metadata", allocHandle)
	}
	offset := int(allocHandle - 1)

	index := sort.Search(len(m.suballocations), func(i int) bool {
		return m.suballocations[i].Offset >= offset
	})
	if index == len(m.suballocations) || m.suballocations[index].Offset != offset || m.suballocations[index].free() {
		return nil, errors.Errorf("block handle %d is not known to this metadata", allocHandle)
	}

	return &m.suballocations[index], nil
}

func (m *LinearBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	suballoc, err := m.findSuballocation(allocHandle)
	if err != nil {
		return 0, err
	}
	return suballoc.Offset, nil
}

func (m *LinearBlockMetadata) AllocationSize(allocHandle BlockAllocationHandle) (int, error) {
	suballoc, err := m.findSuballocation(allocHandle)
	if err != nil {
		return 0, err
	}
	return suballoc.Size, nil
}

func (m *LinearBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	suballoc, err := m.findSuballocation(allocHandle)
	if err != nil {
		return nil, err
	}
	return suballoc.UserData, nil
}

func (m *LinearBlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	if userData == nil {
		return errors.New("linear suballocations require non-nil user data")
	}

	suballoc, err := m.findSuballocation(allocHandle)
	if err != nil {
		return err
	}
	suballoc.UserData = userData
	return nil
}

func (m *LinearBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()

	for i := range m.suballocations {
		if !m.suballocations[i].free() {
			stats.AddAllocation(m.suballocations[i].Size)
		}
	}
	m.visitFreeRanges(func(offset, size int) {
		stats.AddUnusedRange(size)
	})
}

func (m *LinearBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.AllocationCount()
	stats.BlockBytes += m.Size()
	stats.AllocationBytes += m.usedSize
}

func (m *LinearBlockMetadata) Clear() {
	m.Init(m.Size())
}

func (m *LinearBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	m.writeBlockJson(json, m.SumFreeSize(), m.AllocationCount(), m.FreeRegionsCount())
}

func (m *LinearBlockMetadata) CreateAllocationRequest(
	allocSize int, allocAlignment uint,
	allocType uint32,
	strategy AllocationStrategy,
) (bool, AllocationRequest, error) {
	var allocRequest AllocationRequest

	if allocSize < 1 {
		return false, allocRequest, errors.Errorf("invalid allocSize: %d", allocSize)
	}
	if err := memutils.CheckPow2(allocAlignment, "allocAlignment"); err != nil {
		return false, allocRequest, err
	}

	memutils.DebugValidate(m)

	offset := memutils.AlignUp(m.top(), allocAlignment)
	if offset+allocSize > m.Size() {
		return false, allocRequest, nil
	}

	allocRequest.Type = AllocationRequestEndOfStack
	allocRequest.BlockAllocationHandle = BlockAllocationHandle(offset + 1)
	allocRequest.Size = allocSize
	allocRequest.Offset = offset
	allocRequest.AllocType = allocType

	return true, allocRequest, nil
}

func (m *LinearBlockMetadata) Alloc(request AllocationRequest, allocType uint32, userData any) error {
	if request.Type != AllocationRequestEndOfStack {
		return errors.New("allocation request was received by an incompatible metadata")
	}
	if userData == nil {
		return errors.New("linear suballocations require non-nil user data")
	}
	if request.Offset < m.top() || request.Offset+request.Size > m.Size() {
		return errors.Errorf("allocation request at offset %d is stale", request.Offset)
	}

	m.suballocations = append(m.suballocations, Suballocation{
		Offset:   request.Offset,
		Size:     request.Size,
		UserData: userData,
		Type:     allocType,
	})
	m.usedSize += request.Size

	return nil
}

func (m *LinearBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	suballoc, err := m.findSuballocation(allocHandle)
	if err != nil {
		return err
	}

	m.usedSize -= suballoc.Size
	suballoc.UserData = nil
	suballoc.Type = 0
	m.nullItemCount++
	m.nullItemSize += suballoc.Size

	// Pop freed entries off the top of the stack
	for len(m.suballocations) > 0 {
		last := &m.suballocations[len(m.suballocations)-1]
		if !last.free() {
			break
		}

		m.nullItemCount--
		m.nullItemSize -= last.Size
		m.suballocations = m.suballocations[:len(m.suballocations)-1]
	}

	return nil
}
