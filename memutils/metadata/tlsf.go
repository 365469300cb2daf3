package metadata

import (
	"fmt"
	"math"
	"math/bits"
	"sync"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/mediaheap/memutils"
)

const (
	SmallBufferSize        = 256
	SecondLevelIndex uint8 = 5
	MemoryClassShift       = 7
	MaxMemoryClasses       = 65 - MemoryClassShift
)

var blockPool = sync.Pool{
	New: func() any {
		return &tlsfBlock{}
	},
}

// tlsfBlock is one physical region of the managed block, free or taken. Physical neighbours
// form a doubly-linked chain ordered by offset; free blocks are additionally chained into the
// free list of their size class.
type tlsfBlock struct {
	offset       int
	size         int
	prevPhysical *tlsfBlock
	nextPhysical *tlsfBlock

	prevFree *tlsfBlock
	nextFree *tlsfBlock

	userData    any
	blockHandle BlockAllocationHandle
}

// A taken block points prevFree at itself.
func (b *tlsfBlock) markFree()  { b.prevFree = nil }
func (b *tlsfBlock) markTaken() { b.prevFree = b }
func (b *tlsfBlock) isFree() bool {
	return b.prevFree != b
}

// TLSFBlockMetadata is a two-level segregated fit allocator. Free regions are bucketed by size
// class and a pair of bitmaps find a suitable bucket in constant time. The last region of the
// block is the "null block", which is free space that has never been split.
type TLSFBlockMetadata struct {
	BlockMetadataBase

	allocCount        int
	blocksFreeCount   int
	blocksFreeSize    int
	isFreeBitmap      uint32
	memoryClasses     int
	innerIsFreeBitmap [MaxMemoryClasses]uint32

	nextBlockHandle BlockAllocationHandle
	handleKey       *swiss.Map[BlockAllocationHandle, *tlsfBlock]
	freeList        []*tlsfBlock
	nullBlock       *tlsfBlock
	firstBlock      *tlsfBlock
}

var _ BlockMetadata = &TLSFBlockMetadata{}

func NewTLSFBlockMetadata() *TLSFBlockMetadata {
	return &TLSFBlockMetadata{}
}

func (m *TLSFBlockMetadata) newBlock() *tlsfBlock {
	b := blockPool.Get().(*tlsfBlock)
	*b = tlsfBlock{}
	m.nextBlockHandle++
	b.blockHandle = m.nextBlockHandle
	m.handleKey.Put(b.blockHandle, b)
	return b
}

func (m *TLSFBlockMetadata) releaseBlock(b *tlsfBlock) {
	m.handleKey.Delete(b.blockHandle)
	blockPool.Put(b)
}

func (m *TLSFBlockMetadata) getBlock(handle BlockAllocationHandle) (*tlsfBlock, error) {
	block, ok := m.handleKey.Get(handle)
	if !ok {
		return nil, errors.Errorf("block handle %d is not known to this metadata", handle)
	}
	return block, nil
}

func (m *TLSFBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.allocCount = 0
	m.blocksFreeCount = 0
	m.blocksFreeSize = 0
	m.isFreeBitmap = 0
	m.innerIsFreeBitmap = [MaxMemoryClasses]uint32{}
	m.handleKey = swiss.NewMap[BlockAllocationHandle, *tlsfBlock](42)

	m.nullBlock = m.newBlock()
	m.nullBlock.size = size
	m.nullBlock.markFree()
	m.firstBlock = m.nullBlock

	memoryClass := m.sizeToMemoryClass(size)
	secondIndex := m.sizeToSecondIndex(size, memoryClass)

	listSize := 1
	if memoryClass != 0 {
		listSize = int(memoryClass-1)*int(uint(1)<<SecondLevelIndex) + int(secondIndex+1)
	}
	listSize += 4

	m.memoryClasses = int(memoryClass + 2)
	m.freeList = make([]*tlsfBlock, listSize)
}

func (m *TLSFBlockMetadata) SupportsRandomAccess() bool { return true }

func (m *TLSFBlockMetadata) Validate() error {
	if m.SumFreeSize() > m.Size() {
		return errors.New("invalid metadata free size")
	}

	calculatedSize := m.nullBlock.size
	calculatedFreeSize := m.nullBlock.size
	var allocCount, freeCount, freeListCount int

	for listIndex := 0; listIndex < len(m.freeList); listIndex++ {
		block := m.freeList[listIndex]
		if block == nil {
			continue
		}

		if !block.isFree() {
			return errors.Errorf("block at offset %d is in the free list but is not free", block.offset)
		}

		if block.prevFree != nil {
			return errors.Errorf("block at offset %d is the head of a free list but has a previous block", block.offset)
		}

		freeListCount++
		for block.nextFree != nil {
			if !block.nextFree.isFree() {
				return errors.Errorf("block at offset %d is in the free list but it is not free", block.nextFree.offset)
			}
			if block.nextFree.prevFree != block {
				return errors.Errorf("block at offset %d lists the block at offset %d as its next block, but the reverse reference is broken", block.offset, block.nextFree.offset)
			}

			freeListCount++
			block = block.nextFree
		}
	}

	if m.nullBlock.nextPhysical != nil {
		return errors.New("null block must be the tail of its physical block chain")
	}

	if m.nullBlock.prevPhysical != nil && m.nullBlock.prevPhysical.nextPhysical != m.nullBlock {
		return errors.New("null block has a physical block before it in its chain, but the reverse reference is broken")
	}

	nextOffset := m.nullBlock.offset
	for prev := m.nullBlock.prevPhysical; prev != nil; prev = prev.prevPhysical {
		if prev.offset+prev.size != nextOffset {
			return errors.Errorf("physical block at offset %d does not end at the next block's start offset", prev.offset)
		}

		nextOffset = prev.offset
		calculatedSize += prev.size

		if prev.isFree() {
			freeCount++
			calculatedFreeSize += prev.size
		} else {
			allocCount++
		}

		if prev.prevPhysical != nil && prev.prevPhysical.nextPhysical != prev {
			return errors.Errorf("block at offset %d has a previous physical block, but the reverse reference is broken", prev.offset)
		}
	}

	if freeListCount != freeCount {
		return errors.Errorf("free list holds %d blocks but the physical chain has %d free blocks", freeListCount, freeCount)
	}

	if nextOffset != 0 {
		return errors.Errorf("the first physical block should have an offset of 0, but instead it has an offset of %d", nextOffset)
	}

	if calculatedSize != m.Size() {
		return errors.Errorf("the full size of the metadata is %d, but the blocks only added up to %d", m.Size(), calculatedSize)
	}

	if calculatedFreeSize != m.SumFreeSize() {
		return errors.Errorf("the free size of the metadata is %d, but the free blocks only added up to %d", m.SumFreeSize(), calculatedFreeSize)
	}

	if allocCount != m.allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, but the taken blocks only added up to %d", m.allocCount, allocCount)
	}

	if freeCount != m.blocksFreeCount {
		return errors.Errorf("the free block count of the metadata is %d, but there were only %d free blocks", m.blocksFreeCount, freeCount)
	}

	return nil
}

func (m *TLSFBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()
	if m.nullBlock.size > 0 {
		stats.AddUnusedRange(m.nullBlock.size)
	}

	for block := m.nullBlock.prevPhysical; block != nil; block = block.prevPhysical {
		if block.isFree() {
			stats.AddUnusedRange(block.size)
		} else {
			stats.AddAllocation(block.size)
		}
	}
}

func (m *TLSFBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.allocCount
	stats.BlockBytes += m.Size()
	stats.AllocationBytes += m.Size() - m.SumFreeSize()
}

func (m *TLSFBlockMetadata) AllocationCount() int {
	return m.allocCount
}

func (m *TLSFBlockMetadata) FreeRegionsCount() int {
	count := m.blocksFreeCount
	if m.nullBlock.size > 0 {
		count++
	}
	return count
}

func (m *TLSFBlockMetadata) SumFreeSize() int {
	return m.blocksFreeSize + m.nullBlock.size
}

func (m *TLSFBlockMetadata) IsEmpty() bool {
	return m.nullBlock.offset == 0
}

func (m *TLSFBlockMetadata) getListIndexFromSize(size int) int {
	memoryClass := m.sizeToMemoryClass(size)
	secondIndex := m.sizeToSecondIndex(size, memoryClass)
	return m.getListIndex(memoryClass, secondIndex)
}

func (m *TLSFBlockMetadata) getListIndex(memoryClass uint8, secondIndex uint16) int {
	if memoryClass == 0 {
		return int(secondIndex)
	}

	i := uint32(memoryClass-1)*uint32(uint(1)<<SecondLevelIndex) + uint32(secondIndex)
	return int(i) + 4
}

func (m *TLSFBlockMetadata) sizeToMemoryClass(size int) uint8 {
	if size > SmallBufferSize {
		mostSignificantBit := uint8(63 - bits.LeadingZeros64(uint64(size)))
		return mostSignificantBit - MemoryClassShift
	}

	return 0
}

func (m *TLSFBlockMetadata) sizeToSecondIndex(size int, memoryClass uint8) uint16 {
	if memoryClass != 0 {
		mask := uint(1) << SecondLevelIndex
		indexVal := uint(size) >> (memoryClass + MemoryClassShift - SecondLevelIndex)
		return uint16(indexVal ^ mask)
	}

	return uint16((size - 1) / 64)
}

func (m *TLSFBlockMetadata) CreateAllocationRequest(
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

	if allocSize > m.SumFreeSize() {
		return false, allocRequest, nil
	}

	nullListIndex := len(m.freeList)
	if m.blocksFreeCount == 0 {
		return m.checkBlock(m.nullBlock, nullListIndex, allocSize, allocAlignment, allocType, &allocRequest), allocRequest, nil
	}

	// Size that is guaranteed to land in the next bucket up, where every block fits
	sizeForNextList := allocSize
	smallSizeStep := SmallBufferSize / 4
	if allocSize > SmallBufferSize {
		mostSignificantBit := 63 - bits.LeadingZeros64(uint64(allocSize))
		sizeForNextList += int(uint(1) << (mostSignificantBit - int(SecondLevelIndex)))
	} else if allocSize > SmallBufferSize-smallSizeStep {
		sizeForNextList = SmallBufferSize + 1
	} else {
		sizeForNextList += smallSizeStep
	}

	searchList := func(block *tlsfBlock, listIndex int) bool {
		for ; block != nil; block = block.nextFree {
			if m.checkBlock(block, listIndex, allocSize, allocAlignment, allocType, &allocRequest) {
				return true
			}
		}
		return false
	}
	checkNull := func() bool {
		return m.checkBlock(m.nullBlock, nullListIndex, allocSize, allocAlignment, allocType, &allocRequest)
	}

	var nextListIndex int
	var nextListBlock *tlsfBlock
	doFullSearch := false

	switch {
	case strategy&AllocationStrategyMinTime != 0:
		nextListBlock, nextListIndex = m.findFreeBlock(sizeForNextList)
		if nextListBlock != nil {
			doFullSearch = true
			if m.checkBlock(nextListBlock, nextListIndex, allocSize, allocAlignment, allocType, &allocRequest) {
				return true, allocRequest, nil
			}
		}

		if checkNull() || searchList(nextListBlock, nextListIndex) {
			return true, allocRequest, nil
		}

		prevListBlock, prevListIndex := m.findFreeBlock(allocSize)
		if searchList(prevListBlock, prevListIndex) {
			return true, allocRequest, nil
		}
	case strategy&AllocationStrategyMinMemory != 0:
		prevListBlock, prevListIndex := m.findFreeBlock(allocSize)
		if searchList(prevListBlock, prevListIndex) || checkNull() {
			return true, allocRequest, nil
		}

		nextListBlock, nextListIndex = m.findFreeBlock(sizeForNextList)
		doFullSearch = nextListBlock != nil
		if searchList(nextListBlock, nextListIndex) {
			return true, allocRequest, nil
		}
	case strategy&AllocationStrategyMinOffset != 0:
		// Walk the physical chain from offset 0 so the lowest fitting block wins
		for block := m.firstBlock; block != nil; block = block.nextPhysical {
			if block != m.nullBlock && block.isFree() && block.size >= allocSize &&
				m.checkBlock(block, m.getListIndexFromSize(block.size), allocSize, allocAlignment, allocType, &allocRequest) {
				return true, allocRequest, nil
			}
		}

		return checkNull(), allocRequest, nil
	default:
		nextListBlock, nextListIndex = m.findFreeBlock(sizeForNextList)
		doFullSearch = nextListBlock != nil
		if searchList(nextListBlock, nextListIndex) || checkNull() {
			return true, allocRequest, nil
		}

		prevListBlock, prevListIndex := m.findFreeBlock(allocSize)
		if searchList(prevListBlock, prevListIndex) {
			return true, allocRequest, nil
		}
	}

	if !doFullSearch {
		return false, allocRequest, nil
	}

	// Worst case: alignment defeated every bucket guess, walk every larger list
	for nextListIndex++; nextListIndex < len(m.freeList); nextListIndex++ {
		if searchList(m.freeList[nextListIndex], nextListIndex) {
			return true, allocRequest, nil
		}
	}

	return false, allocRequest, nil
}

func (m *TLSFBlockMetadata) checkBlock(
	block *tlsfBlock,
	listIndex int,
	allocSize int,
	allocAlignment uint,
	allocType uint32,
	allocRequest *AllocationRequest,
) bool {
	if !block.isFree() {
		panic(fmt.Sprintf("block at offset %d is already taken", block.offset))
	}

	alignedOffset := memutils.AlignUp(block.offset, allocAlignment)
	if block.size < allocSize+alignedOffset-block.offset {
		return false
	}

	allocRequest.Type = AllocationRequestTLSF
	allocRequest.BlockAllocationHandle = block.blockHandle
	allocRequest.Size = allocSize
	allocRequest.AllocType = allocType
	allocRequest.Offset = alignedOffset

	// Move the block to the head of its list so the next search finds it first
	if listIndex != len(m.freeList) && block.prevFree != nil {
		block.prevFree.nextFree = block.nextFree
		if block.nextFree != nil {
			block.nextFree.prevFree = block.prevFree
		}

		block.prevFree = nil
		block.nextFree = m.freeList[listIndex]
		m.freeList[listIndex] = block
		if block.nextFree != nil {
			block.nextFree.prevFree = block
		}
	}

	return true
}

func (m *TLSFBlockMetadata) findFreeBlock(size int) (*tlsfBlock, int) {
	memoryClass := m.sizeToMemoryClass(size)
	innerFreeMap := m.innerIsFreeBitmap[memoryClass] & (math.MaxUint32 << m.sizeToSecondIndex(size, memoryClass))

	if innerFreeMap == 0 {
		freeMap := m.isFreeBitmap & (math.MaxUint32 << (memoryClass + 1))
		if freeMap == 0 {
			return nil, 0
		}

		memoryClass = uint8(bits.TrailingZeros32(freeMap))
		innerFreeMap = m.innerIsFreeBitmap[memoryClass]
		if innerFreeMap == 0 {
			panic("free bitmap is in an invalid state")
		}
	}

	listIndex := m.getListIndex(memoryClass, uint16(bits.TrailingZeros32(innerFreeMap)))
	if m.freeList[listIndex] == nil {
		panic(fmt.Sprintf("free list index %d was listed as having free blocks, but no blocks were in the free list", listIndex))
	}

	return m.freeList[listIndex], listIndex
}

func (m *TLSFBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	m.writeBlockJson(json, stats.BlockBytes-stats.AllocationBytes, stats.AllocationCount, stats.UnusedRangeCount)
}

func (m *TLSFBlockMetadata) Alloc(req AllocationRequest, allocType uint32, userData any) error {
	if req.Type != AllocationRequestTLSF {
		return errors.New("allocation request was received by an incompatible metadata")
	}

	currentBlock, err := m.getBlock(req.BlockAllocationHandle)
	if err != nil {
		return err
	}
	if !currentBlock.isFree() {
		return errors.Errorf("allocation request targets block at offset %d, which is no longer free", currentBlock.offset)
	}
	if currentBlock.offset > req.Offset {
		return errors.New("allocation request offset precedes the block it was created for")
	}

	if currentBlock != m.nullBlock {
		m.removeFreeBlock(currentBlock)
	}

	missingAlignment := req.Offset - currentBlock.offset

	// Hand the alignment padding to the previous block, or give it a block of its own
	if missingAlignment != 0 {
		prevBlock := currentBlock.prevPhysical
		if prevBlock == nil {
			return errors.New("alignment padding requested at offset 0")
		}

		if prevBlock.isFree() {
			oldListIndex := m.getListIndexFromSize(prevBlock.size)
			prevBlock.size += missingAlignment

			if oldListIndex != m.getListIndexFromSize(prevBlock.size) {
				prevBlock.size -= missingAlignment
				m.removeFreeBlock(prevBlock)

				prevBlock.size += missingAlignment
				m.insertFreeBlock(prevBlock)
			} else {
				m.blocksFreeSize += missingAlignment
			}
		} else {
			padding := m.newBlock()
			currentBlock.prevPhysical = padding
			prevBlock.nextPhysical = padding
			padding.prevPhysical = prevBlock
			padding.nextPhysical = currentBlock
			padding.size = missingAlignment
			padding.offset = currentBlock.offset
			padding.markTaken()

			m.insertFreeBlock(padding)
		}

		currentBlock.size -= missingAlignment
		currentBlock.offset += missingAlignment
	}

	size := req.Size
	switch {
	case currentBlock.size == size:
		if currentBlock == m.nullBlock {
			m.nullBlock = m.newBlock()
			m.nullBlock.offset = currentBlock.offset + size
			m.nullBlock.prevPhysical = currentBlock
			m.nullBlock.markFree()
			currentBlock.nextPhysical = m.nullBlock
			currentBlock.markTaken()
		}
	case currentBlock.size < size:
		return errors.New("allocation request is larger than the block it was created for")
	default:
		remainder := m.newBlock()
		remainder.size = currentBlock.size - size
		remainder.offset = currentBlock.offset + size
		remainder.prevPhysical = currentBlock
		remainder.nextPhysical = currentBlock.nextPhysical
		currentBlock.nextPhysical = remainder
		currentBlock.size = size

		if currentBlock == m.nullBlock {
			m.nullBlock = remainder
			m.nullBlock.markFree()
			currentBlock.markTaken()
		} else {
			remainder.nextPhysical.prevPhysical = remainder
			remainder.markTaken()
			m.insertFreeBlock(remainder)
		}
	}

	currentBlock.userData = userData
	m.allocCount++

	return nil
}

func (m *TLSFBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	block, err := m.getBlock(allocHandle)
	if err != nil {
		return err
	}
	if block.isFree() {
		return errors.New("block is already free")
	}

	next := block.nextPhysical
	block.userData = nil
	m.allocCount--

	prev := block.prevPhysical
	if prev != nil && prev.isFree() {
		m.removeFreeBlock(prev)
		m.mergeBlock(block, prev)
	}

	switch {
	case !next.isFree():
		m.insertFreeBlock(block)
	case next == m.nullBlock:
		m.mergeBlock(m.nullBlock, block)
	default:
		m.removeFreeBlock(next)
		m.mergeBlock(next, block)
		m.insertFreeBlock(next)
	}

	return nil
}

func (m *TLSFBlockMetadata) removeFreeBlock(block *tlsfBlock) {
	if block == m.nullBlock {
		panic("cannot remove the null block")
	}
	if !block.isFree() {
		panic("provided block is not free")
	}

	if block.nextFree != nil {
		block.nextFree.prevFree = block.prevFree
	}
	if block.prevFree != nil {
		block.prevFree.nextFree = block.nextFree
	} else {
		memClass := m.sizeToMemoryClass(block.size)
		secondIndex := m.sizeToSecondIndex(block.size, memClass)
		index := m.getListIndex(memClass, secondIndex)

		if m.freeList[index] != block {
			panic("block was not in the free list at the expected location")
		}
		m.freeList[index] = block.nextFree
		if block.nextFree == nil {
			m.innerIsFreeBitmap[memClass] &= ^(1 << secondIndex)
			if m.innerIsFreeBitmap[memClass] == 0 {
				m.isFreeBitmap &= ^(1 << memClass)
			}
		}
	}

	block.markTaken()
	block.userData = nil
	m.blocksFreeCount--
	m.blocksFreeSize -= block.size
}

// insertFreeBlock expects a block that is marked taken and files it into its size class
func (m *TLSFBlockMetadata) insertFreeBlock(block *tlsfBlock) {
	if block == m.nullBlock {
		panic("cannot insert the null block")
	}
	if block.isFree() {
		panic("block is already free")
	}

	memClass := m.sizeToMemoryClass(block.size)
	secondIndex := m.sizeToSecondIndex(block.size, memClass)
	index := m.getListIndex(memClass, secondIndex)

	if index >= len(m.freeList) {
		panic("invalid free list index found for block")
	}

	block.prevFree = nil
	block.nextFree = m.freeList[index]
	m.freeList[index] = block
	if block.nextFree != nil {
		block.nextFree.prevFree = block
	} else {
		m.innerIsFreeBitmap[memClass] |= 1 << secondIndex
		m.isFreeBitmap |= 1 << memClass
	}
	m.blocksFreeCount++
	m.blocksFreeSize += block.size
}

// mergeBlock absorbs prev, the physical predecessor of block, into block
func (m *TLSFBlockMetadata) mergeBlock(block *tlsfBlock, prev *tlsfBlock) {
	if block.prevPhysical != prev {
		panic("cannot merge separate physical regions")
	}
	if prev.isFree() {
		panic("cannot merge a block that belongs to the free list")
	}

	block.offset = prev.offset
	block.size += prev.size
	block.prevPhysical = prev.prevPhysical
	if block.prevPhysical != nil {
		block.prevPhysical.nextPhysical = block
	} else {
		m.firstBlock = block
	}

	m.releaseBlock(prev)
}

func (m *TLSFBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	for block := m.firstBlock; block != nil; block = block.nextPhysical {
		err := handleBlock(block.blockHandle, block.offset, block.size, block.userData, block.isFree())
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *TLSFBlockMetadata) Clear() {
	block := m.nullBlock.prevPhysical
	for block != nil {
		prev := block.prevPhysical
		m.releaseBlock(block)
		block = prev
	}

	m.allocCount = 0
	m.blocksFreeCount = 0
	m.blocksFreeSize = 0
	m.isFreeBitmap = 0
	m.innerIsFreeBitmap = [MaxMemoryClasses]uint32{}
	m.freeList = make([]*tlsfBlock, len(m.freeList))

	m.nullBlock.offset = 0
	m.nullBlock.size = m.Size()
	m.nullBlock.prevPhysical = nil
	m.firstBlock = m.nullBlock
}

func (m *TLSFBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	block, err := m.getBlock(allocHandle)
	if err != nil {
		return 0, err
	}

	return block.offset, nil
}

func (m *TLSFBlockMetadata) AllocationSize(allocHandle BlockAllocationHandle) (int, error) {
	block, err := m.getBlock(allocHandle)
	if err != nil {
		return 0, err
	}
	if block.isFree() {
		return 0, errors.New("size cannot be retrieved for a free block")
	}

	return block.size, nil
}

func (m *TLSFBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	block, err := m.getBlock(allocHandle)
	if err != nil {
		return nil, err
	}

	if block.isFree() {
		return nil, errors.New("user data cannot be retrieved for a free block")
	}

	return block.userData, nil
}

func (m *TLSFBlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	block, err := m.getBlock(allocHandle)
	if err != nil {
		return err
	}

	if block.isFree() {
		return errors.New("user data cannot be set for a free block")
	}

	block.userData = userData
	return nil
}
