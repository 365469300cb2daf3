// Package system is a heap backend that gives every allocation its own host buffer. It has no
// free-space management of its own and is the simplest backend that satisfies the heap contract.
package system

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/mediaheap/envelope"
	"github.com/vkngwrapper/mediaheap/heap"
	"github.com/vkngwrapper/mediaheap/memutils"
)

// Backend allocates each record as one contiguous [header][body][footer] buffer
type Backend struct {
	layout envelope.Layout
	// Body bytes this backend may hand out
	limit uint64

	stats memutils.Statistics
}

var _ heap.Backend = &Backend{}
var _ heap.StatisticsReporter = &Backend{}

func New() *Backend {
	return &Backend{}
}

func (b *Backend) Name() string { return "system" }

func (b *Backend) Init(limit uint64, layout envelope.Layout) error {
	b.layout = layout
	b.limit = limit
	b.stats.Clear()
	return nil
}

func (b *Backend) carve(record *heap.Record, buffer []byte, size uint64) {
	headerSize := b.layout.HeaderSize()
	bodyEnd := headerSize + int(size)

	record.Header = buffer[:headerSize]
	record.Body = buffer[headerSize:bodyEnd]
	record.Footer = buffer[bodyEnd : bodyEnd+b.layout.FooterSize()]
	record.Private = buffer
}

func (b *Backend) reserve(delta uint64) error {
	if delta > b.limit-uint64(b.stats.AllocationBytes) {
		return errors.Wrapf(memutils.ErrOutOfMemory, "%d more bytes would exceed the %d bytes this heap may use", delta, b.limit)
	}
	return nil
}

func (b *Backend) Alloc(size uint64, allocType uint32) (*heap.Record, error) {
	err := b.reserve(size)
	if err != nil {
		return nil, err
	}

	buffer := make([]byte, b.layout.Overhead()+int(size))

	record := &heap.Record{HandleOrFlags: heap.AllocationFlagInUse}
	b.carve(record, buffer, size)

	b.stats.BlockCount++
	b.stats.BlockBytes += len(buffer)
	b.stats.AllocationCount++
	b.stats.AllocationBytes += int(size)
	return record, nil
}

func (b *Backend) Free(record *heap.Record) error {
	buffer := record.Private.([]byte)

	b.stats.BlockCount--
	b.stats.BlockBytes -= cap(buffer)
	b.stats.AllocationCount--
	b.stats.AllocationBytes -= int(record.Size)

	record.Header = nil
	record.Body = nil
	record.Footer = nil
	record.Private = nil
	return nil
}

func (b *Backend) Resize(record *heap.Record, newSize uint64) (bool, error) {
	buffer := record.Private.([]byte)
	needed := b.layout.Overhead() + int(newSize)

	if newSize > record.Size {
		err := b.reserve(newSize - record.Size)
		if err != nil {
			return false, err
		}
	}
	b.stats.AllocationBytes += int(newSize) - int(record.Size)

	if needed <= cap(buffer) {
		b.carve(record, buffer[:needed], newSize)
		return false, nil
	}

	grown := make([]byte, needed)
	copy(grown, buffer[:b.layout.HeaderSize()+int(record.Size)])
	b.stats.BlockBytes += needed - cap(buffer)

	b.carve(record, grown, newSize)
	record.HandleOrFlags |= heap.AllocationFlagRelocated
	return true, nil
}

func (b *Backend) Map(record *heap.Record) ([]byte, error) {
	return record.Body, nil
}

func (b *Backend) Unmap(record *heap.Record) error {
	return nil
}

func (b *Backend) Destroy() error {
	b.stats.Clear()
	return nil
}

func (b *Backend) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount += b.stats.BlockCount
	stats.BlockBytes += b.stats.BlockBytes
	stats.AllocationCount += b.stats.AllocationCount
	stats.AllocationBytes += b.stats.AllocationBytes
}
