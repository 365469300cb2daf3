// Package aiv is the host arena backend. A heap's entire limit is reserved up front as one Go
// byte slice, and every record is carved out of it by a memutils/metadata free-space manager.
// Envelope overhead is paid out of the arena, so the arena fills before usage reaches the limit
// when allocations are small.
package aiv

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/mediaheap/envelope"
	"github.com/vkngwrapper/mediaheap/heap"
	"github.com/vkngwrapper/mediaheap/memutils"
	"github.com/vkngwrapper/mediaheap/memutils/metadata"
)

type placement struct {
	handle   metadata.BlockAllocationHandle
	offset   int
	capacity int
}

// Backend places every record contiguously as [header][body][footer] within a single arena
type Backend struct {
	options   Options
	alignment uint
	layout    envelope.Layout

	arena    []byte
	metadata metadata.BlockMetadata
}

var _ heap.Backend = &Backend{}
var _ heap.StatisticsReporter = &Backend{}
var _ heap.DetailedMapPrinter = &Backend{}
var _ memutils.Validatable = &Backend{}

func New(options Options) (*Backend, error) {
	err := options.validate()
	if err != nil {
		return nil, err
	}

	alignment := options.Alignment
	if alignment == 0 {
		alignment = DefaultAlignment
	}

	return &Backend{
		options:   options,
		alignment: alignment,
	}, nil
}

func (b *Backend) Name() string { return "aiv" }

// Init discards any previous arena and reserves a new one of limit bytes
func (b *Backend) Init(limit uint64, layout envelope.Layout) error {
	b.layout = layout
	b.arena = make([]byte, limit)
	b.metadata = b.options.newMetadata()
	b.metadata.Init(int(limit))
	return nil
}

func (b *Backend) place(size int, allocType uint32) (*placement, error) {
	success, request, err := b.metadata.CreateAllocationRequest(size, b.alignment, allocType, b.options.Strategy)
	if err != nil {
		return nil, err
	}
	if !success {
		return nil, errors.Wrapf(memutils.ErrOutOfMemory, "no free region of %d bytes in a %s arena with %d bytes free",
			size, b.options.Algorithm, b.metadata.SumFreeSize())
	}

	p := &placement{
		handle:   request.BlockAllocationHandle,
		offset:   request.Offset,
		capacity: request.Size,
	}

	err = b.metadata.Alloc(request, allocType, p)
	if err != nil {
		return nil, err
	}

	return p, nil
}

func (b *Backend) carve(record *heap.Record, p *placement, size uint64) {
	headerEnd := p.offset + b.layout.HeaderSize()
	bodyEnd := headerEnd + int(size)
	end := p.offset + p.capacity

	record.Header = b.arena[p.offset:headerEnd:headerEnd]
	record.Body = b.arena[headerEnd:bodyEnd:end]
	record.Footer = b.arena[bodyEnd : bodyEnd+b.layout.FooterSize() : end]
	record.Ref = uint64(p.offset)
	record.Private = p
}

func (b *Backend) Alloc(size uint64, allocType uint32) (*heap.Record, error) {
	p, err := b.place(b.layout.Overhead()+int(size), allocType)
	if err != nil {
		return nil, err
	}

	record := &heap.Record{HandleOrFlags: heap.AllocationFlagInUse}
	b.carve(record, p, size)
	return record, nil
}

func (b *Backend) Free(record *heap.Record) error {
	p := record.Private.(*placement)

	err := b.metadata.Free(p.handle)
	if err != nil {
		return err
	}

	record.Header = nil
	record.Body = nil
	record.Footer = nil
	record.Private = nil
	return nil
}

// Resize works in place whenever the record's region is large enough. Otherwise the record is
// moved to a new region and the old one is freed.
func (b *Backend) Resize(record *heap.Record, newSize uint64) (bool, error) {
	p := record.Private.(*placement)
	needed := b.layout.Overhead() + int(newSize)

	if needed <= p.capacity {
		b.carve(record, p, newSize)
		return false, nil
	}

	moved, err := b.place(needed, record.Type)
	if err != nil {
		return false, err
	}

	copy(b.arena[moved.offset+b.layout.HeaderSize():], record.Body[:record.Size])

	err = b.metadata.Free(p.handle)
	if err != nil {
		return false, errors.CombineErrors(err, b.metadata.Free(moved.handle))
	}

	b.carve(record, moved, newSize)
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
	b.metadata.Clear()
	b.arena = nil
	return nil
}

func (b *Backend) Validate() error {
	err := b.metadata.Validate()
	if err != nil {
		return errors.Wrapf(err, "%s arena metadata", b.options.Algorithm)
	}

	return b.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		if free {
			return nil
		}

		p, ok := userData.(*placement)
		if !ok {
			return errors.Errorf("region at offset %d carries no placement", offset)
		}
		if p.offset != offset || p.capacity != size {
			return errors.Errorf("region at offset %d of %d bytes is recorded as offset %d of %d bytes", offset, size, p.offset, p.capacity)
		}
		return nil
	})
}

func (b *Backend) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	b.metadata.AddDetailedStatistics(stats)
}

func (b *Backend) PrintDetailedMap(json jwriter.ObjectState) {
	json.Name("Algorithm").String(b.options.Algorithm.String())
	json.Name("Strategy").String(b.options.Strategy.String())
	b.metadata.BlockJsonData(json)

	arrayState := json.Name("Regions").Array()
	defer arrayState.End()

	_ = b.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(offset)
		obj.Name("Size").Int(size)
		obj.Name("Free").Bool(free)
		return nil
	})
}
