// Package hybrid composes a host backend with a device backend. Allocations are served from host
// memory while it lasts and spill into device memory once the host share of the limit is used up.
package hybrid

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/mediaheap/envelope"
	"github.com/vkngwrapper/mediaheap/heap"
	"github.com/vkngwrapper/mediaheap/memutils"
)

// Options contains optional settings for the hybrid backend
type Options struct {
	// SpillRatio is the percentage of the heap limit served from host memory. The remainder is
	// served from device memory, and the device backend refuses allocations beyond it.
	SpillRatio uint32
}

type placement struct {
	inner    *heap.Record
	onDevice bool
}

// Backend routes each record to its host or device backend
type Backend struct {
	host    heap.Backend
	device  heap.Backend
	options Options

	hostLimit   uint64
	deviceLimit uint64
}

var _ heap.Backend = &Backend{}
var _ heap.StatisticsReporter = &Backend{}
var _ memutils.Validatable = &Backend{}
var _ heap.DetailedMapPrinter = &Backend{}

func New(host, device heap.Backend, options Options) (*Backend, error) {
	if host == nil || device == nil {
		return nil, errors.Wrap(memutils.ErrInvalidArgument, "the hybrid backend requires a host backend and a device backend")
	}
	if options.SpillRatio > 100 {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "spill ratio must be a percentage, but was %d", options.SpillRatio)
	}
	return &Backend{
		host:    host,
		device:  device,
		options: options,
	}, nil
}

func (b *Backend) Name() string {
	return fmt.Sprintf("hybrid(%s+%s)", b.host.Name(), b.device.Name())
}

// Init splits limit between the two backends according to the spill ratio. The device backend is
// initialized first, so a device that refuses reinitialization leaves the host untouched.
func (b *Backend) Init(limit uint64, layout envelope.Layout) error {
	hostLimit := limit * uint64(b.options.SpillRatio) / 100
	deviceLimit := limit - hostLimit

	if deviceLimit > 0 {
		err := b.device.Init(deviceLimit, layout)
		if err != nil {
			return errors.Wrap(err, "initializing device memory")
		}
	}

	if hostLimit > 0 {
		err := b.host.Init(hostLimit, layout)
		if err != nil {
			return errors.Wrap(err, "initializing host memory")
		}
	}

	b.hostLimit = hostLimit
	b.deviceLimit = deviceLimit
	return nil
}

func (b *Backend) owner(p *placement) heap.Backend {
	if p.onDevice {
		return b.device
	}
	return b.host
}

// sync copies the fields the heap owns down to the inner record before it is handed to its owner
func (b *Backend) sync(record *heap.Record) *placement {
	p := record.Private.(*placement)
	p.inner.Size = record.Size
	p.inner.Type = record.Type
	return p
}

// refresh copies the fields the owner controls up to the record the heap holds
func (b *Backend) refresh(record *heap.Record, p *placement) {
	inner := p.inner

	record.HandleOrFlags = inner.HandleOrFlags
	record.Header = inner.Header
	record.Footer = inner.Footer
	record.Body = inner.Body
	record.Ref = inner.Ref << 1
	if p.onDevice {
		record.Ref |= 1
	}
	record.Private = p
}

func (b *Backend) wrap(inner *heap.Record, onDevice bool) *heap.Record {
	record := &heap.Record{}
	b.refresh(record, &placement{inner: inner, onDevice: onDevice})
	return record
}

func (b *Backend) Alloc(size uint64, allocType uint32) (*heap.Record, error) {
	var hostErr error
	if b.hostLimit > 0 {
		inner, err := b.host.Alloc(size, allocType)
		if err == nil {
			return b.wrap(inner, false), nil
		}
		if !errors.Is(err, memutils.ErrOutOfMemory) {
			return nil, err
		}
		hostErr = err
	}

	if b.deviceLimit == 0 {
		return nil, hostErr
	}

	inner, err := b.device.Alloc(size, allocType)
	if err != nil {
		return nil, errors.CombineErrors(err, hostErr)
	}
	return b.wrap(inner, true), nil
}

func (b *Backend) Free(record *heap.Record) error {
	p := b.sync(record)

	err := b.owner(p).Free(p.inner)
	if err != nil {
		return err
	}

	record.Header = nil
	record.Footer = nil
	record.Body = nil
	record.Private = nil
	return nil
}

// Resize delegates to the record's owner. Host records that cannot grow in host memory migrate
// to device memory, which is reported as a relocation.
func (b *Backend) Resize(record *heap.Record, newSize uint64) (bool, error) {
	p := b.sync(record)

	relocated, err := b.owner(p).Resize(p.inner, newSize)
	if err == nil {
		b.refresh(record, p)
		return relocated, nil
	}

	if p.onDevice || b.deviceLimit == 0 || !errors.Is(err, memutils.ErrOutOfMemory) {
		return false, err
	}

	err = b.migrate(record, p, newSize)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *Backend) migrate(record *heap.Record, p *placement, newSize uint64) (err error) {
	moved, err := b.device.Alloc(newSize, record.Type)
	if err != nil {
		return err
	}
	moved.Size = newSize
	moved.Type = record.Type
	defer func() {
		if err != nil {
			err = errors.CombineErrors(err, b.device.Free(moved))
		}
	}()

	window, err := b.device.Map(moved)
	if err != nil {
		return err
	}
	copy(window, p.inner.Body[:record.Size])

	err = b.device.Unmap(moved)
	if err != nil {
		return err
	}

	err = b.host.Free(p.inner)
	if err != nil {
		return err
	}

	p.inner = moved
	p.onDevice = true
	b.refresh(record, p)
	return nil
}

func (b *Backend) Map(record *heap.Record) ([]byte, error) {
	p := b.sync(record)
	return b.owner(p).Map(p.inner)
}

func (b *Backend) Unmap(record *heap.Record) error {
	p := b.sync(record)
	return b.owner(p).Unmap(p.inner)
}

func (b *Backend) Destroy() error {
	var err error
	if b.hostLimit > 0 {
		err = b.host.Destroy()
	}
	if b.deviceLimit > 0 {
		err = errors.CombineErrors(err, b.device.Destroy())
	}
	return err
}

// OnDevice reports whether a record handed out by this backend lives in device memory
func (b *Backend) OnDevice(record *heap.Record) bool {
	return record.Ref&1 != 0
}

// initialized lists the backends that received a share of the limit. A backend with no share
// was never initialized and holds no state to inspect.
func (b *Backend) initialized() []heap.Backend {
	var backends []heap.Backend
	if b.hostLimit > 0 {
		backends = append(backends, b.host)
	}
	if b.deviceLimit > 0 {
		backends = append(backends, b.device)
	}
	return backends
}

func (b *Backend) Validate() error {
	for _, backend := range b.initialized() {
		if validatable, ok := backend.(memutils.Validatable); ok {
			err := validatable.Validate()
			if err != nil {
				return errors.Wrapf(err, "%s backend", backend.Name())
			}
		}
	}

	return nil
}

func (b *Backend) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for _, backend := range b.initialized() {
		if reporter, ok := backend.(heap.StatisticsReporter); ok {
			reporter.AddDetailedStatistics(stats)
		}
	}
}

// PrintDetailedMap describes the host backend's free space along with the split of the limit
func (b *Backend) PrintDetailedMap(json jwriter.ObjectState) {
	json.Name("SpillRatio").Int(int(b.options.SpillRatio))
	json.Name("HostLimit").Int(int(b.hostLimit))
	json.Name("DeviceLimit").Int(int(b.deviceLimit))

	if printer, ok := b.host.(heap.DetailedMapPrinter); ok && b.hostLimit > 0 {
		hostObj := json.Name("Host").Object()
		printer.PrintDetailedMap(hostObj)
		hostObj.End()
	}
}
