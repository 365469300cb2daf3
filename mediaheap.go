// Package mediaheap builds media buffer heaps. A heap is assembled from a host backend, a device
// backend or a hybrid of the two, selected by Flags.
package mediaheap

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/mediaheap/backend/aiv"
	"github.com/vkngwrapper/mediaheap/backend/device"
	"github.com/vkngwrapper/mediaheap/backend/hybrid"
	"github.com/vkngwrapper/mediaheap/backend/system"
	"github.com/vkngwrapper/mediaheap/heap"
	"github.com/vkngwrapper/mediaheap/memutils"
	"golang.org/x/exp/slog"
)

// Flags select the backends of a heap built by New along with its heap.CreateFlags
type Flags int32

var flagsMapping = common.NewFlagStringMapping[Flags]()

func (f Flags) Register(str string) {
	flagsMapping.Register(f, str)
}
func (f Flags) String() string {
	return flagsMapping.FlagsToString(f)
}

const (
	// FlagsUseAIVHeap serves allocations from a single host arena
	FlagsUseAIVHeap Flags = 1 << iota
	// FlagsUseSystemHeap serves each allocation from its own host buffer
	FlagsUseSystemHeap
	// FlagsUseDeviceHeap serves every allocation from Config.Driver
	FlagsUseDeviceHeap
	// FlagsUseHybridDeviceHeap spills host allocations to Config.Driver
	FlagsUseHybridDeviceHeap
	// FlagsUseHybridFileHeap spills host allocations to files in Config.SpillDirectory
	FlagsUseHybridFileHeap
	// FlagsSynchronized sets heap.CreateSynchronized
	FlagsSynchronized
	// FlagsForceRelease sets heap.CreateForceRelease
	FlagsForceRelease
	// FlagsGuardBands sets heap.CreateGuardBands
	FlagsGuardBands
)

func init() {
	FlagsUseAIVHeap.Register("UseAIVHeap")
	FlagsUseSystemHeap.Register("UseSystemHeap")
	FlagsUseDeviceHeap.Register("UseDeviceHeap")
	FlagsUseHybridDeviceHeap.Register("UseHybridDeviceHeap")
	FlagsUseHybridFileHeap.Register("UseHybridFileHeap")
	FlagsSynchronized.Register("Synchronized")
	FlagsForceRelease.Register("ForceRelease")
	FlagsGuardBands.Register("GuardBands")
}

const (
	hostFlags   = FlagsUseAIVHeap | FlagsUseSystemHeap
	heapFlags   = hostFlags | FlagsUseDeviceHeap
	hybridFlags = FlagsUseHybridDeviceHeap | FlagsUseHybridFileHeap
)

// Config describes the heap built by New
type Config struct {
	// Limit is the total number of bytes the heap may hand out
	Limit uint64
	// SpillRatio is the percentage of Limit served from host memory by hybrid heaps
	SpillRatio uint32
	Flags      Flags

	// AIV configures the host arena of FlagsUseAIVHeap
	AIV aiv.Options
	// Device configures the device backend of FlagsUseDeviceHeap and both hybrid heaps
	Device device.Options
	// Driver is the device memory of FlagsUseDeviceHeap and FlagsUseHybridDeviceHeap
	Driver device.Driver
	// SpillDirectory holds the spill files of FlagsUseHybridFileHeap
	SpillDirectory string
}

func (c Config) validate() error {
	selected := c.Flags & heapFlags
	if selected == 0 || selected&(selected-1) != 0 {
		return errors.Wrapf(memutils.ErrInvalidArgument, "exactly one of UseAIVHeap, UseSystemHeap or UseDeviceHeap must be set, but flags were %s", c.Flags)
	}

	hybridSelected := c.Flags & hybridFlags
	if hybridSelected == hybridFlags {
		return errors.Wrap(memutils.ErrInvalidArgument, "UseHybridDeviceHeap and UseHybridFileHeap cannot both be set")
	}
	if hybridSelected != 0 && c.Flags&hostFlags == 0 {
		return errors.Wrapf(memutils.ErrInvalidArgument, "a hybrid heap requires a host heap, but flags were %s", c.Flags)
	}
	if c.SpillRatio > 100 {
		return errors.Wrapf(memutils.ErrInvalidArgument, "spill ratio must be a percentage, but was %d", c.SpillRatio)
	}

	needsDriver := c.Flags&(FlagsUseDeviceHeap|FlagsUseHybridDeviceHeap) != 0
	if needsDriver && c.Driver == nil {
		return errors.Wrapf(memutils.ErrInvalidArgument, "%s requires a device driver", c.Flags)
	}
	if c.Flags&FlagsUseHybridFileHeap != 0 && c.SpillDirectory == "" {
		return errors.Wrap(memutils.ErrInvalidArgument, "UseHybridFileHeap requires a spill directory")
	}

	return nil
}

func (c Config) createOptions() heap.CreateOptions {
	var flags heap.CreateFlags
	if c.Flags&FlagsSynchronized != 0 {
		flags |= heap.CreateSynchronized
	}
	if c.Flags&FlagsForceRelease != 0 {
		flags |= heap.CreateForceRelease
	}
	if c.Flags&FlagsGuardBands != 0 {
		flags |= heap.CreateGuardBands
	}

	return heap.CreateOptions{Flags: flags}
}

func (c Config) hostBackend() (heap.Backend, error) {
	if c.Flags&FlagsUseSystemHeap != 0 {
		return system.New(), nil
	}
	return aiv.New(c.AIV)
}

func (c Config) backend() (heap.Backend, error) {
	if c.Flags&FlagsUseDeviceHeap != 0 {
		return device.New(c.Driver, c.Device)
	}

	host, err := c.hostBackend()
	if err != nil {
		return nil, err
	}

	var driver device.Driver
	switch {
	case c.Flags&FlagsUseHybridDeviceHeap != 0:
		driver = c.Driver
	case c.Flags&FlagsUseHybridFileHeap != 0:
		driver = device.NewFileDriver(c.SpillDirectory, 0)
	default:
		return host, nil
	}

	spill, err := device.New(driver, c.Device)
	if err != nil {
		return nil, err
	}

	return hybrid.New(host, spill, hybrid.Options{SpillRatio: c.SpillRatio})
}

// New validates config, assembles the backends it selects and returns a ready heap of
// config.Limit bytes
func New(logger *slog.Logger, config Config) (*heap.Heap, error) {
	err := config.validate()
	if err != nil {
		return nil, err
	}

	backend, err := config.backend()
	if err != nil {
		return nil, err
	}

	h, err := heap.Create(logger, backend, config.Limit, config.createOptions())
	if err != nil {
		return nil, errors.Wrapf(err, "creating a %s heap", backend.Name())
	}

	return h, nil
}
