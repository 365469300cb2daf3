package device

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/mediaheap/memutils"
	"github.com/vkngwrapper/mediaheap/memutils/metadata"
)

const simulatedAlignment uint = 64

type simulatedBlock struct {
	blockHandle metadata.BlockAllocationHandle
	offset      int
	size        int
	locked      bool
}

// SimulatedDriver stands in for video memory with a single region mapped outside the Go heap.
// Space within the region is managed with TLSF metadata, the way a device driver manages its own
// memory pool.
type SimulatedDriver struct {
	size uint64

	memory      []byte
	metadata    *metadata.TLSFBlockMetadata
	blocks      *swiss.Map[uint32, *simulatedBlock]
	lastHandle  uint32
	lockedBytes int
}

var _ Driver = &SimulatedDriver{}

// NewSimulatedDriver creates a driver with size bytes of simulated device memory. The memory is
// not reserved until Init.
func NewSimulatedDriver(size uint64) *SimulatedDriver {
	return &SimulatedDriver{size: size}
}

func (d *SimulatedDriver) Init() error {
	if d.size == 0 {
		return errors.Wrap(memutils.ErrInvalidArgument, "simulated device memory must have a size")
	}

	memory, err := reserveMemory(int(d.size))
	if err != nil {
		return errors.Wrapf(err, "reserving %d bytes of simulated device memory", d.size)
	}

	d.memory = memory
	d.metadata = metadata.NewTLSFBlockMetadata()
	d.metadata.Init(int(d.size))
	d.blocks = swiss.NewMap[uint32, *simulatedBlock](16)
	return nil
}

func (d *SimulatedDriver) MaxSize() uint64 {
	return d.size
}

func (d *SimulatedDriver) block(handle uint32) (*simulatedBlock, error) {
	block, ok := d.blocks.Get(handle)
	if !ok {
		return nil, errors.Errorf("device memory handle %d is not allocated", handle)
	}
	return block, nil
}

func (d *SimulatedDriver) Alloc(size uint64) (uint32, error) {
	success, request, err := d.metadata.CreateAllocationRequest(int(size), simulatedAlignment, 0, metadata.AllocationStrategyMinMemory)
	if err != nil {
		return 0, err
	}
	if !success {
		return 0, errors.Wrapf(memutils.ErrOutOfMemory, "no region of %d bytes in simulated device memory with %d bytes free", size, d.metadata.SumFreeSize())
	}

	block := &simulatedBlock{
		blockHandle: request.BlockAllocationHandle,
		offset:      request.Offset,
		size:        int(size),
	}
	err = d.metadata.Alloc(request, 0, block)
	if err != nil {
		return 0, err
	}

	d.lastHandle++
	if d.lastHandle == 0 {
		d.lastHandle++
	}
	d.blocks.Put(d.lastHandle, block)
	return d.lastHandle, nil
}

func (d *SimulatedDriver) Free(handle uint32) error {
	block, err := d.block(handle)
	if err != nil {
		return err
	}
	err = d.metadata.Free(block.blockHandle)
	if err != nil {
		return err
	}

	if block.locked {
		d.lockedBytes -= block.size
	}

	d.blocks.Delete(handle)
	return nil
}

func (d *SimulatedDriver) Lock(handle uint32) ([]byte, error) {
	block, err := d.block(handle)
	if err != nil {
		return nil, err
	}
	if block.locked {
		return nil, errors.Errorf("device memory handle %d is already locked", handle)
	}

	block.locked = true
	d.lockedBytes += block.size
	end := block.offset + block.size
	return d.memory[block.offset:end:end], nil
}

func (d *SimulatedDriver) Unlock(handle uint32) error {
	block, err := d.block(handle)
	if err != nil {
		return err
	}
	if !block.locked {
		return errors.Errorf("device memory handle %d is not locked", handle)
	}

	block.locked = false
	d.lockedBytes -= block.size
	return nil
}

// LockedBytes returns the number of bytes currently visible to the CPU
func (d *SimulatedDriver) LockedBytes() int {
	return d.lockedBytes
}

// AllocationCount returns the number of live device allocations
func (d *SimulatedDriver) AllocationCount() int {
	return d.blocks.Count()
}

func (d *SimulatedDriver) Release() error {
	if d.memory == nil {
		return nil
	}

	d.metadata.Clear()
	d.blocks.Clear()

	err := releaseMemory(d.memory)
	d.memory = nil
	return err
}
