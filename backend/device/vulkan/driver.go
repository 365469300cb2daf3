// Package vulkan is a device driver that keeps heap bodies in Vulkan device memory. Every
// allocation is its own VkDeviceMemory on a host-visible memory type, and locking maps it.
package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/mediaheap/backend/device"
	"github.com/vkngwrapper/mediaheap/memutils"
)

// Device is the subset of core1_0.Device used to allocate memory
type Device interface {
	AllocateMemory(allocationCallbacks *driver.AllocationCallbacks, o core1_0.MemoryAllocateInfo) (core1_0.DeviceMemory, common.VkResult, error)
}

// Options contains optional settings for the Vulkan driver
type Options struct {
	// AllocationCallbacks is passed to every allocate and free call
	AllocationCallbacks *driver.AllocationCallbacks
	// RequiredFlags are memory properties the chosen memory type must have in addition to
	// MemoryPropertyHostVisible
	RequiredFlags core1_0.MemoryPropertyFlags
	// PreferredFlags break ties between memory types that satisfy RequiredFlags
	PreferredFlags core1_0.MemoryPropertyFlags
	// Budget, when set, caps MaxSize at what the chosen heap has left in its budget
	Budget BudgetSource
}

type memoryBlock struct {
	memory core1_0.DeviceMemory
	size   int
	mapped bool
}

// Driver serves device heap allocations from Vulkan memory
type Driver struct {
	device    Device
	callbacks *driver.AllocationCallbacks

	memoryTypeIndex int
	heapIndex       int
	heapSize        uint64
	budget          BudgetSource

	memories   *swiss.Map[uint32, *memoryBlock]
	lastHandle uint32
}

var _ device.Driver = &Driver{}

// New chooses a host-visible memory type from memoryProperties. It fails with
// memutils.ErrInvalidArgument if no memory type is suitable.
func New(vkDevice Device, memoryProperties *core1_0.PhysicalDeviceMemoryProperties, options Options) (*Driver, error) {
	if vkDevice == nil || memoryProperties == nil {
		return nil, errors.Wrap(memutils.ErrInvalidArgument, "the vulkan driver requires a device and its memory properties")
	}

	required := options.RequiredFlags | core1_0.MemoryPropertyHostVisible
	memoryTypeIndex := -1
	bestScore := -1

	for index, memoryType := range memoryProperties.MemoryTypes {
		if memoryType.PropertyFlags&required != required {
			continue
		}

		score := 0
		for preferred := options.PreferredFlags & memoryType.PropertyFlags; preferred != 0; preferred &= preferred - 1 {
			score++
		}

		if score > bestScore {
			memoryTypeIndex = index
			bestScore = score
		}
	}

	if memoryTypeIndex < 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "no memory type has the properties %s", required)
	}

	heapIndex := memoryProperties.MemoryTypes[memoryTypeIndex].HeapIndex

	return &Driver{
		device:          vkDevice,
		callbacks:       options.AllocationCallbacks,
		memoryTypeIndex: memoryTypeIndex,
		heapIndex:       heapIndex,
		heapSize:        uint64(memoryProperties.MemoryHeaps[heapIndex].Size),
		budget:          options.Budget,
	}, nil
}

// MemoryTypeIndex returns the memory type every allocation is made from
func (d *Driver) MemoryTypeIndex() int {
	return d.memoryTypeIndex
}

func (d *Driver) Init() error {
	d.memories = swiss.NewMap[uint32, *memoryBlock](16)
	return nil
}

// MaxSize is the size of the chosen memory heap, or what remains of its budget if a BudgetSource
// was provided and reports one
func (d *Driver) MaxSize() uint64 {
	if d.budget == nil {
		return d.heapSize
	}

	budget, usage, err := d.budget.HeapBudget(d.heapIndex)
	if err != nil || budget == 0 {
		return d.heapSize
	}
	if usage >= budget {
		return 0
	}
	if budget-usage < d.heapSize {
		return budget - usage
	}
	return d.heapSize
}

func (d *Driver) block(handle uint32) (*memoryBlock, error) {
	block, ok := d.memories.Get(handle)
	if !ok {
		return nil, errors.Errorf("device memory handle %d is not allocated", handle)
	}
	return block, nil
}

func (d *Driver) Alloc(size uint64) (uint32, error) {
	memory, res, err := d.device.AllocateMemory(d.callbacks, core1_0.MemoryAllocateInfo{
		AllocationSize:  int(size),
		MemoryTypeIndex: d.memoryTypeIndex,
	})
	if err != nil {
		if res == core1_0.VKErrorOutOfDeviceMemory || res == core1_0.VKErrorOutOfHostMemory {
			return 0, errors.Mark(errors.Wrapf(err, "allocating %d bytes of device memory", size), memutils.ErrOutOfMemory)
		}
		return 0, err
	}

	d.lastHandle++
	if d.lastHandle == 0 {
		d.lastHandle++
	}
	d.memories.Put(d.lastHandle, &memoryBlock{memory: memory, size: int(size)})
	return d.lastHandle, nil
}

func (d *Driver) Free(handle uint32) error {
	block, err := d.block(handle)
	if err != nil {
		return err
	}

	if block.mapped {
		block.memory.Unmap()
	}
	block.memory.Free(d.callbacks)
	d.memories.Delete(handle)
	return nil
}

func (d *Driver) Lock(handle uint32) ([]byte, error) {
	block, err := d.block(handle)
	if err != nil {
		return nil, err
	}
	if block.mapped {
		return nil, errors.Errorf("device memory handle %d is already mapped", handle)
	}

	mappedData, _, err := block.memory.Map(0, -1, 0)
	if err != nil {
		return nil, err
	}

	block.mapped = true
	return unsafe.Slice((*byte)(mappedData), block.size), nil
}

func (d *Driver) Unlock(handle uint32) error {
	block, err := d.block(handle)
	if err != nil {
		return err
	}
	if !block.mapped {
		return errors.Errorf("device memory handle %d is not mapped", handle)
	}

	block.memory.Unmap()
	block.mapped = false
	return nil
}

func (d *Driver) Release() error {
	if d.memories == nil {
		return nil
	}

	d.memories.Iter(func(handle uint32, block *memoryBlock) bool {
		if block.mapped {
			block.memory.Unmap()
		}
		block.memory.Free(d.callbacks)
		return false
	})
	d.memories.Clear()
	return nil
}
