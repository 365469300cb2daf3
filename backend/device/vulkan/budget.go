package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/extensions/v2/ext_memory_budget"
	"github.com/vkngwrapper/extensions/v2/khr_get_physical_device_properties2"
	khr_get_physical_device_properties2_shim "github.com/vkngwrapper/extensions/v2/khr_get_physical_device_properties2/shim"
)

// BudgetSource reports how much of a memory heap this process may still use
type BudgetSource interface {
	HeapBudget(heapIndex int) (budget, usage uint64, err error)
}

type memoryProperties2 interface {
	MemoryProperties2(out *core1_1.PhysicalDeviceMemoryProperties2) error
}

// MemoryBudget reads heap budgets through VK_EXT_memory_budget
type MemoryBudget struct {
	properties memoryProperties2
}

var _ BudgetSource = &MemoryBudget{}

// NewMemoryBudget returns nil unless the device has VK_EXT_memory_budget active and the physical
// device can be queried with core 1.1 or VK_KHR_get_physical_device_properties2.
func NewMemoryBudget(vkDevice core1_0.Device, physicalDevice core1_0.PhysicalDevice, instance core1_0.Instance) *MemoryBudget {
	if !vkDevice.IsDeviceExtensionActive(ext_memory_budget.ExtensionName) {
		return nil
	}

	physicalDevice11 := core1_1.PromoteInstanceScopedPhysicalDevice(physicalDevice)
	if physicalDevice11 != nil {
		return &MemoryBudget{properties: physicalDevice11}
	}

	if instance.IsInstanceExtensionActive(khr_get_physical_device_properties2.ExtensionName) {
		extension := khr_get_physical_device_properties2.CreateExtensionFromInstance(instance)
		return &MemoryBudget{properties: khr_get_physical_device_properties2_shim.NewShim(extension, physicalDevice)}
	}

	return nil
}

func (b *MemoryBudget) HeapBudget(heapIndex int) (budget, usage uint64, err error) {
	budgetProperties := &ext_memory_budget.PhysicalDeviceMemoryBudgetProperties{}
	properties := &core1_1.PhysicalDeviceMemoryProperties2{
		NextOutData: common.NextOutData{Next: budgetProperties},
	}

	err = b.properties.MemoryProperties2(properties)
	if err != nil {
		return 0, 0, errors.Wrap(err, "querying the memory budget")
	}

	return uint64(budgetProperties.HeapBudget[heapIndex]), uint64(budgetProperties.HeapUsage[heapIndex]), nil
}
