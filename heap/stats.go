package heap

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/mediaheap/memutils"
)

// BuildStatsString returns a JSON description of the heap. When detailed is true, every live
// allocation is listed as well.
func (h *Heap) BuildStatsString(detailed bool) string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	writer := jwriter.NewWriter()
	json := writer.Object()

	allocated, limit := h.usage.HeapSize()

	json.Name("Backend").String(h.backend.Name())
	json.Name("State").String(h.state.String())
	json.Name("Layout").String(h.layout.String())
	json.Name("Limit").Int(int(limit))
	json.Name("AllocatedBytes").Int(int(allocated))
	json.Name("AllocationCount").Int(int(h.usage.AllocationCount()))

	if reporter, ok := h.backend.(StatisticsReporter); ok && h.state == StateReady {
		var stats memutils.DetailedStatistics
		stats.Clear()
		reporter.AddDetailedStatistics(&stats)

		statsObj := json.Name("Backend Statistics").Object()
		stats.PrintJson(statsObj)
		statsObj.End()
	}

	if detailed {
		h.printAllocations(json)

		if printer, ok := h.backend.(DetailedMapPrinter); ok && h.state == StateReady {
			mapObj := json.Name("Detailed Map").Object()
			printer.PrintDetailedMap(mapObj)
			mapObj.End()
		}
	}

	json.End()
	return string(writer.Bytes())
}

func (h *Heap) printAllocations(json jwriter.ObjectState) {
	arrayState := json.Name("Allocations").Array()
	defer arrayState.End()

	for _, handle := range h.sortedHandles() {
		alloc, _ := h.allocations.Get(handle)

		obj := arrayState.Object()
		obj.Name("Handle").String(handle.String())
		obj.Name("Size").Int(int(alloc.record.Size))
		obj.Name("Type").Int(int(alloc.record.Type))
		obj.Name("HandleOrFlags").Int(int(alloc.record.HandleOrFlags))
		obj.Name("MapReferences").Int(alloc.mapCount)
		obj.End()
	}
}
