package allocator

import (
	"fmt"

	"github.com/arkheap/objalloc/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// AddStatistics adds the pools and objects of every sub-allocator, local ones included, to
// stats.
func (a *InternalAllocator) AddStatistics(stats *memutils.Statistics) {
	a.runSlots.AddStatistics(stats)
	a.visitLocals(func(local *LocalAllocator) {
		local.runSlots.AddStatistics(stats)
	})
	a.freeList.AddStatistics(stats)
	a.humongous.AddStatistics(stats)
}

// AddDetailedStatistics is AddStatistics with size extremes and free ranges. stats must
// have been cleared first.
func (a *InternalAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.runSlots.AddDetailedStatistics(stats)
	a.visitLocals(func(local *LocalAllocator) {
		local.runSlots.AddDetailedStatistics(stats)
	})
	a.freeList.AddDetailedStatistics(stats)
	a.humongous.AddDetailedStatistics(stats)
}

func printStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("PoolCount").Int(stats.PoolCount)
	json.Name("PoolBytes").Int(stats.PoolBytes)
	json.Name("ObjectCount").Int(stats.ObjectCount)
	json.Name("ObjectBytes").Int(stats.ObjectBytes)
	json.Name("FreeRangeCount").Int(stats.FreeRangeCount)
	json.Name("FreeBytes").Int(stats.FreeBytes)

	if stats.ObjectCount > 0 {
		json.Name("ObjectSizeMin").Int(stats.ObjectSizeMin)
		json.Name("ObjectSizeMax").Int(stats.ObjectSizeMax)
	}
	if stats.FreeRangeCount > 0 {
		json.Name("FreeRangeSizeMin").Int(stats.FreeRangeSizeMin)
		json.Name("FreeRangeSizeMax").Int(stats.FreeRangeSizeMax)
	}
}

func collectSection(addStats func(stats *memutils.DetailedStatistics)) *memutils.DetailedStatistics {
	stats := &memutils.DetailedStatistics{}
	stats.Clear()
	addStats(stats)
	return stats
}

func printSection(json *jwriter.ObjectState, name string, stats *memutils.DetailedStatistics, extra func(obj *jwriter.ObjectState)) {
	obj := json.Name(name).Object()
	defer obj.End()

	printStatistics(&obj, stats)
	if extra != nil {
		extra(&obj)
	}
}

// BuildStatsString renders the allocator's statistics as JSON. With detailed set, every live
// object is listed too.
func (a *InternalAllocator) BuildStatsString(detailed bool) string {
	runSlots := collectSection(func(stats *memutils.DetailedStatistics) {
		a.runSlots.AddDetailedStatistics(stats)
		a.visitLocals(func(local *LocalAllocator) {
			local.runSlots.AddDetailedStatistics(stats)
		})
	})
	freeList := collectSection(a.freeList.AddDetailedStatistics)
	humongous := collectSection(a.humongous.AddDetailedStatistics)

	var total memutils.DetailedStatistics
	total.Clear()
	total.AddDetailedStatistics(runSlots)
	total.AddDetailedStatistics(freeList)
	total.AddDetailedStatistics(humongous)

	writer := jwriter.NewWriter()
	objState := writer.Object()

	printSection(&objState, "Total", &total, nil)

	printSection(&objState, "RunSlots", runSlots, func(obj *jwriter.ObjectState) {
		obj.Name("MaxSize").Int(a.runSlots.MaxSize())
	})

	printSection(&objState, "FreeList", freeList, func(obj *jwriter.ObjectState) {
		obj.Name("MaxSize").Int(a.freeList.MaxSize())
		obj.Name("ExternalFragmentation").Float64(a.freeList.CalculateExternalFragmentation())
	})

	printSection(&objState, "Humongous", humongous, func(obj *jwriter.ObjectState) {
		obj.Name("ReservedPools").Int(a.humongous.ReservedPoolCount())
	})

	if detailed {
		arrayState := objState.Name("Objects").Array()
		a.IterateOverObjects(func(addr uintptr) {
			entry, _ := a.config.Space.Lookup(addr)

			obj := arrayState.Object()
			obj.Name("Address").String(fmt.Sprintf("%#x", addr))
			obj.Name("Allocator").String(entry.Type.String())
			obj.End()
		})
		arrayState.End()
	}

	objState.End()
	return string(writer.Bytes())
}
