package memutils

import "math"

// Statistics is a cheap summary of the memory an allocator holds. Pools are the regions
// handed to the allocator by the OS collaborator, objects are the live allocations
// carved out of them.
type Statistics struct {
	PoolCount   int
	ObjectCount int
	PoolBytes   int
	ObjectBytes int
}

func (s *Statistics) Clear() {
	s.PoolCount = 0
	s.ObjectCount = 0
	s.PoolBytes = 0
	s.ObjectBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.PoolCount += other.PoolCount
	s.ObjectCount += other.ObjectCount
	s.PoolBytes += other.PoolBytes
	s.ObjectBytes += other.ObjectBytes
}

// DetailedStatistics extends Statistics with size extremes for objects and for free ranges.
// Call Clear before accumulating into it, so that the minimums start at math.MaxInt.
type DetailedStatistics struct {
	Statistics
	FreeRangeCount   int
	FreeBytes        int
	ObjectSizeMin    int
	ObjectSizeMax    int
	FreeRangeSizeMin int
	FreeRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeRangeCount = 0
	s.FreeBytes = 0
	s.ObjectSizeMin = math.MaxInt
	s.ObjectSizeMax = 0
	s.FreeRangeSizeMin = math.MaxInt
	s.FreeRangeSizeMax = 0
}

func (s *DetailedStatistics) AddFreeRange(size int) {
	s.FreeRangeCount++
	s.FreeBytes += size

	if size < s.FreeRangeSizeMin {
		s.FreeRangeSizeMin = size
	}

	if size > s.FreeRangeSizeMax {
		s.FreeRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddObject(size int) {
	s.ObjectCount++
	s.ObjectBytes += size

	if size < s.ObjectSizeMin {
		s.ObjectSizeMin = size
	}

	if size > s.ObjectSizeMax {
		s.ObjectSizeMax = size
	}
}

func (s *DetailedStatistics) AddPool(size int) {
	s.PoolCount++
	s.PoolBytes += size
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.FreeRangeCount += other.FreeRangeCount
	s.FreeBytes += other.FreeBytes

	if other.FreeRangeSizeMin < s.FreeRangeSizeMin {
		s.FreeRangeSizeMin = other.FreeRangeSizeMin
	}

	if other.FreeRangeSizeMax > s.FreeRangeSizeMax {
		s.FreeRangeSizeMax = other.FreeRangeSizeMax
	}

	if other.ObjectSizeMin < s.ObjectSizeMin {
		s.ObjectSizeMin = other.ObjectSizeMin
	}

	if other.ObjectSizeMax > s.ObjectSizeMax {
		s.ObjectSizeMax = other.ObjectSizeMax
	}
}
