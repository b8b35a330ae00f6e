package memutils

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
)

type Statistics struct {
	RegionBytes     int
	UsedBytes       int
	RecordCount     int
	AllocationCount int
	AllocationBytes int
	FreedCount      int
}

func (s *Statistics) Clear() {
	s.RegionBytes = 0
	s.UsedBytes = 0
	s.RecordCount = 0
	s.AllocationCount = 0
	s.AllocationBytes = 0
	s.FreedCount = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.RegionBytes += other.RegionBytes
	s.UsedBytes += other.UsedBytes
	s.RecordCount += other.RecordCount
	s.AllocationCount += other.AllocationCount
	s.AllocationBytes += other.AllocationBytes
	s.FreedCount += other.FreedCount
}

func (s Statistics) String() string {
	return fmt.Sprintf("region=%s used=%s records=%d live=%d (%s) freed=%d",
		humanize.IBytes(uint64(s.RegionBytes)),
		humanize.IBytes(uint64(s.UsedBytes)),
		s.RecordCount,
		s.AllocationCount,
		humanize.IBytes(uint64(s.AllocationBytes)),
		s.FreedCount,
	)
}

// DetailedStatistics extends Statistics with the size spread of live allocations and
// of the unaddressed gaps between records.
type DetailedStatistics struct {
	Statistics
	GapCount          int
	GapBytes          int
	AllocationSizeMin int
	AllocationSizeMax int
	GapSizeMin        int
	GapSizeMax        int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.GapCount = 0
	s.GapBytes = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.GapSizeMin = math.MaxInt
	s.GapSizeMax = 0
}

func (s *DetailedStatistics) AddGap(size int) {
	s.GapCount++
	s.GapBytes += size

	if size < s.GapSizeMin {
		s.GapSizeMin = size
	}

	if size > s.GapSizeMax {
		s.GapSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.GapCount += other.GapCount
	s.GapBytes += other.GapBytes

	if other.GapSizeMin < s.GapSizeMin {
		s.GapSizeMin = other.GapSizeMin
	}

	if other.GapSizeMax > s.GapSizeMax {
		s.GapSizeMax = other.GapSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}
