package heap

import (
	"github.com/vkngwrapper/pagealloc/memutils"
	"github.com/vkngwrapper/pagealloc/memutils/metadata"
)

// findGap carves a record out of the first gap between two adjacent records that can hold the
// header and size payload bytes. The new record starts at the (header-aligned) end of the earlier
// record's payload. It returns NoRecord when no gap is large enough or fewer than two records exist.
func (a *Allocator) findGap(size int) metadata.RecordHandle {
	if a.records.Len() < 2 {
		return metadata.NoRecord
	}

	required := size + metadata.HeaderSize
	current := a.records.Head()
	for next := a.records.Next(current); next != metadata.NoRecord; next = a.records.Next(current) {
		carveAt := memutils.AlignUp(a.records.Record(current).End(), metadata.HeaderAlignment)

		if int(next)-carveAt >= required {
			handle := a.records.Create(carveAt, size)
			a.records.InsertAfter(current, handle)
			return handle
		}

		current = next
	}

	return metadata.NoRecord
}

// appendRecord places a new record at the region's high-water mark, growing the region first if
// the remaining capacity is too small
func (a *Allocator) appendRecord(size int) metadata.RecordHandle {
	last := a.records.Last()

	offset := memutils.AlignUp(a.used, metadata.HeaderAlignment)
	required := offset - a.used + metadata.HeaderSize + size
	free := a.capacity - a.used
	if required > free {
		a.grow(required - free)
	}

	handle := a.records.Create(offset, size)
	a.records.Append(last, handle)
	a.used = offset + metadata.HeaderSize + size

	return handle
}
