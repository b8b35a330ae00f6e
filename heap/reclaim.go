package heap

import (
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/vkngwrapper/pagealloc/memutils"
	"github.com/vkngwrapper/pagealloc/memutils/metadata"
	"golang.org/x/exp/slog"
)

type purgeResult bool

const (
	purgeHasMore purgeResult = true
	purgeEnd     purgeResult = false
)

// findRecord returns the record whose payload starts at ptr, or NoRecord
func (a *Allocator) findRecord(ptr unsafe.Pointer) metadata.RecordHandle {
	if a.base == nil || uintptr(ptr) < uintptr(a.base) {
		return metadata.NoRecord
	}

	offset := uintptr(ptr) - uintptr(a.base)
	if offset > uintptr(a.capacity) {
		return metadata.NoRecord
	}

	return a.records.Find(int(offset))
}

// markFreed flags a record as released. It returns false if the record was already released.
func (a *Allocator) markFreed(handle metadata.RecordHandle) bool {
	record := a.records.Record(handle)
	if record.Freed {
		return false
	}

	record.Freed = true
	return true
}

// purgeStep removes at most one released record from the list.
//
// The scan starts at the second record, so a released head is only reclaimed once it is the sole
// record left. Past the head, the first released record found is unlinked, leaving its span as a
// gap. purgeHasMore means another step may find more work.
func (a *Allocator) purgeStep() purgeResult {
	switch a.records.Len() {
	case 0:
		return purgeEnd
	case 1:
		if a.records.Record(a.records.Head()).Freed {
			a.records.EraseHead()
		}
		return purgeEnd
	}

	prev := a.records.Head()
	current := a.records.Next(prev)
	for a.records.Next(current) != metadata.NoRecord && !a.records.Record(current).Freed {
		prev = current
		current = a.records.Next(current)
	}

	if !a.records.Record(current).Freed {
		return purgeEnd
	}

	a.records.Erase(prev, current)
	return purgeHasMore
}

// drain runs purgeStep until it runs out of work, then pulls the high-water mark back to the end
// of the last remaining record. Everything between the new mark and the old one is cleared, so
// memory past the mark is always zero.
func (a *Allocator) drain() {
	for a.purgeStep() == purgeHasMore {
	}

	newUsed := 0
	if last := a.records.Last(); last != metadata.NoRecord {
		newUsed = a.records.Record(last).End()
	}

	if newUsed < a.used {
		clear(Bytes(unsafe.Add(a.base, newUsed), a.used-newUsed))
		a.used = newUsed
	}
}

// shrink unmaps whole pages past the end of the last record. The region never shrinks below its
// first mapping, and an empty list shrinks it to exactly that size.
func (a *Allocator) shrink() {
	if a.base == nil {
		return
	}

	target := a.floor
	if last := a.records.Last(); last != metadata.NoRecord {
		end, err := memutils.RoundUpToPage(a.records.Record(last).End())
		if err != nil {
			panic(err)
		}

		if end > target {
			target = end
		}
	}

	if target >= a.capacity {
		return
	}

	excess := a.capacity - target
	a.release(target, excess)
	a.capacity = target

	a.logger.Debug("    Shrank region",
		slog.String("Released", humanize.IBytes(uint64(excess))),
		slog.Int("Pages", memutils.PageCount(a.capacity)),
		slog.String("Capacity", humanize.IBytes(uint64(a.capacity))))
}
