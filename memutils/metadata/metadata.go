package metadata

import (
	"unsafe"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/pagealloc/memutils"
)

// List is the ordered sequence of allocation records living inside a mapped region. The
// headers themselves are stored in the region; List only remembers the region base, the
// first record and an index from payload offset to header so releases do not have to walk.
//
// List performs no bounds checking against the mapped size of the region. Callers place
// records and are responsible for keeping them inside committed memory.
type List struct {
	base  unsafe.Pointer
	head  RecordHandle
	count int
	index *swiss.Map[int, RecordHandle]
}

var _ memutils.Validatable = &List{}

// NewList creates an empty List. It must be given a region with Init before records are created.
func NewList() *List {
	return &List{
		head:  NoRecord,
		index: swiss.NewMap[int, RecordHandle](42),
	}
}

// Init binds the list to the region starting at base. Any records already tracked are forgotten.
func (l *List) Init(base unsafe.Pointer) {
	l.base = base
	l.head = NoRecord
	l.count = 0
	l.index = swiss.NewMap[int, RecordHandle](42)
}

// Head returns the first record, or NoRecord if the list is empty
func (l *List) Head() RecordHandle { return l.head }

// Len returns the number of records in the list, live or freed
func (l *List) Len() int { return l.count }

// IsEmpty returns true if there are no records in the list
func (l *List) IsEmpty() bool { return l.head == NoRecord }

// Record returns the header for a handle. The pointer is only valid while the record is in the list.
func (l *List) Record(handle RecordHandle) *Record {
	return (*Record)(unsafe.Add(l.base, int(handle)))
}

// Next returns the record following handle, or NoRecord if handle is the tail
func (l *List) Next(handle RecordHandle) RecordHandle {
	next := l.Record(handle).next
	if next == 0 {
		return NoRecord
	}
	return next
}

// Last walks the list and returns the tail record, or NoRecord if the list is empty
func (l *List) Last() RecordHandle {
	if l.head == NoRecord {
		return NoRecord
	}

	current := l.head
	for next := l.Next(current); next != NoRecord; next = l.Next(current) {
		current = next
	}
	return current
}

// Create writes a fresh header at offset describing a payload of length bytes. The record is
// not linked into the list until it is passed to InsertAfter or Append.
func (l *List) Create(offset int, length int) RecordHandle {
	handle := RecordHandle(offset)
	record := l.Record(handle)
	*record = Record{
		Length: length,
		Start:  offset + HeaderSize,
	}

	return handle
}

// InsertAfter links handle between prev and the record that currently follows prev
func (l *List) InsertAfter(prev RecordHandle, handle RecordHandle) {
	prevRecord := l.Record(prev)
	l.Record(handle).next = prevRecord.next
	prevRecord.next = handle
	l.track(handle)
}

// Append links handle as the new tail. last must be the current tail, or NoRecord if the list is
// empty, in which case handle becomes the head.
func (l *List) Append(last RecordHandle, handle RecordHandle) {
	l.Record(handle).next = 0
	if last == NoRecord {
		l.head = handle
	} else {
		l.Record(last).next = handle
	}
	l.track(handle)
}

// Erase zeroes the header of handle and splices it out from behind prev
func (l *List) Erase(prev RecordHandle, handle RecordHandle) {
	record := l.Record(handle)
	l.Record(prev).next = record.next
	l.untrack(record)
	*record = Record{}
}

// EraseHead zeroes the header of the head record and empties the list. It must only be called
// when the head is the sole record.
func (l *List) EraseHead() {
	if l.head == NoRecord {
		return
	}

	record := l.Record(l.head)
	l.untrack(record)
	*record = Record{}
	l.head = NoRecord
}

// Find returns the record whose payload begins at start, or NoRecord
func (l *List) Find(start int) RecordHandle {
	if l.index == nil {
		return NoRecord
	}

	handle, ok := l.index.Get(start)
	if !ok {
		return NoRecord
	}
	return handle
}

func (l *List) track(handle RecordHandle) {
	l.index.Put(l.Record(handle).Start, handle)
	l.count++
}

func (l *List) untrack(record *Record) {
	l.index.Delete(record.Start)
	l.count--
}

// Validate performs internal consistency checks on the list: ascending, non-overlapping records,
// headers that sit directly in front of their payloads, and an index that agrees with the chain.
func (l *List) Validate() error {
	if l.head == NoRecord {
		if l.count != 0 {
			return errors.Errorf("the list has no head but counts %d records", l.count)
		}
		if l.index.Count() != 0 {
			return errors.Errorf("the list has no head but its index holds %d records", l.index.Count())
		}
		return nil
	}

	if l.base == nil {
		return errors.New("the list has records but no region")
	}

	var walked int
	prevEnd := 0
	for handle := l.head; handle != NoRecord; handle = l.Next(handle) {
		record := l.Record(handle)
		walked++

		if uint(handle)%HeaderAlignment != 0 {
			return errors.Errorf("record at offset %d is not aligned to %d", handle, HeaderAlignment)
		}

		if int(handle) < prevEnd {
			return errors.Errorf("record at offset %d overlaps the previous payload ending at %d", handle, prevEnd)
		}

		if record.Start != int(handle)+HeaderSize {
			return errors.Errorf("record at offset %d has payload offset %d, expected %d", handle, record.Start, int(handle)+HeaderSize)
		}

		if record.Length < 0 {
			return errors.Errorf("record at offset %d has negative length %d", handle, record.Length)
		}

		if record.next != 0 && record.next <= handle {
			return errors.Errorf("record at offset %d links backward to offset %d", handle, record.next)
		}

		indexed, ok := l.index.Get(record.Start)
		if !ok || indexed != handle {
			return errors.Errorf("record at offset %d is missing from the index", handle)
		}

		prevEnd = record.End()
	}

	if walked != l.count {
		return errors.Errorf("the list counts %d records, but %d are linked", l.count, walked)
	}

	if l.index.Count() != walked {
		return errors.Errorf("the index holds %d records, but %d are linked", l.index.Count(), walked)
	}

	return nil
}

// VisitAllRegions calls the provided callback once for each record and each gap between records,
// in address order. Gaps are reported with NoRecord and are measured from the end of one payload
// to the next header. A record's offset and size describe its payload.
func (l *List) VisitAllRegions(handleRegion func(handle RecordHandle, offset int, size int, kind RegionKind) error) error {
	var prev *Record
	for handle := l.head; handle != NoRecord; handle = l.Next(handle) {
		record := l.Record(handle)

		if prev != nil && int(handle) > prev.End() {
			err := handleRegion(NoRecord, prev.End(), int(handle)-prev.End(), RegionGap)
			if err != nil {
				return err
			}
		}

		kind := RegionAllocation
		if record.Freed {
			kind = RegionFreed
		}

		err := handleRegion(handle, record.Start, record.Length, kind)
		if err != nil {
			return err
		}

		prev = record
	}

	return nil
}

// AddStatistics sums this list's record counts into the provided memutils.Statistics object.
func (l *List) AddStatistics(stats *memutils.Statistics) {
	for handle := l.head; handle != NoRecord; handle = l.Next(handle) {
		record := l.Record(handle)
		stats.RecordCount++

		if record.Freed {
			stats.FreedCount++
			continue
		}

		stats.AllocationCount++
		stats.AllocationBytes += record.Length
	}
}

// AddDetailedStatistics sums this list's records and gaps into the provided
// memutils.DetailedStatistics object.
func (l *List) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	_ = l.VisitAllRegions(func(handle RecordHandle, offset int, size int, kind RegionKind) error {
		switch kind {
		case RegionGap:
			stats.AddGap(size)
		case RegionFreed:
			stats.RecordCount++
			stats.FreedCount++
		default:
			stats.RecordCount++
			stats.AddAllocation(size)
		}
		return nil
	})
}

// PrintDetailedMap populates a json object with a summary of the list and every region in it.
func (l *List) PrintDetailedMap(json *jwriter.ObjectState, regionBytes int, usedBytes int) error {
	var stats memutils.DetailedStatistics
	stats.Clear()
	l.AddDetailedStatistics(&stats)

	json.Name("TotalBytes").Int(regionBytes)
	json.Name("UsedBytes").Int(usedBytes)
	json.Name("HeaderBytes").Int(HeaderSize)
	json.Name("Records").Int(stats.RecordCount)
	json.Name("Allocations").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("Freed").Int(stats.FreedCount)
	json.Name("Gaps").Int(stats.GapCount)
	json.Name("GapBytes").Int(stats.GapBytes)

	regions := json.Name("Regions").Array()
	defer regions.End()

	return l.VisitAllRegions(func(handle RecordHandle, offset int, size int, kind RegionKind) error {
		obj := regions.Object()
		defer obj.End()

		obj.Name("Offset").Int(offset)
		obj.Name("Type").String(kind.String())
		obj.Name("Size").Int(size)
		if handle != NoRecord {
			obj.Name("Header").Int(int(handle))
		}
		return nil
	})
}
