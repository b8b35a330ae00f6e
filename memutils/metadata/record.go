package metadata

import "unsafe"

// RecordHandle identifies an allocation record by the offset of its header from the start
// of the region.
type RecordHandle int

const (
	NoRecord RecordHandle = -1
)

// Record is the header written in front of every block in the region. Records form a singly
// linked list in ascending address order.
type Record struct {
	// Length is the payload size requested by the caller, not counting the header
	Length int
	// Start is the offset of the payload from the start of the region
	Start int
	// Freed is set once the caller has released the block
	Freed bool

	// next holds the header offset of the following record, or 0 for the tail. Offset 0 can
	// only ever belong to the first record, so it never names a successor.
	next RecordHandle
}

const (
	// HeaderSize is the number of bytes a Record occupies in front of its payload
	HeaderSize = int(unsafe.Sizeof(Record{}))
	// HeaderAlignment is the alignment every Record header is placed at
	HeaderAlignment = uint(unsafe.Alignof(Record{}))
)

// End returns the offset of the first byte after this record's payload
func (r *Record) End() int {
	return r.Start + r.Length
}

// RegionKind classifies the spans reported by List.VisitAllRegions
type RegionKind uint32

const (
	RegionAllocation RegionKind = iota
	RegionFreed
	RegionGap
)

var regionKindMapping = map[RegionKind]string{
	RegionAllocation: "Allocation",
	RegionFreed:      "Freed",
	RegionGap:        "Gap",
}

func (k RegionKind) String() string {
	return regionKindMapping[k]
}
