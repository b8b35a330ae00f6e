package heap

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/pagealloc/internal/utils"
	"github.com/vkngwrapper/pagealloc/memutils"
	"github.com/vkngwrapper/pagealloc/memutils/metadata"
	"github.com/vkngwrapper/pagealloc/pages"
	"golang.org/x/exp/slog"
)

// Allocator hands out spans of a single contiguous region of page-mapped memory. The region is
// mapped lazily on the first allocation, grows at its high end when no gap between existing
// records can hold a request, and gives trailing pages back to the provider as blocks are released.
//
// Every block is preceded by a metadata.Record header inside the region. Released blocks are
// reclaimed by unlinking their record, which leaves their span as a gap for later requests.
// Adjacent gaps are never merged.
type Allocator struct {
	logger      *slog.Logger
	mutex       utils.OptionalMutex
	provider    pages.Provider
	fatal       FatalHandler
	createFlags CreateFlags

	base     unsafe.Pointer
	capacity int
	used     int
	floor    int
	records  *metadata.List
}

var _ memutils.Validatable = &Allocator{}

func addressAttr(ptr unsafe.Pointer) slog.Attr {
	return slog.String("Address", fmt.Sprintf("%#x", uintptr(ptr)))
}

// Allocate returns the address of a span of at least size bytes. A size of 0 is valid and produces
// a zero-length block that still has to be released.
//
// Failing to map memory is fatal; see FatalHandler.
func (a *Allocator) Allocate(size int) (unsafe.Pointer, error) {
	a.logger.Debug("Allocator::Allocate", slog.Int("Size", size))

	if size < 0 || size > MaxAllocationSize {
		return nil, errors.Wrapf(ErrInvalidSize, "requested %d bytes", size)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.allocate(size, false), nil
}

// AllocateZeroed returns the address of a span of at least count*size bytes.
//
// Memory that is freshly mapped, or that lies past the region's high-water mark, is always zero.
// A request satisfied from a gap left by a reclaimed record is not cleared unless the allocator
// was created with CreateZeroReusedGaps.
func (a *Allocator) AllocateZeroed(count, size int) (unsafe.Pointer, error) {
	a.logger.Debug("Allocator::AllocateZeroed", slog.Int("Count", count), slog.Int("Size", size))

	if count < 0 || size < 0 {
		return nil, errors.Wrapf(ErrInvalidSize, "requested %d elements of %d bytes", count, size)
	}

	if size != 0 && count > MaxAllocationSize/size {
		return nil, errors.Wrapf(ErrSizeOverflow, "requested %d elements of %d bytes", count, size)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.allocate(count*size, true), nil
}

func (a *Allocator) allocate(size int, zeroed bool) unsafe.Pointer {
	a.ensureRegion(size)

	handle := a.findGap(size)
	if handle == metadata.NoRecord {
		handle = a.appendRecord(size)
	} else if zeroed && a.createFlags&CreateZeroReusedGaps != 0 {
		clear(a.payload(handle))
	}

	memutils.DebugValidate(a)

	ptr := unsafe.Add(a.base, a.records.Record(handle).Start)
	a.logger.Debug("    Allocated", addressAttr(ptr), slog.Int("Size", size), slog.Int("Header", int(handle)))
	return ptr
}

// Release returns the block at ptr to the allocator, reclaims every released record the purge
// can reach, and gives trailing pages back to the provider.
//
// An address that does not belong to a block is logged and reported with ErrUnknownAddress, and
// nothing changes. The same is true of ErrAlreadyReleased for a block that was released but is
// still waiting to be reclaimed.
//
// Failing to unmap memory is fatal; see FatalHandler.
func (a *Allocator) Release(ptr unsafe.Pointer) error {
	a.logger.Debug("Allocator::Release", addressAttr(ptr))

	a.mutex.Lock()
	defer a.mutex.Unlock()

	handle := a.findRecord(ptr)
	if handle == metadata.NoRecord {
		a.logger.Warn("failed to free memory", addressAttr(ptr))
		return errors.Wrapf(ErrUnknownAddress, "release %#x", uintptr(ptr))
	}

	if !a.markFreed(handle) {
		a.logger.Warn("failed to free memory that was already freed", addressAttr(ptr))
		return errors.Wrapf(ErrAlreadyReleased, "release %#x", uintptr(ptr))
	}

	a.drain()
	a.shrink()

	memutils.DebugValidate(a)
	return nil
}

// Bytes returns a byte slice over length bytes of allocator memory beginning at ptr.
func Bytes(ptr unsafe.Pointer, length int) []byte {
	if ptr == nil || length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(ptr), length)
}

func (a *Allocator) payload(handle metadata.RecordHandle) []byte {
	record := a.records.Record(handle)
	return Bytes(unsafe.Add(a.base, record.Start), record.Length)
}

// Capacity returns the number of bytes currently mapped for the region
func (a *Allocator) Capacity() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.capacity
}

// Used returns the region's high-water mark: the offset just past the last record appended to it
func (a *Allocator) Used() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.used
}

// Len returns the number of records in the region, including released records that have not
// been reclaimed yet
func (a *Allocator) Len() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.records.Len()
}

// Base returns the start of the region, or nil if nothing has been allocated yet
func (a *Allocator) Base() unsafe.Pointer {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.base
}

// Stats retrieves the region's current sizes and record counts
func (a *Allocator) Stats() memutils.Statistics {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	stats := memutils.Statistics{
		RegionBytes: a.capacity,
		UsedBytes:   a.used,
	}
	a.records.AddStatistics(&stats)
	return stats
}

// DetailedStats retrieves the region's current sizes and record counts, along with the size
// spread of live allocations and of the gaps between records
func (a *Allocator) DetailedStats() memutils.DetailedStatistics {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var stats memutils.DetailedStatistics
	stats.Clear()
	stats.RegionBytes = a.capacity
	stats.UsedBytes = a.used
	a.records.AddDetailedStatistics(&stats)
	return stats
}

// BuildStatsString returns a json document describing the region. When detailed is true, every
// record and gap in the region is listed.
func (a *Allocator) BuildStatsString(detailed bool) (string, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	writer := jwriter.NewWriter()
	obj := writer.Object()

	if detailed {
		err := a.records.PrintDetailedMap(&obj, a.capacity, a.used)
		if err != nil {
			return "", err
		}
	} else {
		stats := memutils.Statistics{
			RegionBytes: a.capacity,
			UsedBytes:   a.used,
		}
		a.records.AddStatistics(&stats)

		obj.Name("TotalBytes").Int(stats.RegionBytes)
		obj.Name("UsedBytes").Int(stats.UsedBytes)
		obj.Name("Records").Int(stats.RecordCount)
		obj.Name("Allocations").Int(stats.AllocationCount)
		obj.Name("AllocationBytes").Int(stats.AllocationBytes)
		obj.Name("Freed").Int(stats.FreedCount)
	}

	obj.End()
	if err := writer.Error(); err != nil {
		return "", err
	}

	return string(writer.Bytes()), nil
}

// Validate performs internal consistency checks on the region and its records. When the allocator
// is functioning correctly it should not be possible for this method to return an error.
func (a *Allocator) Validate() error {
	if a.base == nil {
		if a.capacity != 0 || a.used != 0 || !a.records.IsEmpty() {
			return errors.Newf("the region is unmapped but reports capacity %d, used %d and %d records",
				a.capacity, a.used, a.records.Len())
		}
		return nil
	}

	if a.capacity%memutils.PageSize != 0 {
		return errors.Newf("capacity %d is not a multiple of the page size %d", a.capacity, memutils.PageSize)
	}

	if a.used > a.capacity {
		return errors.Newf("used %d exceeds capacity %d", a.used, a.capacity)
	}

	if a.capacity < a.floor {
		return errors.Newf("capacity %d fell below the initial mapping of %d", a.capacity, a.floor)
	}

	err := a.records.Validate()
	if err != nil {
		return err
	}

	if head := a.records.Head(); head != metadata.NoRecord && head != 0 {
		return errors.Newf("the first record sits at offset %d instead of the region start", head)
	}

	if last := a.records.Last(); last != metadata.NoRecord {
		if end := a.records.Record(last).End(); end > a.used {
			return errors.Newf("the last record ends at %d, past the high-water mark %d", end, a.used)
		}
	}

	return nil
}

// Destroy gives the whole region back to the provider. It fails with ErrLiveAllocations while any
// allocation is still outstanding. The allocator may be used again afterward and will map a new
// region on the next allocation.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.base == nil {
		return nil
	}

	var live int
	for handle := a.records.Head(); handle != metadata.NoRecord; handle = a.records.Next(handle) {
		if !a.records.Record(handle).Freed {
			live++
		}
	}
	if live > 0 {
		return errors.Wrapf(ErrLiveAllocations, "%d allocations remain unreleased", live)
	}

	a.release(0, a.capacity)

	a.base = nil
	a.capacity = 0
	a.used = 0
	a.floor = 0
	a.records = metadata.NewList()
	return nil
}
