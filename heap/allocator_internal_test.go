package heap

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/pagealloc/memutils/metadata"
	"github.com/vkngwrapper/pagealloc/pages"
)

type recordSnapshot struct {
	Header metadata.RecordHandle
	Length int
	Freed  bool
}

func snapshot(a *Allocator) []recordSnapshot {
	var records []recordSnapshot
	for handle := a.records.Head(); handle != metadata.NoRecord; handle = a.records.Next(handle) {
		record := a.records.Record(handle)
		records = append(records, recordSnapshot{Header: handle, Length: record.Length, Freed: record.Freed})
	}
	return records
}

func createInternalAllocator(t *testing.T) *Allocator {
	provider, err := pages.NewArenaProvider(16 * 4096)
	require.NoError(t, err)

	allocator, err := New(nil, provider, CreateOptions{
		FatalHandler: func(err *pages.FatalError) {
			t.Errorf("unexpected fatal error: %+v", err)
		},
	})
	require.NoError(t, err)
	return allocator
}

func markAt(t *testing.T, a *Allocator, ptr unsafe.Pointer) {
	handle := a.findRecord(ptr)
	require.NotEqual(t, metadata.NoRecord, handle)
	require.True(t, a.markFreed(handle))
}

func TestPurgeStepRemovesOneRecord(t *testing.T) {
	a := createInternalAllocator(t)

	var ptrs []unsafe.Pointer
	for i := 0; i < 4; i++ {
		ptrs = append(ptrs, a.allocate(64, false))
	}

	markAt(t, a, ptrs[1])
	markAt(t, a, ptrs[2])

	require.Equal(t, purgeHasMore, a.purgeStep())
	require.Equal(t, 3, a.records.Len())
	require.Equal(t, purgeHasMore, a.purgeStep())
	require.Equal(t, 2, a.records.Len())
	require.Equal(t, purgeEnd, a.purgeStep())
	require.Equal(t, 2, a.records.Len())
}

func TestPurgeStepSkipsHead(t *testing.T) {
	a := createInternalAllocator(t)

	head := a.allocate(64, false)
	tail := a.allocate(64, false)

	markAt(t, a, head)
	require.Equal(t, purgeEnd, a.purgeStep())
	require.Equal(t, 2, a.records.Len())

	markAt(t, a, tail)
	require.Equal(t, purgeHasMore, a.purgeStep())
	require.Equal(t, 1, a.records.Len())

	require.Equal(t, purgeEnd, a.purgeStep())
	require.Equal(t, 0, a.records.Len())
	require.Equal(t, metadata.NoRecord, a.records.Head())

	require.Equal(t, purgeEnd, a.purgeStep())
}

func TestPurgeStepErasesTerminalRecord(t *testing.T) {
	a := createInternalAllocator(t)

	a.allocate(64, false)
	a.allocate(64, false)
	tail := a.allocate(64, false)

	markAt(t, a, tail)
	require.Equal(t, purgeHasMore, a.purgeStep())
	require.Equal(t, 2, a.records.Len())
	require.Equal(t, purgeEnd, a.purgeStep())
}

func TestDrainIsIdempotent(t *testing.T) {
	a := createInternalAllocator(t)

	var ptrs []unsafe.Pointer
	for i := 0; i < 6; i++ {
		ptrs = append(ptrs, a.allocate(100*(i+1), false))
	}
	markAt(t, a, ptrs[0])
	markAt(t, a, ptrs[2])
	markAt(t, a, ptrs[5])

	a.drain()
	first := snapshot(a)
	used := a.used

	a.drain()
	require.Equal(t, first, snapshot(a))
	require.Equal(t, used, a.used)

	require.Len(t, first, 4)
	require.True(t, first[0].Freed)
	require.NoError(t, a.Validate())
}

func TestShrinkKeepsFloor(t *testing.T) {
	a := createInternalAllocator(t)

	ptr := a.allocate(5000, false)
	require.Equal(t, 2*4096, a.capacity)
	require.Equal(t, 2*4096, a.floor)

	markAt(t, a, ptr)
	a.drain()
	a.shrink()
	require.Equal(t, 2*4096, a.capacity)

	a.allocate(10, false)
	big := a.allocate(9000, false)
	require.Equal(t, 3*4096, a.capacity)

	markAt(t, a, big)
	a.drain()
	a.shrink()
	require.Equal(t, 2*4096, a.capacity)
	require.Equal(t, 1, a.records.Len())
	require.NoError(t, a.Validate())
}
