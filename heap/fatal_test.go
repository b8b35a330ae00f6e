package heap_test

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/pagealloc/heap"
	"github.com/vkngwrapper/pagealloc/pages"
	"github.com/vkngwrapper/pagealloc/pages/mocks"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

type fatalRecorder struct {
	errs []*pages.FatalError
}

func (r *fatalRecorder) handle(err *pages.FatalError) {
	r.errs = append(r.errs, err)
}

func TestMapFailureIsFatal(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)

	refused := errors.New("cannot allocate memory")
	provider.EXPECT().Map(gomock.Any(), 4096).Return(unsafe.Pointer(nil), refused)

	var logs bytes.Buffer
	recorder := &fatalRecorder{}
	allocator, err := heap.New(slog.New(slog.NewTextHandler(&logs, nil)), provider, heap.CreateOptions{
		FatalHandler: recorder.handle,
	})
	require.NoError(t, err)

	require.Panics(t, func() {
		_, _ = allocator.Allocate(100)
	})

	require.Len(t, recorder.errs, 1)
	fatal := recorder.errs[0]
	require.Equal(t, pages.ExitMapFailed, fatal.Code)
	require.Equal(t, "map_alloc", fatal.Op)
	require.True(t, errors.Is(fatal, refused))
	require.Contains(t, logs.String(), "level=ERROR")
}

func TestGrowthFailureIsFatal(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)

	arena, err := pages.NewArenaProvider(4096)
	require.NoError(t, err)

	gomock.InOrder(
		provider.EXPECT().Map(gomock.Any(), 4096).DoAndReturn(arena.Map),
		provider.EXPECT().Map(gomock.Any(), 4096).DoAndReturn(arena.Map),
	)

	recorder := &fatalRecorder{}
	allocator, err := heap.New(nil, provider, heap.CreateOptions{FatalHandler: recorder.handle})
	require.NoError(t, err)

	allocate(t, allocator, 3000)

	require.Panics(t, func() {
		_, _ = allocator.Allocate(3000)
	})

	require.Len(t, recorder.errs, 1)
	require.Equal(t, pages.ExitMapFailed, recorder.errs[0].Code)
	require.True(t, errors.Is(recorder.errs[0], pages.ErrReservationExhausted))
}

func TestUnmapFailureIsFatal(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)

	arena, err := pages.NewArenaProvider(4 * 4096)
	require.NoError(t, err)

	refused := errors.New("invalid argument")
	provider.EXPECT().Map(gomock.Any(), gomock.Any()).DoAndReturn(arena.Map).Times(2)
	provider.EXPECT().Unmap(gomock.Any(), 4096).DoAndReturn(func(start unsafe.Pointer, length int) error {
		require.Equal(t, unsafe.Add(arena.Base(), 4096), start)
		return refused
	})

	recorder := &fatalRecorder{}
	allocator, err := heap.New(nil, provider, heap.CreateOptions{FatalHandler: recorder.handle})
	require.NoError(t, err)

	allocate(t, allocator, 3000)
	tail := allocate(t, allocator, 3000)
	require.Equal(t, 2*4096, allocator.Capacity())

	require.Panics(t, func() {
		_ = allocator.Release(tail)
	})

	require.Len(t, recorder.errs, 1)
	fatal := recorder.errs[0]
	require.Equal(t, pages.ExitUnmapFailed, fatal.Code)
	require.Equal(t, "munmap", fatal.Op)
	require.True(t, errors.Is(fatal, refused))
}

func TestFatalPanicCarriesError(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().Map(gomock.Any(), gomock.Any()).Return(unsafe.Pointer(nil), errors.New("no memory"))

	allocator, err := heap.New(nil, provider, heap.CreateOptions{
		FatalHandler: func(err *pages.FatalError) {},
	})
	require.NoError(t, err)

	defer func() {
		recovered := recover()
		fatal, ok := recovered.(*pages.FatalError)
		require.True(t, ok, "recovered %v", recovered)
		require.Equal(t, pages.ExitMapFailed, fatal.Code)
	}()

	_, _ = allocator.AllocateZeroed(4, 4)
	t.Fatal("allocation should not return after a fatal error")
}
