package heap_test

import (
	"math/rand"
	"sort"
	"sync"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/pagealloc/heap"
	"github.com/vkngwrapper/pagealloc/memutils"
)

type liveBlock struct {
	ptr     unsafe.Pointer
	size    int
	pattern byte
}

func requireNoOverlap(t *testing.T, blocks []liveBlock) {
	sorted := make([]liveBlock, len(blocks))
	copy(sorted, blocks)
	sort.Slice(sorted, func(i, j int) bool {
		return uintptr(sorted[i].ptr) < uintptr(sorted[j].ptr)
	})

	for i := 1; i < len(sorted); i++ {
		prevEnd := uint64(uintptr(sorted[i-1].ptr)) + uint64(sorted[i-1].size)
		require.LessOrEqual(t, prevEnd, uint64(uintptr(sorted[i].ptr)), "blocks %d and %d overlap", i-1, i)
	}
}

func requireRegionInvariants(t *testing.T, allocator *heap.Allocator) {
	require.NoError(t, allocator.Validate())
	require.Zero(t, allocator.Capacity()%memutils.PageSize)
	require.LessOrEqual(t, allocator.Used(), allocator.Capacity())
}

func TestRandomWorkload(t *testing.T) {
	for _, seed := range []int64{1, 7, 1234, 98765} {
		rng := rand.New(rand.NewSource(seed))
		allocator, provider := createAllocator(t, 1024, 0)

		var live []liveBlock
		initialCapacity := 0

		for op := 0; op < 2000; op++ {
			if len(live) == 0 || rng.Intn(100) < 55 {
				size := rng.Intn(2048)
				ptr := allocate(t, allocator, size)
				if initialCapacity == 0 {
					initialCapacity = allocator.Capacity()
				}

				block := liveBlock{ptr: ptr, size: size, pattern: byte(rng.Intn(255) + 1)}
				fill(block.ptr, block.size, block.pattern)
				live = append(live, block)
			} else {
				index := rng.Intn(len(live))
				block := live[index]
				live[index] = live[len(live)-1]
				live = live[:len(live)-1]

				requireFilled(t, block.ptr, block.size, block.pattern)
				require.NoError(t, allocator.Release(block.ptr))

				err := allocator.Release(block.ptr)
				require.True(t, errors.Is(err, heap.ErrUnknownAddress) || errors.Is(err, heap.ErrAlreadyReleased))
			}

			requireRegionInvariants(t, allocator)
			requireNoOverlap(t, live)
			require.Equal(t, provider.Committed(), allocator.Capacity())
		}

		for _, block := range live {
			requireFilled(t, block.ptr, block.size, block.pattern)
		}

		rng.Shuffle(len(live), func(i, j int) {
			live[i], live[j] = live[j], live[i]
		})
		for _, block := range live {
			require.NoError(t, allocator.Release(block.ptr))
			requireRegionInvariants(t, allocator)
		}

		require.Equal(t, 0, allocator.Len())
		require.Equal(t, 0, allocator.Used())
		require.LessOrEqual(t, allocator.Capacity(), initialCapacity+memutils.PageSize)
	}
}

func TestAllocateReleaseRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 8, 100, 4000, 4064, 4065, 20000} {
		allocator, _ := createAllocator(t, 16, 0)

		ptr := allocate(t, allocator, size)
		capacity := allocator.Capacity()

		require.NoError(t, allocator.Release(ptr))
		require.Equal(t, 0, allocator.Len(), "size %d", size)
		require.Equal(t, capacity, allocator.Capacity(), "size %d", size)
	}
}

func TestSynchronizedAllocator(t *testing.T) {
	allocator, _ := createAllocator(t, 2048, heap.CreateSynchronized)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(int64(worker)))
			pattern := byte(worker + 1)
			var mine []liveBlock

			for op := 0; op < 500; op++ {
				if len(mine) == 0 || rng.Intn(2) == 0 {
					size := rng.Intn(512) + 1
					ptr, err := allocator.Allocate(size)
					if err != nil {
						errs <- err
						return
					}
					fill(ptr, size, pattern)
					mine = append(mine, liveBlock{ptr: ptr, size: size, pattern: pattern})
					continue
				}

				block := mine[len(mine)-1]
				mine = mine[:len(mine)-1]
				for _, b := range heap.Bytes(block.ptr, block.size) {
					if b != pattern {
						errs <- errors.Newf("worker %d found byte %#x in its block", worker, b)
						return
					}
				}
				if err := allocator.Release(block.ptr); err != nil {
					errs <- err
					return
				}
			}

			for _, block := range mine {
				if err := allocator.Release(block.ptr); err != nil {
					errs <- err
					return
				}
			}
		}(worker)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, 0, allocator.Len())
	requireRegionInvariants(t, allocator)
}
