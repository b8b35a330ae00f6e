package memutils_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/pagealloc/memutils"
)

func TestRoundUpToPage(t *testing.T) {
	cases := map[int]int{
		0:    0,
		1:    4096,
		132:  4096,
		4095: 4096,
		4096: 4096,
		4097: 8192,
		8192: 8192,
	}

	for size, expected := range cases {
		rounded, err := memutils.RoundUpToPage(size)
		require.NoError(t, err)
		require.Equal(t, expected, rounded, "size %d", size)
	}

	_, err := memutils.RoundUpToPage(-1)
	require.True(t, errors.Is(err, memutils.NegativeSizeError))
}

func TestAlignUp(t *testing.T) {
	require.Equal(t, 0, memutils.AlignUp(0, 8))
	require.Equal(t, 8, memutils.AlignUp(1, 8))
	require.Equal(t, 136, memutils.AlignUp(132, 8))
	require.Equal(t, 3, memutils.PageCount(4096*2+1))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutils.CheckPow2(4096, "page"))
	err := memutils.CheckPow2(4095, "page")
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))
}

func TestStatisticsString(t *testing.T) {
	stats := memutils.Statistics{
		RegionBytes:     8192,
		UsedBytes:       4200,
		RecordCount:     3,
		AllocationCount: 2,
		AllocationBytes: 2048,
		FreedCount:      1,
	}

	require.Equal(t, "region=8.0 KiB used=4.1 KiB records=3 live=2 (2.0 KiB) freed=1", stats.String())
}

func TestDetailedStatisticsAdd(t *testing.T) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	stats.AddAllocation(100)
	stats.AddAllocation(40)
	stats.AddGap(232)

	var other memutils.DetailedStatistics
	other.Clear()
	other.AddGap(8)
	other.AddAllocation(500)

	stats.AddDetailedStatistics(&other)

	require.Equal(t, 3, stats.AllocationCount)
	require.Equal(t, 640, stats.AllocationBytes)
	require.Equal(t, 40, stats.AllocationSizeMin)
	require.Equal(t, 500, stats.AllocationSizeMax)
	require.Equal(t, 2, stats.GapCount)
	require.Equal(t, 240, stats.GapBytes)
	require.Equal(t, 8, stats.GapSizeMin)
	require.Equal(t, 232, stats.GapSizeMax)
}
