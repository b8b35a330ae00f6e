package main

import (
	"io"
	"math/rand"
	"sort"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/pagealloc/heap"
	"github.com/vkngwrapper/pagealloc/memutils"
)

var (
	stressOps     int
	stressSeed    int64
	stressMaxSize string
	stressRuns    int
)

func init() {
	cmd := newStressCmd()
	cmd.Flags().IntVar(&stressOps, "ops", 10000, "Number of allocate/release operations")
	cmd.Flags().Int64Var(&stressSeed, "seed", 1, "Random seed")
	cmd.Flags().StringVar(&stressMaxSize, "max-size", "4KiB", "Largest single allocation")
	cmd.Flags().IntVar(&stressRuns, "runs", 1, "Number of workloads to run, each seeded one higher than the last")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run a randomized allocate/release workload",
		Long: `The stress command allocates and releases blocks at random, validating the
allocator after every operation. Every live block is filled with its own byte pattern
and checked before it is released, and no two live blocks may overlap. At the end all
remaining blocks are released and the region's capacity is reported. With --runs, the
workloads run back to back on the same allocator and their reports are merged.

Example:
  pagealloc stress --ops 100000 --seed 42
  pagealloc stress --max-size 64KiB --json
  pagealloc stress --runs 8 --seed 100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			maxSize, err := parseSize(stressMaxSize)
			if err != nil {
				return errors.Wrapf(err, "invalid --max-size %q", stressMaxSize)
			}

			allocator, closeProvider, err := openAllocator()
			if err != nil {
				return err
			}
			defer closeProvider()

			var total stressResult
			total.Peak.Clear()
			for run := 0; run < stressRuns; run++ {
				options := stressOptions{Ops: stressOps, Seed: stressSeed + int64(run), MaxSize: maxSize}

				result, err := runStress(allocator, options)
				if err != nil {
					return errors.Wrapf(err, "run %d (seed %d)", run, options.Seed)
				}
				total.merge(result)
			}

			return total.print(cmd.OutOrStdout())
		},
	}
	return cmd
}

type stressOptions struct {
	Ops     int
	Seed    int64
	MaxSize int
}

type stressResult struct {
	Runs            int
	Allocations     int
	Releases        int
	PeakLive        int
	PeakCapacity    int
	InitialCapacity int
	FinalCapacity   int

	// Peak is the region's detailed statistics at the moment its capacity peaked, summed over runs
	Peak memutils.DetailedStatistics
}

// merge folds the report of a later run into r
func (r *stressResult) merge(other stressResult) {
	if r.Runs == 0 {
		r.InitialCapacity = other.InitialCapacity
	}

	r.Runs += other.Runs
	r.Allocations += other.Allocations
	r.Releases += other.Releases
	if other.PeakLive > r.PeakLive {
		r.PeakLive = other.PeakLive
	}
	if other.PeakCapacity > r.PeakCapacity {
		r.PeakCapacity = other.PeakCapacity
	}
	r.FinalCapacity = other.FinalCapacity
	r.Peak.AddDetailedStatistics(&other.Peak)
}

type stressBlock struct {
	ptr     unsafe.Pointer
	size    int
	pattern byte
}

func checkPattern(block stressBlock) error {
	for i, b := range heap.Bytes(block.ptr, block.size) {
		if b != block.pattern {
			return errors.Newf("block at %p holds 0x%02x at offset %d, expected 0x%02x", block.ptr, b, i, block.pattern)
		}
	}
	return nil
}

func checkOverlap(blocks []stressBlock) error {
	sorted := make([]stressBlock, len(blocks))
	copy(sorted, blocks)
	sort.Slice(sorted, func(i, j int) bool {
		return uintptr(sorted[i].ptr) < uintptr(sorted[j].ptr)
	})

	for i := 1; i < len(sorted); i++ {
		end := uintptr(sorted[i-1].ptr) + uintptr(sorted[i-1].size)
		if end > uintptr(sorted[i].ptr) {
			return errors.Newf("block at %p overlaps block at %p", sorted[i-1].ptr, sorted[i].ptr)
		}
	}
	return nil
}

// runStress drives a randomized workload against allocator and releases every block it still
// holds before returning
func runStress(allocator *heap.Allocator, options stressOptions) (stressResult, error) {
	result := stressResult{Runs: 1}
	result.Peak.Clear()
	if options.MaxSize < 1 {
		return result, errors.New("the largest allocation must be at least one byte")
	}

	rng := rand.New(rand.NewSource(options.Seed))
	var live []stressBlock

	for op := 0; op < options.Ops; op++ {
		if len(live) == 0 || rng.Intn(100) < 55 {
			size := rng.Intn(options.MaxSize + 1)
			ptr, err := allocator.Allocate(size)
			if err != nil {
				return result, err
			}
			if result.InitialCapacity == 0 {
				result.InitialCapacity = allocator.Capacity()
			}

			block := stressBlock{ptr: ptr, size: size, pattern: byte(rng.Intn(255) + 1)}
			payload := heap.Bytes(block.ptr, block.size)
			for i := range payload {
				payload[i] = block.pattern
			}

			live = append(live, block)
			result.Allocations++
		} else {
			index := rng.Intn(len(live))
			block := live[index]
			live[index] = live[len(live)-1]
			live = live[:len(live)-1]

			if err := checkPattern(block); err != nil {
				return result, err
			}
			if err := allocator.Release(block.ptr); err != nil {
				return result, err
			}
			result.Releases++
		}

		if err := allocator.Validate(); err != nil {
			return result, errors.Wrapf(err, "region is inconsistent after operation %d", op)
		}
		if err := checkOverlap(live); err != nil {
			return result, errors.Wrapf(err, "operation %d", op)
		}

		if len(live) > result.PeakLive {
			result.PeakLive = len(live)
		}
		if capacity := allocator.Capacity(); capacity > result.PeakCapacity {
			result.PeakCapacity = capacity
			result.Peak = allocator.DetailedStats()
		}
	}

	for _, block := range live {
		if err := checkPattern(block); err != nil {
			return result, err
		}
		if err := allocator.Release(block.ptr); err != nil {
			return result, err
		}
		result.Releases++
	}

	if err := allocator.Validate(); err != nil {
		return result, errors.Wrap(err, "region is inconsistent after releasing every block")
	}

	result.FinalCapacity = allocator.Capacity()
	return result, nil
}

func (r stressResult) print(out io.Writer) error {
	if jsonOut {
		writer := jwriter.NewWriter()
		obj := writer.Object()
		obj.Name("Runs").Int(r.Runs)
		obj.Name("Allocations").Int(r.Allocations)
		obj.Name("Releases").Int(r.Releases)
		obj.Name("PeakLive").Int(r.PeakLive)
		obj.Name("InitialCapacity").Int(r.InitialCapacity)
		obj.Name("PeakCapacity").Int(r.PeakCapacity)
		obj.Name("FinalCapacity").Int(r.FinalCapacity)
		obj.Name("PeakGaps").Int(r.Peak.GapCount)
		obj.Name("PeakGapBytes").Int(r.Peak.GapBytes)
		obj.End()
		if err := writer.Error(); err != nil {
			return err
		}

		printInfo(out, "%s\n", writer.Bytes())
		return nil
	}

	printInfo(out, "runs:        %d\n", r.Runs)
	printInfo(out, "allocations: %s\n", humanize.Comma(int64(r.Allocations)))
	printInfo(out, "releases:    %s\n", humanize.Comma(int64(r.Releases)))
	printInfo(out, "peak live:   %s\n", humanize.Comma(int64(r.PeakLive)))
	printInfo(out, "capacity:    initial %s, peak %s, final %s\n",
		humanize.IBytes(uint64(r.InitialCapacity)),
		humanize.IBytes(uint64(r.PeakCapacity)),
		humanize.IBytes(uint64(r.FinalCapacity)))
	printInfo(out, "at peak:     %s gaps=%d (%s)\n",
		r.Peak.Statistics, r.Peak.GapCount, humanize.IBytes(uint64(r.Peak.GapBytes)))
	return nil
}
