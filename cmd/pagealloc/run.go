package main

import (
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/pagealloc/heap"
)

var runDetailed bool

func init() {
	cmd := newRunCmd()
	cmd.Flags().BoolVar(&runDetailed, "detailed", false, "List every record and gap in the final report")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <script>",
		Short: "Execute a workload script",
		Long: `The run command executes a workload script against a fresh allocator,
one command per line:

  alloc NAME SIZE          allocate SIZE bytes (sizes like 4KiB are accepted)
  calloc NAME COUNT SIZE   allocate COUNT*SIZE zeroed bytes
  free NAME                release a block
  fill NAME BYTE           write BYTE over a block
  check NAME BYTE          fail unless every byte of a block equals BYTE
  stats                    print the region's statistics

Everything after a # is ignored. The region is validated after every command.

Example:
  pagealloc run workload.txt
  pagealloc run workload.txt --json --detailed`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScript(args[0], cmd.OutOrStdout())
		},
	}
	return cmd
}

func runScript(path string, out io.Writer) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "failed to open script")
	}
	defer file.Close()

	commands, err := parseScript(file)
	if err != nil {
		return err
	}

	allocator, closeProvider, err := openAllocator()
	if err != nil {
		return err
	}
	defer closeProvider()

	return executeScript(allocator, commands, out)
}

func executeScript(allocator *heap.Allocator, commands []scriptCommand, out io.Writer) error {
	s := newSession(allocator, out)
	for _, command := range commands {
		if err := s.exec(command); err != nil {
			return errors.Wrapf(err, "line %d", command.Line)
		}
		if err := allocator.Validate(); err != nil {
			return errors.Wrapf(err, "region is inconsistent after line %d", command.Line)
		}
	}

	return report(allocator, s.live(), out)
}

func report(allocator *heap.Allocator, live []string, out io.Writer) error {
	if jsonOut {
		doc, err := allocator.BuildStatsString(runDetailed)
		if err != nil {
			return err
		}
		printInfo(out, "%s\n", doc)
		return nil
	}

	printInfo(out, "%s\n", allocator.Stats())
	if len(live) > 0 {
		printInfo(out, "live blocks: %v\n", live)
	}

	if runDetailed {
		stats := allocator.DetailedStats()
		printInfo(out, "gaps=%d (%d bytes)", stats.GapCount, stats.GapBytes)
		if stats.AllocationCount > 0 {
			printInfo(out, " allocation sizes %d..%d", stats.AllocationSizeMin, stats.AllocationSizeMax)
		}
		printInfo(out, "\n")
	}

	return nil
}
