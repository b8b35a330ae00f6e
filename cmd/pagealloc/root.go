package main

import (
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/pagealloc/heap"
	"github.com/vkngwrapper/pagealloc/pages"
	"golang.org/x/exp/slog"
)

var (
	// Global flags
	verbose      bool
	jsonOut      bool
	reserveSize  string
	synchronized bool
	zeroReused   bool
)

var rootCmd = &cobra.Command{
	Use:   "pagealloc",
	Short: "Drive a page-mapped first-fit allocator",
	Long: `pagealloc runs workloads against an allocator whose memory comes directly
from anonymous page mappings. Workloads are either read from a script or generated
at random, and the allocator's region is validated and reported as they run.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log every allocator operation")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&reserveSize, "reserve", humanize.IBytes(uint64(pages.DefaultReservation)),
		"Address space reserved for the region, e.g. 64MiB")
	rootCmd.PersistentFlags().BoolVar(&synchronized, "synchronized", false, "Guard the allocator with a mutex")
	rootCmd.PersistentFlags().BoolVar(&zeroReused, "zero-reused", false,
		"Clear gap memory handed out by zeroed allocations")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func createFlags() heap.CreateFlags {
	var flags heap.CreateFlags
	if synchronized {
		flags |= heap.CreateSynchronized
	}
	if zeroReused {
		flags |= heap.CreateZeroReusedGaps
	}
	return flags
}

// openAllocator creates an allocator over a system provider sized by the --reserve flag. The
// returned function tears both down.
func openAllocator() (*heap.Allocator, func() error, error) {
	reservation, err := humanize.ParseBytes(reserveSize)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "invalid --reserve %q", reserveSize)
	}

	provider, err := pages.NewSystemProvider(int(reservation))
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create page provider")
	}

	allocator, err := heap.New(newLogger(os.Stderr), provider, heap.CreateOptions{Flags: createFlags()})
	if err != nil {
		_ = provider.Close()
		return nil, nil, err
	}

	return allocator, provider.Close, nil
}

// printInfo prints a message to w
func printInfo(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, format, args...)
}
