package heap

import (
	"io"
	"math/bits"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/pagealloc/internal/utils"
	"github.com/vkngwrapper/pagealloc/memutils"
	"github.com/vkngwrapper/pagealloc/memutils/metadata"
	"github.com/vkngwrapper/pagealloc/pages"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = make(map[CreateFlags]string)

func (f CreateFlags) Register(str string) {
	createFlagsMapping[f] = str
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for remaining := uint32(f); remaining != 0; {
		bit := CreateFlags(1 << bits.TrailingZeros32(remaining))
		remaining &^= uint32(bit)

		name, ok := createFlagsMapping[bit]
		if !ok {
			name = "Unknown"
		}
		names = append(names, name)
	}

	return strings.Join(names, "|")
}

const (
	// CreateSynchronized guards every public operation of the allocator with a single mutex, covering
	// list traversal, mutation, growth and shrinking as one critical section. Without it the allocator
	// must only be used from one goroutine at a time.
	CreateSynchronized CreateFlags = 1 << iota
	// CreateZeroReusedGaps makes AllocateZeroed clear memory carved out of a gap left by a reclaimed
	// record. By default only freshly mapped memory is guaranteed to be zero, and a zeroed allocation
	// placed into a gap may still hold bytes written by an earlier owner.
	CreateZeroReusedGaps
)

func init() {
	CreateSynchronized.Register("CreateSynchronized")
	CreateZeroReusedGaps.Register("CreateZeroReusedGaps")
}

// MaxAllocationSize is the largest payload, in bytes, that a single allocation may request
const MaxAllocationSize int = 1 << 40

// FatalHandler is called when the operating system refuses to map or unmap memory. The
// allocator's invariants no longer hold at that point. If the handler returns, the allocator
// panics with the same *pages.FatalError.
type FatalHandler func(err *pages.FatalError)

// ExitProcess is the default FatalHandler. It terminates the process with the error's exit status.
func ExitProcess(err *pages.FatalError) {
	os.Exit(err.Code)
}

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// FatalHandler is called when mapping or unmapping fails. It defaults to ExitProcess.
	FatalHandler FatalHandler
}

// New creates a new Allocator. No memory is mapped until the first allocation.
//
// logger - Receives diagnostics. A nil logger discards them.
//
// provider - The source of page-granularity memory for the region
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, provider pages.Provider, options CreateOptions) (*Allocator, error) {
	if provider == nil {
		return nil, errors.New("heap.New requires a page provider")
	}

	memutils.DebugCheckPow2(metadata.HeaderAlignment, "record header alignment")

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	fatal := options.FatalHandler
	if fatal == nil {
		fatal = ExitProcess
	}

	logger.Debug("Allocator::New", slog.String("Flags", options.Flags.String()))

	return &Allocator{
		logger:      logger,
		mutex:       utils.OptionalMutex{UseMutex: options.Flags&CreateSynchronized != 0},
		provider:    provider,
		fatal:       fatal,
		createFlags: options.Flags,
		records:     metadata.NewList(),
	}, nil
}
