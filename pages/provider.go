// Package pages supplies page-granularity anonymous memory to the allocator in package heap.
//
// A Provider hands out read/write spans at a requested address hint and takes trailing spans
// back. A nil hint lets the provider choose where the first span lives; every later request
// passes the end of the current region as a fixed hint so that the region only ever grows
// and shrinks at its high end.
package pages

import (
	"fmt"
	"unsafe"

	"github.com/pkg/errors"
)

//go:generate mockgen -source provider.go -destination mocks/mock_provider.go -package mocks

// Provider maps and unmaps anonymous memory.
type Provider interface {
	// Map commits length bytes of zeroed read/write memory. When hint is nil the provider
	// chooses the address. Otherwise the span must begin exactly at hint, and an error is
	// returned if that is not possible.
	Map(hint unsafe.Pointer, length int) (unsafe.Pointer, error)
	// Unmap gives length bytes beginning at start back to the operating system.
	Unmap(start unsafe.Pointer, length int) error
}

const (
	// ExitMapFailed is the process exit status used when the operating system refuses to map memory
	ExitMapFailed int = 3
	// ExitUnmapFailed is the process exit status used when the operating system refuses to unmap memory
	ExitUnmapFailed int = 4
)

var (
	// ErrReservationExhausted is returned by providers when a fixed mapping would run past the end
	// of the address window they manage
	ErrReservationExhausted = errors.New("address reservation exhausted")
	// ErrNotContiguous is returned by providers when a fixed mapping does not begin at the end of
	// the currently committed span
	ErrNotContiguous = errors.New("mapping hint is not contiguous with the committed span")
	// ErrOutOfRange is returned when a span passed to Unmap is not inside the committed span
	ErrOutOfRange = errors.New("span is outside of the committed region")
	// ErrClosed is returned by providers that have already released their address window
	ErrClosed = errors.New("provider is closed")
)

// FatalError describes a failure of the operating system's mapping primitives. The allocator
// cannot keep its invariants after one of these, so the process is expected to terminate
// with Code as its exit status.
type FatalError struct {
	Op   string
	Code int
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s failed (exit status %d): %v", e.Op, e.Code, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// MapFailure wraps an error returned from Provider.Map
func MapFailure(err error) *FatalError {
	return &FatalError{Op: "map_alloc", Code: ExitMapFailed, Err: err}
}

// UnmapFailure wraps an error returned from Provider.Unmap
func UnmapFailure(err error) *FatalError {
	return &FatalError{Op: "munmap", Code: ExitUnmapFailed, Err: err}
}
