package heap

import "github.com/pkg/errors"

var (
	// ErrUnknownAddress is returned from Allocator.Release when the address does not belong to any
	// record in the region
	ErrUnknownAddress = errors.New("address does not match any allocation")
	// ErrAlreadyReleased is returned from Allocator.Release when the address belongs to a record that
	// was already released but has not been reclaimed yet
	ErrAlreadyReleased = errors.New("allocation was already released")
	// ErrInvalidSize is returned when a requested size is negative or larger than MaxAllocationSize
	ErrInvalidSize = errors.New("invalid allocation size")
	// ErrSizeOverflow is returned from Allocator.AllocateZeroed when count*size does not fit in
	// MaxAllocationSize
	ErrSizeOverflow = errors.New("allocation size overflows")
	// ErrLiveAllocations is returned from Allocator.Destroy while allocations are still outstanding
	ErrLiveAllocations = errors.New("allocator still has live allocations")
)
