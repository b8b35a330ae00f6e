package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

// PageSize is the granularity, in bytes, at which memory is requested from and returned
// to the operating system. It is part of the allocator's observable contract and does not
// follow the host's actual page size.
const PageSize int = 4096

type Number interface {
	~int | ~uint | ~uintptr
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// RoundUpToPage rounds a byte count up to the nearest multiple of PageSize.
func RoundUpToPage(size int) (int, error) {
	if size < 0 {
		return 0, cerrors.Wrapf(NegativeSizeError, "cannot round %d up to a page", size)
	}
	return AlignUp(size, uint(PageSize)), nil
}

// PageCount returns the number of whole pages required to hold size bytes.
func PageCount(size int) int {
	return AlignUp(size, uint(PageSize)) / PageSize
}
