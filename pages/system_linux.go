//go:build linux

package pages

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/pagealloc/memutils"
	"golang.org/x/sys/unix"
)

// DefaultReservation is the size of the address window reserved by a SystemProvider when
// none is requested. It is equal to 1GiB.
const DefaultReservation int = 1 << 30

// SystemProvider maps anonymous memory straight from the kernel.
//
// On the first Map it reserves an address window with PROT_NONE and MAP_NORESERVE, which costs no
// memory. Spans are then committed read/write inside that window with MAP_FIXED, so growing at a
// fixed hint can never clobber a mapping that belongs to someone else. Unmap decommits a span by
// mapping PROT_NONE over it, which drops the pages while keeping the window reserved.
type SystemProvider struct {
	reservation int
	window      unsafe.Pointer
	committed   int
	closed      bool
}

var _ Provider = &SystemProvider{}

// NewSystemProvider creates a SystemProvider whose region can grow to at most reservation bytes.
// A reservation of 0 selects DefaultReservation.
func NewSystemProvider(reservation int) (*SystemProvider, error) {
	if reservation == 0 {
		reservation = DefaultReservation
	}

	rounded, err := memutils.RoundUpToPage(reservation)
	if err != nil {
		return nil, err
	}

	hostPageSize := unix.Getpagesize()
	if memutils.PageSize%hostPageSize != 0 {
		return nil, errors.Newf("host page size %d does not divide the allocator page size %d", hostPageSize, memutils.PageSize)
	}

	return &SystemProvider{reservation: rounded}, nil
}

// Committed returns the number of bytes currently mapped read/write
func (p *SystemProvider) Committed() int { return p.committed }

// Reserved returns the size of the address window
func (p *SystemProvider) Reserved() int { return p.reservation }

func (p *SystemProvider) reserve() error {
	window, err := unix.MmapPtr(-1, 0, nil, uintptr(p.reservation),
		unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return errors.Wrapf(err, "reserving %d bytes of address space", p.reservation)
	}

	p.window = window
	return nil
}

func (p *SystemProvider) Map(hint unsafe.Pointer, length int) (unsafe.Pointer, error) {
	if p.closed {
		return nil, ErrClosed
	}
	if length <= 0 || length%memutils.PageSize != 0 {
		return nil, errors.Newf("invalid mapping length %d", length)
	}

	if p.window == nil {
		if hint != nil {
			return nil, errors.Wrapf(ErrNotContiguous, "hint %p before any address space was reserved", hint)
		}

		err := p.reserve()
		if err != nil {
			return nil, err
		}
	}

	if hint != nil && uintptr(hint) != uintptr(p.window)+uintptr(p.committed) {
		return nil, errors.Wrapf(ErrNotContiguous, "hint %p, committed %d bytes at %p", hint, p.committed, p.window)
	}

	if p.committed+length > p.reservation {
		return nil, errors.Wrapf(ErrReservationExhausted, "requested %d bytes with %d of %d committed",
			length, p.committed, p.reservation)
	}

	addr := unsafe.Add(p.window, p.committed)
	mapped, err := unix.MmapPtr(-1, 0, addr, uintptr(length),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED)
	if err != nil {
		return nil, errors.Wrapf(err, "mapping %d bytes at %p", length, addr)
	}
	if mapped != addr {
		return nil, errors.AssertionFailedf("fixed mapping at %p landed at %p", addr, mapped)
	}

	p.committed += length
	return mapped, nil
}

func (p *SystemProvider) Unmap(start unsafe.Pointer, length int) error {
	if p.closed || p.window == nil {
		return ErrClosed
	}

	offset := int(uintptr(start) - uintptr(p.window))
	if uintptr(start) < uintptr(p.window) || length <= 0 || offset+length != p.committed {
		return errors.Wrapf(ErrOutOfRange, "span %p+%d, committed %d bytes at %p", start, length, p.committed, p.window)
	}

	_, err := unix.MmapPtr(-1, 0, start, uintptr(length),
		unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED|unix.MAP_NORESERVE)
	if err != nil {
		return errors.Wrapf(err, "decommitting %d bytes at %p", length, start)
	}

	p.committed = offset
	return nil
}

// Close unmaps the entire address window. Every span handed out by this provider is invalid afterward.
func (p *SystemProvider) Close() error {
	if p.closed {
		return ErrClosed
	}
	p.closed = true

	if p.window == nil {
		return nil
	}

	err := unix.MunmapPtr(p.window, uintptr(p.reservation))
	p.window = nil
	p.committed = 0
	return err
}
