package pages

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/pagealloc/memutils"
)

// ArenaProvider is a Provider backed by a single slab of Go memory. The slab never moves, so it
// behaves like a reserved address window: spans are committed from its low end upward and handed
// back from the high end. It is used where anonymous mappings are not available and in tests.
type ArenaProvider struct {
	slab      []byte
	committed int
}

var _ Provider = &ArenaProvider{}

// NewArenaProvider creates an ArenaProvider that can commit at most size bytes. size is rounded up
// to a whole number of pages.
func NewArenaProvider(size int) (*ArenaProvider, error) {
	rounded, err := memutils.RoundUpToPage(size)
	if err != nil {
		return nil, err
	}
	if rounded == 0 {
		return nil, errors.New("arena provider requires a non-empty slab")
	}

	return &ArenaProvider{
		slab: make([]byte, rounded),
	}, nil
}

// Base returns the lowest address in the slab
func (p *ArenaProvider) Base() unsafe.Pointer {
	if p.slab == nil {
		return nil
	}
	return unsafe.Pointer(&p.slab[0])
}

// Committed returns the number of bytes currently mapped
func (p *ArenaProvider) Committed() int { return p.committed }

// Reserved returns the size of the slab
func (p *ArenaProvider) Reserved() int { return len(p.slab) }

func (p *ArenaProvider) Map(hint unsafe.Pointer, length int) (unsafe.Pointer, error) {
	if p.slab == nil {
		return nil, ErrClosed
	}
	if length <= 0 {
		return nil, errors.Newf("invalid mapping length %d", length)
	}

	if hint != nil && uintptr(hint) != uintptr(p.Base())+uintptr(p.committed) {
		return nil, errors.Wrapf(ErrNotContiguous, "hint %p, committed %d bytes at %p", hint, p.committed, p.Base())
	}

	if p.committed+length > len(p.slab) {
		return nil, errors.Wrapf(ErrReservationExhausted, "requested %d bytes with %d of %d committed",
			length, p.committed, len(p.slab))
	}

	span := p.slab[p.committed : p.committed+length]
	clear(span)
	p.committed += length

	return unsafe.Pointer(&span[0]), nil
}

func (p *ArenaProvider) Unmap(start unsafe.Pointer, length int) error {
	if p.slab == nil {
		return ErrClosed
	}

	offset := int(uintptr(start) - uintptr(p.Base()))
	if uintptr(start) < uintptr(p.Base()) || length < 0 || offset+length != p.committed {
		return errors.Wrapf(ErrOutOfRange, "span %p+%d, committed %d bytes at %p", start, length, p.committed, p.Base())
	}

	p.committed = offset
	return nil
}

// Close drops the slab. Every span handed out by this provider is invalid afterward.
func (p *ArenaProvider) Close() error {
	if p.slab == nil {
		return ErrClosed
	}
	p.slab = nil
	p.committed = 0
	return nil
}
