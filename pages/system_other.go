//go:build !linux

package pages

// DefaultReservation is the size of the slab used by a SystemProvider when none is requested.
// It is equal to 64MiB.
const DefaultReservation int = 64 << 20

// SystemProvider falls back to a Go memory slab on platforms without the Linux mapping flags
// the address window depends on.
type SystemProvider struct {
	*ArenaProvider
}

// NewSystemProvider creates a SystemProvider whose region can grow to at most reservation bytes.
// A reservation of 0 selects DefaultReservation.
func NewSystemProvider(reservation int) (*SystemProvider, error) {
	if reservation == 0 {
		reservation = DefaultReservation
	}

	arena, err := NewArenaProvider(reservation)
	if err != nil {
		return nil, err
	}

	return &SystemProvider{ArenaProvider: arena}, nil
}
