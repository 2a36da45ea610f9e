package reservation

import (
	"context"
	"time"
)

type Repository interface {
	Insert(ctx context.Context, r *Reservation) error
	Get(ctx context.Context, id string) (*Reservation, error)
	// Update persists r only if the stored Version equals r.Version, then bumps it.
	// A stale write fails with ErrConflict.
	Update(ctx context.Context, r *Reservation) error
	// ListDue returns HELD reservations whose ExpiresAt is before now, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Reservation, error)
}
