package payment

import (
	"context"

	"github.com/aemorandin-coder/electroweb-admission/internal/domain/reservation"
)

// ReservationReader is how the processor checks that a claim still has a live hold to pay for.
type ReservationReader interface {
	Get(ctx context.Context, id string) (*reservation.Reservation, error)
}

type IDGenerator interface {
	NewID() string
}
