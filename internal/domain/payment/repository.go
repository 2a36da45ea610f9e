package payment

import "context"

type Repository interface {
	// Insert stores a new claim. It fails with ErrDuplicateReference when another
	// claim already holds the same ReferenceLock, otherwise with ErrLiveClaim when
	// another claim holds the same LiveLock. Checks and insert are one atomic step.
	Insert(ctx context.Context, c *Claim) error
	Get(ctx context.Context, id string) (*Claim, error)
	// Update persists c only if the stored Version equals c.Version, then bumps it.
	Update(ctx context.Context, c *Claim) error
	AppendAttempt(ctx context.Context, a Attempt) error
	Attempts(ctx context.Context, claimID string) ([]Attempt, error)
	ListManualReview(ctx context.Context, limit int) ([]*Claim, error)
	ListByReservation(ctx context.Context, reservationID string) ([]*Claim, error)
}
