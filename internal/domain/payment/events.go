package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

// ClaimVerifiedEvent is emitted once the bank confirmed a claim.
type ClaimVerifiedEvent struct {
	ClaimID         string
	ReservationID   string
	ReferenceNumber string
	Amount          decimal.Decimal
	OccurredAt      time.Time
}

func (ClaimVerifiedEvent) EventName() string { return "payment.claim_verified" }

func NewClaimVerifiedEvent(c *Claim) ClaimVerifiedEvent {
	return ClaimVerifiedEvent{
		ClaimID:         c.ID,
		ReservationID:   c.ReservationID,
		ReferenceNumber: c.ReferenceNumber,
		Amount:          c.Amount,
		OccurredAt:      time.Now().UTC(),
	}
}

// ClaimEscalatedEvent is emitted when the retry budget ran out and an operator must decide.
type ClaimEscalatedEvent struct {
	ClaimID         string
	ReservationID   string
	ReferenceNumber string
	Attempts        int
	OccurredAt      time.Time
}

func (ClaimEscalatedEvent) EventName() string { return "payment.claim_escalated" }

func NewClaimEscalatedEvent(c *Claim) ClaimEscalatedEvent {
	return ClaimEscalatedEvent{
		ClaimID:         c.ID,
		ReservationID:   c.ReservationID,
		ReferenceNumber: c.ReferenceNumber,
		Attempts:        c.Attempts,
		OccurredAt:      time.Now().UTC(),
	}
}
