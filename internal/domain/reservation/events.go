package reservation

import "time"

// HeldEvent is emitted when a checkout acquires its stock holds.
type HeldEvent struct {
	ReservationID string
	CartOwnerID   string
	Items         []Item
	ExpiresAt     time.Time
	OccurredAt    time.Time
}

func (HeldEvent) EventName() string { return "reservation.held" }

func NewHeldEvent(r *Reservation) HeldEvent {
	return HeldEvent{
		ReservationID: r.ID,
		CartOwnerID:   r.CartOwnerID,
		Items:         append([]Item(nil), r.Items...),
		ExpiresAt:     r.ExpiresAt,
		OccurredAt:    time.Now().UTC(),
	}
}

// ExpiredEvent is emitted when the sweeper (or a late commit) reclaims an unpaid hold.
type ExpiredEvent struct {
	ReservationID string
	CartOwnerID   string
	Units         int
	OccurredAt    time.Time
}

func (ExpiredEvent) EventName() string { return "reservation.expired" }

func NewExpiredEvent(r *Reservation) ExpiredEvent {
	return ExpiredEvent{
		ReservationID: r.ID,
		CartOwnerID:   r.CartOwnerID,
		Units:         r.TotalUnits(),
		OccurredAt:    time.Now().UTC(),
	}
}
