package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Line is one product on an admitted order.
type Line struct {
	ProductID string
	Quantity  int
}

// AdmittedEvent is emitted once a verified payment committed its reservation.
// The notification subsystem renders confirmation emails from it.
type AdmittedEvent struct {
	OrderID          string
	ReservationID    string
	CartOwnerID      string
	ClaimID          string
	ReferenceNumber  string
	GatewayReference string
	Amount           decimal.Decimal
	Lines            []Line
	OccurredAt       time.Time
}

func (AdmittedEvent) EventName() string { return "order.admitted" }
