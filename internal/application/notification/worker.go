// Package notification reacts to engine events the shopper or an operator must hear about.
// Rendering and delivering the message belongs to the mail subsystem; this worker
// records what would be sent.
package notification

import (
	"context"

	"github.com/aemorandin-coder/electroweb-admission/internal/domain/order"
	domoutbox "github.com/aemorandin-coder/electroweb-admission/internal/domain/outbox"
	"github.com/aemorandin-coder/electroweb-admission/internal/domain/payment"
	"github.com/aemorandin-coder/electroweb-admission/internal/domain/reservation"
	"github.com/aemorandin-coder/electroweb-admission/internal/observability"
	"github.com/aemorandin-coder/electroweb-admission/internal/observability/logctx"
)

const notificationWorker = "notification_worker"

type Kind string

const (
	KindOrderConfirmation Kind = "order_confirmation"
	KindCheckoutExpired   Kind = "checkout_expired"
	KindManualReview      Kind = "manual_review"
)

// Audience tells the mail subsystem whether a shopper or the operations desk gets the message.
type Audience string

const (
	AudienceShopper  Audience = "shopper"
	AudienceOperator Audience = "operator"
)

type Notification struct {
	Kind      Kind
	Audience  Audience
	Recipient string
	Fields    []observability.Field
}

type Worker struct {
	subscriber domoutbox.Subscriber
	log        observability.Logger
}

func New(subscriber domoutbox.Subscriber, tel observability.Observability) *Worker {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Worker{
		subscriber: subscriber,
		log:        tel.Logger().With(observability.F("component", notificationWorker)),
	}
}

func (w *Worker) Start() {
	if w.subscriber == nil {
		return
	}
	w.subscriber.Subscribe(order.AdmittedEvent{}.EventName(), w.handleOrderAdmitted)
	w.subscriber.Subscribe(reservation.ExpiredEvent{}.EventName(), w.handleReservationExpired)
	w.subscriber.Subscribe(payment.ClaimEscalatedEvent{}.EventName(), w.handleClaimEscalated)
}

func (w *Worker) handleOrderAdmitted(ctx context.Context, e domoutbox.Event) error {
	evt, ok := e.(order.AdmittedEvent)
	if !ok {
		return nil
	}
	units := 0
	for _, l := range evt.Lines {
		units += l.Quantity
	}
	return w.dispatch(ctx, e, Notification{
		Kind:      KindOrderConfirmation,
		Audience:  AudienceShopper,
		Recipient: evt.CartOwnerID,
		Fields: []observability.Field{
			observability.F("order_id", evt.OrderID),
			observability.F("reservation_id", evt.ReservationID),
			observability.F("reference_number", evt.ReferenceNumber),
			observability.F("amount", evt.Amount.StringFixed(2)),
			observability.F("units", units),
		},
	})
}

func (w *Worker) handleReservationExpired(ctx context.Context, e domoutbox.Event) error {
	evt, ok := e.(reservation.ExpiredEvent)
	if !ok {
		return nil
	}
	return w.dispatch(ctx, e, Notification{
		Kind:      KindCheckoutExpired,
		Audience:  AudienceShopper,
		Recipient: evt.CartOwnerID,
		Fields: []observability.Field{
			observability.F("reservation_id", evt.ReservationID),
			observability.F("units", evt.Units),
		},
	})
}

func (w *Worker) handleClaimEscalated(ctx context.Context, e domoutbox.Event) error {
	evt, ok := e.(payment.ClaimEscalatedEvent)
	if !ok {
		return nil
	}
	return w.dispatch(ctx, e, Notification{
		Kind:     KindManualReview,
		Audience: AudienceOperator,
		Fields: []observability.Field{
			observability.F("claim_id", evt.ClaimID),
			observability.F("reservation_id", evt.ReservationID),
			observability.F("reference_number", evt.ReferenceNumber),
			observability.F("attempts", evt.Attempts),
		},
	})
}

func (w *Worker) dispatch(ctx context.Context, e domoutbox.Event, n Notification) error {
	logger := logctx.From(ctx, w.log).With(
		observability.F("event", e.EventName()),
	)
	fields := append([]observability.Field{
		observability.F("kind", string(n.Kind)),
		observability.F("audience", string(n.Audience)),
	}, n.Fields...)
	if n.Recipient != "" {
		fields = append(fields, observability.F("recipient", n.Recipient))
	}
	logger.Info("notification_dispatched", fields...)
	return nil
}
