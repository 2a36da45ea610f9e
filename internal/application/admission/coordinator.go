// Package admission turns a paid checkout into an admitted order. It holds no state
// of its own: reservations and claims belong to their managers.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aemorandin-coder/electroweb-admission/internal/application"
	apppay "github.com/aemorandin-coder/electroweb-admission/internal/application/payment"
	appres "github.com/aemorandin-coder/electroweb-admission/internal/application/reservation"
	"github.com/aemorandin-coder/electroweb-admission/internal/domain/order"
	domoutbox "github.com/aemorandin-coder/electroweb-admission/internal/domain/outbox"
	dompay "github.com/aemorandin-coder/electroweb-admission/internal/domain/payment"
	"github.com/aemorandin-coder/electroweb-admission/internal/domain/reservation"
	"github.com/aemorandin-coder/electroweb-admission/internal/observability"
)

const (
	coordinatorService = "admission-coordinator"

	useCaseStartCheckout  = "admission.start_checkout"
	useCaseConfirmPayment = "admission.confirm_payment"
	useCaseRetryPayment   = "admission.retry_payment"
	useCaseCancelCheckout = "admission.cancel_checkout"
)

var (
	ErrPaymentRejected = errors.New("admission: payment rejected")
	ErrRetryLater      = apppay.ErrRetryLater
	// ErrHoldExpired means the bank confirmed the transfer after the stock went back on sale.
	// The claim stays VERIFIED and is never replayed against a new checkout.
	ErrHoldExpired = errors.New("admission: payment verified but hold expired")
)

// PaymentError carries the shopper-facing verdict alongside the failure.
type PaymentError struct {
	Verdict *apppay.Verdict
	Err     error
}

func (e *PaymentError) Error() string {
	if e.Verdict != nil && e.Verdict.Reason != "" {
		return fmt.Sprintf("%v: %s", e.Err, e.Verdict.Reason)
	}
	return e.Err.Error()
}

func (e *PaymentError) Unwrap() error { return e.Err }

// Reservations is the part of the reservation manager the coordinator drives.
type Reservations interface {
	Open(ctx context.Context, in appres.OpenInput) (*reservation.Reservation, error)
	Commit(ctx context.Context, reservationID, claimID string) (orderID string, replayed bool, err error)
	Release(ctx context.Context, reservationID string) error
	Get(ctx context.Context, reservationID string) (*reservation.Reservation, error)
}

type Payments interface {
	Submit(ctx context.Context, in apppay.SubmitInput) (*apppay.Verdict, error)
	Retry(ctx context.Context, claimID string) (*apppay.Verdict, error)
	Get(ctx context.Context, claimID string) (*dompay.Claim, error)
}

type CartLine struct {
	ProductID string
	Quantity  int
}

type Cart struct {
	OwnerID   string
	Lines     []CartLine
	AmountDue decimal.Decimal
}

type Checkout struct {
	ReservationID string
	ExpiresAt     time.Time
}

type Admission struct {
	OrderID string
	ClaimID string
}

type Coordinator struct {
	reservations Reservations
	payments     Payments
	in           application.Instrumentation
	events       application.Events
}

func NewCoordinator(reservations Reservations, payments Payments, publisher domoutbox.Publisher, tel observability.Observability) *Coordinator {
	return &Coordinator{
		reservations: reservations,
		payments:     payments,
		in:           application.NewInstrumentation(tel, coordinatorService),
		events:       application.NewEvents(publisher, tel),
	}
}

func (c *Coordinator) StartCheckout(ctx context.Context, cart Cart) (_ *Checkout, err error) {
	ctx, call := c.in.Start(ctx, useCaseStartCheckout, "StartCheckout",
		attribute.String("cart.owner_id", cart.OwnerID),
		attribute.Int("cart.lines", len(cart.Lines)),
	)
	call.With(observability.F("cart_owner_id", cart.OwnerID))
	defer func() { call.End(err) }()

	items := make([]reservation.Item, 0, len(cart.Lines))
	for _, l := range cart.Lines {
		items = append(items, reservation.Item{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	res, err := c.reservations.Open(ctx, appres.OpenInput{
		CartOwnerID: cart.OwnerID,
		Items:       items,
		AmountDue:   cart.AmountDue,
	})
	if err != nil {
		call.Fail("RESERVATION_OPEN_FAILED")
		return nil, err
	}
	call.With(observability.F("reservation_id", res.ID))
	return &Checkout{ReservationID: res.ID, ExpiresAt: res.ExpiresAt}, nil
}

// ConfirmPayment verifies the shopper's transfer and, only once the bank confirmed it,
// commits the reservation into an order.
func (c *Coordinator) ConfirmPayment(ctx context.Context, reservationID string, fields dompay.Fields) (_ *Admission, err error) {
	ctx, call := c.in.Start(ctx, useCaseConfirmPayment, "ConfirmPayment",
		attribute.String("reservation.id", reservationID),
	)
	call.With(observability.F("reservation_id", reservationID))
	defer func() { call.End(err) }()

	verdict, err := c.payments.Submit(ctx, apppay.SubmitInput{ReservationID: reservationID, Fields: fields})
	return c.settle(ctx, call, reservationID, verdict, err)
}

// RetryPayment asks the bank again about a claim it could not answer before.
func (c *Coordinator) RetryPayment(ctx context.Context, claimID string) (_ *Admission, err error) {
	ctx, call := c.in.Start(ctx, useCaseRetryPayment, "RetryPayment",
		attribute.String("payment.claim_id", claimID),
	)
	call.With(observability.F("claim_id", claimID))
	defer func() { call.End(err) }()

	claim, err := c.payments.Get(ctx, claimID)
	if err != nil {
		call.Fail("CLAIM_LOOKUP_FAILED")
		return nil, err
	}
	call.With(observability.F("reservation_id", claim.ReservationID))

	verdict, err := c.payments.Retry(ctx, claimID)
	if verdict != nil && verdict.State == dompay.StateVerified && errors.Is(err, apppay.ErrInvalidState) {
		// verified earlier but the commit never happened or its answer was lost
		err = nil
	}
	return c.settle(ctx, call, claim.ReservationID, verdict, err)
}

func (c *Coordinator) settle(ctx context.Context, call *application.Call, reservationID string, verdict *apppay.Verdict, err error) (*Admission, error) {
	if verdict != nil {
		call.With(
			observability.F("claim_id", verdict.ClaimID),
			observability.F("claim_state", string(verdict.State)),
		)
	}
	if err != nil {
		if verdict == nil {
			if errors.Is(err, dompay.ErrLiveClaim) {
				call.Fail("PAYMENT_IN_PROGRESS")
			} else {
				call.Fail("PAYMENT_SUBMIT_FAILED")
			}
			return nil, err
		}
		switch {
		case errors.Is(err, ErrRetryLater):
			call.Fail("PAYMENT_RETRY_LATER")
		case errors.Is(err, dompay.ErrDuplicateReference):
			call.Fail("PAYMENT_DUPLICATE")
		default:
			call.Fail("PAYMENT_SUBMIT_FAILED")
		}
		return nil, &PaymentError{Verdict: verdict, Err: err}
	}
	if verdict.State != dompay.StateVerified {
		call.Fail("PAYMENT_REJECTED")
		call.With(observability.F("reason", string(verdict.Reason)))
		return nil, &PaymentError{Verdict: verdict, Err: ErrPaymentRejected}
	}

	res, err := c.reservations.Get(ctx, reservationID)
	if err != nil {
		call.Fail("RESERVATION_LOOKUP_FAILED")
		return nil, err
	}

	orderID, replayed, err := c.reservations.Commit(ctx, reservationID, verdict.ClaimID)
	if err != nil {
		if errors.Is(err, appres.ErrExpired) || errors.Is(err, appres.ErrInvalidState) {
			call.Fail("HOLD_EXPIRED")
			call.Log.Error("verified_payment_without_hold",
				observability.F("reservation_id", reservationID),
				observability.F("claim_id", verdict.ClaimID),
			)
			return nil, fmt.Errorf("%w: reservation %s, claim %s", ErrHoldExpired, reservationID, verdict.ClaimID)
		}
		call.Fail("RESERVATION_COMMIT_FAILED")
		return nil, err
	}
	call.With(observability.F("order_id", orderID))
	call.Span.SetAttributes(attribute.String("order.id", orderID))
	if replayed {
		// the caller that committed has already announced the order
		call.Status("IDEMPOTENT_REPLAY")
		return &Admission{OrderID: orderID, ClaimID: verdict.ClaimID}, nil
	}
	c.publishAdmitted(ctx, call, res, orderID, verdict.ClaimID)
	return &Admission{OrderID: orderID, ClaimID: verdict.ClaimID}, nil
}

func (c *Coordinator) publishAdmitted(ctx context.Context, call *application.Call, res *reservation.Reservation, orderID, claimID string) {
	ev := order.AdmittedEvent{
		OrderID:       orderID,
		ReservationID: res.ID,
		CartOwnerID:   res.CartOwnerID,
		ClaimID:       claimID,
		OccurredAt:    time.Now().UTC(),
	}
	for _, it := range res.Items {
		ev.Lines = append(ev.Lines, order.Line{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	if claim, err := c.payments.Get(ctx, claimID); err == nil {
		ev.ReferenceNumber = claim.ReferenceNumber
		ev.GatewayReference = claim.GatewayReference
		ev.Amount = claim.Amount
	} else {
		call.Log.Warn("admitted_event_claim_lookup_failed",
			observability.F("claim_id", claimID),
			observability.Err(err),
		)
	}
	c.events.Publish(ctx, call, ev)
}

// CancelCheckout gives the held stock back. Cancelling a settled checkout changes nothing.
func (c *Coordinator) CancelCheckout(ctx context.Context, reservationID string) (err error) {
	ctx, call := c.in.Start(ctx, useCaseCancelCheckout, "CancelCheckout",
		attribute.String("reservation.id", reservationID),
	)
	call.With(observability.F("reservation_id", reservationID))
	defer func() { call.End(err) }()

	if err := c.reservations.Release(ctx, reservationID); err != nil {
		call.Fail("RESERVATION_RELEASE_FAILED")
		return err
	}
	return nil
}
