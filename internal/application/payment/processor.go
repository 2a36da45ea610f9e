// Package payment verifies shopper-reported mobile transfers against the bank.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aemorandin-coder/electroweb-admission/internal/application"
	domoutbox "github.com/aemorandin-coder/electroweb-admission/internal/domain/outbox"
	dompay "github.com/aemorandin-coder/electroweb-admission/internal/domain/payment"
	"github.com/aemorandin-coder/electroweb-admission/internal/domain/reservation"
	"github.com/aemorandin-coder/electroweb-admission/internal/observability"
	"github.com/aemorandin-coder/electroweb-admission/internal/pkg/clock"
)

const (
	processorService = "payment-processor"

	useCaseSubmit       = "payment.submit"
	useCaseRetry        = "payment.retry"
	useCaseGet          = "payment.get"
	useCaseAttempts     = "payment.attempts"
	useCaseManualReview = "payment.manual_review"

	DefaultMaxAttempts = 3
	manualReviewLimit  = 100
)

var (
	ErrNotFound           = dompay.ErrNotFound
	ErrInvalidClaim       = dompay.ErrInvalidClaim
	ErrDuplicateReference = dompay.ErrDuplicateReference
	ErrLiveClaim          = dompay.ErrLiveClaim
	ErrInvalidState       = dompay.ErrInvalidState
	ErrConflict           = dompay.ErrConflict
	// ErrRetryLater means the bank could not be asked this time; the claim keeps its place.
	ErrRetryLater = errors.New("payment: verification unavailable, retry later")
)

// Verdict is what the shopper is told about a claim.
type Verdict struct {
	ClaimID      string
	State        dompay.State
	Reason       dompay.Reason
	Message      string
	ManualReview bool
	RetryLater   bool
	Attempts     int
}

func VerdictOf(c *dompay.Claim) *Verdict {
	return &Verdict{
		ClaimID:      c.ID,
		State:        c.State,
		Reason:       c.Reason,
		Message:      c.Reason.Message(),
		ManualReview: c.ManualReview,
		RetryLater:   c.State == dompay.StateVerifying,
		Attempts:     c.Attempts,
	}
}

type Options struct {
	MaxAttempts int
	// Location is the bank's timezone; claim dates are compared by calendar day there.
	Location *time.Location
	Clock    clock.Clock
}

type SubmitInput struct {
	ReservationID string
	Fields        dompay.Fields
}

type Processor struct {
	repo         dompay.Repository
	reservations ReservationReader
	gateway      dompay.Gateway
	ids          IDGenerator
	clock        clock.Clock
	loc          *time.Location
	maxAttempts  int

	in     application.Instrumentation
	events application.Events
	claims observability.Counter // payment_claims_total{state}
}

func NewProcessor(
	repo dompay.Repository,
	reservations ReservationReader,
	gateway dompay.Gateway,
	ids IDGenerator,
	publisher domoutbox.Publisher,
	tel observability.Observability,
	opts Options,
) *Processor {
	if tel == nil {
		tel = observability.Nop()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	return &Processor{
		repo:         repo,
		reservations: reservations,
		gateway:      gateway,
		ids:          ids,
		clock:        opts.Clock,
		loc:          opts.Location,
		maxAttempts:  opts.MaxAttempts,
		in:           application.NewInstrumentation(tel, processorService),
		events:       application.NewEvents(publisher, tel),
		claims:       tel.Metrics().Counter(observability.MPaymentClaims),
	}
}

// Submit records a claim and runs its first verification attempt.
//
// Rejections come back as a verdict with a nil error. A reference already in use returns
// the DUPLICATE verdict with ErrDuplicateReference; an unreachable bank returns the
// VERIFYING verdict with ErrRetryLater. Malformed fields fail with ErrInvalidClaim and a
// reservation that already has a live claim fails with ErrLiveClaim; both leave nothing
// behind and never reach the bank.
func (p *Processor) Submit(ctx context.Context, in SubmitInput) (_ *Verdict, err error) {
	ctx, call := p.in.Start(ctx, useCaseSubmit, "SubmitClaim",
		attribute.String("reservation.id", in.ReservationID),
	)
	call.With(observability.F("reservation_id", in.ReservationID))
	defer func() { call.End(err) }()

	now := p.clock.Now()
	fields := in.Fields.Normalize()
	if err := fields.Validate(now.In(p.loc)); err != nil {
		call.Fail("CLAIM_INVALID")
		return nil, err
	}
	call.With(observability.F("reference_number", fields.ReferenceNumber))

	res, err := p.reservations.Get(ctx, in.ReservationID)
	if err != nil {
		call.Fail("RESERVATION_LOOKUP_FAILED")
		return nil, fmt.Errorf("payment: submit: %w", err)
	}

	claim, err := dompay.NewClaim(p.ids.NewID(), res.ID, fields, now)
	if err != nil {
		call.Fail("CLAIM_INVALID")
		return nil, err
	}
	call.With(observability.F("claim_id", claim.ID))
	call.Span.SetAttributes(attribute.String("payment.claim_id", claim.ID))

	// the insert takes the reference and the reservation's live slot in one step
	if err := p.repo.Insert(ctx, claim); err != nil {
		switch {
		case errors.Is(err, ErrDuplicateReference):
			claim.MarkDuplicate(now)
			if insErr := p.repo.Insert(ctx, claim); insErr != nil {
				call.Fail("REPO_INSERT_FAILED")
				return nil, fmt.Errorf("payment: record duplicate: %w", insErr)
			}
			p.count(claim)
			call.Fail("DUPLICATE_REFERENCE")
			return VerdictOf(claim), ErrDuplicateReference
		case errors.Is(err, ErrLiveClaim):
			call.Fail("LIVE_CLAIM_EXISTS")
			return nil, fmt.Errorf("payment: submit: %w", err)
		default:
			call.Fail("REPO_INSERT_FAILED")
			return nil, fmt.Errorf("payment: submit: %w", err)
		}
	}

	if !held(res, now) {
		// the bank is never asked, so the reference goes free for a later checkout
		if err := claim.Reject(dompay.ReasonReservationNotHeld, now); err != nil {
			call.Fail("STATE_TRANSITION_FAILED")
			return nil, err
		}
		if err := p.repo.Update(ctx, claim); err != nil {
			call.Fail("REPO_UPDATE_FAILED")
			return nil, fmt.Errorf("payment: submit: %w", err)
		}
		p.count(claim)
		call.Status("RESERVATION_NOT_HELD")
		return VerdictOf(claim), nil
	}

	return p.attempt(ctx, call, claim, res.AmountDue)
}

// Retry runs one more verification attempt for a claim the bank could not answer.
func (p *Processor) Retry(ctx context.Context, claimID string) (_ *Verdict, err error) {
	ctx, call := p.in.Start(ctx, useCaseRetry, "RetryClaim",
		attribute.String("payment.claim_id", claimID),
	)
	call.With(observability.F("claim_id", claimID))
	defer func() { call.End(err) }()

	claim, err := p.repo.Get(ctx, claimID)
	if err != nil {
		call.Fail("CLAIM_LOOKUP_FAILED")
		return nil, fmt.Errorf("payment: retry: %w", err)
	}
	call.With(observability.F("reservation_id", claim.ReservationID))
	if claim.State != dompay.StateVerifying {
		call.Fail("CLAIM_" + string(claim.State))
		return VerdictOf(claim), fmt.Errorf("%w: claim is %s", ErrInvalidState, claim.State)
	}

	now := p.clock.Now()
	res, err := p.reservations.Get(ctx, claim.ReservationID)
	if err != nil && !errors.Is(err, reservation.ErrNotFound) {
		call.Fail("RESERVATION_LOOKUP_FAILED")
		return nil, fmt.Errorf("payment: retry: %w", err)
	}
	if res == nil || !held(res, now) {
		if err := claim.Reject(dompay.ReasonReservationNotHeld, now); err != nil {
			call.Fail("STATE_TRANSITION_FAILED")
			return nil, err
		}
		if err := p.repo.Update(ctx, claim); err != nil {
			call.Fail("REPO_UPDATE_FAILED")
			return nil, fmt.Errorf("payment: retry: %w", err)
		}
		p.count(claim)
		call.Status("RESERVATION_NOT_HELD")
		return VerdictOf(claim), nil
	}

	return p.attempt(ctx, call, claim, res.AmountDue)
}

// attempt performs one gateway round trip for claim and persists where it landed.
// Two callers racing on the same claim cannot both reach the bank: the VERIFYING
// write is versioned and the loser gets ErrConflict. A transfer the bank confirms
// must also cover due, the reservation's amount.
func (p *Processor) attempt(ctx context.Context, call *application.Call, claim *dompay.Claim, due decimal.Decimal) (*Verdict, error) {
	if err := claim.BeginAttempt(p.clock.Now()); err != nil {
		call.Fail("STATE_TRANSITION_FAILED")
		return nil, err
	}
	if err := p.repo.Update(ctx, claim); err != nil {
		if errors.Is(err, ErrConflict) {
			call.Fail("CONCURRENT_ATTEMPT")
		} else {
			call.Fail("REPO_UPDATE_FAILED")
		}
		return nil, fmt.Errorf("payment: begin attempt: %w", err)
	}
	call.With(observability.F("attempt", claim.Attempts))
	call.Span.SetAttributes(attribute.Int("payment.attempt", claim.Attempts))

	result, gwErr := p.gateway.Verify(ctx, dompay.RequestFor(claim))
	now := p.clock.Now()
	if err := p.repo.AppendAttempt(ctx, dompay.Attempt{
		ClaimID:        claim.ID,
		Number:         claim.Attempts,
		RequestPayload: result.RequestPayload,
		ResponseCode:   result.ResponseCode,
		Timestamp:      now,
	}); err != nil {
		call.Fail("ATTEMPT_RECORD_FAILED")
		return nil, fmt.Errorf("payment: record attempt: %w", err)
	}

	if gwErr != nil {
		call.Span.RecordError(gwErr)
		call.With(observability.F("gateway_error", gwErr.Error()))
		if claim.Attempts < p.maxAttempts {
			p.count(claim)
			call.Fail("RETRY_LATER")
			return VerdictOf(claim), fmt.Errorf("%w: %w", ErrRetryLater, gwErr)
		}
		if err := claim.Reject(dompay.ReasonManualReview, now); err != nil {
			call.Fail("STATE_TRANSITION_FAILED")
			return nil, err
		}
		if err := p.repo.Update(ctx, claim); err != nil {
			call.Fail("REPO_UPDATE_FAILED")
			return nil, fmt.Errorf("payment: escalate: %w", err)
		}
		p.count(claim)
		call.Status("MANUAL_REVIEW")
		call.Log.Warn("payment_claim_escalated",
			observability.F("claim_id", claim.ID),
			observability.F("attempts", claim.Attempts),
		)
		p.events.Publish(ctx, call, dompay.NewClaimEscalatedEvent(claim))
		return VerdictOf(claim), nil
	}

	reason := dompay.Evaluate(claim, result, p.loc)
	if reason == dompay.ReasonNone && !dompay.Covers(result, due) {
		reason = dompay.ReasonAmountMismatch
	}
	if reason == dompay.ReasonNone {
		err := claim.MarkVerified(result.GatewayReference, now)
		if err != nil {
			call.Fail("STATE_TRANSITION_FAILED")
			return nil, err
		}
	} else if err := claim.Reject(reason, now); err != nil {
		call.Fail("STATE_TRANSITION_FAILED")
		return nil, err
	}
	if err := p.repo.Update(ctx, claim); err != nil {
		call.Fail("REPO_UPDATE_FAILED")
		return nil, fmt.Errorf("payment: settle claim: %w", err)
	}
	p.count(claim)
	call.With(observability.F("claim_state", string(claim.State)))

	if claim.State == dompay.StateVerified {
		call.With(observability.F("gateway_reference", claim.GatewayReference))
		p.events.Publish(ctx, call, dompay.NewClaimVerifiedEvent(claim))
	} else {
		call.Status("REJECTED_" + string(reason))
	}
	return VerdictOf(claim), nil
}

func (p *Processor) count(c *dompay.Claim) {
	p.claims.Add(1, observability.L("state", string(c.State)))
}

func held(res *reservation.Reservation, now time.Time) bool {
	return res.State == reservation.StateHeld && !res.Overdue(now)
}

func (p *Processor) Get(ctx context.Context, claimID string) (_ *dompay.Claim, err error) {
	ctx, call := p.in.Start(ctx, useCaseGet, "GetClaim", attribute.String("payment.claim_id", claimID))
	call.With(observability.F("claim_id", claimID))
	defer func() { call.End(err) }()

	c, err := p.repo.Get(ctx, claimID)
	if err != nil {
		call.Fail("CLAIM_LOOKUP_FAILED")
		return nil, err
	}
	return c, nil
}

// Attempts lists the audit trail of gateway calls for a claim, oldest first.
func (p *Processor) Attempts(ctx context.Context, claimID string) (_ []dompay.Attempt, err error) {
	ctx, call := p.in.Start(ctx, useCaseAttempts, "ListAttempts", attribute.String("payment.claim_id", claimID))
	call.With(observability.F("claim_id", claimID))
	defer func() { call.End(err) }()

	if _, err := p.repo.Get(ctx, claimID); err != nil {
		call.Fail("CLAIM_LOOKUP_FAILED")
		return nil, err
	}
	attempts, err := p.repo.Attempts(ctx, claimID)
	if err != nil {
		call.Fail("REPO_LIST_FAILED")
		return nil, err
	}
	return attempts, nil
}

// ManualReviewQueue lists claims an operator has to settle by hand.
func (p *Processor) ManualReviewQueue(ctx context.Context, limit int) (_ []*dompay.Claim, err error) {
	ctx, call := p.in.Start(ctx, useCaseManualReview, "ManualReviewQueue")
	defer func() { call.End(err) }()

	if limit <= 0 || limit > manualReviewLimit {
		limit = manualReviewLimit
	}
	claims, err := p.repo.ListManualReview(ctx, limit)
	if err != nil {
		call.Fail("REPO_LIST_FAILED")
		return nil, err
	}
	call.With(observability.F("count", len(claims)))
	return claims, nil
}
