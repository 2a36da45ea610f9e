// Package reservation turns a cart into time-boxed stock holds and settles them:
// committed when a verified payment arrives, released on cancel, expired by the sweeper.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aemorandin-coder/electroweb-admission/internal/application"
	domoutbox "github.com/aemorandin-coder/electroweb-admission/internal/domain/outbox"
	"github.com/aemorandin-coder/electroweb-admission/internal/domain/payment"
	domain "github.com/aemorandin-coder/electroweb-admission/internal/domain/reservation"
	"github.com/aemorandin-coder/electroweb-admission/internal/domain/stock"
	"github.com/aemorandin-coder/electroweb-admission/internal/observability"
	"github.com/aemorandin-coder/electroweb-admission/internal/pkg/clock"
)

const (
	managerService = "reservation-manager"

	useCaseOpen      = "reservation.open"
	useCaseCommit    = "reservation.commit"
	useCaseRelease   = "reservation.release"
	useCaseExpireDue = "reservation.expire_due"
	useCaseGet       = "reservation.get"

	// casRetries bounds how often a transition is retried after losing a version race.
	casRetries     = 5
	sweepBatchSize = 200
)

var (
	ErrNotFound         = domain.ErrNotFound
	ErrExpired          = domain.ErrExpired
	ErrInvalidState     = domain.ErrInvalidState
	ErrClaimNotVerified = errors.New("reservation: claim is not verified for this reservation")
)

// Ledger is the slice of the stock ledger the manager drives.
type Ledger interface {
	TryHold(ctx context.Context, productID string, quantity int) (stock.HoldToken, error)
	Release(ctx context.Context, productID string, quantity int) (bool, error)
	Commit(ctx context.Context, productID string, quantity int) (bool, error)
}

// ClaimReader looks up the payment claim a commit refers to.
type ClaimReader interface {
	Get(ctx context.Context, id string) (*payment.Claim, error)
}

type IDGenerator interface {
	NewID() string
}

type Manager struct {
	repo   domain.Repository
	ledger Ledger
	claims ClaimReader
	ids    IDGenerator
	clock  clock.Clock
	ttl    time.Duration

	in      application.Instrumentation
	events  application.Events
	expired observability.Counter // reservations_expired_total
}

type Options struct {
	TTL   time.Duration
	Clock clock.Clock
}

func NewManager(
	repo domain.Repository,
	ledger Ledger,
	claims ClaimReader,
	ids IDGenerator,
	publisher domoutbox.Publisher,
	tel observability.Observability,
	opts Options,
) *Manager {
	if tel == nil {
		tel = observability.Nop()
	}
	if opts.TTL <= 0 {
		opts.TTL = domain.DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	return &Manager{
		repo:    repo,
		ledger:  ledger,
		claims:  claims,
		ids:     ids,
		clock:   opts.Clock,
		ttl:     opts.TTL,
		in:      application.NewInstrumentation(tel, managerService),
		events:  application.NewEvents(publisher, tel),
		expired: tel.Metrics().Counter(observability.MReservationsExpired),
	}
}

type OpenInput struct {
	CartOwnerID string
	Items       []domain.Item
	// AmountDue is what the shopper must transfer; zero means the web tier did not say.
	AmountDue decimal.Decimal
}

// Open holds every line of the cart or none of them. Lines are acquired in ascending
// product order so two carts sharing products cannot each hold what the other waits for.
func (m *Manager) Open(ctx context.Context, in OpenInput) (_ *domain.Reservation, err error) {
	ctx, call := m.in.Start(ctx, useCaseOpen, "OpenReservation",
		attribute.String("reservation.cart_owner_id", in.CartOwnerID),
	)
	call.With(observability.F("cart_owner_id", in.CartOwnerID))
	defer func() { call.End(err) }()

	if in.CartOwnerID == "" {
		call.Fail("CART_OWNER_REQUIRED")
		return nil, errors.New("reservation: cart owner id is required")
	}
	if in.AmountDue.IsNegative() {
		call.Fail("AMOUNT_INVALID")
		return nil, domain.ErrInvalidAmount
	}
	items, err := domain.NormalizeItems(in.Items)
	if err != nil {
		call.Fail("ITEMS_INVALID")
		return nil, err
	}

	// holds come first and the row second; a failed insert releases them, a crash in between does not
	held := make([]domain.Item, 0, len(items))
	for _, it := range items {
		if _, holdErr := m.ledger.TryHold(ctx, it.ProductID, it.Quantity); holdErr != nil {
			m.rollback(ctx, call, held)
			if errors.Is(holdErr, stock.ErrInsufficientStock) {
				call.Fail("INSUFFICIENT_STOCK")
			} else {
				call.Fail("HOLD_FAILED")
			}
			call.With(observability.F("product_id", it.ProductID))
			return nil, fmt.Errorf("reservation: hold %s: %w", it.ProductID, holdErr)
		}
		held = append(held, it)
	}

	res, err := domain.New(m.ids.NewID(), in.CartOwnerID, items, in.AmountDue, m.clock.Now(), m.ttl)
	if err != nil {
		m.rollback(ctx, call, held)
		call.Fail("DOMAIN_CONSTRUCTION_FAILED")
		return nil, fmt.Errorf("reservation: construct: %w", err)
	}
	if err := m.repo.Insert(ctx, res); err != nil {
		m.rollback(ctx, call, held)
		call.Fail("REPO_INSERT_FAILED")
		return nil, fmt.Errorf("reservation: insert: %w", err)
	}

	call.With(
		observability.F("reservation_id", res.ID),
		observability.F("units", res.TotalUnits()),
	)
	call.Span.SetAttributes(attribute.String("reservation.id", res.ID))
	m.events.Publish(ctx, call, domain.NewHeldEvent(res))
	return res, nil
}

func (m *Manager) rollback(ctx context.Context, call *application.Call, held []domain.Item) {
	for i := len(held) - 1; i >= 0; i-- {
		it := held[i]
		changed, err := m.ledger.Release(ctx, it.ProductID, it.Quantity)
		if err != nil || !changed {
			call.Log.Error("invariant_violation",
				observability.F("step", "rollback_release"),
				observability.F("product_id", it.ProductID),
				observability.F("quantity", it.Quantity),
				observability.Err(err),
			)
		}
	}
}

// Commit settles a HELD reservation against a verified claim and returns the order id.
// Committing twice returns the first order id with replayed set; exactly one caller
// sees replayed false for a given reservation. A hold past its deadline is expired
// on the spot and reported as ErrExpired.
func (m *Manager) Commit(ctx context.Context, reservationID, claimID string) (orderID string, replayed bool, err error) {
	ctx, call := m.in.Start(ctx, useCaseCommit, "CommitReservation",
		attribute.String("reservation.id", reservationID),
		attribute.String("payment.claim_id", claimID),
	)
	call.With(
		observability.F("reservation_id", reservationID),
		observability.F("claim_id", claimID),
	)
	defer func() { call.End(err) }()

	claim, err := m.claims.Get(ctx, claimID)
	if err != nil {
		call.Fail("CLAIM_LOOKUP_FAILED")
		return "", false, fmt.Errorf("reservation: commit: %w", err)
	}
	if claim.ReservationID != reservationID || claim.State != payment.StateVerified {
		call.Fail("CLAIM_NOT_VERIFIED")
		return "", false, ErrClaimNotVerified
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		res, err := m.repo.Get(ctx, reservationID)
		if err != nil {
			call.Fail("RESERVATION_LOOKUP_FAILED")
			return "", false, fmt.Errorf("reservation: commit: %w", err)
		}

		switch res.State {
		case domain.StateCommitted:
			call.Status("IDEMPOTENT_REPLAY")
			call.With(observability.F("order_id", res.OrderID))
			return res.OrderID, true, nil
		case domain.StateReleased, domain.StateExpired:
			call.Fail("RESERVATION_" + string(res.State))
			return "", false, fmt.Errorf("%w: reservation is %s", ErrInvalidState, res.State)
		}

		now := m.clock.Now()
		if res.Overdue(now) {
			won, expErr := m.expire(ctx, call, res, now)
			if expErr != nil {
				call.Fail("EXPIRE_FAILED")
				return "", false, expErr
			}
			if !won {
				continue
			}
			call.Fail("HOLD_EXPIRED")
			return "", false, ErrExpired
		}

		orderID = m.ids.NewID()
		if _, err := res.Commit(orderID, now); err != nil {
			call.Fail("STATE_TRANSITION_FAILED")
			return "", false, err
		}
		if err := m.repo.Update(ctx, res); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			call.Fail("REPO_UPDATE_FAILED")
			return "", false, fmt.Errorf("reservation: commit: %w", err)
		}

		for _, it := range res.Items {
			changed, cErr := m.ledger.Commit(ctx, it.ProductID, it.Quantity)
			if cErr != nil || !changed {
				call.Log.Error("invariant_violation",
					observability.F("step", "ledger_commit"),
					observability.F("product_id", it.ProductID),
					observability.F("quantity", it.Quantity),
					observability.Err(cErr),
				)
			}
		}
		call.With(observability.F("order_id", orderID))
		call.Span.SetAttributes(attribute.String("order.id", orderID))
		return orderID, false, nil
	}

	call.Fail("CONCURRENT_MODIFICATION")
	return "", false, fmt.Errorf("reservation: commit %s: %w", reservationID, domain.ErrConflict)
}

// Release gives a HELD reservation's units back. Terminal reservations are left alone.
func (m *Manager) Release(ctx context.Context, reservationID string) (err error) {
	ctx, call := m.in.Start(ctx, useCaseRelease, "ReleaseReservation",
		attribute.String("reservation.id", reservationID),
	)
	call.With(observability.F("reservation_id", reservationID))
	defer func() { call.End(err) }()

	for attempt := 0; attempt < casRetries; attempt++ {
		res, err := m.repo.Get(ctx, reservationID)
		if err != nil {
			call.Fail("RESERVATION_LOOKUP_FAILED")
			return fmt.Errorf("reservation: release: %w", err)
		}
		changed, err := res.Release(m.clock.Now())
		if err != nil {
			call.Fail("STATE_TRANSITION_FAILED")
			return err
		}
		if !changed {
			call.Status("NOOP")
			call.With(observability.F("state", string(res.State)))
			return nil
		}
		if err := m.repo.Update(ctx, res); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			call.Fail("REPO_UPDATE_FAILED")
			return fmt.Errorf("reservation: release: %w", err)
		}
		m.releaseHolds(ctx, call, res)
		return nil
	}

	call.Fail("CONCURRENT_MODIFICATION")
	return fmt.Errorf("reservation: release %s: %w", reservationID, domain.ErrConflict)
}

// ExpireDue expires every HELD reservation past its deadline and returns how many it expired.
// Reservations that change state under it are skipped; their new owner handled them.
func (m *Manager) ExpireDue(ctx context.Context) (n int, err error) {
	ctx, call := m.in.Start(ctx, useCaseExpireDue, "ExpireDue")
	defer func() {
		call.With(observability.F("expired", n))
		call.End(err)
	}()

	for {
		now := m.clock.Now()
		due, err := m.repo.ListDue(ctx, now, sweepBatchSize)
		if err != nil {
			call.Fail("REPO_LIST_FAILED")
			return n, fmt.Errorf("reservation: list due: %w", err)
		}
		batch := 0
		for _, res := range due {
			if err := ctx.Err(); err != nil {
				call.Fail("CONTEXT_CANCELED")
				return n, err
			}
			won, err := m.expire(ctx, call, res, now)
			if err != nil {
				call.Log.Warn("reservation_expire_failed",
					observability.F("reservation_id", res.ID),
					observability.Err(err),
				)
				continue
			}
			if won {
				batch++
			}
		}
		n += batch
		// a full batch with no progress would come back unchanged; leave it for the next tick
		if len(due) < sweepBatchSize || batch == 0 {
			return n, nil
		}
	}
}

// expire moves res to EXPIRED. It reports false when another writer got there first.
func (m *Manager) expire(ctx context.Context, call *application.Call, res *domain.Reservation, now time.Time) (bool, error) {
	changed, err := res.Expire(now)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	if err := m.repo.Update(ctx, res); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("reservation: expire: %w", err)
	}

	m.releaseHolds(ctx, call, res)
	m.expired.Add(1)
	call.Log.Info("reservation_expired",
		observability.F("reservation_id", res.ID),
		observability.F("units", res.TotalUnits()),
	)
	m.events.Publish(ctx, call, domain.NewExpiredEvent(res))
	return true, nil
}

func (m *Manager) releaseHolds(ctx context.Context, call *application.Call, res *domain.Reservation) {
	for _, it := range res.Items {
		changed, err := m.ledger.Release(ctx, it.ProductID, it.Quantity)
		if err != nil || !changed {
			call.Log.Error("invariant_violation",
				observability.F("step", "ledger_release"),
				observability.F("reservation_id", res.ID),
				observability.F("product_id", it.ProductID),
				observability.F("quantity", it.Quantity),
				observability.Err(err),
			)
		}
	}
}

func (m *Manager) Get(ctx context.Context, reservationID string) (_ *domain.Reservation, err error) {
	ctx, call := m.in.Start(ctx, useCaseGet, "GetReservation", attribute.String("reservation.id", reservationID))
	call.With(observability.F("reservation_id", reservationID))
	defer func() { call.End(err) }()

	res, err := m.repo.Get(ctx, reservationID)
	if err != nil {
		call.Fail("RESERVATION_LOOKUP_FAILED")
		return nil, err
	}
	return res, nil
}
