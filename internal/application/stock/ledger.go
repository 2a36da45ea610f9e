package stock

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/aemorandin-coder/electroweb-admission/internal/application"
	domain "github.com/aemorandin-coder/electroweb-admission/internal/domain/stock"
	"github.com/aemorandin-coder/electroweb-admission/internal/observability"
	"github.com/aemorandin-coder/electroweb-admission/internal/pkg/clock"
)

const (
	ledgerService = "stock-ledger"

	useCaseHold    = "stock.hold"
	useCaseRelease = "stock.release"
	useCaseCommit  = "stock.commit"
	useCaseRestock = "stock.restock"
	useCaseGet     = "stock.get"
)

var (
	ErrNotFound          = domain.ErrNotFound
	ErrInsufficientStock = domain.ErrInsufficientStock
	ErrInvalidQuantity   = domain.ErrInvalidQuantity
)

// Catalog supplies the starting quantity for products the ledger has not seen yet.
type Catalog interface {
	AvailableToPromise(ctx context.Context, productID string) (int, error)
}

// Ledger is the only component that changes availability. Each operation is atomic
// per product; the repository provides the isolation.
type Ledger struct {
	repo    domain.Repository
	catalog Catalog
	clock   clock.Clock
	in      application.Instrumentation

	holds observability.Counter // stock_holds_total{outcome}
}

func NewLedger(repo domain.Repository, catalog Catalog, clk clock.Clock, tel observability.Observability) *Ledger {
	if clk == nil {
		clk = clock.System()
	}
	if tel == nil {
		tel = observability.Nop()
	}
	return &Ledger{
		repo:    repo,
		catalog: catalog,
		clock:   clk,
		in:      application.NewInstrumentation(tel, ledgerService),
		holds:   tel.Metrics().Counter(observability.MStockHolds),
	}
}

// TryHold reserves quantity units of productID or fails without side effects.
func (l *Ledger) TryHold(ctx context.Context, productID string, quantity int) (_ domain.HoldToken, err error) {
	ctx, call := l.in.Start(ctx, useCaseHold, "TryHold",
		attribute.String("stock.product_id", productID),
		attribute.Int("stock.quantity", quantity),
	)
	call.With(observability.F("product_id", productID), observability.F("quantity", quantity))
	outcome := "held"
	defer func() {
		l.holds.Add(1, observability.L("outcome", outcome))
		call.End(err)
	}()

	if quantity <= 0 {
		outcome = "invalid"
		call.Fail("QUANTITY_INVALID")
		return domain.HoldToken{}, ErrInvalidQuantity
	}

	line, err := l.repo.Hold(ctx, productID, quantity)
	if errors.Is(err, domain.ErrNotFound) {
		if seedErr := l.seed(ctx, productID); seedErr != nil {
			outcome = "unknown_product"
			call.Fail("PRODUCT_UNKNOWN")
			return domain.HoldToken{}, seedErr
		}
		line, err = l.repo.Hold(ctx, productID, quantity)
	}
	switch {
	case errors.Is(err, domain.ErrInsufficientStock):
		outcome = "insufficient"
		call.Fail("INSUFFICIENT_STOCK")
		return domain.HoldToken{}, err
	case err != nil:
		outcome = "error"
		call.Fail("REPO_HOLD_FAILED")
		return domain.HoldToken{}, err
	}

	call.With(observability.F("available", line.Available()))
	return domain.HoldToken{ProductID: productID, Quantity: quantity, HeldAt: l.clock.Now()}, nil
}

// Release returns held units. Releasing more than is reserved changes nothing.
func (l *Ledger) Release(ctx context.Context, productID string, quantity int) (changed bool, err error) {
	return l.settle(ctx, useCaseRelease, "Release", productID, quantity, l.repo.Release)
}

// Commit converts held units into a permanent deduction, with the same no-op rule as Release.
func (l *Ledger) Commit(ctx context.Context, productID string, quantity int) (changed bool, err error) {
	return l.settle(ctx, useCaseCommit, "Commit", productID, quantity, l.repo.Commit)
}

func (l *Ledger) settle(
	ctx context.Context,
	useCase, name, productID string,
	quantity int,
	apply func(context.Context, string, int) (bool, error),
) (changed bool, err error) {
	ctx, call := l.in.Start(ctx, useCase, name,
		attribute.String("stock.product_id", productID),
		attribute.Int("stock.quantity", quantity),
	)
	call.With(observability.F("product_id", productID), observability.F("quantity", quantity))
	defer func() { call.End(err) }()

	changed, err = apply(ctx, productID, quantity)
	if err != nil {
		call.Fail("REPO_UPDATE_FAILED")
		return false, err
	}
	if !changed {
		call.Status("NOOP")
	}
	return changed, nil
}

// Restock adds units to a product, creating its line when none exists.
func (l *Ledger) Restock(ctx context.Context, productID string, quantity int) (_ *domain.Line, err error) {
	ctx, call := l.in.Start(ctx, useCaseRestock, "Restock",
		attribute.String("stock.product_id", productID),
		attribute.Int("stock.quantity", quantity),
	)
	call.With(observability.F("product_id", productID), observability.F("quantity", quantity))
	defer func() { call.End(err) }()

	if quantity <= 0 {
		call.Fail("QUANTITY_INVALID")
		return nil, ErrInvalidQuantity
	}

	line, err := l.repo.Restock(ctx, productID, quantity)
	if errors.Is(err, domain.ErrNotFound) {
		fresh, newErr := domain.NewLine(productID, quantity)
		if newErr != nil {
			call.Fail("LINE_INVALID")
			return nil, newErr
		}
		switch createErr := l.repo.Create(ctx, fresh); {
		case createErr == nil:
			call.Status("CREATED")
			return fresh, nil
		case errors.Is(createErr, domain.ErrConflict):
			line, err = l.repo.Restock(ctx, productID, quantity)
		default:
			call.Fail("REPO_CREATE_FAILED")
			return nil, createErr
		}
	}
	if err != nil {
		call.Fail("REPO_RESTOCK_FAILED")
		return nil, err
	}
	return line, nil
}

// Get returns the current line, seeding it from the catalog on first sight.
func (l *Ledger) Get(ctx context.Context, productID string) (_ *domain.Line, err error) {
	ctx, call := l.in.Start(ctx, useCaseGet, "GetStock", attribute.String("stock.product_id", productID))
	call.With(observability.F("product_id", productID))
	defer func() { call.End(err) }()

	line, err := l.repo.Get(ctx, productID)
	if errors.Is(err, domain.ErrNotFound) {
		if seedErr := l.seed(ctx, productID); seedErr != nil {
			call.Fail("PRODUCT_UNKNOWN")
			return nil, seedErr
		}
		line, err = l.repo.Get(ctx, productID)
	}
	if err != nil {
		call.Fail("REPO_GET_FAILED")
		return nil, err
	}
	return line, nil
}

// seed creates the line for productID from the catalog. Losing a creation race is fine.
func (l *Ledger) seed(ctx context.Context, productID string) error {
	if l.catalog == nil {
		return ErrNotFound
	}
	qty, err := l.catalog.AvailableToPromise(ctx, productID)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNotFound, productID, err)
	}
	line, err := domain.NewLine(productID, qty)
	if err != nil {
		return err
	}
	if err := l.repo.Create(ctx, line); err != nil && !errors.Is(err, domain.ErrConflict) {
		return err
	}
	return nil
}
