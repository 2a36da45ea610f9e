package memory

import (
	"context"
	"fmt"
	"sync"

	domain "github.com/aemorandin-coder/electroweb-admission/internal/domain/stock"
	"github.com/aemorandin-coder/electroweb-admission/internal/pkg/keylock"
)

// StockRepository keeps stock lines in memory. Mutations for one product run under
// that product's lock only, so unrelated products proceed in parallel.
type StockRepository struct {
	mu    sync.RWMutex
	lines map[string]*domain.Line
	locks *keylock.Locker
}

func NewStockRepository() *StockRepository {
	return &StockRepository{
		lines: make(map[string]*domain.Line),
		locks: keylock.New(),
	}
}

func (r *StockRepository) Get(ctx context.Context, productID string) (*domain.Line, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	line, ok := r.lines[productID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return line.Clone(), nil
}

func (r *StockRepository) Create(ctx context.Context, line *domain.Line) error {
	_ = ctx
	if line == nil || line.ProductID == "" {
		return fmt.Errorf("stock repository: product id is required")
	}
	if err := line.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.lines[line.ProductID]; exists {
		return domain.ErrConflict
	}
	r.lines[line.ProductID] = line.Clone()
	return nil
}

func (r *StockRepository) Hold(ctx context.Context, productID string, quantity int) (*domain.Line, error) {
	var out *domain.Line
	err := r.mutate(ctx, productID, func(l *domain.Line) error {
		if err := l.Hold(quantity); err != nil {
			return err
		}
		out = l.Clone()
		return nil
	})
	return out, err
}

func (r *StockRepository) Release(ctx context.Context, productID string, quantity int) (bool, error) {
	var changed bool
	err := r.mutate(ctx, productID, func(l *domain.Line) error {
		changed = l.Release(quantity)
		return nil
	})
	return changed, err
}

func (r *StockRepository) Commit(ctx context.Context, productID string, quantity int) (bool, error) {
	var changed bool
	err := r.mutate(ctx, productID, func(l *domain.Line) error {
		changed = l.Commit(quantity)
		return nil
	})
	return changed, err
}

func (r *StockRepository) Restock(ctx context.Context, productID string, quantity int) (*domain.Line, error) {
	var out *domain.Line
	err := r.mutate(ctx, productID, func(l *domain.Line) error {
		if err := l.Restock(quantity); err != nil {
			return err
		}
		out = l.Clone()
		return nil
	})
	return out, err
}

// mutate runs fn on a private copy under the product lock and publishes the copy only
// if fn succeeded and the invariant still holds.
func (r *StockRepository) mutate(ctx context.Context, productID string, fn func(*domain.Line) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := r.locks.Lock(productID)
	defer unlock()

	r.mu.RLock()
	current, ok := r.lines[productID]
	r.mu.RUnlock()
	if !ok {
		return domain.ErrNotFound
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	r.lines[productID] = next
	r.mu.Unlock()
	return nil
}
