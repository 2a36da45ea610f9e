package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	domain "github.com/aemorandin-coder/electroweb-admission/internal/domain/stock"
)

// StockRepository applies every change as one conditional UPDATE, so the row
// itself serializes writers for a product and rows for other products are untouched.
type StockRepository struct {
	db *gorm.DB
}

func NewStockRepository(db *gorm.DB) *StockRepository {
	return &StockRepository{db: db}
}

func (r *StockRepository) Get(ctx context.Context, productID string) (*domain.Line, error) {
	var m StockLineModel
	err := r.db.WithContext(ctx).First(&m, "product_id = ?", productID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("gormstore: get stock line: %w", err)
	}
	return m.toDomain(), nil
}

func (r *StockRepository) Create(ctx context.Context, line *domain.Line) error {
	if err := line.Validate(); err != nil {
		return err
	}
	m := stockLineFromDomain(line)
	err := r.db.WithContext(ctx).Create(&m).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("gormstore: create stock line: %w", err)
	}
	return nil
}

func (r *StockRepository) Hold(ctx context.Context, productID string, quantity int) (*domain.Line, error) {
	if quantity <= 0 {
		return nil, domain.ErrInvalidQuantity
	}
	affected, err := r.update(ctx, productID,
		"total_on_hand - reserved >= ?", quantity,
		map[string]any{"reserved": gorm.Expr("reserved + ?", quantity)},
	)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if _, err := r.Get(ctx, productID); err != nil {
			return nil, err
		}
		return nil, domain.ErrInsufficientStock
	}
	return r.Get(ctx, productID)
}

func (r *StockRepository) Release(ctx context.Context, productID string, quantity int) (bool, error) {
	if quantity <= 0 {
		return false, nil
	}
	affected, err := r.update(ctx, productID,
		"reserved >= ?", quantity,
		map[string]any{"reserved": gorm.Expr("reserved - ?", quantity)},
	)
	return r.changed(ctx, productID, affected, err)
}

func (r *StockRepository) Commit(ctx context.Context, productID string, quantity int) (bool, error) {
	if quantity <= 0 {
		return false, nil
	}
	affected, err := r.update(ctx, productID,
		"reserved >= ?", quantity,
		map[string]any{
			"reserved":      gorm.Expr("reserved - ?", quantity),
			"total_on_hand": gorm.Expr("total_on_hand - ?", quantity),
		},
	)
	return r.changed(ctx, productID, affected, err)
}

func (r *StockRepository) Restock(ctx context.Context, productID string, quantity int) (*domain.Line, error) {
	if quantity <= 0 {
		return nil, domain.ErrInvalidQuantity
	}
	affected, err := r.update(ctx, productID,
		"", nil,
		map[string]any{"total_on_hand": gorm.Expr("total_on_hand + ?", quantity)},
	)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, domain.ErrNotFound
	}
	return r.Get(ctx, productID)
}

func (r *StockRepository) update(ctx context.Context, productID, guard string, arg any, values map[string]any) (int64, error) {
	values["updated_at"] = time.Now().UTC()
	q := r.db.WithContext(ctx).Model(&StockLineModel{}).Where("product_id = ?", productID)
	if guard != "" {
		q = q.Where(guard, arg)
	}
	res := q.Updates(values)
	if res.Error != nil {
		return 0, fmt.Errorf("gormstore: update stock line %s: %w", productID, res.Error)
	}
	return res.RowsAffected, nil
}

// changed turns a zero-row release or commit into a no-op, or ErrNotFound when the line is missing.
func (r *StockRepository) changed(ctx context.Context, productID string, affected int64, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}
	if _, err := r.Get(ctx, productID); err != nil {
		return false, err
	}
	return false, nil
}
