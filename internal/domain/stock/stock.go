package stock

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("stock: product not found")
	ErrInvalidQuantity   = errors.New("stock: quantity must be greater than zero")
	ErrInsufficientStock = errors.New("stock: insufficient stock")
	ErrConflict          = errors.New("stock: line already exists")
	ErrInvariant         = errors.New("stock: ledger invariant violated")
)

// Line is the ledger row for one product. Reserved counts units under active holds;
// Available never goes negative.
type Line struct {
	ProductID   string
	TotalOnHand int
	Reserved    int
	UpdatedAt   time.Time
}

func NewLine(productID string, totalOnHand int) (*Line, error) {
	if productID == "" {
		return nil, errors.New("stock: product id is required")
	}
	if totalOnHand < 0 {
		return nil, ErrInvalidQuantity
	}
	return &Line{
		ProductID:   productID,
		TotalOnHand: totalOnHand,
		UpdatedAt:   time.Now().UTC(),
	}, nil
}

func (l *Line) Available() int { return l.TotalOnHand - l.Reserved }

// Hold reserves quantity or leaves the line untouched.
func (l *Line) Hold(quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	if l.Available() < quantity {
		return ErrInsufficientStock
	}
	l.Reserved += quantity
	l.touch()
	return nil
}

// Release returns held units to available. It reports false, changing nothing,
// when fewer units are reserved than asked for.
func (l *Line) Release(quantity int) bool {
	if quantity <= 0 || l.Reserved < quantity {
		return false
	}
	l.Reserved -= quantity
	l.touch()
	return true
}

// Commit turns held units into a permanent deduction from TotalOnHand.
// Same no-op rule as Release.
func (l *Line) Commit(quantity int) bool {
	if quantity <= 0 || l.Reserved < quantity {
		return false
	}
	l.Reserved -= quantity
	l.TotalOnHand -= quantity
	l.touch()
	return true
}

func (l *Line) Restock(quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	l.TotalOnHand += quantity
	l.touch()
	return nil
}

func (l *Line) Validate() error {
	if l.Reserved < 0 || l.TotalOnHand < 0 || l.Reserved > l.TotalOnHand {
		return fmt.Errorf("%w: product=%s on_hand=%d reserved=%d", ErrInvariant, l.ProductID, l.TotalOnHand, l.Reserved)
	}
	return nil
}

func (l *Line) Clone() *Line {
	if l == nil {
		return nil
	}
	c := *l
	return &c
}

func (l *Line) touch() {
	l.UpdatedAt = time.Now().UTC()
}

// HoldToken is the receipt for a successful hold.
type HoldToken struct {
	ProductID string
	Quantity  int
	HeldAt    time.Time
}
