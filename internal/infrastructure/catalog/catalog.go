// Package catalog is the read-only view of the external product catalog the ledger
// seeds its lines from.
package catalog

import (
	"context"
	"errors"
	"sort"
)

var ErrUnknownProduct = errors.New("catalog: unknown product")

// Static serves available-to-promise quantities from configuration.
type Static struct {
	stock map[string]int
}

func NewStatic(stock map[string]int) *Static {
	cp := make(map[string]int, len(stock))
	for id, qty := range stock {
		if qty < 0 {
			qty = 0
		}
		cp[id] = qty
	}
	return &Static{stock: cp}
}

// AvailableToPromise returns the on-hand quantity a new stock line starts from.
func (s *Static) AvailableToPromise(ctx context.Context, productID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	qty, ok := s.stock[productID]
	if !ok {
		return 0, ErrUnknownProduct
	}
	return qty, nil
}

// Products lists the known product ids in ascending order.
func (s *Static) Products() []string {
	ids := make([]string, 0, len(s.stock))
	for id := range s.stock {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
