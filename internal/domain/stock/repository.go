package stock

import "context"

// Repository is the only writer of stock lines. Every mutating call is atomic
// for its product and never blocks calls for other products.
type Repository interface {
	Get(ctx context.Context, productID string) (*Line, error)
	// Create inserts a new line, returning ErrConflict when one already exists.
	Create(ctx context.Context, line *Line) error
	Hold(ctx context.Context, productID string, quantity int) (*Line, error)
	// Release and Commit report whether anything changed.
	Release(ctx context.Context, productID string, quantity int) (bool, error)
	Commit(ctx context.Context, productID string, quantity int) (bool, error)
	Restock(ctx context.Context, productID string, quantity int) (*Line, error)
}
