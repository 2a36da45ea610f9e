package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/aemorandin-coder/electroweb-admission/internal/domain/stock"
)

func seedLine(t *testing.T, repo *StockRepository, productID string, onHand int) {
	t.Helper()
	line, err := domain.NewLine(productID, onHand)
	require.NoError(t, err)
	require.NoError(t, repo.Create(context.Background(), line))
}

func TestStockRepositoryCreateConflict(t *testing.T) {
	repo := NewStockRepository()
	seedLine(t, repo, "sku-1", 3)

	line, _ := domain.NewLine("sku-1", 9)
	assert.ErrorIs(t, repo.Create(context.Background(), line), domain.ErrConflict)

	got, err := repo.Get(context.Background(), "sku-1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.TotalOnHand)
}

func TestStockRepositoryHoldIsFailClosed(t *testing.T) {
	ctx := context.Background()
	repo := NewStockRepository()
	seedLine(t, repo, "sku-1", 2)

	_, err := repo.Hold(ctx, "sku-1", 3)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)

	got, err := repo.Get(ctx, "sku-1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.Reserved)

	line, err := repo.Hold(ctx, "sku-1", 2)
	require.NoError(t, err)
	assert.Equal(t, 0, line.Available())
}

func TestStockRepositoryReleaseAndCommitAreIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewStockRepository()
	seedLine(t, repo, "sku-1", 5)

	_, err := repo.Hold(ctx, "sku-1", 2)
	require.NoError(t, err)

	changed, err := repo.Commit(ctx, "sku-1", 2)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = repo.Commit(ctx, "sku-1", 2)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = repo.Release(ctx, "sku-1", 1)
	require.NoError(t, err)
	assert.False(t, changed)

	got, _ := repo.Get(ctx, "sku-1")
	assert.Equal(t, 3, got.TotalOnHand)
	assert.Equal(t, 0, got.Reserved)
}

func TestStockRepositoryUnknownProduct(t *testing.T) {
	repo := NewStockRepository()
	_, err := repo.Hold(context.Background(), "missing", 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStockRepositoryGetReturnsCopy(t *testing.T) {
	repo := NewStockRepository()
	seedLine(t, repo, "sku-1", 4)

	got, _ := repo.Get(context.Background(), "sku-1")
	got.Reserved = 4

	again, _ := repo.Get(context.Background(), "sku-1")
	assert.Equal(t, 0, again.Reserved)
}

func TestStockRepositoryConcurrentHoldsNeverOversell(t *testing.T) {
	ctx := context.Background()
	repo := NewStockRepository()
	seedLine(t, repo, "sku-1", 10)

	var (
		wg      sync.WaitGroup
		granted atomic.Int64
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Hold(ctx, "sku-1", 1); err == nil {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 10, granted.Load())
	got, _ := repo.Get(ctx, "sku-1")
	assert.Equal(t, 10, got.Reserved)
	assert.Equal(t, 0, got.Available())
}
