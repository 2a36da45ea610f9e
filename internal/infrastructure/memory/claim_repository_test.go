package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/aemorandin-coder/electroweb-admission/internal/domain/payment"
)

func newClaim(t *testing.T, id, reference string) *domain.Claim {
	t.Helper()
	c, err := domain.NewClaim(id, "r-1", domain.Fields{
		PayerPhone:      "04141234567",
		OriginBankCode:  "0102",
		ReferenceNumber: reference,
		Amount:          decimal.RequireFromString("150.00"),
		Date:            time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}, time.Now())
	require.NoError(t, err)
	return c
}

func TestClaimRepositoryRejectsDuplicateReference(t *testing.T) {
	ctx := context.Background()
	repo := NewClaimRepository()

	require.NoError(t, repo.Insert(ctx, newClaim(t, "c-1", "123456")))
	assert.ErrorIs(t, repo.Insert(ctx, newClaim(t, "c-2", "123456")), domain.ErrDuplicateReference)

	dup := newClaim(t, "c-2", "123456")
	dup.MarkDuplicate(time.Now())
	require.NoError(t, repo.Insert(ctx, dup))

	stored, err := repo.Get(ctx, "c-2")
	require.NoError(t, err)
	assert.Equal(t, domain.StateDuplicate, stored.State)
}

func TestClaimRepositoryConcurrentInsertsAdmitOne(t *testing.T) {
	ctx := context.Background()
	repo := NewClaimRepository()

	var (
		wg       sync.WaitGroup
		accepted atomic.Int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := repo.Insert(ctx, newClaim(t, fmt.Sprintf("c-%d", i), "999888")); err == nil {
				accepted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, accepted.Load())
}

func TestClaimRepositoryFreesReferenceWhenRejectedBeforeGateway(t *testing.T) {
	ctx := context.Background()
	repo := NewClaimRepository()

	first := newClaim(t, "c-1", "123456")
	require.NoError(t, repo.Insert(ctx, first))
	require.NoError(t, first.Reject(domain.ReasonReservationNotHeld, time.Now()))
	require.NoError(t, repo.Update(ctx, first))

	assert.NoError(t, repo.Insert(ctx, newClaim(t, "c-2", "123456")))
}

func TestClaimRepositoryKeepsReferenceAfterGatewayRejection(t *testing.T) {
	ctx := context.Background()
	repo := NewClaimRepository()

	first := newClaim(t, "c-1", "123456")
	require.NoError(t, repo.Insert(ctx, first))
	require.NoError(t, first.BeginAttempt(time.Now()))
	require.NoError(t, first.Reject(domain.ReasonAmountMismatch, time.Now()))
	require.NoError(t, repo.Update(ctx, first))

	assert.ErrorIs(t, repo.Insert(ctx, newClaim(t, "c-2", "123456")), domain.ErrDuplicateReference)
}

func TestClaimRepositoryOneLiveClaimPerReservation(t *testing.T) {
	ctx := context.Background()
	repo := NewClaimRepository()

	first := newClaim(t, "c-1", "123456")
	require.NoError(t, repo.Insert(ctx, first))
	assert.ErrorIs(t, repo.Insert(ctx, newClaim(t, "c-2", "654321")), domain.ErrLiveClaim)
	assert.ErrorIs(t, repo.Insert(ctx, newClaim(t, "c-3", "123456")), domain.ErrDuplicateReference,
		"a reused reference reports as a duplicate even on a busy reservation")

	other := newClaim(t, "c-4", "111222")
	other.ReservationID = "r-2"
	require.NoError(t, repo.Insert(ctx, other))

	require.NoError(t, first.BeginAttempt(time.Now()))
	require.NoError(t, first.Reject(domain.ReasonReferenceNotFound, time.Now()))
	require.NoError(t, repo.Update(ctx, first))
	assert.NoError(t, repo.Insert(ctx, newClaim(t, "c-2", "654321")))
}

func TestClaimRepositoryConcurrentLiveClaimsAdmitOne(t *testing.T) {
	ctx := context.Background()
	repo := NewClaimRepository()

	var (
		wg       sync.WaitGroup
		accepted atomic.Int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := repo.Insert(ctx, newClaim(t, fmt.Sprintf("c-%d", i), fmt.Sprintf("70000%d", i))); err == nil {
				accepted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, accepted.Load())
}

func TestClaimRepositoryUpdateRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	repo := NewClaimRepository()
	require.NoError(t, repo.Insert(ctx, newClaim(t, "c-1", "123456")))

	a, _ := repo.Get(ctx, "c-1")
	b, _ := repo.Get(ctx, "c-1")
	require.NoError(t, a.BeginAttempt(time.Now()))
	require.NoError(t, repo.Update(ctx, a))
	require.NoError(t, b.BeginAttempt(time.Now()))
	assert.ErrorIs(t, repo.Update(ctx, b), domain.ErrConflict)
}

func TestClaimRepositoryAttemptsAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	repo := NewClaimRepository()
	require.NoError(t, repo.Insert(ctx, newClaim(t, "c-1", "123456")))

	require.NoError(t, repo.AppendAttempt(ctx, domain.Attempt{ClaimID: "c-1", Number: 1, ResponseCode: "503"}))
	require.NoError(t, repo.AppendAttempt(ctx, domain.Attempt{ClaimID: "c-1", Number: 2, ResponseCode: "200"}))
	assert.ErrorIs(t, repo.AppendAttempt(ctx, domain.Attempt{ClaimID: "c-1", Number: 2}), domain.ErrConflict)
	assert.ErrorIs(t, repo.AppendAttempt(ctx, domain.Attempt{ClaimID: "nope", Number: 1}), domain.ErrNotFound)

	attempts, err := repo.Attempts(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, "200", attempts[1].ResponseCode)
}

func TestClaimRepositoryManualReviewQueue(t *testing.T) {
	ctx := context.Background()
	repo := NewClaimRepository()

	c := newClaim(t, "c-1", "123456")
	require.NoError(t, repo.Insert(ctx, c))
	require.NoError(t, c.BeginAttempt(time.Now()))
	require.NoError(t, c.Reject(domain.ReasonManualReview, time.Now()))
	require.NoError(t, repo.Update(ctx, c))
	require.NoError(t, repo.Insert(ctx, newClaim(t, "c-2", "654321")))

	queue, err := repo.ListManualReview(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, "c-1", queue[0].ID)

	byRes, err := repo.ListByReservation(ctx, "r-1")
	require.NoError(t, err)
	assert.Len(t, byRes, 2)
}
