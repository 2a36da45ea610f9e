package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	domain "github.com/aemorandin-coder/electroweb-admission/internal/domain/payment"
)

// ClaimRepository mimics unique indexes on the reference and live-claim locks: a
// single mutex makes the uniqueness checks and the write one step.
type ClaimRepository struct {
	mu         sync.RWMutex
	claims     map[string]*domain.Claim
	references map[string]string // reference lock -> claim id
	live       map[string]string // live lock (reservation id) -> claim id
	attempts   map[string][]domain.Attempt
}

func NewClaimRepository() *ClaimRepository {
	return &ClaimRepository{
		claims:     make(map[string]*domain.Claim),
		references: make(map[string]string),
		live:       make(map[string]string),
		attempts:   make(map[string][]domain.Attempt),
	}
}

func (r *ClaimRepository) Insert(ctx context.Context, c *domain.Claim) error {
	_ = ctx
	if c == nil || c.ID == "" {
		return fmt.Errorf("claim repository: id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.claims[c.ID]; exists {
		return domain.ErrConflict
	}
	ref, live := c.ReferenceLock(), c.LiveLock()
	if _, taken := r.references[ref]; ref != "" && taken {
		return domain.ErrDuplicateReference
	}
	if _, taken := r.live[live]; live != "" && taken {
		return domain.ErrLiveClaim
	}
	if ref != "" {
		r.references[ref] = c.ID
	}
	if live != "" {
		r.live[live] = c.ID
	}
	r.claims[c.ID] = c.Clone()
	return nil
}

func (r *ClaimRepository) Get(ctx context.Context, id string) (*domain.Claim, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.claims[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c.Clone(), nil
}

func (r *ClaimRepository) Update(ctx context.Context, c *domain.Claim) error {
	_ = ctx
	if c == nil || c.ID == "" {
		return fmt.Errorf("claim repository: id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.claims[c.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Version != c.Version {
		return domain.ErrConflict
	}

	if owner, taken := r.references[c.ReferenceLock()]; c.ReferenceLock() != "" && taken && owner != c.ID {
		return domain.ErrDuplicateReference
	}
	if owner, taken := r.live[c.LiveLock()]; c.LiveLock() != "" && taken && owner != c.ID {
		return domain.ErrLiveClaim
	}
	relock(r.references, stored.ReferenceLock(), c.ReferenceLock(), c.ID)
	relock(r.live, stored.LiveLock(), c.LiveLock(), c.ID)

	next := c.Clone()
	next.Version++
	r.claims[c.ID] = next
	c.Version = next.Version
	return nil
}

// relock moves id's entry in index from oldKey to newKey; an empty key means no entry.
func relock(index map[string]string, oldKey, newKey, id string) {
	if oldKey != "" && oldKey != newKey {
		delete(index, oldKey)
	}
	if newKey != "" {
		index[newKey] = id
	}
}

func (r *ClaimRepository) AppendAttempt(ctx context.Context, a domain.Attempt) error {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.claims[a.ClaimID]; !ok {
		return domain.ErrNotFound
	}
	for _, existing := range r.attempts[a.ClaimID] {
		if existing.Number == a.Number {
			return domain.ErrConflict
		}
	}
	r.attempts[a.ClaimID] = append(r.attempts[a.ClaimID], a)
	return nil
}

func (r *ClaimRepository) Attempts(ctx context.Context, claimID string) ([]domain.Attempt, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]domain.Attempt(nil), r.attempts[claimID]...), nil
}

func (r *ClaimRepository) ListManualReview(ctx context.Context, limit int) ([]*domain.Claim, error) {
	return r.list(ctx, limit, func(c *domain.Claim) bool { return c.ManualReview })
}

func (r *ClaimRepository) ListByReservation(ctx context.Context, reservationID string) ([]*domain.Claim, error) {
	return r.list(ctx, 0, func(c *domain.Claim) bool { return c.ReservationID == reservationID })
}

func (r *ClaimRepository) list(ctx context.Context, limit int, keep func(*domain.Claim) bool) ([]*domain.Claim, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Claim
	for _, c := range r.claims {
		if keep(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
