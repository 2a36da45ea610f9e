package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	domain "github.com/aemorandin-coder/electroweb-admission/internal/domain/reservation"
)

type ReservationRepository struct {
	mu           sync.RWMutex
	reservations map[string]*domain.Reservation
}

func NewReservationRepository() *ReservationRepository {
	return &ReservationRepository{
		reservations: make(map[string]*domain.Reservation),
	}
}

func (r *ReservationRepository) Insert(ctx context.Context, res *domain.Reservation) error {
	_ = ctx
	if res == nil || res.ID == "" {
		return fmt.Errorf("reservation repository: id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.reservations[res.ID]; exists {
		return domain.ErrConflict
	}
	r.reservations[res.ID] = res.Clone()
	return nil
}

func (r *ReservationRepository) Get(ctx context.Context, id string) (*domain.Reservation, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	res, ok := r.reservations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return res.Clone(), nil
}

func (r *ReservationRepository) Update(ctx context.Context, res *domain.Reservation) error {
	_ = ctx
	if res == nil || res.ID == "" {
		return fmt.Errorf("reservation repository: id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.reservations[res.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Version != res.Version {
		return domain.ErrConflict
	}
	next := res.Clone()
	next.Version++
	r.reservations[res.ID] = next
	res.Version = next.Version
	return nil
}

func (r *ReservationRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Reservation, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	var due []*domain.Reservation
	for _, res := range r.reservations {
		if res.State == domain.StateHeld && res.ExpiresAt.Before(now) {
			due = append(due, res.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}
