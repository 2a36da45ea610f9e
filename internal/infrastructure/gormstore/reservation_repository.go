package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	domain "github.com/aemorandin-coder/electroweb-admission/internal/domain/reservation"
)

type ReservationRepository struct {
	db *gorm.DB
}

func NewReservationRepository(db *gorm.DB) *ReservationRepository {
	return &ReservationRepository{db: db}
}

func (r *ReservationRepository) Insert(ctx context.Context, res *domain.Reservation) error {
	m := reservationFromDomain(res)
	err := r.db.WithContext(ctx).Create(&m).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("gormstore: insert reservation: %w", err)
	}
	return nil
}

func (r *ReservationRepository) Get(ctx context.Context, id string) (*domain.Reservation, error) {
	var m ReservationModel
	err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("gormstore: get reservation: %w", err)
	}
	return m.toDomain(), nil
}

func (r *ReservationRepository) Update(ctx context.Context, res *domain.Reservation) error {
	res2 := r.db.WithContext(ctx).Model(&ReservationModel{}).
		Where("id = ? AND version = ?", res.ID, res.Version).
		Updates(map[string]any{
			"state":      string(res.State),
			"order_id":   res.OrderID,
			"expires_at": res.ExpiresAt.UTC(),
			"updated_at": res.UpdatedAt.UTC(),
			"version":    res.Version + 1,
		})
	if res2.Error != nil {
		return fmt.Errorf("gormstore: update reservation: %w", res2.Error)
	}
	if res2.RowsAffected == 0 {
		if _, err := r.Get(ctx, res.ID); err != nil {
			return err
		}
		return domain.ErrConflict
	}
	res.Version++
	return nil
}

func (r *ReservationRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Reservation, error) {
	q := r.db.WithContext(ctx).
		Where("state = ? AND expires_at < ?", string(domain.StateHeld), now.UTC()).
		Order("expires_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []ReservationModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("gormstore: list due reservations: %w", err)
	}
	out := make([]*domain.Reservation, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toDomain())
	}
	return out, nil
}
