package gormstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	domain "github.com/aemorandin-coder/electroweb-admission/internal/domain/payment"
)

// ClaimRepository relies on the unique indexes over reference_lock and
// live_reservation_id: the database, not the caller, decides which of two racing
// claims keeps a reference or a reservation.
type ClaimRepository struct {
	db *gorm.DB
}

func NewClaimRepository(db *gorm.DB) *ClaimRepository {
	return &ClaimRepository{db: db}
}

func (r *ClaimRepository) Insert(ctx context.Context, c *domain.Claim) error {
	m := claimFromDomain(c)
	err := r.db.WithContext(ctx).Create(&m).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		if _, getErr := r.Get(ctx, c.ID); getErr == nil {
			return domain.ErrConflict
		}
		return r.uniqueViolation(ctx, c, err)
	}
	if err != nil {
		return fmt.Errorf("gormstore: insert claim: %w", err)
	}
	return nil
}

// uniqueViolation names the index a write collided with. The reference is checked
// before the reservation so a reused reference always reports as a duplicate.
func (r *ClaimRepository) uniqueViolation(ctx context.Context, c *domain.Claim, cause error) error {
	taken := func(column, value string) bool {
		var n int64
		r.db.WithContext(ctx).Model(&ClaimModel{}).
			Where(column+" = ? AND id <> ?", value, c.ID).
			Count(&n)
		return n > 0
	}
	if lock := c.ReferenceLock(); lock != "" && taken("reference_lock", lock) {
		return domain.ErrDuplicateReference
	}
	if lock := c.LiveLock(); lock != "" && taken("live_reservation_id", lock) {
		return domain.ErrLiveClaim
	}
	return fmt.Errorf("gormstore: write claim: %w", cause)
}

func (r *ClaimRepository) Get(ctx context.Context, id string) (*domain.Claim, error) {
	var m ClaimModel
	err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("gormstore: get claim: %w", err)
	}
	return m.toDomain(), nil
}

func (r *ClaimRepository) Update(ctx context.Context, c *domain.Claim) error {
	m := claimFromDomain(c)
	res := r.db.WithContext(ctx).Model(&ClaimModel{}).
		Where("id = ? AND version = ?", c.ID, c.Version).
		Updates(map[string]any{
			"reference_lock":      m.ReferenceLock,
			"live_reservation_id": m.LiveReservationID,
			"state":               m.State,
			"reason":              m.Reason,
			"manual_review":       m.ManualReview,
			"reached_gateway":     m.ReachedGateway,
			"attempts":            m.Attempts,
			"gateway_reference":   m.GatewayReference,
			"updated_at":          m.UpdatedAt,
			"version":             c.Version + 1,
		})
	if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
		return r.uniqueViolation(ctx, c, res.Error)
	}
	if res.Error != nil {
		return fmt.Errorf("gormstore: update claim: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := r.Get(ctx, c.ID); err != nil {
			return err
		}
		return domain.ErrConflict
	}
	c.Version++
	return nil
}

func (r *ClaimRepository) AppendAttempt(ctx context.Context, a domain.Attempt) error {
	if _, err := r.Get(ctx, a.ClaimID); err != nil {
		return err
	}
	m := AttemptModel{
		ClaimID:        a.ClaimID,
		Number:         a.Number,
		RequestPayload: a.RequestPayload,
		ResponseCode:   a.ResponseCode,
		Timestamp:      a.Timestamp.UTC(),
	}
	err := r.db.WithContext(ctx).Create(&m).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("gormstore: append attempt: %w", err)
	}
	return nil
}

func (r *ClaimRepository) Attempts(ctx context.Context, claimID string) ([]domain.Attempt, error) {
	var rows []AttemptModel
	if err := r.db.WithContext(ctx).Where("claim_id = ?", claimID).Order("number ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("gormstore: list attempts: %w", err)
	}
	out := make([]domain.Attempt, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toDomain())
	}
	return out, nil
}

func (r *ClaimRepository) ListManualReview(ctx context.Context, limit int) ([]*domain.Claim, error) {
	q := r.db.WithContext(ctx).Where("manual_review = ?", true).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return r.find(q)
}

func (r *ClaimRepository) ListByReservation(ctx context.Context, reservationID string) ([]*domain.Claim, error) {
	return r.find(r.db.WithContext(ctx).Where("reservation_id = ?", reservationID).Order("created_at ASC"))
}

func (r *ClaimRepository) find(q *gorm.DB) ([]*domain.Claim, error) {
	var rows []ClaimModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("gormstore: list claims: %w", err)
	}
	out := make([]*domain.Claim, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toDomain())
	}
	return out, nil
}
