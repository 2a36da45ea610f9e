package gormstore

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/aemorandin-coder/electroweb-admission/internal/domain/payment"
	"github.com/aemorandin-coder/electroweb-admission/internal/domain/reservation"
	"github.com/aemorandin-coder/electroweb-admission/internal/domain/stock"
)

type StockLineModel struct {
	ProductID   string `gorm:"primaryKey;size:64"`
	TotalOnHand int    `gorm:"not null"`
	Reserved    int    `gorm:"not null;default:0"`
	UpdatedAt   time.Time
}

func (StockLineModel) TableName() string { return "stock_lines" }

func stockLineFromDomain(l *stock.Line) StockLineModel {
	return StockLineModel{
		ProductID:   l.ProductID,
		TotalOnHand: l.TotalOnHand,
		Reserved:    l.Reserved,
		UpdatedAt:   l.UpdatedAt.UTC(),
	}
}

func (m StockLineModel) toDomain() *stock.Line {
	return &stock.Line{
		ProductID:   m.ProductID,
		TotalOnHand: m.TotalOnHand,
		Reserved:    m.Reserved,
		UpdatedAt:   m.UpdatedAt.UTC(),
	}
}

type ReservationModel struct {
	ID          string          `gorm:"primaryKey;size:64"`
	CartOwnerID string          `gorm:"size:64;index"`
	Items       []itemRecord    `gorm:"type:text;not null;serializer:json"`
	AmountDue   decimal.Decimal `gorm:"size:32"`
	OrderID     string          `gorm:"size:64"`
	State       string          `gorm:"size:16;not null;index:idx_reservations_due,priority:1"`
	ExpiresAt   time.Time       `gorm:"not null;index:idx_reservations_due,priority:2"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Version     int `gorm:"not null;default:0"`
}

func (ReservationModel) TableName() string { return "reservations" }

type itemRecord struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

func reservationFromDomain(r *reservation.Reservation) ReservationModel {
	items := make([]itemRecord, 0, len(r.Items))
	for _, it := range r.Items {
		items = append(items, itemRecord{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return ReservationModel{
		ID:          r.ID,
		CartOwnerID: r.CartOwnerID,
		Items:       items,
		AmountDue:   r.AmountDue,
		OrderID:     r.OrderID,
		State:       string(r.State),
		ExpiresAt:   r.ExpiresAt.UTC(),
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
		Version:     r.Version,
	}
}

func (m ReservationModel) toDomain() *reservation.Reservation {
	out := make([]reservation.Item, 0, len(m.Items))
	for _, it := range m.Items {
		out = append(out, reservation.Item{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return &reservation.Reservation{
		ID:          m.ID,
		CartOwnerID: m.CartOwnerID,
		Items:       out,
		AmountDue:   m.AmountDue,
		OrderID:     m.OrderID,
		State:       reservation.State(m.State),
		CreatedAt:   m.CreatedAt.UTC(),
		ExpiresAt:   m.ExpiresAt.UTC(),
		UpdatedAt:   m.UpdatedAt.UTC(),
		Version:     m.Version,
	}
}

type ClaimModel struct {
	ID              string `gorm:"primaryKey;size:64"`
	ReservationID   string `gorm:"size:64;not null;index"`
	PayerPhone      string `gorm:"size:16"`
	OriginBankCode  string `gorm:"size:4"`
	ReferenceNumber string `gorm:"size:20;not null;index"`
	// ReferenceLock is NULL for claims that no longer block their reference;
	// the unique index only sees the blocking ones.
	ReferenceLock *string `gorm:"size:20;uniqueIndex"`
	// LiveReservationID is set only while the claim is live, so a reservation
	// has at most one live claim.
	LiveReservationID *string         `gorm:"size:64;uniqueIndex"`
	Amount            decimal.Decimal `gorm:"size:32"`
	Date              time.Time
	ReceiptImageRef   string `gorm:"size:255"`
	State             string `gorm:"size:16;not null"`
	Reason            string `gorm:"size:32"`
	ManualReview      bool   `gorm:"not null;default:false;index"`
	ReachedGateway    bool   `gorm:"not null;default:false"`
	Attempts          int    `gorm:"not null;default:0"`
	GatewayReference  string `gorm:"size:64"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Version           int `gorm:"not null;default:0"`
}

func (ClaimModel) TableName() string { return "payment_claims" }

func claimFromDomain(c *payment.Claim) ClaimModel {
	return ClaimModel{
		ID:                c.ID,
		ReservationID:     c.ReservationID,
		PayerPhone:        c.PayerPhone,
		OriginBankCode:    c.OriginBankCode,
		ReferenceNumber:   c.ReferenceNumber,
		ReferenceLock:     nullable(c.ReferenceLock()),
		LiveReservationID: nullable(c.LiveLock()),
		Amount:            c.Amount,
		Date:              c.Date.UTC(),
		ReceiptImageRef:   c.ReceiptImageRef,
		State:             string(c.State),
		Reason:            string(c.Reason),
		ManualReview:      c.ManualReview,
		ReachedGateway:    c.ReachedGateway,
		Attempts:          c.Attempts,
		GatewayReference:  c.GatewayReference,
		CreatedAt:         c.CreatedAt.UTC(),
		UpdatedAt:         c.UpdatedAt.UTC(),
		Version:           c.Version,
	}
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func (m ClaimModel) toDomain() *payment.Claim {
	return &payment.Claim{
		ID:               m.ID,
		ReservationID:    m.ReservationID,
		PayerPhone:       m.PayerPhone,
		OriginBankCode:   m.OriginBankCode,
		ReferenceNumber:  m.ReferenceNumber,
		Amount:           m.Amount,
		Date:             m.Date.UTC(),
		ReceiptImageRef:  m.ReceiptImageRef,
		State:            payment.State(m.State),
		Reason:           payment.Reason(m.Reason),
		ManualReview:     m.ManualReview,
		ReachedGateway:   m.ReachedGateway,
		Attempts:         m.Attempts,
		GatewayReference: m.GatewayReference,
		CreatedAt:        m.CreatedAt.UTC(),
		UpdatedAt:        m.UpdatedAt.UTC(),
		Version:          m.Version,
	}
}

type AttemptModel struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ClaimID        string `gorm:"size:64;not null;uniqueIndex:idx_attempt_claim_number,priority:1"`
	Number         int    `gorm:"not null;uniqueIndex:idx_attempt_claim_number,priority:2"`
	RequestPayload string `gorm:"type:text"`
	ResponseCode   string `gorm:"size:32"`
	Timestamp      time.Time
}

func (AttemptModel) TableName() string { return "verification_attempts" }

func (m AttemptModel) toDomain() payment.Attempt {
	return payment.Attempt{
		ClaimID:        m.ClaimID,
		Number:         m.Number,
		RequestPayload: m.RequestPayload,
		ResponseCode:   m.ResponseCode,
		Timestamp:      m.Timestamp.UTC(),
	}
}
