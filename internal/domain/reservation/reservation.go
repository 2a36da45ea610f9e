package reservation

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound        = errors.New("reservation: not found")
	ErrConflict        = errors.New("reservation: concurrent modification")
	ErrInvalidState    = errors.New("reservation: invalid state transition")
	ErrExpired         = errors.New("reservation: hold expired")
	ErrEmpty           = errors.New("reservation: at least one item is required")
	ErrInvalidQuantity = errors.New("reservation: quantity must be greater than zero")
	ErrInvalidAmount   = errors.New("reservation: amount due must be zero or greater")
)

// DefaultTTL is how long a checkout may hold stock before the sweeper reclaims it.
const DefaultTTL = 15 * time.Minute

type State string

const (
	StateHeld      State = "HELD"
	StateCommitted State = "COMMITTED"
	StateReleased  State = "RELEASED"
	StateExpired   State = "EXPIRED"
)

func (s State) Terminal() bool { return s != StateHeld }

type Item struct {
	ProductID string
	Quantity  int
}

type Reservation struct {
	ID          string
	CartOwnerID string
	// Items are sorted by ProductID with one entry per product.
	Items     []Item
	AmountDue decimal.Decimal
	OrderID   string
	State     State
	CreatedAt time.Time
	ExpiresAt time.Time
	UpdatedAt time.Time
	// Version guards concurrent transitions; repositories reject stale writes.
	Version int
}

func New(id, cartOwnerID string, items []Item, amountDue decimal.Decimal, now time.Time, ttl time.Duration) (*Reservation, error) {
	if id == "" {
		return nil, errors.New("reservation: id is required")
	}
	if cartOwnerID == "" {
		return nil, errors.New("reservation: cart owner id is required")
	}
	if amountDue.IsNegative() {
		return nil, ErrInvalidAmount
	}
	normalized, err := NormalizeItems(items)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	return &Reservation{
		ID:          id,
		CartOwnerID: cartOwnerID,
		Items:       normalized,
		AmountDue:   amountDue,
		State:       StateHeld,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		UpdatedAt:   now,
	}, nil
}

// NormalizeItems merges repeated products and orders lines by ascending ProductID,
// the acquisition order every caller shares.
func NormalizeItems(items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, ErrEmpty
	}
	merged := make(map[string]int, len(items))
	for _, it := range items {
		if it.ProductID == "" {
			return nil, errors.New("reservation: product id is required")
		}
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: product=%s", ErrInvalidQuantity, it.ProductID)
		}
		merged[it.ProductID] += it.Quantity
	}
	out := make([]Item, 0, len(merged))
	for id, qty := range merged {
		out = append(out, Item{ProductID: id, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

// Overdue reports whether a held reservation outlived its TTL.
func (r *Reservation) Overdue(now time.Time) bool {
	return r.State == StateHeld && now.After(r.ExpiresAt)
}

// Commit moves HELD to COMMITTED. A second commit is a no-op that keeps the first order id.
func (r *Reservation) Commit(orderID string, now time.Time) (changed bool, err error) {
	return r.apply(now, func(s reservationState) (reservationState, bool, error) {
		return s.OnCommit(r, orderID)
	})
}

// Release moves HELD to RELEASED; terminal reservations are left untouched.
func (r *Reservation) Release(now time.Time) (changed bool, err error) {
	return r.apply(now, func(s reservationState) (reservationState, bool, error) {
		return s.OnRelease(r)
	})
}

// Expire moves HELD to EXPIRED; terminal reservations are left untouched.
func (r *Reservation) Expire(now time.Time) (changed bool, err error) {
	return r.apply(now, func(s reservationState) (reservationState, bool, error) {
		return s.OnExpire(r)
	})
}

func (r *Reservation) apply(now time.Time, fn func(reservationState) (reservationState, bool, error)) (bool, error) {
	current, err := stateOf(r.State)
	if err != nil {
		return false, err
	}
	next, changed, err := fn(current)
	if err != nil {
		return false, fmt.Errorf("%w: %s", err, r.State)
	}
	if changed {
		r.State = next.Status()
		r.UpdatedAt = now.UTC()
	}
	return changed, nil
}

func (r *Reservation) Clone() *Reservation {
	if r == nil {
		return nil
	}
	c := *r
	c.Items = append([]Item(nil), r.Items...)
	return &c
}

// TotalUnits sums the quantities across all items.
func (r *Reservation) TotalUnits() int {
	n := 0
	for _, it := range r.Items {
		n += it.Quantity
	}
	return n
}
