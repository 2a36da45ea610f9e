package payment

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound           = errors.New("payment: claim not found")
	ErrConflict           = errors.New("payment: concurrent modification")
	ErrInvalidClaim       = errors.New("payment: invalid claim")
	ErrDuplicateReference = errors.New("payment: reference number already used")
	ErrInvalidState       = errors.New("payment: invalid state transition")
	ErrGatewayUnavailable = errors.New("payment: verification gateway unavailable")
	// ErrLiveClaim means the reservation already has a claim that may still settle it.
	ErrLiveClaim = errors.New("payment: reservation already has a live claim")
)

type State string

const (
	StateSubmitted State = "SUBMITTED"
	StateVerifying State = "VERIFYING"
	StateVerified  State = "VERIFIED"
	StateRejected  State = "REJECTED"
	StateDuplicate State = "DUPLICATE"
)

func (s State) Terminal() bool {
	return s == StateVerified || s == StateRejected || s == StateDuplicate
}

// Fields are what the shopper reports about a Pago Móvil transfer.
type Fields struct {
	PayerPhone      string
	OriginBankCode  string
	ReferenceNumber string
	Amount          decimal.Decimal
	// Date is the calendar day of the transfer; the clock part is ignored.
	Date            time.Time
	ReceiptImageRef string
}

var (
	phonePattern     = regexp.MustCompile(`^(04\d{9}|584\d{9})$`)
	bankCodePattern  = regexp.MustCompile(`^\d{4}$`)
	referencePattern = regexp.MustCompile(`^\d{4,20}$`)
)

// Normalize strips the separators shoppers usually type.
func (f Fields) Normalize() Fields {
	clean := strings.NewReplacer(" ", "", "-", "", "+", "", "(", "", ")", "", ".", "")
	f.PayerPhone = clean.Replace(strings.TrimSpace(f.PayerPhone))
	f.OriginBankCode = strings.TrimSpace(f.OriginBankCode)
	f.ReferenceNumber = clean.Replace(strings.TrimSpace(f.ReferenceNumber))
	f.ReceiptImageRef = strings.TrimSpace(f.ReceiptImageRef)
	return f
}

// Validate checks the claim shape. today is the current calendar day in the bank's timezone.
func (f Fields) Validate(today time.Time) error {
	var problems []string
	if !phonePattern.MatchString(f.PayerPhone) {
		problems = append(problems, "payer phone must look like 04XXXXXXXXX")
	}
	if !bankCodePattern.MatchString(f.OriginBankCode) {
		problems = append(problems, "origin bank code must be 4 digits")
	}
	if !referencePattern.MatchString(f.ReferenceNumber) {
		problems = append(problems, "reference number must be 4 to 20 digits")
	}
	if !f.Amount.IsPositive() {
		problems = append(problems, "amount must be greater than zero")
	} else if !f.Amount.Equal(f.Amount.Round(2)) {
		problems = append(problems, "amount must have at most two decimals")
	}
	if f.Date.IsZero() {
		problems = append(problems, "date is required")
	} else if civil(f.Date, today.Location()).After(civil(today, today.Location())) {
		problems = append(problems, "date cannot be in the future")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidClaim, strings.Join(problems, "; "))
	}
	return nil
}

type Claim struct {
	ID              string
	ReservationID   string
	PayerPhone      string
	OriginBankCode  string
	ReferenceNumber string
	Amount          decimal.Decimal
	Date            time.Time
	ReceiptImageRef string

	State            State
	Reason           Reason
	ManualReview     bool
	ReachedGateway   bool
	Attempts         int
	GatewayReference string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	// Version guards concurrent transitions; repositories reject stale writes.
	Version int
}

func NewClaim(id, reservationID string, f Fields, now time.Time) (*Claim, error) {
	if id == "" || reservationID == "" {
		return nil, fmt.Errorf("%w: claim and reservation ids are required", ErrInvalidClaim)
	}
	now = now.UTC()
	return &Claim{
		ID:              id,
		ReservationID:   reservationID,
		PayerPhone:      f.PayerPhone,
		OriginBankCode:  f.OriginBankCode,
		ReferenceNumber: f.ReferenceNumber,
		Amount:          f.Amount,
		Date:            f.Date,
		ReceiptImageRef: f.ReceiptImageRef,
		State:           StateSubmitted,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// BlocksReference reports whether this claim keeps its reference number out of reach
// for other claims. Only claims rejected before any gateway call give it back.
func (c *Claim) BlocksReference() bool {
	switch c.State {
	case StateDuplicate:
		return false
	case StateRejected:
		return c.ReachedGateway
	default:
		return true
	}
}

// ReferenceLock is the value stored under the unique reference constraint, empty when unblocked.
func (c *Claim) ReferenceLock() string {
	if c.BlocksReference() {
		return c.ReferenceNumber
	}
	return ""
}

// Live reports whether the claim can still settle its reservation. A reservation has at
// most one live claim; a new one is accepted only after the previous was rejected.
func (c *Claim) Live() bool {
	switch c.State {
	case StateSubmitted, StateVerifying, StateVerified:
		return true
	default:
		return false
	}
}

// LiveLock is the value stored under the unique live-claim constraint, empty once the
// claim is rejected or duplicate.
func (c *Claim) LiveLock() string {
	if c.Live() {
		return c.ReservationID
	}
	return ""
}

func (c *Claim) MarkDuplicate(now time.Time) {
	c.State = StateDuplicate
	c.Reason = ReasonDuplicateReference
	c.touch(now)
}

// BeginAttempt moves the claim to VERIFYING and counts one more gateway round trip.
func (c *Claim) BeginAttempt(now time.Time) error {
	if c.State != StateSubmitted && c.State != StateVerifying {
		return fmt.Errorf("%w: cannot verify a %s claim", ErrInvalidState, c.State)
	}
	c.State = StateVerifying
	c.Attempts++
	c.ReachedGateway = true
	c.touch(now)
	return nil
}

func (c *Claim) MarkVerified(gatewayReference string, now time.Time) error {
	if c.State != StateVerifying {
		return fmt.Errorf("%w: cannot mark a %s claim verified", ErrInvalidState, c.State)
	}
	c.State = StateVerified
	c.Reason = ReasonNone
	c.GatewayReference = gatewayReference
	c.touch(now)
	return nil
}

func (c *Claim) Reject(reason Reason, now time.Time) error {
	if c.State.Terminal() {
		return fmt.Errorf("%w: cannot reject a %s claim", ErrInvalidState, c.State)
	}
	c.State = StateRejected
	c.Reason = reason
	c.ManualReview = reason == ReasonManualReview
	c.touch(now)
	return nil
}

func (c *Claim) Clone() *Claim {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

func (c *Claim) touch(now time.Time) {
	c.UpdatedAt = now.UTC()
}

// Attempt is the append-only audit row written for every gateway call.
type Attempt struct {
	ClaimID        string
	Number         int
	RequestPayload string
	ResponseCode   string
	Timestamp      time.Time
}

func civil(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// SameDay compares two instants by calendar day in loc.
func SameDay(a, b time.Time, loc *time.Location) bool {
	return civil(a, loc).Equal(civil(b, loc))
}

// ParseDate reads a YYYY-MM-DD calendar day in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	d, err := time.ParseInLocation(time.DateOnly, strings.TrimSpace(s), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidClaim)
	}
	return d, nil
}
