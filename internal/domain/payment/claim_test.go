package payment

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var caracas = time.FixedZone("VET", -4*60*60)

func validFields() Fields {
	return Fields{
		PayerPhone:      "0412-123.45.67",
		OriginBankCode:  "0102",
		ReferenceNumber: "12345678",
		Amount:          decimal.RequireFromString("50.00"),
		Date:            time.Date(2026, 10, 18, 0, 0, 0, 0, caracas),
	}.Normalize()
}

func TestFieldsValidate(t *testing.T) {
	today := time.Date(2026, 10, 18, 9, 30, 0, 0, caracas)

	tests := []struct {
		name    string
		mutate  func(f *Fields)
		wantErr string
	}{
		{name: "valid claim"},
		{name: "international phone", mutate: func(f *Fields) { f.PayerPhone = "584121234567" }},
		{name: "short phone", mutate: func(f *Fields) { f.PayerPhone = "0412123" }, wantErr: "payer phone"},
		{name: "bank code letters", mutate: func(f *Fields) { f.OriginBankCode = "BANK" }, wantErr: "bank code"},
		{name: "reference too short", mutate: func(f *Fields) { f.ReferenceNumber = "12" }, wantErr: "reference number"},
		{name: "zero amount", mutate: func(f *Fields) { f.Amount = decimal.Zero }, wantErr: "greater than zero"},
		{name: "three decimals", mutate: func(f *Fields) { f.Amount = decimal.RequireFromString("49.999") }, wantErr: "two decimals"},
		{name: "missing date", mutate: func(f *Fields) { f.Date = time.Time{} }, wantErr: "date is required"},
		{name: "future date", mutate: func(f *Fields) { f.Date = today.AddDate(0, 0, 1) }, wantErr: "future"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := validFields()
			if tt.mutate != nil {
				tt.mutate(&f)
			}
			err := f.Validate(today)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidClaim)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNormalizeStripsSeparators(t *testing.T) {
	f := validFields()
	assert.Equal(t, "04121234567", f.PayerPhone)
}

func TestClaimLifecycle(t *testing.T) {
	now := time.Date(2026, 10, 18, 13, 0, 0, 0, time.UTC)
	c, err := NewClaim("c-1", "r-1", validFields(), now)
	require.NoError(t, err)
	assert.Equal(t, StateSubmitted, c.State)
	assert.Equal(t, "12345678", c.ReferenceLock())

	require.NoError(t, c.BeginAttempt(now))
	assert.Equal(t, StateVerifying, c.State)
	assert.Equal(t, 1, c.Attempts)
	assert.True(t, c.ReachedGateway)

	require.NoError(t, c.BeginAttempt(now))
	assert.Equal(t, 2, c.Attempts)

	require.NoError(t, c.MarkVerified("GW-1", now))
	assert.Equal(t, StateVerified, c.State)
	assert.ErrorIs(t, c.BeginAttempt(now), ErrInvalidState)
	assert.ErrorIs(t, c.Reject(ReasonAmountMismatch, now), ErrInvalidState)
}

func TestReferenceLockPolicy(t *testing.T) {
	now := time.Now()

	preGateway, _ := NewClaim("c-1", "r-1", validFields(), now)
	require.NoError(t, preGateway.Reject(ReasonReservationNotHeld, now))
	assert.False(t, preGateway.BlocksReference(), "rejected before the bank was queried frees the reference")

	afterGateway, _ := NewClaim("c-2", "r-1", validFields(), now)
	require.NoError(t, afterGateway.BeginAttempt(now))
	require.NoError(t, afterGateway.Reject(ReasonAmountMismatch, now))
	assert.True(t, afterGateway.BlocksReference(), "once the bank saw it the reference stays blocked")

	dup, _ := NewClaim("c-3", "r-2", validFields(), now)
	dup.MarkDuplicate(now)
	assert.Empty(t, dup.ReferenceLock())
}

func TestLiveLockPolicy(t *testing.T) {
	now := time.Now()

	c, _ := NewClaim("c-1", "r-1", validFields(), now)
	assert.Equal(t, "r-1", c.LiveLock())
	require.NoError(t, c.BeginAttempt(now))
	assert.Equal(t, "r-1", c.LiveLock())
	require.NoError(t, c.MarkVerified("GW-1", now))
	assert.Equal(t, "r-1", c.LiveLock(), "a verified claim keeps the reservation")

	rejected, _ := NewClaim("c-2", "r-2", validFields(), now)
	require.NoError(t, rejected.Reject(ReasonReservationNotHeld, now))
	assert.Empty(t, rejected.LiveLock())

	dup, _ := NewClaim("c-3", "r-3", validFields(), now)
	dup.MarkDuplicate(now)
	assert.False(t, dup.Live())
}

func TestCoversAmountDue(t *testing.T) {
	res := GatewayResult{Outcome: OutcomeFound, Amount: decimal.RequireFromString("49.99")}

	assert.False(t, Covers(res, decimal.RequireFromString("50.00")))
	assert.True(t, Covers(res, decimal.RequireFromString("49.990")))
	assert.True(t, Covers(res, decimal.Zero), "no amount due means nothing to cover")
}

func TestRejectManualReviewFlagsClaim(t *testing.T) {
	c, _ := NewClaim("c-1", "r-1", validFields(), time.Now())
	require.NoError(t, c.BeginAttempt(time.Now()))
	require.NoError(t, c.Reject(ReasonManualReview, time.Now()))
	assert.True(t, c.ManualReview)
	assert.NotEmpty(t, c.Reason.Message())
}

func TestEvaluate(t *testing.T) {
	c, _ := NewClaim("c-1", "r-1", validFields(), time.Now())
	found := GatewayResult{
		Outcome: OutcomeFound,
		Matched: true,
		Amount:  decimal.RequireFromString("50.00"),
		// late evening UTC is still the 18th in Caracas
		Date: time.Date(2026, 10, 19, 2, 30, 0, 0, time.UTC),
	}

	tests := []struct {
		name   string
		claim  func() *Claim
		result func() GatewayResult
		want   Reason
	}{
		{name: "exact match", want: ReasonNone},
		{
			name: "amount one cent short",
			claim: func() *Claim {
				cp := c.Clone()
				cp.Amount = decimal.RequireFromString("49.99")
				return cp
			},
			want: ReasonAmountMismatch,
		},
		{
			name:   "scale differences still match",
			result: func() GatewayResult { r := found; r.Amount = decimal.RequireFromString("50"); return r },
			want:   ReasonNone,
		},
		{
			name:   "different day",
			result: func() GatewayResult { r := found; r.Date = time.Date(2026, 10, 17, 12, 0, 0, 0, caracas); return r },
			want:   ReasonDateMismatch,
		},
		{
			name:   "not found",
			result: func() GatewayResult { return GatewayResult{Outcome: OutcomeNotFound} },
			want:   ReasonReferenceNotFound,
		},
		{
			name:   "settled elsewhere",
			result: func() GatewayResult { return GatewayResult{Outcome: OutcomeSettled} },
			want:   ReasonAlreadySettled,
		},
		{
			name:   "bank says payer differs",
			result: func() GatewayResult { r := found; r.Matched = false; return r },
			want:   ReasonPayerMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claim := c
			if tt.claim != nil {
				claim = tt.claim()
			}
			res := found
			if tt.result != nil {
				res = tt.result()
			}
			assert.Equal(t, tt.want, Evaluate(claim, res, caracas))
		})
	}
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2026-10-18", caracas)
	require.NoError(t, err)
	assert.True(t, SameDay(d, time.Date(2026, 10, 18, 23, 59, 0, 0, caracas), caracas))

	_, err = ParseDate("18/10/2026", caracas)
	assert.ErrorIs(t, err, ErrInvalidClaim)
}
