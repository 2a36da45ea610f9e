package payment

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type GatewayRequest struct {
	ReferencePhone  string
	BankCode        string
	ReferenceNumber string
	Amount          decimal.Decimal
	Date            time.Time
}

type GatewayOutcome string

const (
	OutcomeFound    GatewayOutcome = "found"
	OutcomeNotFound GatewayOutcome = "not_found"
	OutcomeSettled  GatewayOutcome = "settled"
)

// GatewayResult is the bank's answer normalized. Raw fields keep what was sent back verbatim.
// ResponseCode and RequestPayload are filled even when Verify fails, for the attempt audit.
type GatewayResult struct {
	Outcome          GatewayOutcome
	Matched          bool
	GatewayReference string
	Amount           decimal.Decimal
	Date             time.Time
	RawAmount        string
	RawDate          string
	ResponseCode     string
	RequestPayload   string
}

// Gateway performs one verification round trip. Transient failures wrap ErrGatewayUnavailable.
type Gateway interface {
	Verify(ctx context.Context, req GatewayRequest) (GatewayResult, error)
}

func RequestFor(c *Claim) GatewayRequest {
	return GatewayRequest{
		ReferencePhone:  c.PayerPhone,
		BankCode:        c.OriginBankCode,
		ReferenceNumber: c.ReferenceNumber,
		Amount:          c.Amount,
		Date:            c.Date,
	}
}

// Covers reports whether the amount the bank confirmed pays due in full. A zero due
// accepts any confirmed amount.
func Covers(res GatewayResult, due decimal.Decimal) bool {
	return due.IsZero() || res.Amount.Equal(due)
}

// Evaluate decides the verdict for a claim the bank answered. Amounts must match exactly;
// dates only by calendar day in loc.
func Evaluate(c *Claim, res GatewayResult, loc *time.Location) Reason {
	switch res.Outcome {
	case OutcomeNotFound:
		return ReasonReferenceNotFound
	case OutcomeSettled:
		return ReasonAlreadySettled
	}
	if !c.Amount.Equal(res.Amount) {
		return ReasonAmountMismatch
	}
	if res.Date.IsZero() || !SameDay(c.Date, res.Date, loc) {
		return ReasonDateMismatch
	}
	if !res.Matched {
		return ReasonPayerMismatch
	}
	return ReasonNone
}
