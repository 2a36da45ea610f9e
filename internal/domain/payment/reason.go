package payment

// Reason explains why a claim ended where it did.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonAmountMismatch     Reason = "amount_mismatch"
	ReasonDateMismatch       Reason = "date_mismatch"
	ReasonReferenceNotFound  Reason = "reference_not_found"
	ReasonAlreadySettled     Reason = "already_settled"
	ReasonPayerMismatch      Reason = "payer_mismatch"
	ReasonManualReview       Reason = "manual_review"
	ReasonReservationNotHeld Reason = "reservation_not_held"
	ReasonDuplicateReference Reason = "duplicate_reference"
)

var reasonMessages = map[Reason]string{
	ReasonAmountMismatch:     "The amount does not match the transfer registered by the bank.",
	ReasonDateMismatch:       "The date does not match the transfer registered by the bank.",
	ReasonReferenceNotFound:  "The bank has no transfer with this reference number.",
	ReasonAlreadySettled:     "The bank reports this transfer was already settled for another purchase.",
	ReasonPayerMismatch:      "The phone or bank does not match the transfer registered by the bank.",
	ReasonManualReview:       "We could not reach the bank. An operator will review this payment.",
	ReasonReservationNotHeld: "Your checkout is no longer active. Please start checkout again.",
	ReasonDuplicateReference: "This payment reference was already used.",
}

// Message is the shopper-facing explanation.
func (r Reason) Message() string {
	if m, ok := reasonMessages[r]; ok {
		return m
	}
	return ""
}
