package observability

// MetricKey names an instrument in the registry built by prometrics.Standard.
type MetricKey string

// Envelope instruments, shared by every use case and adapter.
const (
	MUsecaseRequests         MetricKey = "usecase_requests_total"
	MUsecaseDuration         MetricKey = "usecase_duration_seconds"
	MHTTPRequests            MetricKey = "http_requests_total"
	MHTTPRequestDuration     MetricKey = "http_request_duration_seconds"
	MExternalRequests        MetricKey = "external_requests_total"
	MExternalRequestDuration MetricKey = "external_request_duration_seconds"
)

// Admission instruments.
const (
	MStockHolds          MetricKey = "stock_holds_total"          // {outcome}
	MReservationsExpired MetricKey = "reservations_expired_total" // no labels
	MPaymentClaims       MetricKey = "payment_claims_total"       // {state}
)
