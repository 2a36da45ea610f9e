// Package httppresentation is the JSON API the web tier calls to run a checkout.
package httppresentation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/aemorandin-coder/electroweb-admission/internal/application/admission"
	apppay "github.com/aemorandin-coder/electroweb-admission/internal/application/payment"
	appres "github.com/aemorandin-coder/electroweb-admission/internal/application/reservation"
	dompay "github.com/aemorandin-coder/electroweb-admission/internal/domain/payment"
	"github.com/aemorandin-coder/electroweb-admission/internal/domain/reservation"
	"github.com/aemorandin-coder/electroweb-admission/internal/domain/stock"
	"github.com/aemorandin-coder/electroweb-admission/internal/observability"
	"github.com/aemorandin-coder/electroweb-admission/internal/observability/logctx"
)

const (
	componentHTTPHandler = "http_server"
	headerRequestID      = "X-Request-ID"

	maxBodyBytes = 1 << 20
)

type Checkouts interface {
	StartCheckout(ctx context.Context, cart admission.Cart) (*admission.Checkout, error)
	ConfirmPayment(ctx context.Context, reservationID string, fields dompay.Fields) (*admission.Admission, error)
	RetryPayment(ctx context.Context, claimID string) (*admission.Admission, error)
	CancelCheckout(ctx context.Context, reservationID string) error
}

type Reservations interface {
	Get(ctx context.Context, reservationID string) (*reservation.Reservation, error)
}

type Claims interface {
	Get(ctx context.Context, claimID string) (*dompay.Claim, error)
	Attempts(ctx context.Context, claimID string) ([]dompay.Attempt, error)
	ManualReviewQueue(ctx context.Context, limit int) ([]*dompay.Claim, error)
}

type Stock interface {
	Get(ctx context.Context, productID string) (*stock.Line, error)
	Restock(ctx context.Context, productID string, quantity int) (*stock.Line, error)
}

type Services struct {
	Checkouts    Checkouts
	Reservations Reservations
	Claims       Claims
	Stock        Stock
}

type Options struct {
	// Location is the bank's timezone; claim dates are read as calendar days there.
	Location *time.Location
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
}

type Handler struct {
	svc  Services
	loc  *time.Location
	prom http.Handler
	log  observability.Logger

	reqCounter observability.Counter   // http_requests_total{method,route,status}
	durHist    observability.Histogram // http_request_duration_seconds{method,route,status}
}

func NewHandler(svc Services, tel observability.Observability, opts Options) *Handler {
	if tel == nil {
		tel = observability.Nop()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	metrics := tel.Metrics()
	return &Handler{
		svc:        svc,
		loc:        opts.Location,
		prom:       opts.Metrics,
		log:        tel.Logger().With(observability.F("component", componentHTTPHandler)),
		reqCounter: metrics.Counter(observability.MHTTPRequests),
		durHist:    metrics.Histogram(observability.MHTTPRequestDuration),
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	h.handle(r, http.MethodPost, "/checkouts", h.handleStartCheckout)
	h.handle(r, http.MethodGet, "/checkouts/{reservationID}", h.handleGetCheckout)
	h.handle(r, http.MethodDelete, "/checkouts/{reservationID}", h.handleCancelCheckout)
	h.handle(r, http.MethodPost, "/checkouts/{reservationID}/payment", h.handleConfirmPayment)
	h.handle(r, http.MethodGet, "/payment-claims/manual-review", h.handleManualReview)
	h.handle(r, http.MethodGet, "/payment-claims/{claimID}", h.handleGetClaim)
	h.handle(r, http.MethodPost, "/payment-claims/{claimID}/retry", h.handleRetryPayment)
	h.handle(r, http.MethodGet, "/stock/{productID}", h.handleGetStock)
	h.handle(r, http.MethodPost, "/stock/{productID}/restock", h.handleRestock)
	h.handle(r, http.MethodGet, "/health", h.handleHealth)
	if h.prom != nil {
		r.Method(http.MethodGet, "/metrics", h.prom)
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})
	return r
}

// handle wires one route: Trace -> request logger -> HTTP metrics -> access log -> handler.
func (h *Handler) handle(r chi.Router, method, pattern string, handler http.HandlerFunc) {
	route := method + " " + pattern
	wrapped := h.withTrace(
		ObservabilityMiddleware(h.log, func(r *http.Request) string {
			return r.Header.Get(headerRequestID)
		})(
			h.withHTTPMetrics(
				h.withAccessLog(handler),
			),
		),
	)
	r.Method(method, pattern, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		wrapped.ServeHTTP(w, req.WithContext(contextWithRoute(req.Context(), route)))
	}))
}

type cartLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type startCheckoutRequest struct {
	CartOwnerID string          `json:"cart_owner_id"`
	Lines       []cartLine      `json:"lines"`
	AmountDue   decimal.Decimal `json:"amount_due"`
}

type startCheckoutResponse struct {
	ReservationID string    `json:"reservation_id"`
	ExpiresAt     time.Time `json:"expires_at"`
}

func (h *Handler) handleStartCheckout(w http.ResponseWriter, r *http.Request) {
	var req startCheckoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.CartOwnerID == "" {
		writeError(w, http.StatusBadRequest, errors.New("cart_owner_id is required"))
		return
	}

	cart := admission.Cart{OwnerID: req.CartOwnerID, AmountDue: req.AmountDue}
	for _, l := range req.Lines {
		cart.Lines = append(cart.Lines, admission.CartLine{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	co, err := h.svc.Checkouts.StartCheckout(r.Context(), cart)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, startCheckoutResponse{ReservationID: co.ReservationID, ExpiresAt: co.ExpiresAt})
}

type reservationView struct {
	ReservationID string     `json:"reservation_id"`
	CartOwnerID   string     `json:"cart_owner_id"`
	State         string     `json:"state"`
	Lines         []cartLine `json:"lines"`
	AmountDue     string     `json:"amount_due"`
	OrderID       string     `json:"order_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
}

func (h *Handler) handleGetCheckout(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Reservations.Get(r.Context(), chi.URLParam(r, "reservationID"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	view := reservationView{
		ReservationID: res.ID,
		CartOwnerID:   res.CartOwnerID,
		State:         string(res.State),
		AmountDue:     res.AmountDue.StringFixed(2),
		OrderID:       res.OrderID,
		CreatedAt:     res.CreatedAt,
		ExpiresAt:     res.ExpiresAt,
	}
	for _, it := range res.Items {
		view.Lines = append(view.Lines, cartLine{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleCancelCheckout(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Checkouts.CancelCheckout(r.Context(), chi.URLParam(r, "reservationID")); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type confirmPaymentRequest struct {
	PayerPhone      string          `json:"payer_phone"`
	OriginBankCode  string          `json:"origin_bank_code"`
	ReferenceNumber string          `json:"reference_number"`
	Amount          decimal.Decimal `json:"amount"`
	Date            string          `json:"date"`
	ReceiptImageRef string          `json:"receipt_image_ref"`
}

type admissionResponse struct {
	OrderID string `json:"order_id"`
	ClaimID string `json:"claim_id"`
}

func (h *Handler) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmPaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	date, err := dompay.ParseDate(req.Date, h.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	adm, err := h.svc.Checkouts.ConfirmPayment(r.Context(), chi.URLParam(r, "reservationID"), dompay.Fields{
		PayerPhone:      req.PayerPhone,
		OriginBankCode:  req.OriginBankCode,
		ReferenceNumber: req.ReferenceNumber,
		Amount:          req.Amount,
		Date:            date,
		ReceiptImageRef: req.ReceiptImageRef,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, admissionResponse{OrderID: adm.OrderID, ClaimID: adm.ClaimID})
}

func (h *Handler) handleRetryPayment(w http.ResponseWriter, r *http.Request) {
	adm, err := h.svc.Checkouts.RetryPayment(r.Context(), chi.URLParam(r, "claimID"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, admissionResponse{OrderID: adm.OrderID, ClaimID: adm.ClaimID})
}

type attemptView struct {
	Number       int       `json:"number"`
	ResponseCode string    `json:"response_code"`
	Timestamp    time.Time `json:"timestamp"`
}

type claimView struct {
	ClaimID          string        `json:"claim_id"`
	ReservationID    string        `json:"reservation_id"`
	ReferenceNumber  string        `json:"reference_number"`
	Amount           string        `json:"amount"`
	Date             string        `json:"date"`
	State            string        `json:"state"`
	Reason           string        `json:"reason,omitempty"`
	Message          string        `json:"message,omitempty"`
	ManualReview     bool          `json:"manual_review"`
	Attempts         int           `json:"attempts"`
	GatewayReference string        `json:"gateway_reference,omitempty"`
	History          []attemptView `json:"history,omitempty"`
}

func (h *Handler) claimView(c *dompay.Claim) claimView {
	return claimView{
		ClaimID:          c.ID,
		ReservationID:    c.ReservationID,
		ReferenceNumber:  c.ReferenceNumber,
		Amount:           c.Amount.StringFixed(2),
		Date:             c.Date.In(h.loc).Format(time.DateOnly),
		State:            string(c.State),
		Reason:           string(c.Reason),
		Message:          c.Reason.Message(),
		ManualReview:     c.ManualReview,
		Attempts:         c.Attempts,
		GatewayReference: c.GatewayReference,
	}
}

func (h *Handler) handleGetClaim(w http.ResponseWriter, r *http.Request) {
	claimID := chi.URLParam(r, "claimID")
	c, err := h.svc.Claims.Get(r.Context(), claimID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	attempts, err := h.svc.Claims.Attempts(r.Context(), claimID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	view := h.claimView(c)
	for _, a := range attempts {
		view.History = append(view.History, attemptView{Number: a.Number, ResponseCode: a.ResponseCode, Timestamp: a.Timestamp})
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleManualReview(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	claims, err := h.svc.Claims.ManualReviewQueue(r.Context(), limit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	views := make([]claimView, 0, len(claims))
	for _, c := range claims {
		views = append(views, h.claimView(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"claims": views})
}

type stockView struct {
	ProductID   string `json:"product_id"`
	TotalOnHand int    `json:"total_on_hand"`
	Reserved    int    `json:"reserved"`
	Available   int    `json:"available"`
}

func newStockView(l *stock.Line) stockView {
	return stockView{ProductID: l.ProductID, TotalOnHand: l.TotalOnHand, Reserved: l.Reserved, Available: l.Available()}
}

func (h *Handler) handleGetStock(w http.ResponseWriter, r *http.Request) {
	line, err := h.svc.Stock.Get(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStockView(line))
}

type restockRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) handleRestock(w http.ResponseWriter, r *http.Request) {
	var req restockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	line, err := h.svc.Stock.Restock(r.Context(), chi.URLParam(r, "productID"), req.Quantity)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStockView(line))
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorResponse struct {
	Error   string       `json:"error"`
	Verdict *verdictView `json:"verdict,omitempty"`
}

type verdictView struct {
	ClaimID      string `json:"claim_id"`
	State        string `json:"state"`
	Reason       string `json:"reason,omitempty"`
	Message      string `json:"message,omitempty"`
	ManualReview bool   `json:"manual_review"`
	RetryLater   bool   `json:"retry_later"`
	Attempts     int    `json:"attempts"`
}

func newVerdictView(v *apppay.Verdict) *verdictView {
	if v == nil {
		return nil
	}
	return &verdictView{
		ClaimID:      v.ClaimID,
		State:        string(v.State),
		Reason:       string(v.Reason),
		Message:      v.Message,
		ManualReview: v.ManualReview,
		RetryLater:   v.RetryLater,
		Attempts:     v.Attempts,
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// writeDomainError maps the error taxonomy onto HTTP. Payment failures carry the verdict
// so the shopper sees the reason.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorResponse{Error: err.Error()}
	var perr *admission.PaymentError
	if errors.As(err, &perr) {
		body.Verdict = newVerdictView(perr.Verdict)
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		logctx.From(r.Context(), h.log).Error("request_failed",
			observability.F("route", routeFromContext(r.Context())),
			observability.Err(err),
		)
	}
	writeJSON(w, status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, admission.ErrPaymentRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, admission.ErrRetryLater):
		return http.StatusServiceUnavailable
	case errors.Is(err, admission.ErrHoldExpired),
		errors.Is(err, dompay.ErrDuplicateReference),
		errors.Is(err, dompay.ErrLiveClaim),
		errors.Is(err, dompay.ErrInvalidState),
		errors.Is(err, dompay.ErrConflict),
		errors.Is(err, stock.ErrInsufficientStock),
		errors.Is(err, appres.ErrClaimNotVerified):
		return http.StatusConflict
	case errors.Is(err, reservation.ErrNotFound),
		errors.Is(err, dompay.ErrNotFound),
		errors.Is(err, stock.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dompay.ErrInvalidClaim),
		errors.Is(err, stock.ErrInvalidQuantity),
		errors.Is(err, reservation.ErrEmpty),
		errors.Is(err, reservation.ErrInvalidQuantity),
		errors.Is(err, reservation.ErrInvalidAmount):
		return http.StatusBadRequest
	default:
		// reservation.ErrInvalidState lands here: an integration bug, never a retryable condition
		return http.StatusInternalServerError
	}
}
