package httppresentation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/aemorandin-coder/electroweb-admission/internal/application/admission"
	apppay "github.com/aemorandin-coder/electroweb-admission/internal/application/payment"
	appres "github.com/aemorandin-coder/electroweb-admission/internal/application/reservation"
	appstock "github.com/aemorandin-coder/electroweb-admission/internal/application/stock"
	dompay "github.com/aemorandin-coder/electroweb-admission/internal/domain/payment"
	"github.com/aemorandin-coder/electroweb-admission/internal/infrastructure/catalog"
	"github.com/aemorandin-coder/electroweb-admission/internal/infrastructure/id"
	"github.com/aemorandin-coder/electroweb-admission/internal/infrastructure/memory"
	infraobs "github.com/aemorandin-coder/electroweb-admission/internal/infrastructure/observability"
	"github.com/aemorandin-coder/electroweb-admission/internal/infrastructure/observability/prometrics"
	"github.com/aemorandin-coder/electroweb-admission/internal/infrastructure/observability/zaplogger"
	"github.com/aemorandin-coder/electroweb-admission/internal/pkg/clock"
)

var caracas = time.FixedZone("VET", -4*60*60)

type stubBank struct {
	mu   sync.Mutex
	down bool
}

func (b *stubBank) setDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
}

func (b *stubBank) Verify(_ context.Context, req dompay.GatewayRequest) (dompay.GatewayResult, error) {
	b.mu.Lock()
	down := b.down
	b.mu.Unlock()
	if down {
		return dompay.GatewayResult{ResponseCode: "503"}, fmt.Errorf("%w: status 503", dompay.ErrGatewayUnavailable)
	}
	return dompay.GatewayResult{
		Outcome:          dompay.OutcomeFound,
		Matched:          true,
		GatewayReference: "BNK-1",
		Amount:           req.Amount,
		Date:             req.Date,
		ResponseCode:     "200",
	}, nil
}

type HandlerSuite struct {
	suite.Suite
	bank   *stubBank
	logs   *observer.ObservedLogs
	server *httptest.Server
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	core, logs := observer.New(zap.InfoLevel)
	s.logs = logs
	registry := prometheus.NewRegistry()
	counters, histograms := prometrics.Standard(prometrics.New(registry, "", ""))
	tel := infraobs.New(nil, zaplogger.New(zap.New(core)), infraobs.Instruments(counters, histograms))

	clk := clock.NewManual(time.Date(2026, 10, 18, 14, 0, 0, 0, time.UTC))
	s.bank = &stubBank{}
	ids := id.NewGenerator()
	claims := memory.NewClaimRepository()
	ledger := appstock.NewLedger(memory.NewStockRepository(), catalog.NewStatic(map[string]int{"P": 5}), clk, tel)
	manager := appres.NewManager(memory.NewReservationRepository(), ledger, claims, ids, nil, tel,
		appres.Options{TTL: 15 * time.Minute, Clock: clk})
	processor := apppay.NewProcessor(claims, manager, s.bank, ids, nil, tel,
		apppay.Options{MaxAttempts: 2, Location: caracas, Clock: clk})

	h := NewHandler(Services{
		Checkouts:    admission.NewCoordinator(manager, processor, nil, tel),
		Reservations: manager,
		Claims:       processor,
		Stock:        ledger,
	}, tel, Options{
		Location: caracas,
		Metrics:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})
	s.server = httptest.NewServer(h.Router())
}

func (s *HandlerSuite) TearDownTest() {
	s.server.Close()
}

func (s *HandlerSuite) do(method, path, body string) (*http.Response, map[string]any) {
	req, err := http.NewRequest(method, s.server.URL+path, strings.NewReader(body))
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent && strings.Contains(resp.Header.Get("Content-Type"), "json") {
		s.Require().NoError(json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func (s *HandlerSuite) startCheckout(qty int) string {
	resp, body := s.do(http.MethodPost, "/checkouts",
		fmt.Sprintf(`{"cart_owner_id":"shopper-1","lines":[{"product_id":"P","quantity":%d}],"amount_due":"50.00"}`, qty))
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	s.NotEmpty(body["expires_at"])
	return body["reservation_id"].(string)
}

func payment(reference, amount string) string {
	return fmt.Sprintf(`{"payer_phone":"0412-1234567","origin_bank_code":"0102","reference_number":%q,"amount":%q,"date":"2026-10-18"}`,
		reference, amount)
}

func (s *HandlerSuite) TestCheckoutToAdmittedOrder() {
	resID := s.startCheckout(2)

	resp, body := s.do(http.MethodGet, "/checkouts/"+resID, "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("HELD", body["state"])
	s.Equal("50.00", body["amount_due"])

	resp, body = s.do(http.MethodPost, "/checkouts/"+resID+"/payment", payment("12345678", "50.00"))
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	s.NotEmpty(body["order_id"])
	claimID := body["claim_id"].(string)

	resp, body = s.do(http.MethodGet, "/stock/P", "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.EqualValues(3, body["total_on_hand"])
	s.EqualValues(0, body["reserved"])

	resp, body = s.do(http.MethodGet, "/payment-claims/"+claimID, "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("VERIFIED", body["state"])
	s.Len(body["history"], 1)
}

func (s *HandlerSuite) TestErrorTaxonomy() {
	resp, _ := s.do(http.MethodPost, "/checkouts", `{"cart_owner_id":"shopper-1","lines":[{"product_id":"P","quantity":9}]}`)
	s.Equal(http.StatusConflict, resp.StatusCode, "insufficient stock")

	resp, _ = s.do(http.MethodPost, "/checkouts", `{"cart_owner_id":"shopper-1","lines":[]}`)
	s.Equal(http.StatusBadRequest, resp.StatusCode, "empty cart")

	resp, _ = s.do(http.MethodPost, "/checkouts", `{"cart_owner_id":"shopper-1","lines":[{"product_id":"NOPE","quantity":1}]}`)
	s.Equal(http.StatusNotFound, resp.StatusCode, "unknown product")

	resp, _ = s.do(http.MethodPost, "/checkouts", `{"surprise":true}`)
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	resID := s.startCheckout(1)
	resp, _ = s.do(http.MethodPost, "/checkouts/"+resID+"/payment", payment("12", "50.00"))
	s.Equal(http.StatusBadRequest, resp.StatusCode, "malformed claim")

	resp, _ = s.do(http.MethodGet, "/checkouts/missing", "")
	s.Equal(http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(http.MethodPut, "/checkouts", "")
	s.Equal(http.StatusMethodNotAllowed, resp.StatusCode)
}

func (s *HandlerSuite) TestRejectedPaymentCarriesVerdict() {
	first := s.startCheckout(1)
	resp, body := s.do(http.MethodPost, "/checkouts/"+first+"/payment", payment("11112222", "50.00"))
	s.Require().Equal(http.StatusCreated, resp.StatusCode)

	second := s.startCheckout(1)
	resp, body = s.do(http.MethodPost, "/checkouts/"+second+"/payment", payment("11112222", "50.00"))
	s.Equal(http.StatusConflict, resp.StatusCode)
	verdict := body["verdict"].(map[string]any)
	s.Equal("DUPLICATE", verdict["state"])
	s.Equal("duplicate_reference", verdict["reason"])
	s.NotEmpty(verdict["message"])
}

func (s *HandlerSuite) TestBankOutageThenRetryAndManualReview() {
	resID := s.startCheckout(1)
	s.bank.setDown(true)

	resp, body := s.do(http.MethodPost, "/checkouts/"+resID+"/payment", payment("33334444", "50.00"))
	s.Require().Equal(http.StatusServiceUnavailable, resp.StatusCode)
	verdict := body["verdict"].(map[string]any)
	s.Equal(true, verdict["retry_later"])
	claimID := verdict["claim_id"].(string)

	resp, body = s.do(http.MethodPost, "/payment-claims/"+claimID+"/retry", "")
	s.Equal(http.StatusUnprocessableEntity, resp.StatusCode)
	verdict = body["verdict"].(map[string]any)
	s.Equal("manual_review", verdict["reason"])
	s.Equal(true, verdict["manual_review"])

	resp, body = s.do(http.MethodGet, "/payment-claims/manual-review", "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Len(body["claims"], 1)

	s.bank.setDown(false)
	resp, _ = s.do(http.MethodPost, "/payment-claims/"+claimID+"/retry", "")
	s.Equal(http.StatusConflict, resp.StatusCode, "a settled claim is not retried")
}

func (s *HandlerSuite) TestCancelAndRestock() {
	resID := s.startCheckout(3)
	resp, _ := s.do(http.MethodDelete, "/checkouts/"+resID, "")
	s.Equal(http.StatusNoContent, resp.StatusCode)

	resp, body := s.do(http.MethodPost, "/stock/P/restock", `{"quantity":4}`)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.EqualValues(9, body["available"])

	resp, _ = s.do(http.MethodPost, "/stock/P/restock", `{"quantity":0}`)
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *HandlerSuite) TestObservabilityAndMetrics() {
	req, err := http.NewRequest(http.MethodGet, s.server.URL+"/health", nil)
	s.Require().NoError(err)
	req.Header.Set(headerRequestID, "req-42")
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	resp.Body.Close()
	s.Equal("req-42", resp.Header.Get(headerRequestID))

	access := s.logs.FilterMessage("http_access").All()
	s.Require().NotEmpty(access)
	fields := access[len(access)-1].ContextMap()
	s.Equal("req-42", fields["request_id"])
	s.Equal("GET /health", fields["route"])

	resp, err = http.Get(s.server.URL + "/metrics")
	s.Require().NoError(err)
	defer resp.Body.Close()
	exposition, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	s.Contains(string(exposition), `http_requests_total{method="GET",route="GET /health",status="200"} 1`)
}

func TestStatusForUnknownErrorIsInternal(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusFor(appres.ErrInvalidState))
	assert.Equal(t, http.StatusConflict, statusFor(admission.ErrHoldExpired))
	assert.Equal(t, http.StatusConflict, statusFor(fmt.Errorf("payment: submit: %w", dompay.ErrLiveClaim)))
}
