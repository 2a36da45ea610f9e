// Package bankgateway talks to the bank verification API that confirms Pago Móvil
// transfers. One Verify call is one HTTP round trip; retrying is the caller's decision.
package bankgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/aemorandin-coder/electroweb-admission/internal/domain/payment"
	"github.com/aemorandin-coder/electroweb-admission/internal/observability"
	"github.com/aemorandin-coder/electroweb-admission/internal/observability/logctx"
)

const (
	DefaultTimeout = 10 * time.Second

	peerName     = "bank_gateway"
	endpointName = "verify"
	apiKeyHeader = "X-API-Key"
	maxBodyBytes = 1 << 20

	codeTimeout   = "timeout"
	codeTransport = "transport_error"
)

type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	// Location is the bank's timezone; dates travel as calendar days in it.
	Location *time.Location
}

type Client struct {
	url    string
	apiKey string
	http   *http.Client
	loc    *time.Location

	tracer     observability.Tracer
	log        observability.Logger
	extCounter observability.Counter   // external_requests_total{peer,endpoint,outcome}
	extHist    observability.Histogram // external_request_duration_seconds{peer,endpoint}
}

func New(cfg Config, tel observability.Observability) *Client {
	if tel == nil {
		tel = observability.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	metrics := tel.Metrics()
	return &Client{
		url:        strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		http:       &http.Client{Timeout: timeout},
		loc:        loc,
		tracer:     tel.Tracer(),
		log:        tel.Logger().With(observability.F("component", peerName)),
		extCounter: metrics.Counter(observability.MExternalRequests),
		extHist:    metrics.Histogram(observability.MExternalRequestDuration),
	}
}

type verifyRequest struct {
	ReferencePhone  string `json:"reference_phone"`
	BankCode        string `json:"bank_code"`
	ReferenceNumber string `json:"reference_number"`
	Amount          string `json:"amount"`
	Date            string `json:"date"`
}

type verifyResponse struct {
	Status           string          `json:"status"`
	Matched          bool            `json:"matched"`
	GatewayReference string          `json:"gateway_reference"`
	Amount           json.RawMessage `json:"amount"`
	Date             string          `json:"date"`
}

// Verify asks the bank whether the described transfer exists. A 404 or an explicit
// "not_found" status is an answer, not an error. Anything the client cannot trust
// (timeouts, 5xx, unreadable bodies) wraps payment.ErrGatewayUnavailable.
func (c *Client) Verify(ctx context.Context, req payment.GatewayRequest) (result payment.GatewayResult, err error) {
	ctx, span := c.tracer.Start(ctx, "HTTP bank_gateway.verify",
		attribute.String("peer.service", peerName),
		attribute.String("payment.reference_number", req.ReferenceNumber),
	)
	start := time.Now()
	outcome := "success"
	defer func() {
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, result.ResponseCode)
		} else {
			span.SetStatus(codes.Ok, result.ResponseCode)
		}
		span.SetAttributes(attribute.String("gateway.response_code", result.ResponseCode))
		span.End()

		c.extCounter.Add(1,
			observability.L("peer", peerName),
			observability.L("endpoint", endpointName),
			observability.L("outcome", outcome),
		)
		c.extHist.Observe(time.Since(start).Seconds(),
			observability.L("peer", peerName),
			observability.L("endpoint", endpointName),
		)
	}()

	body, err := json.Marshal(verifyRequest{
		ReferencePhone:  req.ReferencePhone,
		BankCode:        req.BankCode,
		ReferenceNumber: req.ReferenceNumber,
		Amount:          req.Amount.StringFixed(2),
		Date:            req.Date.In(c.loc).Format(time.DateOnly),
	})
	if err != nil {
		result.ResponseCode = codeTransport
		return result, unavailable("encode request: %v", err)
	}
	result.RequestPayload = string(body)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		result.ResponseCode = codeTransport
		return result, unavailable("build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set(apiKeyHeader, c.apiKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		result.ResponseCode = codeTransport
		if isTimeout(err) {
			result.ResponseCode = codeTimeout
		}
		logctx.From(ctx, c.log).Warn("bank_gateway_unreachable",
			observability.F("reference_number", req.ReferenceNumber),
			observability.F("response_code", result.ResponseCode),
			observability.Err(err),
		)
		return result, unavailable("%s: %v", result.ResponseCode, err)
	}
	defer resp.Body.Close()
	result.ResponseCode = strconv.Itoa(resp.StatusCode)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return result, unavailable("read body: %v", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		result.Outcome = payment.OutcomeNotFound
		return result, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return result, unavailable("unexpected status %d", resp.StatusCode)
	}

	var decoded verifyResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return result, unavailable("malformed body: %v", err)
	}
	return c.interpret(result, decoded)
}

func (c *Client) interpret(result payment.GatewayResult, r verifyResponse) (payment.GatewayResult, error) {
	switch payment.GatewayOutcome(r.Status) {
	case payment.OutcomeNotFound:
		result.Outcome = payment.OutcomeNotFound
		return result, nil
	case payment.OutcomeFound, payment.OutcomeSettled:
		result.Outcome = payment.GatewayOutcome(r.Status)
	default:
		return result, unavailable("unknown status %q", r.Status)
	}

	result.Matched = r.Matched
	result.GatewayReference = r.GatewayReference
	result.RawAmount = strings.Trim(string(r.Amount), `"`)
	result.RawDate = r.Date

	amount, err := decimal.NewFromString(result.RawAmount)
	if err != nil {
		return result, unavailable("malformed amount %q", result.RawAmount)
	}
	result.Amount = amount

	date, err := parseDate(r.Date, c.loc)
	if err != nil {
		return result, unavailable("malformed date %q", r.Date)
	}
	result.Date = date
	return result, nil
}

// parseDate accepts a bare calendar day or a full RFC 3339 timestamp.
func parseDate(s string, loc *time.Location) (time.Time, error) {
	if t, err := payment.ParseDate(s, loc); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, strings.TrimSpace(s))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", payment.ErrGatewayUnavailable, fmt.Sprintf(format, args...))
}
