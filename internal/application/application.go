package application

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domoutbox "github.com/aemorandin-coder/electroweb-admission/internal/domain/outbox"
	"github.com/aemorandin-coder/electroweb-admission/internal/observability"
	"github.com/aemorandin-coder/electroweb-admission/internal/observability/logctx"
)

const SpanPrefix = "UC."

// Instrumentation carries what every use case records: one UC.<Name> span, RED
// metrics and a single use_case_done log entry.
type Instrumentation struct {
	tracer observability.Tracer
	log    observability.Logger

	reqCounter observability.Counter   // usecase_requests_total{use_case,outcome}
	durHist    observability.Histogram // usecase_duration_seconds{use_case}
}

func NewInstrumentation(tel observability.Observability, service string) Instrumentation {
	if tel == nil {
		tel = observability.Nop()
	}
	metrics := tel.Metrics()
	return Instrumentation{
		tracer:     tel.Tracer(),
		log:        tel.Logger().With(observability.F("service", service)),
		reqCounter: metrics.Counter(observability.MUsecaseRequests),
		durHist:    metrics.Histogram(observability.MUsecaseDuration),
	}
}

// Logger is the service logger for work outside a use case.
func (in Instrumentation) Logger() observability.Logger { return in.log }

// Call tracks one use case execution. Set the status as the flow progresses
// and call End from a defer with the named error result.
type Call struct {
	in      Instrumentation
	useCase string
	start   time.Time
	ctx     context.Context

	Span trace.Span
	Log  observability.Logger

	outcome string
	status  string
	fields  []observability.Field
}

// Start opens the span and binds a use-case scoped logger into the returned context.
func (in Instrumentation) Start(ctx context.Context, useCase, name string, attrs ...attribute.KeyValue) (context.Context, *Call) {
	attrs = append(attrs, attribute.String("use_case", useCase))
	ctx, span := in.tracer.Start(ctx, SpanPrefix+name, attrs...)

	ctx, logger := logctx.Enrich(ctx, in.log, observability.F("use_case", useCase))

	return ctx, &Call{
		in:      in,
		useCase: useCase,
		start:   time.Now(),
		ctx:     ctx,
		Span:    span,
		Log:     logger,
		outcome: "success",
		status:  "OK",
	}
}

// Fail marks the call as failed with an UPPER_SNAKE status.
func (c *Call) Fail(status string) {
	c.outcome, c.status = "error", status
}

// Status overrides the status text without touching the outcome.
func (c *Call) Status(status string) {
	c.status = status
}

// With adds fields to the closing use_case_done entry.
func (c *Call) With(fields ...observability.Field) {
	c.fields = append(c.fields, fields...)
}

func (c *Call) End(err error) {
	lat := time.Since(c.start).Seconds()
	if err != nil && c.outcome == "success" {
		c.outcome = "error"
		if c.status == "OK" {
			c.status = "FAILED"
		}
	}

	if c.Span != nil {
		if err != nil {
			c.Span.RecordError(err)
			c.Span.SetStatus(codes.Error, c.status)
		} else {
			c.Span.SetStatus(codes.Ok, c.status)
		}
		c.Span.End()
	}

	c.in.reqCounter.Add(1,
		observability.L("use_case", c.useCase),
		observability.L("outcome", c.outcome),
	)
	c.in.durHist.Observe(lat, observability.L("use_case", c.useCase))

	fields := append([]observability.Field{
		observability.F("outcome", c.outcome),
		observability.F("status", c.status),
		observability.F("latency_seconds", lat),
	}, c.fields...)
	if sc := trace.SpanContextFromContext(c.ctx); sc.IsValid() {
		fields = append(fields,
			observability.F("trace_id", sc.TraceID().String()),
			observability.F("span_id", sc.SpanID().String()),
		)
	}
	if err != nil {
		fields = append(fields, observability.Err(err))
	}
	c.Log.Info("use_case_done", fields...)
}

// Outcome reports the outcome label recorded so far.
func (c *Call) Outcome() string { return c.outcome }

const (
	publishTimeout = 300 * time.Millisecond
	publishPeer    = "outbox"
)

// Events publishes domain events best effort: a short deadline, the outbox recorded
// as an external peer, and failures noted on the call without failing it.
type Events struct {
	pub        domoutbox.Publisher
	extCounter observability.Counter   // external_requests_total{peer,endpoint,outcome}
	extHist    observability.Histogram // external_request_duration_seconds{peer,endpoint}
}

func NewEvents(pub domoutbox.Publisher, tel observability.Observability) Events {
	if pub == nil {
		pub = domoutbox.NopPublisher()
	}
	if tel == nil {
		tel = observability.Nop()
	}
	metrics := tel.Metrics()
	return Events{
		pub:        pub,
		extCounter: metrics.Counter(observability.MExternalRequests),
		extHist:    metrics.Histogram(observability.MExternalRequestDuration),
	}
}

func (e Events) Publish(ctx context.Context, call *Call, ev domoutbox.Event) {
	name := ev.EventName()
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	start := time.Now()
	outcome := "success"
	err := e.pub.Publish(pubCtx, ev)
	if err == nil && pubCtx.Err() != nil {
		err = pubCtx.Err()
	}
	if err != nil {
		outcome = "error"
		if call != nil {
			call.Span.RecordError(err)
			call.Status("EVENT_PUBLISH_FAILED")
			call.With(observability.F("event_publish_error", err.Error()))
			call.Log.Warn("event_publish_failed",
				observability.F("event", name),
				observability.Err(err),
			)
		}
	} else if call != nil {
		call.Span.AddEvent(name)
	}

	e.extCounter.Add(1,
		observability.L("peer", publishPeer),
		observability.L("endpoint", name),
		observability.L("outcome", outcome),
	)
	e.extHist.Observe(time.Since(start).Seconds(),
		observability.L("peer", publishPeer),
		observability.L("endpoint", name),
	)
}
