// Package observability assembles the logger, tracer and metrics the process hands
// to every use case.
package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/aemorandin-coder/electroweb-admission/internal/infrastructure/observability/oteltrace"
	"github.com/aemorandin-coder/electroweb-admission/internal/infrastructure/observability/prometrics"
	"github.com/aemorandin-coder/electroweb-admission/internal/infrastructure/observability/zaplogger"
	"github.com/aemorandin-coder/electroweb-admission/internal/observability"
	"github.com/aemorandin-coder/electroweb-admission/internal/pkg/logging"
)

type Options struct {
	Service  string
	Env      string
	LogLevel string
	LogFile  string
	// Registerer receives every instrument; nil means the prometheus default registry.
	Registerer prometheus.Registerer
}

// Provider is the process-wide observability.Observability.
type Provider struct {
	tracer  observability.Tracer
	logger  observability.Logger
	metrics observability.Metrics
	zap     *zap.Logger
}

// Setup builds the zap logger, registers the standard instruments and names the tracer after the service.
func Setup(opts Options) (*Provider, error) {
	base, err := logging.NewLogger(logging.Options{
		Service: opts.Service,
		Env:     opts.Env,
		Level:   opts.LogLevel,
		File:    opts.LogFile,
	})
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}

	counters, histograms := prometrics.Standard(prometrics.New(opts.Registerer, "", ""))
	tracer := oteltrace.New(opts.Service,
		attribute.String("service.name", opts.Service),
		attribute.String("deployment.environment", opts.Env),
	)
	p := New(tracer, zaplogger.New(base), Instruments(counters, histograms))
	p.zap = base
	return p, nil
}

// New bundles already built parts. Nil parts fall back to no-ops.
func New(tracer observability.Tracer, logger observability.Logger, metrics observability.Metrics) *Provider {
	if tracer == nil {
		tracer = observability.NopTracer()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &Provider{tracer: tracer, logger: logger, metrics: metrics}
}

func (p *Provider) Tracer() observability.Tracer   { return p.tracer }
func (p *Provider) Logger() observability.Logger   { return p.logger }
func (p *Provider) Metrics() observability.Metrics { return p.metrics }

// Sync flushes buffered log entries.
func (p *Provider) Sync() error {
	if p.zap == nil {
		return nil
	}
	return p.zap.Sync()
}

type instruments struct {
	counters   map[observability.MetricKey]observability.Counter
	histograms map[observability.MetricKey]observability.Histogram
}

// Instruments serves registered instruments by key; unknown keys get no-ops so a
// missing registration never breaks a use case.
func Instruments(
	counters map[observability.MetricKey]observability.Counter,
	histograms map[observability.MetricKey]observability.Histogram,
) observability.Metrics {
	m := &instruments{
		counters:   make(map[observability.MetricKey]observability.Counter, len(counters)),
		histograms: make(map[observability.MetricKey]observability.Histogram, len(histograms)),
	}
	for k, v := range counters {
		if v != nil {
			m.counters[k] = v
		}
	}
	for k, v := range histograms {
		if v != nil {
			m.histograms[k] = v
		}
	}
	return m
}

func (m *instruments) Counter(name observability.MetricKey) observability.Counter {
	if c, ok := m.counters[name]; ok {
		return c
	}
	return observability.NopCounter()
}

func (m *instruments) Histogram(name observability.MetricKey) observability.Histogram {
	if h, ok := m.histograms[name]; ok {
		return h
	}
	return observability.NopHistogram()
}
