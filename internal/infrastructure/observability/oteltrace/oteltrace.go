// Package oteltrace adapts an OpenTelemetry tracer to the observability port.
// Spans go to whatever provider is installed with otel.SetTracerProvider, the
// global no-op otherwise.
package oteltrace

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aemorandin-coder/electroweb-admission/internal/observability"
)

const defaultName = "order-admission"

// Span names follow "<Prefix><operation>". Outbound calls start with "HTTP " and
// event handlers with "Outbox."; everything else is internal.
var kinds = []struct {
	prefix string
	kind   trace.SpanKind
}{
	{"HTTP ", trace.SpanKindClient},
	{"Outbox.", trace.SpanKindConsumer},
}

type tracer struct {
	t     trace.Tracer
	fixed []attribute.KeyValue
}

// New uses the global provider. Fixed attributes are stamped on every span.
func New(name string, fixed ...attribute.KeyValue) observability.Tracer {
	return NewWithProvider(otel.GetTracerProvider(), name, fixed...)
}

func NewWithProvider(tp trace.TracerProvider, name string, fixed ...attribute.KeyValue) observability.Tracer {
	if name == "" {
		name = defaultName
	}
	return &tracer{t: tp.Tracer(name), fixed: fixed}
}

func (t *tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := make([]attribute.KeyValue, 0, len(t.fixed)+len(attrs))
	all = append(all, t.fixed...)
	all = append(all, attrs...)
	return t.t.Start(ctx, name, trace.WithAttributes(all...), trace.WithSpanKind(kindOf(name)))
}

func kindOf(name string) trace.SpanKind {
	for _, k := range kinds {
		if strings.HasPrefix(name, k.prefix) {
			return k.kind
		}
	}
	return trace.SpanKindInternal
}
