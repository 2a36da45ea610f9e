package oteltrace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/embedded"
	"go.opentelemetry.io/otel/trace/noop"
)

type started struct {
	name  string
	kind  trace.SpanKind
	attrs []attribute.KeyValue
}

type recordingTracer struct {
	embedded.Tracer
	spans []started
}

func (r *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	cfg := trace.NewSpanStartConfig(opts...)
	r.spans = append(r.spans, started{name: name, kind: cfg.SpanKind(), attrs: cfg.Attributes()})
	return noop.NewTracerProvider().Tracer("").Start(ctx, name)
}

type recordingProvider struct {
	embedded.TracerProvider
	t *recordingTracer
}

func (p recordingProvider) Tracer(string, ...trace.TracerOption) trace.Tracer { return p.t }

func TestStartStampsFixedAttributesAndKind(t *testing.T) {
	rec := &recordingTracer{}
	tr := NewWithProvider(recordingProvider{t: rec}, "", attribute.String("service.name", "admission"))

	tr.Start(context.Background(), "HTTP bank_gateway.verify", attribute.String("peer", "bank"))
	tr.Start(context.Background(), "Outbox.order.admitted")
	tr.Start(context.Background(), "UC.Submit")

	assert.Len(t, rec.spans, 3)
	assert.Equal(t, trace.SpanKindClient, rec.spans[0].kind)
	assert.Equal(t, []attribute.KeyValue{
		attribute.String("service.name", "admission"),
		attribute.String("peer", "bank"),
	}, rec.spans[0].attrs)
	assert.Equal(t, trace.SpanKindConsumer, rec.spans[1].kind)
	assert.Equal(t, trace.SpanKindInternal, rec.spans[2].kind)
}
