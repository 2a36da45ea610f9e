package workerpresentation

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/aemorandin-coder/electroweb-admission/internal/observability"
	"github.com/aemorandin-coder/electroweb-admission/internal/observability/logctx"
)

// WithEventContext binds a logger for one background run to ctx, starting from the
// logger ctx already carries or base. The run gets a
// run_id (taken from attrs["run_id"] or generated), the span identifiers when sc
// is valid, and the remaining attrs. Keep attrs low-cardinality: job name, queue.
func WithEventContext(
	ctx context.Context,
	base observability.Logger,
	sc trace.SpanContext,
	attrs map[string]string,
) context.Context {
	runID := attrs["run_id"]
	if runID == "" {
		runID = uuid.NewString()
	}
	fields := make([]observability.Field, 0, len(attrs)+3)
	fields = append(fields, observability.F("run_id", runID))
	if sc.IsValid() {
		fields = append(fields,
			observability.F("trace_id", sc.TraceID().String()),
			observability.F("span_id", sc.SpanID().String()),
		)
	}
	for k, v := range attrs {
		if k == "run_id" || v == "" {
			continue
		}
		fields = append(fields, observability.F(k, v))
	}
	ctx, _ = logctx.Enrich(ctx, base, fields...)
	return ctx
}
