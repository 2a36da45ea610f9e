// Package logctx carries the request- or event-scoped logger on a context.
package logctx

import (
	"context"

	"github.com/aemorandin-coder/electroweb-admission/internal/observability"
)

type loggerKey struct{}

// With returns ctx carrying logger. A nil logger leaves ctx untouched.
func With(ctx context.Context, logger observability.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// From returns the logger bound to ctx, then fallback, then a no-op logger.
func From(ctx context.Context, fallback observability.Logger) observability.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey{}).(observability.Logger); ok {
			return logger
		}
	}
	if fallback != nil {
		return fallback
	}
	return observability.NopLogger()
}

// Enrich binds fields onto the scoped logger and stores the result back on ctx.
func Enrich(ctx context.Context, fallback observability.Logger, fields ...observability.Field) (context.Context, observability.Logger) {
	logger := From(ctx, fallback)
	if len(fields) > 0 {
		logger = logger.With(fields...)
	}
	return With(ctx, logger), logger
}
