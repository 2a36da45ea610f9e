// Package workerpresentation drives background work: the loops that call into use
// cases on a schedule rather than on a request.
package workerpresentation

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aemorandin-coder/electroweb-admission/internal/observability"
	"github.com/aemorandin-coder/electroweb-admission/internal/observability/logctx"
)

const (
	sweeperJob = "reservation_sweeper"

	DefaultSweepInterval = 60 * time.Second
)

// Expirer is the reservation manager's sweep step.
type Expirer interface {
	ExpireDue(ctx context.Context) (int, error)
}

// Sweeper expires overdue holds on a fixed interval. The first sweep runs as soon
// as it starts so holds left by a previous process are reclaimed right away.
type Sweeper struct {
	expirer  Expirer
	interval time.Duration
	tracer   observability.Tracer
	log      observability.Logger

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
}

func NewSweeper(expirer Expirer, interval time.Duration, tel observability.Observability) *Sweeper {
	if tel == nil {
		tel = observability.Nop()
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		expirer:  expirer,
		interval: interval,
		tracer:   tel.Tracer(),
		log:      tel.Logger().With(observability.F("component", sweeperJob)),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the loop. It ends when ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.log.Info("sweeper_started", observability.F("interval_seconds", s.interval.Seconds()))
	go s.run(ctx)
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Stop ends the loop and waits for a sweep in flight, or for ctx to end.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-s.done:
		s.log.Info("sweeper_stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("sweeper_stop_timeout")
		return ctx.Err()
	}
}

// Sweep runs one pass and reports how many reservations it expired.
func (s *Sweeper) Sweep(ctx context.Context) int {
	ctx, span := s.tracer.Start(ctx, "Sweeper.Tick", attribute.String("job", sweeperJob))
	defer span.End()
	ctx = WithEventContext(ctx, s.log, trace.SpanContextFromContext(ctx), map[string]string{"job": sweeperJob})

	logger := logctx.From(ctx, s.log)

	start := time.Now()
	n, err := s.expirer.ExpireDue(ctx)
	span.SetAttributes(attribute.Int("reservations.expired", n))
	fields := []observability.Field{
		observability.F("expired", n),
		observability.F("latency_seconds", time.Since(start).Seconds()),
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "SWEEP_FAILED")
		logger.Warn("sweep_failed", append(fields, observability.Err(err))...)
		return n
	}
	if n > 0 {
		logger.Info("sweep_done", fields...)
	} else {
		logger.Debug("sweep_done", fields...)
	}
	return n
}
