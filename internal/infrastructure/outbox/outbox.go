package outbox

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	domoutbox "github.com/aemorandin-coder/electroweb-admission/internal/domain/outbox"
	"github.com/aemorandin-coder/electroweb-admission/internal/observability"
	"github.com/aemorandin-coder/electroweb-admission/internal/observability/logctx"
)

const (
	componentOutbox = "outbox"

	defaultQueueSize      = 1024
	defaultConcurrency    = 8
	defaultHandlerTimeout = 30 * time.Second
)

var ErrClosed = errors.New("outbox: bus stopped")

type Options struct {
	QueueSize int
	// Concurrency caps how many handlers of one event run at once.
	Concurrency    int
	HandlerTimeout time.Duration
}

// Bus is an in-process event bus. Delivery is at most once: events still queued
// when the process dies are lost, which is acceptable for notifications.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]domoutbox.Handler
	closed  bool
	queue   chan domoutbox.Event
	done    chan struct{}
	started bool

	concurrency    int
	handlerTimeout time.Duration

	log        observability.Logger
	tracer     observability.Tracer
	reqCounter observability.Counter
	durHist    observability.Histogram
}

func NewBus(tel observability.Observability, opts Options) *Bus {
	if tel == nil {
		tel = observability.Nop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = defaultHandlerTimeout
	}
	metrics := tel.Metrics()
	return &Bus{
		subs:           make(map[string][]domoutbox.Handler),
		queue:          make(chan domoutbox.Event, opts.QueueSize),
		done:           make(chan struct{}),
		concurrency:    opts.Concurrency,
		handlerTimeout: opts.HandlerTimeout,
		log:            tel.Logger().With(observability.F("component", componentOutbox)),
		tracer:         tel.Tracer(),
		reqCounter:     metrics.Counter(observability.MUsecaseRequests),
		durHist:        metrics.Histogram(observability.MUsecaseDuration),
	}
}

func (b *Bus) Subscribe(eventName string, h domoutbox.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[eventName] = append(b.subs[eventName], h)
}

// Start launches the dispatch loop. Events published before Start wait in the queue.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started || b.closed {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	go b.dispatchLoop(context.WithoutCancel(ctx))
	logctx.From(ctx, b.log).Info("event_bus_started")
}

// Stop refuses new events and waits for queued ones to be delivered, or for ctx to end.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	started := b.started
	b.mu.Unlock()

	logger := logctx.From(ctx, b.log)
	if !started {
		logger.Info("event_bus_stopped", observability.F("dropped", len(b.queue)))
		return nil
	}
	select {
	case <-b.done:
		logger.Info("event_bus_stopped")
		return nil
	case <-ctx.Done():
		logger.Warn("event_bus_stop_timeout", observability.F("pending", len(b.queue)))
		return ctx.Err()
	}
}

func (b *Bus) Publish(ctx context.Context, e domoutbox.Event) error {
	if e == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	logger := logctx.From(ctx, b.log).With(observability.F("event", e.EventName()))
	select {
	case b.queue <- e:
		logger.Debug("event_enqueued")
		return nil
	case <-ctx.Done():
		logger.Warn("event_enqueue_aborted", observability.Err(ctx.Err()))
		return ctx.Err()
	}
}

func (b *Bus) dispatchLoop(ctx context.Context) {
	defer close(b.done)
	for e := range b.queue {
		b.fanout(ctx, e)
	}
}

func (b *Bus) fanout(ctx context.Context, e domoutbox.Event) {
	name := e.EventName()

	b.mu.RLock()
	handlers := append([]domoutbox.Handler(nil), b.subs[name]...)
	b.mu.RUnlock()

	logger := b.log.With(observability.F("event", name))
	if len(handlers) == 0 {
		logger.Debug("event_dropped_no_subscriber")
		return
	}

	sem := make(chan struct{}, b.concurrency)
	var wg sync.WaitGroup
	for _, h := range handlers {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			b.deliver(ctx, logger, name, e, h)
		}()
	}
	wg.Wait()

	logger.Debug("event_fanned_out", observability.F("handlers", len(handlers)))
}

func (b *Bus) deliver(ctx context.Context, logger observability.Logger, name string, e domoutbox.Event, h domoutbox.Handler) {
	ctx, cancel := context.WithTimeout(ctx, b.handlerTimeout)
	defer cancel()
	ctx, span := b.tracer.Start(ctx, "Outbox."+name, attribute.String("event", name))
	ctx = logctx.With(ctx, logger)

	useCase := "outbox." + name
	start := time.Now()
	outcome := "success"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			logger.Error("event_handler_panic",
				observability.F("panic", r),
				observability.F("stack", string(debug.Stack())),
			)
			span.SetStatus(codes.Error, "PANIC")
		}
		span.End()
		b.reqCounter.Add(1, observability.L("use_case", useCase), observability.L("outcome", outcome))
		b.durHist.Observe(time.Since(start).Seconds(), observability.L("use_case", useCase))
	}()

	if err := h(ctx, e); err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("event_handler_error", observability.Err(err))
	}
}
