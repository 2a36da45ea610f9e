package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domoutbox "github.com/aemorandin-coder/electroweb-admission/internal/domain/outbox"
)

type pingEvent struct{ N int }

func (pingEvent) EventName() string { return "test.ping" }

func TestBusDeliversToEverySubscriber(t *testing.T) {
	bus := NewBus(nil, Options{})
	var (
		mu   sync.Mutex
		seen []int
	)
	record := func(_ context.Context, e domoutbox.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.(pingEvent).N)
		return nil
	}
	bus.Subscribe("test.ping", record)
	bus.Subscribe("test.ping", record)

	ctx := context.Background()
	bus.Start(ctx)
	require.NoError(t, bus.Publish(ctx, pingEvent{N: 1}))
	require.NoError(t, bus.Publish(ctx, pingEvent{N: 2}))
	require.NoError(t, bus.Stop(ctx))

	assert.ElementsMatch(t, []int{1, 1, 2, 2}, seen)
}

func TestBusSurvivesFailingHandlers(t *testing.T) {
	bus := NewBus(nil, Options{})
	delivered := make(chan struct{}, 1)
	bus.Subscribe("test.ping", func(context.Context, domoutbox.Event) error { panic("boom") })
	bus.Subscribe("test.ping", func(context.Context, domoutbox.Event) error { return errors.New("nope") })
	bus.Subscribe("test.ping", func(context.Context, domoutbox.Event) error {
		delivered <- struct{}{}
		return nil
	})

	ctx := context.Background()
	bus.Start(ctx)
	require.NoError(t, bus.Publish(ctx, pingEvent{}))

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("healthy handler never ran")
	}
	require.NoError(t, bus.Stop(ctx))
}

func TestBusRejectsPublishAfterStop(t *testing.T) {
	bus := NewBus(nil, Options{})
	ctx := context.Background()
	bus.Start(ctx)
	require.NoError(t, bus.Stop(ctx))
	require.NoError(t, bus.Stop(ctx))

	assert.ErrorIs(t, bus.Publish(ctx, pingEvent{}), ErrClosed)
}

func TestBusPublishHonoursContextWhenFull(t *testing.T) {
	bus := NewBus(nil, Options{QueueSize: 1})
	require.NoError(t, bus.Publish(context.Background(), pingEvent{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, bus.Publish(ctx, pingEvent{}), context.DeadlineExceeded)
}
