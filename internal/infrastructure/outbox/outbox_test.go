package outbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	domoutbox "github.com/Zhima-Mochi/minishop-orders/internal/domain/outbox"
)

type testEvent struct{ name, id string }

func (e testEvent) EventName() string { return e.name }

func startedBus(t *testing.T, opts ...Option) *Bus {
	t.Helper()
	b := NewBus(nil, opts...)
	b.Start(context.Background())
	t.Cleanup(func() { b.Stop(context.Background()) })
	return b
}

func TestBus_DeliversToEverySubscriber(t *testing.T) {
	b := startedBus(t)

	var wg sync.WaitGroup
	wg.Add(2)
	var hits atomic.Int32
	h := func(_ context.Context, e domoutbox.Event) error {
		assert.Equal(t, "1", e.(testEvent).id)
		hits.Add(1)
		wg.Done()
		return nil
	}
	b.Subscribe("new_items", h)
	b.Subscribe("new_items", h)
	b.Subscribe("other", func(context.Context, domoutbox.Event) error {
		t.Error("wrong destination")
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), testEvent{name: "new_items", id: "1"}))
	wg.Wait()
	assert.Equal(t, int32(2), hits.Load())
}

func TestBus_HandlerFailuresAreIsolated(t *testing.T) {
	b := startedBus(t)

	done := make(chan struct{})
	b.Subscribe("e", func(context.Context, domoutbox.Event) error { panic("boom") })
	b.Subscribe("e", func(context.Context, domoutbox.Event) error { return errors.New("nope") })
	b.Subscribe("e", func(context.Context, domoutbox.Event) error { close(done); return nil })

	require.NoError(t, b.Publish(context.Background(), testEvent{name: "e"}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("healthy handler not called")
	}
}

func TestBus_CarriesSpanContext(t *testing.T) {
	b := startedBus(t)
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	got := make(chan trace.SpanContext, 1)
	b.Subscribe("e", func(hctx context.Context, _ domoutbox.Event) error {
		got <- trace.SpanContextFromContext(hctx)
		return nil
	})
	require.NoError(t, b.Publish(ctx, testEvent{name: "e"}))

	sc := <-got
	assert.Equal(t, span.SpanContext().TraceID(), sc.TraceID())
}

func TestBus_BackpressureRespectsContext(t *testing.T) {
	b := NewBus(nil, WithQueueSize(1))

	require.NoError(t, b.Publish(context.Background(), testEvent{name: "e"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Publish(ctx, testEvent{name: "e"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBus_StopDrainsAndRejects(t *testing.T) {
	b := NewBus(nil)
	var hits atomic.Int32
	b.Subscribe("e", func(context.Context, domoutbox.Event) error {
		hits.Add(1)
		return nil
	})
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(context.Background(), testEvent{name: "e"}))
	}
	b.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b.Stop(ctx)

	assert.Equal(t, int32(5), hits.Load())
	assert.ErrorIs(t, b.Publish(context.Background(), testEvent{name: "e"}), ErrClosed)
}
