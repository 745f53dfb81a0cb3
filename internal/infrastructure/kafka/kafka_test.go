package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/Zhima-Mochi/minishop-orders/internal/domain/order"
	"github.com/Zhima-Mochi/minishop-orders/internal/domain/outbox"
)

type fakeProducer struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (p *fakeProducer) WriteMessage(_ context.Context, msg kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *fakeProducer) Close() error { return nil }

type fakeConsumer struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []int64
}

func (c *fakeConsumer) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m := <-c.msgs:
		return m, nil
	}
}

func (c *fakeConsumer) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		c.committed = append(c.committed, m.Offset)
	}
	return nil
}

func (c *fakeConsumer) offsets() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.committed...)
}

func (c *fakeConsumer) Close() error { return nil }

type otherEvent struct{}

func (otherEvent) EventName() string { return "elsewhere" }

func decodeOrderPlaced(payload []byte) (outbox.Event, error) {
	var e order.OrderPlacedEvent
	err := json.Unmarshal(payload, &e)
	return e, err
}

func TestPublisher_WritesKeyedJSON(t *testing.T) {
	prod := &fakeProducer{}
	pub := NewPublisher(prod, order.DestinationNewItems)

	evt := order.OrderPlacedEvent{OrderID: "42", Items: []order.PlacedItem{{ProductID: "P1", Count: 2}}}
	require.NoError(t, pub.Publish(context.Background(), evt))

	require.Len(t, prod.msgs, 1)
	msg := prod.msgs[0]
	assert.Equal(t, []byte("42"), msg.Key)
	assert.JSONEq(t, `{"orderId":"42","items":[{"productId":"P1","count":2}]}`, string(msg.Value))
	assert.Equal(t, []kafka.Header{{Key: HeaderEvent, Value: []byte(order.DestinationNewItems)}}, msg.Headers)
}

func TestPublisher_Errors(t *testing.T) {
	prod := &fakeProducer{err: errors.New("broker down")}
	pub := NewPublisher(prod, order.DestinationNewItems)

	err := pub.Publish(context.Background(), order.OrderPlacedEvent{OrderID: "1"})
	assert.ErrorContains(t, err, "broker down")

	err = pub.Publish(context.Background(), otherEvent{})
	assert.ErrorIs(t, err, ErrUnroutable)
}

func TestConsumerService_DecodesAndContinuesTrace(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	cons := &fakeConsumer{msgs: make(chan kafka.Message, 2)}
	cons.msgs <- kafka.Message{Offset: 1, Value: []byte("{broken")}
	cons.msgs <- kafka.Message{
		Offset: 2,
		Value:  []byte(`{"orderId":"7","items":[{"productId":"A","count":1}]}`),
		Headers: []kafka.Header{{
			Key:   "traceparent",
			Value: []byte("00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"),
		}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan order.OrderPlacedEvent, 1)
	var traceID string
	handler := func(hctx context.Context, e outbox.Event) error {
		traceID = trace.SpanContextFromContext(hctx).TraceID().String()
		got <- e.(order.OrderPlacedEvent)
		cancel()
		return nil
	}

	svc := NewConsumerService(cons, decodeOrderPlaced, handler, nil)
	require.NoError(t, svc.Start(ctx))

	evt := <-got
	assert.Equal(t, "7", evt.OrderID)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", traceID)
	assert.Equal(t, []int64{1, 2}, cons.offsets(), "undecodable messages are committed too")
}

func TestConsumerService_CommitsOnlyAfterHandlerSucceeds(t *testing.T) {
	cons := &fakeConsumer{msgs: make(chan kafka.Message, 1)}
	cons.msgs <- kafka.Message{Offset: 5, Value: []byte(`{"orderId":"9","items":[{"productId":"A","count":1}]}`)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var attempts int
	handler := func(context.Context, outbox.Event) error {
		attempts++
		if attempts < 3 {
			assert.Empty(t, cons.offsets())
			return errors.New("store unavailable")
		}
		cancel()
		return nil
	}

	svc := NewConsumerService(cons, decodeOrderPlaced, handler, nil)
	svc.backoff = func(int) time.Duration { return time.Millisecond }
	require.NoError(t, svc.Start(ctx))

	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int64{5}, cons.offsets())
}

func TestConsumerService_FailingMessageStaysUncommittedOnShutdown(t *testing.T) {
	cons := &fakeConsumer{msgs: make(chan kafka.Message, 1)}
	cons.msgs <- kafka.Message{Offset: 8, Value: []byte(`{"orderId":"3","items":[{"productId":"A","count":1}]}`)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := func(context.Context, outbox.Event) error {
		cancel()
		return errors.New("store unavailable")
	}

	svc := NewConsumerService(cons, decodeOrderPlaced, handler, nil)
	svc.backoff = func(int) time.Duration { return time.Hour }
	require.NoError(t, svc.Start(ctx))

	assert.Empty(t, cons.offsets())
}

func TestRetryDelay_Capped(t *testing.T) {
	assert.Equal(t, retryBaseDelay, retryDelay(1))
	assert.Equal(t, 2*retryBaseDelay, retryDelay(2))
	assert.Equal(t, retryMaxDelay, retryDelay(50))
}

func TestNewReader_RequiresGroup(t *testing.T) {
	_, err := NewReader(ReaderConfig{Broker: "localhost:9092", Topic: order.DestinationNewItems})
	assert.ErrorIs(t, err, ErrInvalidReaderConfig)
}

func TestKafkaRoundTrip(t *testing.T) {
	broker := envOrSkip(t, "KAFKA_BROKER")
	w, err := NewWriter(WriterConfig{Broker: broker, Topic: order.DestinationNewItems, ClientID: "test", BatchSize: 1}, otel.GetTracerProvider())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	err = NewPublisher(w, order.DestinationNewItems).Publish(context.Background(), order.OrderPlacedEvent{OrderID: "1"})
	assert.NoError(t, err)
}
