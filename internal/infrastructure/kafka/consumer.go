package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/Zhima-Mochi/minishop-orders/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-orders/internal/observability"
)

// Decoder turns a message payload into a domain event.
type Decoder func(payload []byte) (outbox.Event, error)

const (
	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = 5 * time.Second
)

// ConsumerService reads a topic and hands every decoded message to a handler. An offset is
// committed only after its handler succeeds; a failing handler is retried until it does or
// ctx ends, so an uncommitted message is redelivered after a restart. Undecodable messages
// are logged and committed.
type ConsumerService struct {
	consumer Consumer
	decode   Decoder
	handler  outbox.Handler
	log      observability.Logger
	backoff  func(attempt int) time.Duration
}

func NewConsumerService(consumer Consumer, decode Decoder, handler outbox.Handler, logger observability.Logger) *ConsumerService {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &ConsumerService{
		consumer: consumer,
		decode:   decode,
		handler:  handler,
		log:      logger.With(observability.F("component", "kafka_consumer")),
		backoff:  retryDelay,
	}
}

// Start blocks until ctx is done.
func (c *ConsumerService) Start(ctx context.Context) error {
	c.log.Info("kafka_consumer_started")
	for {
		msg, err := c.consumer.FetchMessage(ctx)
		if err != nil {
			if done(ctx, err) {
				break
			}
			c.log.Error("kafka_read_failed", observability.F("error", err))
			continue
		}
		if !c.handle(ctx, msg) {
			break
		}
		if err := c.consumer.CommitMessages(ctx, msg); err != nil {
			if done(ctx, err) {
				break
			}
			c.log.Error("kafka_commit_failed", observability.F("offset", msg.Offset), observability.F("error", err))
		}
	}
	c.log.Info("kafka_consumer_stopped")
	return nil
}

// handle reports false when ctx ended before the message was handled.
func (c *ConsumerService) handle(ctx context.Context, msg kafka.Message) bool {
	fields := []observability.Field{
		observability.F("topic", msg.Topic),
		observability.F("partition", msg.Partition),
		observability.F("offset", msg.Offset),
		observability.F("key", string(msg.Key)),
	}

	evt, err := c.decode(msg.Value)
	if err != nil {
		c.log.Error("kafka_message_invalid", append(fields, observability.F("error", err))...)
		return true
	}

	msgCtx := extractTraceContext(ctx, msg.Headers)
	for attempt := 1; ; attempt++ {
		err := c.handler(msgCtx, evt)
		if err == nil {
			return true
		}
		c.log.Error("kafka_message_failed", append(fields,
			observability.F("attempt", attempt),
			observability.F("error", err),
		)...)

		t := time.NewTimer(c.backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}

func (c *ConsumerService) Close() error {
	return c.consumer.Close()
}

func retryDelay(attempt int) time.Duration {
	d := retryBaseDelay << min(attempt-1, 6)
	return min(d, retryMaxDelay)
}

func done(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil
}

// extractTraceContext continues the producer's trace from message headers.
func extractTraceContext(ctx context.Context, headers []kafka.Header) context.Context {
	carrier := propagation.MapCarrier{}
	for _, h := range headers {
		carrier[h.Key] = string(h.Value)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
