package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/Zhima-Mochi/minishop-orders/internal/domain/outbox"
)

// HeaderEvent carries the event name so consumers can dispatch without decoding.
const HeaderEvent = "event"

var ErrUnroutable = errors.New("kafka: event does not belong to this topic")

// Publisher writes events as JSON to a single topic. Keyed events use their key as the
// message key so one order's events share a partition.
type Publisher struct {
	producer Producer
	topic    string
}

func NewPublisher(producer Producer, topic string) *Publisher {
	return &Publisher{producer: producer, topic: topic}
}

var _ outbox.Publisher = (*Publisher)(nil)

func (p *Publisher) Publish(ctx context.Context, e outbox.Event) error {
	if e == nil {
		return nil
	}
	if e.EventName() != p.topic {
		return fmt.Errorf("%w: %s", ErrUnroutable, e.EventName())
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.EventName(), err)
	}
	msg := kafka.Message{
		Value:   payload,
		Headers: []kafka.Header{{Key: HeaderEvent, Value: []byte(e.EventName())}},
	}
	if k, ok := e.(outbox.Keyed); ok {
		msg.Key = []byte(k.Key())
	}

	if err := p.producer.WriteMessage(ctx, msg); err != nil {
		return fmt.Errorf("write %s: %w", e.EventName(), err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.producer.Close()
}
