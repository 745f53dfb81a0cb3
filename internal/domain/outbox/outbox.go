package outbox

import "context"

// Event is any domain event with a name identifier. The name doubles as the bus destination.
type Event interface {
	EventName() string
}

// Keyed events carry a partition key; events with the same key keep their relative order
// on partitioned buses.
type Keyed interface {
	Key() string
}

// Handler processes a published event.
type Handler func(ctx context.Context, e Event) error

// Publisher hands events to a bus. A nil error means the bus accepted the event.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Subscriber registers handlers for event names.
type Subscriber interface {
	Subscribe(eventName string, h Handler)
}
