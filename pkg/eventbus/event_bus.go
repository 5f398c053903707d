// Package eventbus provides event-driven communication between the engine, workers and external services.
package eventbus

import (
	"context"

	"github.com/dukex/procflow/pkg/events"
)

// Event is anything that names its event type. The type selects the topic.
type Event interface {
	GetType() events.EventType
}

// EventPublisher sends events. Events sharing a key, usually an instance id,
// are delivered in publish order on transports that partition.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

// EventSubscriber delivers decoded events to the handler registered for their type.
// Handlers must be registered before Subscribe.
type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

// EventHandler receives a pointer to the decoded event. Returning an error asks
// for redelivery.
type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
