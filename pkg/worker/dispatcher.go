// Package worker runs the background side of the engine: branch tasks delivered
// through the event bus and the sweep that expires overdue instances.
package worker

import (
	"context"
	"fmt"

	"github.com/dukex/procflow/pkg/engine"
	"github.com/dukex/procflow/pkg/eventbus"
	"github.com/dukex/procflow/pkg/events"
)

// EventDispatcher publishes branch tasks on the bus so any worker can run them.
type EventDispatcher struct {
	publisher eventbus.EventPublisher
}

func NewEventDispatcher(publisher eventbus.EventPublisher) *EventDispatcher {
	return &EventDispatcher{publisher: publisher}
}

// Dispatch publishes one BranchDispatched event per task, keyed by instance.
func (d *EventDispatcher) Dispatch(ctx context.Context, tasks ...engine.BranchTask) error {
	for _, task := range tasks {
		event := events.BranchDispatched{
			BaseEvent: events.NewBaseEvent(events.BranchDispatchedEvent, "", task.InstanceID),
			Branch:    task.Branch,
		}

		err := d.publisher.Publish(ctx, task.InstanceID, event)
		if err != nil {
			return fmt.Errorf("failed to dispatch branch %s of instance %s: %w", task.Branch, task.InstanceID, err)
		}
	}

	return nil
}
