package eventbus

import (
	"context"

	"github.com/dukex/procflow/pkg/events"
	"github.com/dukex/procflow/pkg/protocol"
)

// TaskPublisher hands task creation to an external task service through the bus.
// The correlation id doubles as the task id, so republishing is harmless.
type TaskPublisher struct {
	publisher EventPublisher
}

func NewTaskPublisher(publisher EventPublisher) *TaskPublisher {
	return &TaskPublisher{publisher: publisher}
}

func (p *TaskPublisher) CreateTask(ctx context.Context, spec protocol.TaskSpec) (string, error) {
	event := events.TaskRequested{
		BaseEvent: events.NewBaseEvent(events.TaskRequestedEvent, spec.DefinitionID, spec.InstanceID),
		Task:      spec,
	}

	err := p.publisher.Publish(ctx, spec.InstanceID, event)
	if err != nil {
		return "", err
	}

	return spec.CorrelationID, nil
}

// NotificationPublisher hands notifications to an external delivery service through the bus.
type NotificationPublisher struct {
	publisher EventPublisher
}

func NewNotificationPublisher(publisher EventPublisher) *NotificationPublisher {
	return &NotificationPublisher{publisher: publisher}
}

func (p *NotificationPublisher) Send(ctx context.Context, messageType string, recipients []string, payload map[string]any) error {
	instanceID, _ := payload["instance_id"].(string)
	definitionID, _ := payload["definition_id"].(string)

	event := events.NotificationRequested{
		BaseEvent:   events.NewBaseEvent(events.NotificationRequestedEvent, definitionID, instanceID),
		MessageType: messageType,
		Recipients:  recipients,
		Payload:     payload,
	}

	return p.publisher.Publish(ctx, instanceID, event)
}
