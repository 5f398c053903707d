// Package events defines the domain events published while definitions and instances change.
package events

import (
	"time"

	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/protocol"
	"github.com/google/uuid"
)

type EventType string

// Topics.
const Topic = "procflow.events"          // Lifecycle and audit events
const BranchTopic = "procflow.branches"  // Branch tasks consumed by workers
const RequestTopic = "procflow.requests" // Task and notification requests for external services

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Instance lifecycle events.
	InstanceStartedEvent   EventType = "instance.started"
	InstanceCompletedEvent EventType = "instance.completed"
	InstanceFailedEvent    EventType = "instance.failed"
	InstanceCancelledEvent EventType = "instance.cancelled"
	InstanceTimedOutEvent  EventType = "instance.timed_out"

	HistoryAppendedEvent   EventType = "history.appended"
	ApprovalRequestedEvent EventType = "approval.requested"

	// Work dispatched to workers and external services.
	BranchDispatchedEvent      EventType = "branch.dispatched"
	TaskRequestedEvent         EventType = "task.requested"
	NotificationRequestedEvent EventType = "notification.requested"

	DefinitionPublishedEvent EventType = "definition.published"
)

type BaseEvent struct {
	ID           string         `json:"id"`
	Type         EventType      `json:"type"`
	Timestamp    time.Time      `json:"timestamp"`
	DefinitionID string         `json:"definition_id,omitempty"`
	InstanceID   string         `json:"instance_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type InstanceStarted struct {
	BaseEvent

	Title       string          `json:"title"`
	InitiatedBy string          `json:"initiated_by"`
	Priority    models.Priority `json:"priority"`
}

func (e InstanceStarted) GetType() EventType {
	return InstanceStartedEvent
}

// InstanceFinished reports a terminal transition. Its type tells which one.
type InstanceFinished struct {
	BaseEvent

	Status     models.InstanceStatus `json:"status"`
	DurationMs int64                 `json:"duration_ms"`
	Actor      string                `json:"actor,omitempty"`
	Error      *models.EntryError    `json:"error,omitempty"`
}

func (e InstanceFinished) GetType() EventType {
	return e.Type
}

type HistoryAppended struct {
	BaseEvent

	Entry models.HistoryEntry `json:"entry"`
}

func (e HistoryAppended) GetType() EventType {
	return HistoryAppendedEvent
}

type ApprovalRequested struct {
	BaseEvent

	RequestID string     `json:"request_id"`
	NodeID    string     `json:"node_id"`
	Approvers []string   `json:"approvers"`
	DueAt     *time.Time `json:"due_at,omitempty"`
}

func (e ApprovalRequested) GetType() EventType {
	return ApprovalRequestedEvent
}

// BranchDispatched asks a worker to advance one branch token.
type BranchDispatched struct {
	BaseEvent

	Branch string `json:"branch"`
}

func (e BranchDispatched) GetType() EventType {
	return BranchDispatchedEvent
}

type TaskRequested struct {
	BaseEvent

	Task protocol.TaskSpec `json:"task"`
}

func (e TaskRequested) GetType() EventType {
	return TaskRequestedEvent
}

type NotificationRequested struct {
	BaseEvent

	MessageType string         `json:"message_type"`
	Recipients  []string       `json:"recipients"`
	Payload     map[string]any `json:"payload,omitempty"`
}

func (e NotificationRequested) GetType() EventType {
	return NotificationRequestedEvent
}

type DefinitionPublished struct {
	BaseEvent

	Name        string `json:"name"`
	Version     int    `json:"version"`
	PublishedBy string `json:"published_by"`
}

func (e DefinitionPublished) GetType() EventType {
	return DefinitionPublishedEvent
}

func NewBaseEvent(eventType EventType, definitionID, instanceID string) BaseEvent {
	return BaseEvent{
		ID:           uuid.New().String(),
		Type:         eventType,
		Timestamp:    time.Now().UTC(),
		DefinitionID: definitionID,
		InstanceID:   instanceID,
		Metadata:     make(map[string]any),
	}
}

// New returns an empty event of the given type for decoding, or nil for unknown types.
func New(eventType EventType) any {
	switch eventType {
	case InstanceStartedEvent:
		return &InstanceStarted{}
	case InstanceCompletedEvent, InstanceFailedEvent, InstanceCancelledEvent, InstanceTimedOutEvent:
		return &InstanceFinished{}
	case HistoryAppendedEvent:
		return &HistoryAppended{}
	case ApprovalRequestedEvent:
		return &ApprovalRequested{}
	case BranchDispatchedEvent:
		return &BranchDispatched{}
	case TaskRequestedEvent:
		return &TaskRequested{}
	case NotificationRequestedEvent:
		return &NotificationRequested{}
	case DefinitionPublishedEvent:
		return &DefinitionPublished{}
	default:
		return nil
	}
}

// FinishedEventType maps a terminal status to its lifecycle event.
func FinishedEventType(status models.InstanceStatus) EventType {
	switch status {
	case models.InstanceStatusCompleted:
		return InstanceCompletedEvent
	case models.InstanceStatusCancelled:
		return InstanceCancelledEvent
	case models.InstanceStatusTimedOut:
		return InstanceTimedOutEvent
	default:
		return InstanceFailedEvent
	}
}

// TopicFor routes an event type to its topic.
func TopicFor(eventType EventType) string {
	switch eventType {
	case BranchDispatchedEvent:
		return BranchTopic
	case TaskRequestedEvent, NotificationRequestedEvent:
		return RequestTopic
	default:
		return Topic
	}
}
