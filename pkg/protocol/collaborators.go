// Package protocol defines the interfaces of the services the engine calls outward through.
package protocol

import (
	"context"
	"time"

	"github.com/dukex/procflow/pkg/models"
)

// TaskSpec describes the human task requested for a task node.
type TaskSpec struct {
	CorrelationID string         `json:"correlation_id"`
	InstanceID    string         `json:"instance_id"`
	DefinitionID  string         `json:"definition_id"`
	NodeID        string         `json:"node_id"`
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	Assignees     []string       `json:"assignees,omitempty"`
	DueAt         *time.Time     `json:"due_at,omitempty"`
	Form          map[string]any `json:"form,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// InstanceContext is what an integration sees of the running instance.
type InstanceContext struct {
	CorrelationID string         `json:"correlation_id"`
	InstanceID    string         `json:"instance_id"`
	DefinitionID  string         `json:"definition_id"`
	NodeID        string         `json:"node_id"`
	Title         string         `json:"title"`
	Context       map[string]any `json:"context,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// TaskCollaborator creates human tasks. CreateTask may be called more than once
// with the same correlation id and must return the same task.
type TaskCollaborator interface {
	CreateTask(ctx context.Context, spec TaskSpec) (string, error)
}

// Notifier delivers messages to people.
type Notifier interface {
	Send(ctx context.Context, messageType string, recipients []string, payload map[string]any) error
}

// Integrator calls external systems on behalf of integration nodes.
type Integrator interface {
	Invoke(ctx context.Context, kind models.IntegrationKind, config map[string]any, instance InstanceContext) error
}

// Auditor stores appended history entries outside the instance document.
type Auditor interface {
	Record(ctx context.Context, instanceID string, entry models.HistoryEntry) error
}

// Directory resolves actor references ("role:finance", "*", user ids) to user ids.
type Directory interface {
	Resolve(ctx context.Context, refs []string) ([]string, error)
}
