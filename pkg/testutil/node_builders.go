// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"fmt"

	"github.com/dukex/procflow/pkg/models"
	"github.com/google/uuid"
)

// DefinitionBuilder assembles workflow definitions for tests.
type DefinitionBuilder struct {
	def *models.WorkflowDefinition
}

// NewDefinition starts a published definition with a generated id.
func NewDefinition(name string) *DefinitionBuilder {
	return &DefinitionBuilder{def: &models.WorkflowDefinition{
		ID:       uuid.New().String(),
		Name:     name,
		Version:  1,
		Status:   models.DefinitionStatusPublished,
		Owner:    "owner",
		Nodes:    []*models.Node{},
		Edges:    []*models.Edge{},
		Settings: models.Settings{AllowParallel: true},
	}}
}

// Node adds a node.
func (b *DefinitionBuilder) Node(id string, kind models.NodeKind, config map[string]any) *DefinitionBuilder {
	b.def.Nodes = append(b.def.Nodes, &models.Node{ID: id, Kind: kind, Name: id, Config: config})

	return b
}

// Edge adds an edge with an optional condition label.
func (b *DefinitionBuilder) Edge(source, target, condition string) *DefinitionBuilder {
	b.def.Edges = append(b.def.Edges, &models.Edge{
		ID:        fmt.Sprintf("%s->%s", source, target),
		Source:    source,
		Target:    target,
		Condition: condition,
	})

	return b
}

// With applies overrides to the definition.
func (b *DefinitionBuilder) With(overrides ...func(*models.WorkflowDefinition)) *DefinitionBuilder {
	for _, override := range overrides {
		override(b.def)
	}

	return b
}

// Build returns the definition.
func (b *DefinitionBuilder) Build() *models.WorkflowDefinition {
	return b.def
}

// WithDraftStatus marks the definition as a draft.
func WithDraftStatus() func(*models.WorkflowDefinition) {
	return func(d *models.WorkflowDefinition) {
		d.Status = models.DefinitionStatusDraft
	}
}

// WithSettings replaces the execution settings.
func WithSettings(settings models.Settings) func(*models.WorkflowDefinition) {
	return func(d *models.WorkflowDefinition) {
		d.Settings = settings
	}
}

// WithPermissions replaces the permissions.
func WithPermissions(permissions models.Permissions) func(*models.WorkflowDefinition) {
	return func(d *models.WorkflowDefinition) {
		d.Permissions = permissions
	}
}

// LinearTaskDefinition is start -> A (task) -> end.
func LinearTaskDefinition() *models.WorkflowDefinition {
	return NewDefinition("Linear task").
		Node("start", models.NodeKindStart, nil).
		Node("A", models.NodeKindTask, map[string]any{"title": "Review", "assignee": "alice"}).
		Node("end", models.NodeKindEnd, nil).
		Edge("start", "A", "").
		Edge("A", "end", "").
		Build()
}

// ConditionDefinition is start -> C (x > 10) -true-> T, -false-> F, both tasks -> end.
func ConditionDefinition() *models.WorkflowDefinition {
	return NewDefinition("Condition").
		Node("start", models.NodeKindStart, nil).
		Node("C", models.NodeKindCondition, map[string]any{"expression": "x > 10"}).
		Node("T", models.NodeKindTask, map[string]any{"title": "High"}).
		Node("F", models.NodeKindTask, map[string]any{"title": "Low"}).
		Node("end", models.NodeKindEnd, nil).
		Edge("start", "C", "").
		Edge("C", "T", "true").
		Edge("C", "F", "false").
		Edge("T", "end", "").
		Edge("F", "end", "").
		Build()
}

// ApprovalDefinition is start -> G (approval) -approved-> end, -rejected-> R (task) -> end.
func ApprovalDefinition(approvalType models.ApprovalType, approvers []string, extra map[string]any) *models.WorkflowDefinition {
	config := map[string]any{
		"approvers":     toAny(approvers),
		"approval_type": string(approvalType),
	}

	for key, value := range extra {
		config[key] = value
	}

	return NewDefinition("Approval").
		Node("start", models.NodeKindStart, nil).
		Node("G", models.NodeKindApproval, config).
		Node("R", models.NodeKindTask, map[string]any{"title": "Rework"}).
		Node("end", models.NodeKindEnd, nil).
		Edge("start", "G", "").
		Edge("G", "end", "approved").
		Edge("G", "R", "rejected").
		Edge("R", "end", "").
		Build()
}

// ParallelDefinition is start -> P (parallel) -> {B1, B2} (tasks) -> M (merge) -> D (task) -> end.
func ParallelDefinition(policy models.JoinPolicy) *models.WorkflowDefinition {
	config := map[string]any{}
	if policy != "" {
		config["failure_policy"] = string(policy)
	}

	return NewDefinition("Parallel").
		Node("start", models.NodeKindStart, nil).
		Node("P", models.NodeKindParallel, config).
		Node("B1", models.NodeKindTask, map[string]any{"title": "Branch one"}).
		Node("B2", models.NodeKindTask, map[string]any{"title": "Branch two"}).
		Node("M", models.NodeKindMerge, nil).
		Node("D", models.NodeKindTask, map[string]any{"title": "After merge"}).
		Node("end", models.NodeKindEnd, nil).
		Edge("start", "P", "").
		Edge("P", "B1", "").
		Edge("P", "B2", "").
		Edge("B1", "M", "").
		Edge("B2", "M", "").
		Edge("M", "D", "").
		Edge("D", "end", "").
		Build()
}

func toAny(values []string) []any {
	items := make([]any, len(values))
	for index, value := range values {
		items[index] = value
	}

	return items
}
