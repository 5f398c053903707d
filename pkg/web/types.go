// Package web provides HTTP request and response types for the workflow API.
package web

import "github.com/dukex/procflow/pkg/models"

// DefinitionRequest represents the request body for creating a new definition.
type DefinitionRequest struct {
	Name        string             `json:"name"        validate:"required,min=3"`
	Description string             `json:"description"`
	Nodes       []*models.Node     `json:"nodes"       validate:"required,min=2,dive"`
	Edges       []*models.Edge     `json:"edges"       validate:"required,min=1,dive"`
	Settings    models.Settings    `json:"settings"`
	Permissions models.Permissions `json:"permissions"`
}

// Definition converts the request into a draft definition.
func (r DefinitionRequest) Definition() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		Name:        r.Name,
		Description: r.Description,
		Nodes:       r.Nodes,
		Edges:       r.Edges,
		Settings:    r.Settings,
		Permissions: r.Permissions,
	}
}

// UpdateDefinitionRequest represents the request body for updating a draft.
// All fields are optional to support partial updates.
type UpdateDefinitionRequest struct {
	Name        *string             `json:"name,omitempty"        validate:"omitempty,min=3"`
	Description *string             `json:"description,omitempty"`
	Nodes       []*models.Node      `json:"nodes,omitempty"       validate:"omitempty,min=2,dive"`
	Edges       []*models.Edge      `json:"edges,omitempty"       validate:"omitempty,dive"`
	Settings    *models.Settings    `json:"settings,omitempty"`
	Permissions *models.Permissions `json:"permissions,omitempty"`
}

// Apply merges the set fields into def.
func (r UpdateDefinitionRequest) Apply(def *models.WorkflowDefinition) {
	if r.Name != nil {
		def.Name = *r.Name
	}

	if r.Description != nil {
		def.Description = *r.Description
	}

	if r.Nodes != nil {
		def.Nodes = r.Nodes
	}

	if r.Edges != nil {
		def.Edges = r.Edges
	}

	if r.Settings != nil {
		def.Settings = *r.Settings
	}

	if r.Permissions != nil {
		def.Permissions = *r.Permissions
	}
}

// StartInstanceRequest represents the request body for starting an instance.
type StartInstanceRequest struct {
	Title      string          `json:"title"       validate:"max=200"`
	Context    map[string]any  `json:"context"`
	Variables  map[string]any  `json:"variables"`
	AssignedTo string          `json:"assigned_to"`
	Priority   models.Priority `json:"priority"    validate:"omitempty,oneof=low normal high urgent"`
}

// SubmitActionRequest represents the request body for acting on an instance.
type SubmitActionRequest struct {
	NodeID          string         `json:"node_id"          validate:"required_unless=Action cancel"`
	Branch          string         `json:"branch"`
	Action          string         `json:"action"           validate:"required,oneof=approve reject complete skip reassign cancel"`
	Comment         string         `json:"comment"          validate:"max=2000"`
	Variables       map[string]any `json:"variables"`
	AssignTo        string         `json:"assign_to"        validate:"required_if=Action reassign"`
	Replaces        string         `json:"replaces"`
	ExpectedVersion int64          `json:"expected_version" validate:"min=0"`
}
