// Package models defines the core domain models for workflow definitions and their running instances.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefinitionStatus represents the lifecycle state of a workflow definition.
type DefinitionStatus string

const (
	DefinitionStatusDraft     DefinitionStatus = "draft"     // Editable, not startable
	DefinitionStatusPublished DefinitionStatus = "published" // Immutable, startable
	DefinitionStatusArchived  DefinitionStatus = "archived"  // Immutable, not startable
)

// JoinPolicy decides how a merge barrier reacts to a failed branch.
type JoinPolicy string

const (
	JoinPolicyFailFast JoinPolicy = "fail_fast"
	JoinPolicyWaitAll  JoinPolicy = "wait_all"
)

// TimeoutPolicy decides what happens to an approval gate whose due date passed.
type TimeoutPolicy string

const (
	TimeoutPolicyReject   TimeoutPolicy = "reject"
	TimeoutPolicyEscalate TimeoutPolicy = "escalate"
)

// WorkflowDefinition is a versioned process graph that instances are started from.
type WorkflowDefinition struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"                   validate:"required,min=3"`
	Description string           `json:"description"`
	Version     int              `json:"version"`
	Status      DefinitionStatus `json:"status"`
	Nodes       []*Node          `json:"nodes"`
	Edges       []*Edge          `json:"edges"`
	Settings    Settings         `json:"settings"`
	Permissions Permissions      `json:"permissions"`
	Statistics  Statistics       `json:"statistics"`
	Owner       string           `json:"owner"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	PublishedAt *time.Time       `json:"published_at,omitempty"`
	ArchivedAt  *time.Time       `json:"archived_at,omitempty"`
}

// Settings holds the execution policy of a definition.
type Settings struct {
	TimeoutMinutes        int           `json:"timeout_minutes,omitempty"         validate:"min=0"`
	RetryOnFailure        bool          `json:"retry_on_failure"`
	MaxRetries            int           `json:"max_retries,omitempty"             validate:"min=0,max=20"`
	RetryBackoff          RetryBackoff  `json:"retry_backoff"`
	AllowParallel         bool          `json:"allow_parallel"`
	NotifyOnStart         bool          `json:"notify_on_start"`
	NotifyOnComplete      bool          `json:"notify_on_complete"`
	NotifyOnFailure       bool          `json:"notify_on_failure"`
	JoinFailurePolicy     JoinPolicy    `json:"join_failure_policy,omitempty"     validate:"omitempty,oneof=fail_fast wait_all"`
	ApprovalTimeoutPolicy TimeoutPolicy `json:"approval_timeout_policy,omitempty" validate:"omitempty,oneof=reject escalate"`
}

// RetryBackoff configures the exponential back-off used between integration retries.
type RetryBackoff struct {
	InitialIntervalMs int     `json:"initial_interval_ms,omitempty"`
	Multiplier        float64 `json:"multiplier,omitempty"`
	MaxIntervalMs     int     `json:"max_interval_ms,omitempty"`
}

// Permissions lists the actor references allowed to perform each class of operation.
// A reference is a user id, "role:<name>" or "*".
type Permissions struct {
	Start  []string `json:"start,omitempty"`
	View   []string `json:"view,omitempty"`
	Edit   []string `json:"edit,omitempty"`
	Manage []string `json:"manage,omitempty"`
}

// Statistics aggregates counters over every instance of a definition.
type Statistics struct {
	Started         int64 `json:"started"`
	Completed       int64 `json:"completed"`
	Failed          int64 `json:"failed"`
	Cancelled       int64 `json:"cancelled"`
	TimedOut        int64 `json:"timed_out"`
	TotalDurationMs int64 `json:"total_duration_ms"`
}

// AverageDurationMs is the mean duration over completed instances.
func (s Statistics) AverageDurationMs() int64 {
	if s.Completed == 0 {
		return 0
	}

	return s.TotalDurationMs / s.Completed
}

// MarshalJSON adds the derived average to the serialized statistics.
func (s Statistics) MarshalJSON() ([]byte, error) {
	type plain Statistics

	return json.Marshal(struct {
		plain

		AverageDurationMs int64 `json:"average_duration_ms"`
	}{plain(s), s.AverageDurationMs()})
}

// StatisticsDelta is an atomic increment applied to Statistics.
type StatisticsDelta struct {
	Started    int64
	Completed  int64
	Failed     int64
	Cancelled  int64
	TimedOut   int64
	DurationMs int64
}

// Apply adds the delta to the statistics.
func (s *Statistics) Apply(delta StatisticsDelta) {
	s.Started += delta.Started
	s.Completed += delta.Completed
	s.Failed += delta.Failed
	s.Cancelled += delta.Cancelled
	s.TimedOut += delta.TimedOut
	s.TotalDurationMs += delta.DurationMs
}

// Edge connects two nodes. Condition is matched against a node outcome
// ("true"/"false" for condition nodes, "approved"/"rejected" for approvals).
type Edge struct {
	ID        string `json:"id"`
	Source    string `json:"source"              validate:"required"`
	Target    string `json:"target"              validate:"required"`
	Condition string `json:"condition,omitempty"`
	Label     string `json:"label,omitempty"`
}

// IsStartable reports whether new instances may be started from the definition.
func (d *WorkflowDefinition) IsStartable() bool {
	return d.Status == DefinitionStatusPublished
}

// NodeByID returns the node with the given id or nil.
func (d *WorkflowDefinition) NodeByID(id string) *Node {
	for _, node := range d.Nodes {
		if node.ID == id {
			return node
		}
	}

	return nil
}

// EdgeByID returns the edge with the given id or nil.
func (d *WorkflowDefinition) EdgeByID(id string) *Edge {
	for _, edge := range d.Edges {
		if edge.ID == id {
			return edge
		}
	}

	return nil
}

// AssignEdgeIDs gives every edge without an id one derived from its endpoints.
func (d *WorkflowDefinition) AssignEdgeIDs() {
	used := make(map[string]bool, len(d.Edges))

	for _, edge := range d.Edges {
		if edge != nil && edge.ID != "" {
			used[edge.ID] = true
		}
	}

	for _, edge := range d.Edges {
		if edge == nil || edge.ID != "" {
			continue
		}

		id := edge.Source + "->" + edge.Target
		for n := 2; used[id]; n++ {
			id = fmt.Sprintf("%s->%s#%d", edge.Source, edge.Target, n)
		}

		edge.ID = id
		used[id] = true
	}
}

// StartNode returns the first start node of the graph or nil.
func (d *WorkflowDefinition) StartNode() *Node {
	for _, node := range d.Nodes {
		if node.Kind == NodeKindStart {
			return node
		}
	}

	return nil
}

// Outgoing returns the edges leaving a node, in definition order.
func (d *WorkflowDefinition) Outgoing(nodeID string) []*Edge {
	edges := make([]*Edge, 0, 2)

	for _, edge := range d.Edges {
		if edge.Source == nodeID {
			edges = append(edges, edge)
		}
	}

	return edges
}

// Incoming returns the edges entering a node, in definition order.
func (d *WorkflowDefinition) Incoming(nodeID string) []*Edge {
	edges := make([]*Edge, 0, 2)

	for _, edge := range d.Edges {
		if edge.Target == nodeID {
			edges = append(edges, edge)
		}
	}

	return edges
}

// JoinPolicyFor resolves the failure policy of a parallel node, falling back to the definition settings.
func (d *WorkflowDefinition) JoinPolicyFor(node *Node) JoinPolicy {
	if node != nil {
		cfg, err := node.ParallelConfig()
		if err == nil && cfg.FailurePolicy != "" {
			return cfg.FailurePolicy
		}
	}

	if d.Settings.JoinFailurePolicy != "" {
		return d.Settings.JoinFailurePolicy
	}

	return JoinPolicyFailFast
}

// Clone returns a deep copy of the definition.
func (d *WorkflowDefinition) Clone() (*WorkflowDefinition, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal definition: %w", err)
	}

	var clone WorkflowDefinition

	err = json.Unmarshal(data, &clone)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
	}

	return &clone, nil
}
