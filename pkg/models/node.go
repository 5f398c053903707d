package models

import (
	"encoding/json"
	"fmt"
)

// NodeKind is the closed set of node variants a definition can contain.
type NodeKind string

const (
	NodeKindStart        NodeKind = "start"
	NodeKindTask         NodeKind = "task"
	NodeKindApproval     NodeKind = "approval"
	NodeKindCondition    NodeKind = "condition"
	NodeKindParallel     NodeKind = "parallel"
	NodeKindMerge        NodeKind = "merge"
	NodeKindNotification NodeKind = "notification"
	NodeKindIntegration  NodeKind = "integration"
	NodeKindEnd          NodeKind = "end"
)

// NodeKinds lists every node variant.
var NodeKinds = []NodeKind{
	NodeKindStart,
	NodeKindTask,
	NodeKindApproval,
	NodeKindCondition,
	NodeKindParallel,
	NodeKindMerge,
	NodeKindNotification,
	NodeKindIntegration,
	NodeKindEnd,
}

// Valid reports whether k is one of the known node variants.
func (k NodeKind) Valid() bool {
	for _, kind := range NodeKinds {
		if kind == k {
			return true
		}
	}

	return false
}

// Position is the editor placement of a node. The engine ignores it.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Node is a typed vertex of the workflow graph.
type Node struct {
	ID       string         `json:"id"                 validate:"required"`
	Kind     NodeKind       `json:"kind"               validate:"required"`
	Name     string         `json:"name"`
	Config   map[string]any `json:"config,omitempty"`
	Position Position       `json:"position"`
	Rules    []Rule         `json:"rules,omitempty"`
}

// Rule is a declarative annotation stored with a node and returned unchanged.
type Rule struct {
	Name      string         `json:"name"`
	Condition string         `json:"condition,omitempty"`
	Action    string         `json:"action,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// TaskConfig configures a task node.
type TaskConfig struct {
	Title        string         `json:"title,omitempty"`
	Description  string         `json:"description,omitempty"`
	Assignee     string         `json:"assignee,omitempty"`
	DueInMinutes int            `json:"due_in_minutes,omitempty"`
	Form         map[string]any `json:"form,omitempty"`
}

// ApprovalConfig configures an approval node.
type ApprovalConfig struct {
	Approvers      []string      `json:"approvers"`
	ApprovalType   ApprovalType  `json:"approval_type,omitempty"`
	MinApprovals   int           `json:"min_approvals,omitempty"`
	RejectOnFirst  *bool         `json:"reject_on_first,omitempty"`
	TimeoutMinutes int           `json:"timeout_minutes,omitempty"`
	OnTimeout      TimeoutPolicy `json:"on_timeout,omitempty"`
	EscalateTo     []string      `json:"escalate_to,omitempty"`
}

// ConditionConfig configures a condition node.
type ConditionConfig struct {
	Expression string `json:"expression"`
}

// ParallelConfig configures a parallel node.
type ParallelConfig struct {
	FailurePolicy JoinPolicy `json:"failure_policy,omitempty"`
}

// NotificationMessage is one message sent by a notification node.
type NotificationMessage struct {
	Type       string         `json:"type"`
	Recipients []string       `json:"recipients"`
	Template   string         `json:"template,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// NotificationConfig configures a notification node.
type NotificationConfig struct {
	Messages    []NotificationMessage `json:"messages"`
	FailOnError bool                  `json:"fail_on_error,omitempty"`
}

// IntegrationKind names the built-in integration transports.
type IntegrationKind string

const (
	IntegrationKindWebhook IntegrationKind = "webhook"
	IntegrationKindAPI     IntegrationKind = "api"
	IntegrationKindEmail   IntegrationKind = "email"
	IntegrationKindCustom  IntegrationKind = "custom"
)

// IntegrationSpec is one external call made by an integration node.
type IntegrationSpec struct {
	Kind   IntegrationKind `json:"kind"`
	Name   string          `json:"name,omitempty"`
	Config map[string]any  `json:"config,omitempty"`
}

// IntegrationConfig configures an integration node.
type IntegrationConfig struct {
	Integrations []IntegrationSpec `json:"integrations"`
}

// TaskConfig decodes the node config as a task config.
func (n *Node) TaskConfig() (TaskConfig, error) {
	return decodeConfig[TaskConfig](n, NodeKindTask)
}

// ApprovalConfig decodes the node config as an approval config, filling defaults.
func (n *Node) ApprovalConfig() (ApprovalConfig, error) {
	cfg, err := decodeConfig[ApprovalConfig](n, NodeKindApproval)
	if err != nil {
		return cfg, err
	}

	if cfg.ApprovalType == "" {
		cfg.ApprovalType = ApprovalTypeAny
	}

	if cfg.MinApprovals <= 0 {
		cfg.MinApprovals = 1
	}

	return cfg, nil
}

// ConditionConfig decodes the node config as a condition config.
func (n *Node) ConditionConfig() (ConditionConfig, error) {
	return decodeConfig[ConditionConfig](n, NodeKindCondition)
}

// ParallelConfig decodes the node config as a parallel config.
func (n *Node) ParallelConfig() (ParallelConfig, error) {
	return decodeConfig[ParallelConfig](n, NodeKindParallel)
}

// NotificationConfig decodes the node config as a notification config.
func (n *Node) NotificationConfig() (NotificationConfig, error) {
	return decodeConfig[NotificationConfig](n, NodeKindNotification)
}

// IntegrationConfig decodes the node config as an integration config.
func (n *Node) IntegrationConfig() (IntegrationConfig, error) {
	return decodeConfig[IntegrationConfig](n, NodeKindIntegration)
}

func decodeConfig[T any](n *Node, kind NodeKind) (T, error) {
	var cfg T

	if n.Kind != kind {
		return cfg, fmt.Errorf("node %s is a %s node, not %s", n.ID, n.Kind, kind)
	}

	if len(n.Config) == 0 {
		return cfg, nil
	}

	data, err := json.Marshal(n.Config)
	if err != nil {
		return cfg, fmt.Errorf("failed to encode config of node %s: %w", n.ID, err)
	}

	err = json.Unmarshal(data, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to decode config of node %s: %w", n.ID, err)
	}

	return cfg, nil
}
