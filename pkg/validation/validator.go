// Package validation checks workflow definitions for structural soundness before they are stored or published.
package validation

import (
	"fmt"
	"strings"

	"github.com/dukex/procflow/pkg/expression"
	"github.com/dukex/procflow/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

// Validate returns nil for a sound definition, or a *DefinitionInvalidError listing every problem.
func Validate(def *models.WorkflowDefinition) error {
	reasons := Check(def)
	if len(reasons) == 0 {
		return nil
	}

	return &DefinitionInvalidError{Reasons: reasons}
}

// Check collects every problem of the definition.
func Check(def *models.WorkflowDefinition) []Reason {
	if def == nil {
		return []Reason{{Code: ReasonMissingStart, Message: "definition is empty"}}
	}

	c := &checker{def: def, nodes: make(map[string]*models.Node, len(def.Nodes))}

	c.checkName()
	c.checkNodes()
	c.checkStartAndEnd()
	c.checkEdges()
	c.checkReachability()
	c.checkDegrees()
	c.checkConfigs()
	c.checkSettings()

	return c.reasons
}

type checker struct {
	def     *models.WorkflowDefinition
	nodes   map[string]*models.Node
	starts  []*models.Node
	reasons []Reason
}

func (c *checker) add(code ReasonCode, nodeID, edgeID, format string, args ...any) {
	c.reasons = append(c.reasons, Reason{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		NodeID:  nodeID,
		EdgeID:  edgeID,
	})
}

func (c *checker) checkName() {
	if strings.TrimSpace(c.def.Name) == "" {
		c.add(ReasonMissingName, "", "", "definition name is required")
	}
}

func (c *checker) checkNodes() {
	for index, node := range c.def.Nodes {
		if node.ID == "" {
			c.add(ReasonEmptyNodeID, "", "", "node at position %d has no id", index)

			continue
		}

		if _, exists := c.nodes[node.ID]; exists {
			c.add(ReasonDuplicateNode, node.ID, "", "node id %s is used more than once", node.ID)

			continue
		}

		c.nodes[node.ID] = node

		if !node.Kind.Valid() {
			c.add(ReasonUnknownKind, node.ID, "", "node %s has unknown kind %q", node.ID, node.Kind)
		}
	}
}

func (c *checker) checkStartAndEnd() {
	ends := 0

	for _, node := range c.def.Nodes {
		switch node.Kind {
		case models.NodeKindStart:
			c.starts = append(c.starts, node)
		case models.NodeKindEnd:
			ends++
		}
	}

	switch {
	case len(c.starts) == 0:
		c.add(ReasonMissingStart, "", "", "definition has no start node")
	case len(c.starts) > 1:
		ids := make([]string, len(c.starts))
		for index, start := range c.starts {
			ids[index] = start.ID
		}

		c.add(ReasonMultipleStart, "", "", "definition has %d start nodes (%s), exactly one is required", len(c.starts), strings.Join(ids, ", "))
	}

	if ends == 0 {
		c.add(ReasonMissingEnd, "", "", "definition has no end node")
	}
}

func (c *checker) checkEdges() {
	seen := make(map[string]bool, len(c.def.Edges))

	for index, edge := range c.def.Edges {
		label := edge.ID
		if label == "" {
			label = fmt.Sprintf("#%d", index)
		}

		if edge.ID != "" {
			if seen[edge.ID] {
				c.add(ReasonDuplicateEdge, "", edge.ID, "edge id %s is used more than once", edge.ID)
			}

			seen[edge.ID] = true
		}

		if _, ok := c.nodes[edge.Source]; !ok {
			c.add(ReasonDanglingEdge, "", edge.ID, "edge %s references unknown source node %q", label, edge.Source)
		}

		if _, ok := c.nodes[edge.Target]; !ok {
			c.add(ReasonDanglingEdge, "", edge.ID, "edge %s references unknown target node %q", label, edge.Target)
		}
	}
}

func (c *checker) checkReachability() {
	if len(c.starts) == 0 {
		return
	}

	reached := map[string]bool{c.starts[0].ID: true}
	queue := []string{c.starts[0].ID}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, edge := range c.def.Outgoing(current) {
			if _, ok := c.nodes[edge.Target]; !ok || reached[edge.Target] {
				continue
			}

			reached[edge.Target] = true
			queue = append(queue, edge.Target)
		}
	}

	for _, node := range c.def.Nodes {
		if node.ID != "" && !reached[node.ID] {
			c.add(ReasonUnreachable, node.ID, "", "node %s is not reachable from start node %s", node.ID, c.starts[0].ID)
		}
	}
}

func (c *checker) checkDegrees() {
	for _, node := range c.def.Nodes {
		if node.ID == "" {
			continue
		}

		incoming := len(c.def.Incoming(node.ID))
		outgoing := c.def.Outgoing(node.ID)

		if node.Kind != models.NodeKindStart && incoming == 0 {
			c.add(ReasonNoIncoming, node.ID, "", "node %s has no incoming edge", node.ID)
		}

		switch node.Kind {
		case models.NodeKindEnd:
			if len(outgoing) > 0 {
				c.add(ReasonEndOutgoing, node.ID, "", "end node %s must not have outgoing edges", node.ID)
			}
		case models.NodeKindStart:
			if len(outgoing) != 1 {
				c.add(ReasonStartOutgoing, node.ID, "", "start node %s must have exactly one outgoing edge, has %d", node.ID, len(outgoing))
			}
		case models.NodeKindParallel:
			if len(outgoing) < 2 {
				c.add(ReasonParallelBranches, node.ID, "", "parallel node %s needs at least two outgoing edges, has %d", node.ID, len(outgoing))
			}

			for _, edge := range outgoing {
				if edge.Condition != "" {
					c.add(ReasonParallelGuard, node.ID, edge.ID, "edge %s leaving parallel node %s cannot carry a condition", edge.ID, node.ID)
				}
			}
		default:
			if len(outgoing) == 0 {
				c.add(ReasonNoOutgoing, node.ID, "", "node %s has no outgoing edge", node.ID)
			}
		}

		c.checkEdgeLabels(node, outgoing)
	}
}

func (c *checker) checkEdgeLabels(node *models.Node, outgoing []*models.Edge) {
	for _, edge := range outgoing {
		if edge.Condition == "" {
			continue
		}

		switch node.Kind {
		case models.NodeKindCondition:
			if !isOneOf(edge.Condition, "true", "false") {
				c.add(ReasonInvalidEdgeLabel, node.ID, edge.ID, "edge %s leaving condition node %s must be labelled true or false, got %q", edge.ID, node.ID, edge.Condition)
			}
		case models.NodeKindApproval:
			if !isOneOf(edge.Condition, "approved", "rejected") {
				c.add(ReasonInvalidEdgeLabel, node.ID, edge.ID, "edge %s leaving approval node %s must be labelled approved or rejected, got %q", edge.ID, node.ID, edge.Condition)
			}
		case models.NodeKindParallel:
		default:
			if _, err := expression.Compile(edge.Condition); err != nil {
				c.add(ReasonInvalidExpression, node.ID, edge.ID, "edge %s has an invalid guard: %v", edge.ID, err)
			}
		}
	}
}

func (c *checker) checkConfigs() {
	for _, node := range c.def.Nodes {
		if node.ID == "" || !node.Kind.Valid() {
			continue
		}

		if !c.checkSchema(node) {
			continue
		}

		switch node.Kind {
		case models.NodeKindCondition:
			cfg, err := node.ConditionConfig()
			if err != nil {
				c.add(ReasonInvalidConfig, node.ID, "", "%v", err)

				continue
			}

			if _, err := expression.Compile(cfg.Expression); err != nil {
				c.add(ReasonInvalidExpression, node.ID, "", "condition node %s has an invalid expression: %v", node.ID, err)
			}
		case models.NodeKindApproval:
			cfg, err := node.ApprovalConfig()
			if err != nil {
				c.add(ReasonInvalidConfig, node.ID, "", "%v", err)

				continue
			}

			if cfg.OnTimeout == models.TimeoutPolicyEscalate && len(cfg.EscalateTo) == 0 {
				c.add(ReasonInvalidConfig, node.ID, "", "approval node %s escalates on timeout but has no escalate_to", node.ID)
			}

			if cfg.ApprovalType == models.ApprovalTypeAny && cfg.MinApprovals > len(cfg.Approvers) && !hasRoleReference(cfg.Approvers) {
				c.add(ReasonInvalidConfig, node.ID, "", "approval node %s requires %d approvals but lists %d approvers", node.ID, cfg.MinApprovals, len(cfg.Approvers))
			}
		}
	}
}

func (c *checker) checkSchema(node *models.Node) bool {
	schema := Schema(node.Kind)

	var config any = map[string]any{}
	if node.Config != nil {
		config = node.Config
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(config))
	if err != nil {
		c.add(ReasonInvalidConfig, node.ID, "", "config of node %s cannot be validated: %v", node.ID, err)

		return false
	}

	if result.Valid() {
		return true
	}

	for _, schemaErr := range result.Errors() {
		c.add(ReasonInvalidConfig, node.ID, "", "config of %s node %s: %s", node.Kind, node.ID, schemaErr.String())
	}

	return false
}

func (c *checker) checkSettings() {
	settings := c.def.Settings

	if settings.TimeoutMinutes < 0 {
		c.add(ReasonInvalidSettings, "", "", "timeout_minutes cannot be negative")
	}

	if settings.MaxRetries < 0 {
		c.add(ReasonInvalidSettings, "", "", "max_retries cannot be negative")
	}

	if settings.JoinFailurePolicy != "" && !isOneOf(string(settings.JoinFailurePolicy), string(models.JoinPolicyFailFast), string(models.JoinPolicyWaitAll)) {
		c.add(ReasonInvalidSettings, "", "", "join_failure_policy must be fail_fast or wait_all, got %q", settings.JoinFailurePolicy)
	}

	if settings.ApprovalTimeoutPolicy != "" && !isOneOf(string(settings.ApprovalTimeoutPolicy), string(models.TimeoutPolicyReject), string(models.TimeoutPolicyEscalate)) {
		c.add(ReasonInvalidSettings, "", "", "approval_timeout_policy must be reject or escalate, got %q", settings.ApprovalTimeoutPolicy)
	}
}

func isOneOf(value string, options ...string) bool {
	for _, option := range options {
		if strings.EqualFold(value, option) {
			return true
		}
	}

	return false
}

func hasRoleReference(refs []string) bool {
	for _, ref := range refs {
		if ref == "*" || strings.HasPrefix(ref, "role:") {
			return true
		}
	}

	return false
}
