package validation_test

import (
	"fmt"
	"testing"

	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/testutil"
	"github.com/dukex/procflow/pkg/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestValidate_SoundDefinitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		def  *models.WorkflowDefinition
	}{
		{name: "linear task", def: testutil.LinearTaskDefinition()},
		{name: "condition", def: testutil.ConditionDefinition()},
		{name: "approval", def: testutil.ApprovalDefinition(models.ApprovalTypeAll, []string{"A", "B"}, nil)},
		{name: "parallel", def: testutil.ParallelDefinition(models.JoinPolicyWaitAll)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.NoError(t, validation.Validate(tt.def))
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	t.Parallel()

	def := testutil.NewDefinition("Broken").
		Node("start", models.NodeKindStart, nil).
		Node("A", models.NodeKindTask, nil).
		Node("island", models.NodeKindTask, nil).
		Edge("start", "A", "").
		Edge("A", "ghost", "").
		Build()

	err := validation.Validate(def)
	require.Error(t, err)
	assert.True(t, validation.IsDefinitionInvalid(err))

	var invalid *validation.DefinitionInvalidError
	require.ErrorAs(t, err, &invalid)

	assert.True(t, invalid.HasReason(validation.ReasonMissingEnd))
	assert.True(t, invalid.HasReason(validation.ReasonDanglingEdge))
	assert.True(t, invalid.HasReason(validation.ReasonUnreachable))
	assert.True(t, invalid.HasReason(validation.ReasonNoIncoming))
	assert.True(t, invalid.HasReason(validation.ReasonNoOutgoing))

	unreachable := make([]string, 0)

	for _, reason := range invalid.Reasons {
		if reason.Code == validation.ReasonUnreachable {
			unreachable = append(unreachable, reason.NodeID)
		}
	}

	assert.Equal(t, []string{"island"}, unreachable)
}

func TestValidate_DisconnectedNodeNamed(t *testing.T) {
	t.Parallel()

	def := testutil.LinearTaskDefinition()
	def.Nodes = append(def.Nodes, &models.Node{ID: "orphan", Kind: models.NodeKindTask})
	def.Edges = append(def.Edges, &models.Edge{ID: "orphan-end", Source: "orphan", Target: "end"})

	reasons := validation.Reasons(validation.Validate(def))
	require.Len(t, reasons, 2)

	codes := []validation.ReasonCode{reasons[0].Code, reasons[1].Code}
	assert.ElementsMatch(t, []validation.ReasonCode{validation.ReasonUnreachable, validation.ReasonNoIncoming}, codes)

	for _, reason := range reasons {
		assert.Equal(t, "orphan", reason.NodeID)
	}
}

func TestValidate_StartNodes(t *testing.T) {
	t.Parallel()

	noStart := testutil.NewDefinition("No start").
		Node("A", models.NodeKindTask, nil).
		Node("end", models.NodeKindEnd, nil).
		Edge("A", "end", "").
		Build()

	reasons := validation.Reasons(validation.Validate(noStart))
	assert.Contains(t, codesOf(reasons), validation.ReasonMissingStart)

	twoStarts := testutil.LinearTaskDefinition()
	twoStarts.Nodes = append(twoStarts.Nodes, &models.Node{ID: "start2", Kind: models.NodeKindStart})
	twoStarts.Edges = append(twoStarts.Edges, &models.Edge{ID: "s2", Source: "start2", Target: "A"})

	reasons = validation.Reasons(validation.Validate(twoStarts))
	assert.Contains(t, codesOf(reasons), validation.ReasonMultipleStart)
}

func TestValidate_NodeConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		kind     models.NodeKind
		config   map[string]any
		expected validation.ReasonCode
	}{
		{
			name:     "approval without approvers",
			kind:     models.NodeKindApproval,
			config:   map[string]any{"approval_type": "all"},
			expected: validation.ReasonInvalidConfig,
		},
		{
			name:     "approval with unknown type",
			kind:     models.NodeKindApproval,
			config:   map[string]any{"approvers": []any{"a"}, "approval_type": "quorum"},
			expected: validation.ReasonInvalidConfig,
		},
		{
			name:     "escalation without targets",
			kind:     models.NodeKindApproval,
			config:   map[string]any{"approvers": []any{"a"}, "on_timeout": "escalate"},
			expected: validation.ReasonInvalidConfig,
		},
		{
			name:     "condition without expression",
			kind:     models.NodeKindCondition,
			config:   map[string]any{},
			expected: validation.ReasonInvalidConfig,
		},
		{
			name:     "condition with broken expression",
			kind:     models.NodeKindCondition,
			config:   map[string]any{"expression": "amount >"},
			expected: validation.ReasonInvalidExpression,
		},
		{
			name:     "integration with unknown kind",
			kind:     models.NodeKindIntegration,
			config:   map[string]any{"integrations": []any{map[string]any{"kind": "ftp"}}},
			expected: validation.ReasonInvalidConfig,
		},
		{
			name:     "notification without recipients",
			kind:     models.NodeKindNotification,
			config:   map[string]any{"messages": []any{map[string]any{"type": "email"}}},
			expected: validation.ReasonInvalidConfig,
		},
		{
			name:     "unknown kind",
			kind:     models.NodeKind("script"),
			config:   nil,
			expected: validation.ReasonUnknownKind,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			def := testutil.NewDefinition("Config").
				Node("start", models.NodeKindStart, nil).
				Node("N", tt.kind, tt.config).
				Node("end", models.NodeKindEnd, nil).
				Edge("start", "N", "").
				Edge("N", "end", "").
				Build()

			reasons := validation.Reasons(validation.Validate(def))
			assert.Contains(t, codesOf(reasons), tt.expected)
		})
	}
}

func TestValidate_EdgeLabels(t *testing.T) {
	t.Parallel()

	def := testutil.ConditionDefinition()
	def.Edges[1].Condition = "maybe"

	reasons := validation.Reasons(validation.Validate(def))
	assert.Contains(t, codesOf(reasons), validation.ReasonInvalidEdgeLabel)

	parallel := testutil.ParallelDefinition("")
	parallel.Edges[1].Condition = "x > 1"

	reasons = validation.Reasons(validation.Validate(parallel))
	assert.Contains(t, codesOf(reasons), validation.ReasonParallelGuard)
}

// A definition that passes validation has exactly one start, at least one end,
// only edges between existing nodes, and every node reachable from start.
func TestValidate_Soundness(t *testing.T) {
	t.Parallel()

	kinds := []models.NodeKind{models.NodeKindStart, models.NodeKindTask, models.NodeKindMerge, models.NodeKindEnd}

	rapid.Check(t, func(rt *rapid.T) {
		nodeCount := rapid.IntRange(1, 7).Draw(rt, "nodeCount")
		builder := testutil.NewDefinition("Generated")

		ids := make([]string, nodeCount)
		for index := range nodeCount {
			ids[index] = fmt.Sprintf("n%d", index)
			kind := rapid.SampledFrom(kinds).Draw(rt, fmt.Sprintf("kind%d", index))
			builder.Node(ids[index], kind, nil)
		}

		targets := append([]string{"ghost"}, ids...)
		edgeCount := rapid.IntRange(0, 10).Draw(rt, "edgeCount")

		for index := range edgeCount {
			source := rapid.SampledFrom(ids).Draw(rt, fmt.Sprintf("source%d", index))
			target := rapid.SampledFrom(targets).Draw(rt, fmt.Sprintf("target%d", index))
			builder.Edge(source, target, "")
		}

		def := builder.Build()
		for index, edge := range def.Edges {
			edge.ID = fmt.Sprintf("e%d", index)
		}

		if validation.Validate(def) != nil {
			return
		}

		starts, ends := 0, 0

		for _, node := range def.Nodes {
			switch node.Kind {
			case models.NodeKindStart:
				starts++
			case models.NodeKindEnd:
				ends++
			}
		}

		if starts != 1 || ends < 1 {
			rt.Fatalf("accepted definition with %d starts and %d ends", starts, ends)
		}

		for _, edge := range def.Edges {
			if def.NodeByID(edge.Source) == nil || def.NodeByID(edge.Target) == nil {
				rt.Fatalf("accepted dangling edge %s", edge.ID)
			}
		}

		reached := map[string]bool{def.StartNode().ID: true}
		frontier := []string{def.StartNode().ID}

		for len(frontier) > 0 {
			current := frontier[0]
			frontier = frontier[1:]

			for _, edge := range def.Outgoing(current) {
				if !reached[edge.Target] {
					reached[edge.Target] = true
					frontier = append(frontier, edge.Target)
				}
			}
		}

		for _, node := range def.Nodes {
			if !reached[node.ID] {
				rt.Fatalf("accepted unreachable node %s", node.ID)
			}
		}
	})
}

func codesOf(reasons []validation.Reason) []validation.ReasonCode {
	codes := make([]validation.ReasonCode, len(reasons))
	for index, reason := range reasons {
		codes[index] = reason.Code
	}

	return codes
}
