package models_test

import (
	"encoding/json"
	"testing"

	"github.com/dukex/procflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowDefinition_AssignEdgeIDs(t *testing.T) {
	t.Parallel()

	def := &models.WorkflowDefinition{
		Edges: []*models.Edge{
			{Source: "start", Target: "G"},
			{ID: "manual", Source: "G", Target: "end", Condition: "approved"},
			{Source: "G", Target: "end", Condition: "rejected"},
			{Source: "G", Target: "end"},
		},
	}

	def.AssignEdgeIDs()

	assert.Equal(t, "start->G", def.Edges[0].ID)
	assert.Equal(t, "manual", def.Edges[1].ID)
	assert.Equal(t, "G->end", def.Edges[2].ID)
	assert.Equal(t, "G->end#2", def.Edges[3].ID)
	assert.Same(t, def.Edges[3], def.EdgeByID("G->end#2"))
}

func TestWorkflowDefinition_IsStartable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status models.DefinitionStatus
		want   bool
	}{
		{models.DefinitionStatusDraft, false},
		{models.DefinitionStatusPublished, true},
		{models.DefinitionStatusArchived, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			t.Parallel()

			def := &models.WorkflowDefinition{Status: tt.status}
			assert.Equal(t, tt.want, def.IsStartable())
		})
	}
}

func TestWorkflowDefinition_JoinPolicyFor(t *testing.T) {
	t.Parallel()

	parallel := &models.Node{ID: "P", Kind: models.NodeKindParallel}
	waitAll := &models.Node{ID: "P", Kind: models.NodeKindParallel, Config: map[string]any{"failure_policy": "wait_all"}}

	assert.Equal(t, models.JoinPolicyFailFast, (&models.WorkflowDefinition{}).JoinPolicyFor(parallel))
	assert.Equal(t, models.JoinPolicyWaitAll, (&models.WorkflowDefinition{}).JoinPolicyFor(waitAll))

	def := &models.WorkflowDefinition{Settings: models.Settings{JoinFailurePolicy: models.JoinPolicyWaitAll}}
	assert.Equal(t, models.JoinPolicyWaitAll, def.JoinPolicyFor(parallel))
}

func TestStatistics(t *testing.T) {
	t.Parallel()

	var stats models.Statistics
	assert.Zero(t, stats.AverageDurationMs())

	stats.Apply(models.StatisticsDelta{Started: 2})
	stats.Apply(models.StatisticsDelta{Completed: 1, DurationMs: 3000})
	stats.Apply(models.StatisticsDelta{Completed: 1, DurationMs: 1000})

	assert.Equal(t, int64(2), stats.Started)
	assert.Equal(t, int64(2000), stats.AverageDurationMs())

	data, err := json.Marshal(stats)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.EqualValues(t, 2000, decoded["average_duration_ms"])
	assert.EqualValues(t, 4000, decoded["total_duration_ms"])
}

func TestNode_ApprovalConfigDefaults(t *testing.T) {
	t.Parallel()

	node := &models.Node{ID: "G", Kind: models.NodeKindApproval, Config: map[string]any{"approvers": []any{"carol"}}}

	cfg, err := node.ApprovalConfig()
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalTypeAny, cfg.ApprovalType)
	assert.Equal(t, 1, cfg.MinApprovals)
	assert.Equal(t, []string{"carol"}, cfg.Approvers)

	_, err = (&models.Node{ID: "T", Kind: models.NodeKindTask}).ApprovalConfig()
	assert.Error(t, err)
}
