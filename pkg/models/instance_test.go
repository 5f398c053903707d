package models_test

import (
	"testing"
	"time"

	"github.com/dukex/procflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func gate(nodeID string, approvers ...string) *models.ApprovalRequest {
	return &models.ApprovalRequest{
		ID:           "gate-" + nodeID,
		NodeID:       nodeID,
		Approvers:    approvers,
		ApprovalType: models.ApprovalTypeAll,
		Status:       models.ApprovalStatusPending,
		CreatedAt:    at,
	}
}

func TestWorkflowInstance_RecordFoldsHistory(t *testing.T) {
	t.Parallel()

	instance := &models.WorkflowInstance{ID: "inst-1", InitiatedBy: "ivan", InstanceState: models.NewInstanceState()}

	start := instance.Record(models.HistoryEntry{NodeID: "start", Action: models.ActionStart, Timestamp: at, Variables: map[string]any{"amount": 1200}})
	assert.Equal(t, 1, start.Seq)
	assert.Equal(t, models.InstanceStatusRunning, start.Status)

	instance.Record(models.HistoryEntry{NodeID: "G", From: "start", Action: models.ActionAdvance, Timestamp: at})
	requested := instance.Record(models.HistoryEntry{NodeID: "G", Action: models.ActionApprovalRequested, Timestamp: at, Approval: gate("G", "carol", "dave")})
	assert.Equal(t, models.InstanceStatusWaitingApproval, requested.Status)
	assert.True(t, instance.IsParticipant("carol"))
	assert.False(t, instance.IsParticipant("mallory"))

	instance.Record(models.HistoryEntry{NodeID: "G", Action: models.ActionApprove, Actor: "carol", Timestamp: at})
	assert.Len(t, instance.PendingApproval("G").Responses, 1)

	resolved := instance.Record(models.HistoryEntry{NodeID: "G", Action: models.ActionApprovalResolved, Outcome: models.ApprovalStatusApproved, Timestamp: at})
	assert.Equal(t, models.InstanceStatusRunning, resolved.Status)
	assert.Nil(t, instance.PendingApproval("G"))

	instance.Record(models.HistoryEntry{NodeID: "end", From: "G", Action: models.ActionAdvance, Timestamp: at})
	end := instance.Record(models.HistoryEntry{NodeID: "end", Action: models.ActionEnd, Timestamp: at.Add(time.Minute)})

	assert.Equal(t, models.InstanceStatusCompleted, end.Status)
	assert.Empty(t, instance.Tokens)
	require.NotNil(t, instance.CompletedAt)
	assert.Equal(t, at.Add(time.Minute), *instance.CompletedAt)
	assert.Equal(t, 1200, instance.Variables["amount"])

	replayed := models.Replay(instance.History)
	assert.Equal(t, instance.Status, replayed.Status)
	assert.Equal(t, instance.Tokens, replayed.Tokens)
	assert.Equal(t, instance.Visits, replayed.Visits)
	assert.Equal(t, instance.Approvals["G"].Status, replayed.Approvals["G"].Status)
}

func TestInstanceState_ForkAndRelease(t *testing.T) {
	t.Parallel()

	state := models.NewInstanceState()
	state.Apply(models.HistoryEntry{NodeID: "P", Action: models.ActionStart})
	state.Apply(models.HistoryEntry{
		NodeID:  "P",
		Action:  models.ActionFork,
		JoinID:  "join-1",
		Spawned: []models.Token{{NodeID: "P", Branch: "b1"}, {NodeID: "P", Branch: "b2"}},
		Edges:   []string{"P->B1", "P->B2"},
	})

	require.Len(t, state.Branches, 2)
	assert.Equal(t, "P->B2", state.Branches["b2"].EdgeID)
	assert.Equal(t, []string{"P"}, state.ActiveNodes())
	require.Contains(t, state.Joins, "join-1")
	assert.Equal(t, []string{"b1", "b2"}, state.Joins["join-1"].Expected)

	state.Apply(models.HistoryEntry{NodeID: "B1", From: "P", Branch: "b1", Action: models.ActionAdvance})
	state.Apply(models.HistoryEntry{NodeID: "B2", From: "P", Branch: "b2", Action: models.ActionAdvance})
	assert.ElementsMatch(t, []string{"B1", "B2"}, state.ActiveNodes())
	assert.True(t, state.HasToken(models.Token{NodeID: "B1", Branch: "b1"}))

	state.Apply(models.HistoryEntry{NodeID: "M", Branch: "b2", JoinID: "join-1", Action: models.ActionArrive})
	assert.Equal(t, []string{"b2"}, state.Joins["join-1"].Arrived)
	assert.False(t, state.Joins["join-1"].Settled)

	state.Apply(models.HistoryEntry{NodeID: "M", Branch: "b1", JoinID: "join-1", Action: models.ActionArrive})
	assert.True(t, state.Joins["join-1"].Released)
	assert.Equal(t, "b1", state.Joins["join-1"].SettledBy)

	state.Apply(models.HistoryEntry{NodeID: "M", JoinID: "join-1", Action: models.ActionRelease, Tokens: []string{"b1", "b2"}})

	assert.Equal(t, []models.Token{{NodeID: "M"}}, state.Tokens)
	assert.Empty(t, state.Branches)
	assert.Empty(t, state.Joins)
}

func TestInstanceState_BranchFailureKillsDescendants(t *testing.T) {
	t.Parallel()

	state := models.NewInstanceState()
	state.Branches = map[string]*models.Branch{
		"b1":   {Token: "b1"},
		"b1.1": {Token: "b1.1", Parent: "b1"},
		"b1.2": {Token: "b1.2", Parent: "b1.1"},
		"b2":   {Token: "b2"},
	}
	state.Tokens = []models.Token{{NodeID: "X", Branch: "b1.2"}, {NodeID: "Y", Branch: "b2"}}

	assert.Equal(t, []string{"b1.1", "b1.2"}, state.Descendants("b1"))

	state.Apply(models.HistoryEntry{NodeID: "X", Branch: "b1", Action: models.ActionBranchFailed, Tokens: state.Descendants("b1")})

	assert.Equal(t, []models.Token{{NodeID: "Y", Branch: "b2"}}, state.Tokens)
	assert.Len(t, state.Branches, 1)
}

func TestInstanceState_NextDueAt(t *testing.T) {
	t.Parallel()

	deadline := at.Add(24 * time.Hour)
	gateDue := at.Add(time.Hour)

	state := models.NewInstanceState()
	assert.Nil(t, state.NextDueAt())

	state.Apply(models.HistoryEntry{NodeID: "start", Action: models.ActionStart, DueAt: &deadline})
	assert.Equal(t, deadline, *state.NextDueAt())

	request := gate("G", "carol")
	request.DueAt = &gateDue
	state.Apply(models.HistoryEntry{NodeID: "G", Action: models.ActionApprovalRequested, Approval: request})
	assert.Equal(t, gateDue, *state.NextDueAt())

	state.Apply(models.HistoryEntry{NodeID: "G", Action: models.ActionCancel, Timestamp: at})
	assert.Nil(t, state.NextDueAt())
}

func TestInstanceState_TaskWaitsLastWhileTheTokenWaits(t *testing.T) {
	t.Parallel()

	deadline := at.Add(24 * time.Hour)
	taskDue := at.Add(30 * time.Minute)

	state := models.NewInstanceState()
	state.Apply(models.HistoryEntry{
		NodeID: "A",
		Action: models.ActionStart,
		DueAt:  &deadline,
		Wait:   &models.TaskWait{NodeID: "A", DueAt: taskDue},
	})

	require.Len(t, state.Waits, 1)
	assert.Equal(t, taskDue, *state.NextDueAt())

	later := taskDue.Add(time.Hour)
	state.AddWait(models.TaskWait{NodeID: "A", DueAt: later})
	require.Len(t, state.Waits, 1)
	assert.Equal(t, later, state.Waits[0].DueAt)

	state.Apply(models.HistoryEntry{NodeID: "B", From: "A", Action: models.ActionAdvance})

	assert.Empty(t, state.Waits)
	assert.Equal(t, deadline, *state.NextDueAt())
}

func TestWorkflowInstance_CloneIsDeep(t *testing.T) {
	t.Parallel()

	instance := &models.WorkflowInstance{ID: "inst-1", Context: map[string]any{"vendor": "Acme"}, InstanceState: models.NewInstanceState()}
	instance.Record(models.HistoryEntry{NodeID: "G", Action: models.ActionStart})
	instance.Record(models.HistoryEntry{NodeID: "G", Action: models.ActionApprovalRequested, Approval: gate("G", "carol")})

	clone := instance.Clone()
	clone.Context["vendor"] = "Globex"
	clone.Approvals["G"].Approvers[0] = "mallory"
	clone.Tokens[0].NodeID = "elsewhere"

	assert.Equal(t, "Acme", instance.Context["vendor"])
	assert.Equal(t, "carol", instance.Approvals["G"].Approvers[0])
	assert.Equal(t, "G", instance.Tokens[0].NodeID)
}
