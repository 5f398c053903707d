package join

import (
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence"
	"github.com/dukex/procflow/pkg/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCoordinator(t *testing.T) (*Coordinator, persistence.JoinRepository) {
	t.Helper()

	joins := memory.NewPersistence().JoinRepository()

	return NewCoordinator(joins, slog.Default(), nil), joins
}

func edges(ids ...string) []models.Edge {
	out := make([]models.Edge, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Edge{ID: id})
	}

	return out
}

func forkEntry(fork *Fork) models.HistoryEntry {
	spawned := make([]models.Token, 0, len(fork.Tokens))
	for _, token := range fork.Tokens {
		spawned = append(spawned, models.Token{NodeID: fork.Join.ParallelNodeID, Branch: token})
	}

	return models.HistoryEntry{
		NodeID:  fork.Join.ParallelNodeID,
		Action:  models.ActionFork,
		JoinID:  fork.Join.ID,
		Policy:  fork.Join.Policy,
		Spawned: spawned,
		Edges:   fork.Edges,
	}
}

func TestID_Deterministic(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ID("inst-1", "P", 1, ""), ID("inst-1", "P", 1, ""))
	assert.NotEqual(t, ID("inst-1", "P", 1, ""), ID("inst-1", "P", 2, ""))
	assert.NotEqual(t, ID("inst-1", "P", 1, ""), ID("inst-1", "P", 1, "b1"))
	assert.NotEqual(t, BranchToken("j", "P->B1"), BranchToken("j", "P->B2"))
}

func TestNewFork_IsDeterministic(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	first := NewFork("inst-1", "P", 1, "", models.JoinPolicyFailFast, edges("P->B1", "P->B2"), now)
	second := NewFork("inst-1", "P", 1, "", models.JoinPolicyFailFast, edges("P->B1", "P->B2"), now)

	assert.Len(t, first.Tokens, 2)
	assert.Equal(t, []string{"P->B1", "P->B2"}, first.Edges)
	assert.Equal(t, first.Tokens, second.Tokens)
	assert.Equal(t, first.Tokens, first.Join.Expected)
	assert.Equal(t, ID("inst-1", "P", 1, ""), first.Join.ID)
	assert.Empty(t, first.Join.Arrived)
}

func TestCoordinator_MirrorFollowsCommittedEntries(t *testing.T) {
	t.Parallel()

	c, joins := newCoordinator(t)
	fork := NewFork("inst-1", "P", 1, "", models.JoinPolicyWaitAll, edges("P->B1", "P->B2", "P->B3"), time.Now())

	require.NoError(t, c.Mirror(t.Context(), "inst-1", []models.HistoryEntry{
		forkEntry(fork),
		{NodeID: "M", Action: models.ActionArrive, JoinID: fork.Join.ID, Branch: fork.Tokens[0]},
		{NodeID: "I", Action: models.ActionBranchFailed, JoinID: fork.Join.ID, Branch: fork.Tokens[1]},
	}))

	stored, err := c.Get(t.Context(), fork.Join.ID)
	require.NoError(t, err)
	assert.Equal(t, "inst-1", stored.InstanceID)
	assert.Equal(t, fork.Tokens, stored.Expected)
	assert.Equal(t, []string{fork.Tokens[0]}, stored.Arrived)
	assert.Equal(t, []string{fork.Tokens[1]}, stored.Failed)
	assert.False(t, stored.Settled)

	require.NoError(t, c.Mirror(t.Context(), "inst-1", []models.HistoryEntry{
		{NodeID: "M", Action: models.ActionRelease, JoinID: fork.Join.ID, Tokens: fork.Tokens},
	}))

	_, err = joins.Get(t.Context(), fork.Join.ID)
	assert.True(t, persistence.IsJoinNotFound(err))
}

func TestCoordinator_MirrorSkipsMissingJoins(t *testing.T) {
	t.Parallel()

	c, _ := newCoordinator(t)

	tests := []struct {
		name  string
		entry models.HistoryEntry
	}{
		{"arrive", models.HistoryEntry{Action: models.ActionArrive, JoinID: "gone", Branch: "b1"}},
		{"branch failed", models.HistoryEntry{Action: models.ActionBranchFailed, JoinID: "gone", Branch: "b1"}},
		{"release", models.HistoryEntry{Action: models.ActionRelease, JoinID: "gone"}},
		{"no join", models.HistoryEntry{Action: models.ActionAdvance, NodeID: "B1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.NoError(t, c.Mirror(t.Context(), "inst-1", []models.HistoryEntry{tt.entry}))
		})
	}
}

func TestCoordinator_RemoveInstance(t *testing.T) {
	t.Parallel()

	c, joins := newCoordinator(t)
	fork := NewFork("inst-1", "P", 1, "", models.JoinPolicyWaitAll, edges("P->B1", "P->B2"), time.Now())

	require.NoError(t, c.Mirror(t.Context(), "inst-1", []models.HistoryEntry{forkEntry(fork)}))
	require.NoError(t, c.RemoveInstance(t.Context(), "inst-1"))

	_, err := joins.Get(t.Context(), fork.Join.ID)
	assert.True(t, persistence.IsJoinNotFound(err))
}
