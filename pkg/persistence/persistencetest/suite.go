// Package persistencetest holds the behavior every persistence backend must share.
package persistencetest

import (
	"sync"
	"testing"
	"time"

	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence"
	"github.com/dukex/procflow/pkg/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty backend for one subtest.
type Factory func(t *testing.T) persistence.Persistence

// Run executes the whole conformance suite.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("definitions", func(t *testing.T) { testDefinitions(t, factory(t)) })
	t.Run("instance optimistic concurrency", func(t *testing.T) { testInstanceVersions(t, factory(t)) })
	t.Run("instance listing", func(t *testing.T) { testInstanceListing(t, factory(t)) })
	t.Run("overdue instances", func(t *testing.T) { testOverdue(t, factory(t)) })
	t.Run("pending approvals", func(t *testing.T) { testApprovals(t, factory(t)) })
	RunJoins(t, func(t *testing.T) persistence.JoinRepository { return factory(t).JoinRepository() })
	RunStatistics(t, func(t *testing.T) persistence.StatisticsRepository { return factory(t).StatisticsRepository() })
}

// RunJoins executes the join barrier part of the suite.
func RunJoins(t *testing.T, factory func(t *testing.T) persistence.JoinRepository) {
	t.Helper()

	t.Run("join releases once", func(t *testing.T) { testJoinReleasesOnce(t, factory(t)) })
	t.Run("join concurrent arrivals", func(t *testing.T) { testJoinConcurrentArrivals(t, factory(t)) })
	t.Run("join failure policies", func(t *testing.T) { testJoinFailure(t, factory(t)) })
}

// RunStatistics executes the statistics part of the suite.
func RunStatistics(t *testing.T, factory func(t *testing.T) persistence.StatisticsRepository) {
	t.Helper()

	t.Run("statistics increments", func(t *testing.T) { testStatistics(t, factory(t)) })
}

func testDefinitions(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	repo := p.DefinitionRepository()

	_, err := repo.GetByID(ctx, "missing")
	require.Error(t, err)
	assert.True(t, persistence.IsWorkflowNotFound(err))

	first := testutil.LinearTaskDefinition()
	first.Name = "Beta"
	require.NoError(t, repo.Save(ctx, first))

	second := testutil.NewDefinition("Alpha").With(testutil.WithDraftStatus()).Build()
	require.NoError(t, repo.Save(ctx, second))

	loaded, err := repo.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Name, loaded.Name)
	assert.Len(t, loaded.Nodes, 3)
	assert.False(t, loaded.CreatedAt.IsZero())

	result, err := repo.List(ctx, persistence.ListDefinitionsOptions{SortBy: "name", SortOrder: "asc"})
	require.NoError(t, err)
	require.Len(t, result.Definitions, 2)
	assert.Equal(t, "Alpha", result.Definitions[0].Name)
	assert.Equal(t, int64(2), result.TotalCount)

	drafts, err := repo.List(ctx, persistence.ListDefinitionsOptions{Status: models.DefinitionStatusDraft})
	require.NoError(t, err)
	require.Len(t, drafts.Definitions, 1)
	assert.Equal(t, second.ID, drafts.Definitions[0].ID)

	_, err = repo.List(ctx, persistence.ListDefinitionsOptions{SortBy: "name; DROP TABLE workflows"})
	assert.True(t, persistence.IsInvalidSortField(err))

	require.NoError(t, repo.Delete(ctx, first.ID))

	_, err = repo.GetByID(ctx, first.ID)
	assert.True(t, persistence.IsWorkflowNotFound(err))
}

// NewInstance returns a started instance of a definition for storage tests.
func NewInstance(definitionID, initiatedBy string) *models.WorkflowInstance {
	now := time.Now().UTC().Truncate(time.Millisecond)

	instance := &models.WorkflowInstance{
		ID:                uuid.NewString(),
		DefinitionID:      definitionID,
		DefinitionVersion: 1,
		Title:             "Purchase order",
		Context:           map[string]any{"vendor": "ACME"},
		Priority:          models.PriorityNormal,
		InitiatedBy:       initiatedBy,
		CreatedAt:         now,
		InstanceState:     models.NewInstanceState(),
	}

	instance.Record(models.HistoryEntry{
		NodeID:    "A",
		Action:    models.ActionStart,
		Timestamp: now,
		Actor:     initiatedBy,
		Assignee:  "alice",
	})

	return instance
}

func testInstanceVersions(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	repo := p.InstanceRepository()

	_, err := repo.GetByID(ctx, "missing")
	assert.True(t, persistence.IsInstanceNotFound(err))

	instance := NewInstance("def-1", "bob")
	require.NoError(t, repo.Create(ctx, instance))
	assert.Equal(t, int64(1), instance.Version)

	err = repo.Create(ctx, instance)
	assert.ErrorIs(t, err, persistence.ErrInstanceAlreadyExists)

	first, err := repo.GetByID(ctx, instance.ID)
	require.NoError(t, err)

	second, err := repo.GetByID(ctx, instance.ID)
	require.NoError(t, err)

	first.Record(models.HistoryEntry{NodeID: "A", Action: models.ActionComplete, Timestamp: time.Now().UTC(), Actor: "alice"})
	require.NoError(t, repo.Update(ctx, first, 1))
	assert.Equal(t, int64(2), first.Version)

	second.Record(models.HistoryEntry{NodeID: "A", Action: models.ActionSkip, Timestamp: time.Now().UTC(), Actor: "alice"})
	err = repo.Update(ctx, second, 1)
	require.Error(t, err)
	assert.True(t, persistence.IsConcurrentModification(err))

	reloaded, err := repo.GetByID(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), reloaded.Version)
	require.Len(t, reloaded.History, 2)
	assert.Equal(t, models.ActionComplete, reloaded.History[1].Action)

	reloaded.Record(models.HistoryEntry{NodeID: "A", Action: models.ActionSkip, Timestamp: time.Now().UTC(), Actor: "alice"})
	require.NoError(t, repo.Update(ctx, reloaded, reloaded.Version))
	assert.Equal(t, int64(3), reloaded.Version)

	err = repo.Update(ctx, NewInstance("def-1", "bob"), 1)
	assert.True(t, persistence.IsInstanceNotFound(err))
}

func testInstanceListing(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	repo := p.InstanceRepository()

	running := NewInstance("def-1", "bob")
	running.Title = "Laptop request"
	require.NoError(t, repo.Create(ctx, running))

	urgent := NewInstance("def-1", "carol")
	urgent.Priority = models.PriorityUrgent
	require.NoError(t, repo.Create(ctx, urgent))

	gated := NewInstance("def-2", "carol")
	gated.Record(models.HistoryEntry{
		NodeID:    "G",
		Action:    models.ActionApprovalRequested,
		Timestamp: time.Now().UTC(),
		Approval: &models.ApprovalRequest{
			ID:        uuid.NewString(),
			NodeID:    "G",
			Approvers: []string{"dave"},
			Status:    models.ApprovalStatusPending,
		},
	})
	require.NoError(t, repo.Create(ctx, gated))

	cancelled := NewInstance("def-2", "bob")
	cancelled.Record(models.HistoryEntry{NodeID: "A", Action: models.ActionCancel, Timestamp: time.Now().UTC(), Actor: "bob"})
	require.NoError(t, repo.Create(ctx, cancelled))

	tests := []struct {
		name     string
		opts     persistence.ListInstancesOptions
		expected []string
	}{
		{name: "by definition", opts: persistence.ListInstancesOptions{DefinitionID: "def-2"}, expected: []string{gated.ID, cancelled.ID}},
		{name: "by status", opts: persistence.ListInstancesOptions{Statuses: []models.InstanceStatus{models.InstanceStatusWaitingApproval}}, expected: []string{gated.ID}},
		{name: "by initiator", opts: persistence.ListInstancesOptions{InitiatedBy: "bob"}, expected: []string{running.ID, cancelled.ID}},
		{name: "by priority", opts: persistence.ListInstancesOptions{Priority: models.PriorityUrgent}, expected: []string{urgent.ID}},
		{name: "by text", opts: persistence.ListInstancesOptions{Text: "laptop"}, expected: []string{running.ID}},
		{name: "by context text", opts: persistence.ListInstancesOptions{Text: "acme", DefinitionID: "def-1"}, expected: []string{running.ID, urgent.ID}},
		{name: "eligible approver is a participant", opts: persistence.ListInstancesOptions{Participant: "dave"}, expected: []string{gated.ID}},
		{name: "assignee is a participant", opts: persistence.ListInstancesOptions{Participant: "alice"}, expected: []string{running.ID, urgent.ID, gated.ID, cancelled.ID}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := repo.List(ctx, tt.opts)
			require.NoError(t, err)

			ids := make([]string, len(result.Instances))
			for index, instance := range result.Instances {
				ids[index] = instance.ID
			}

			assert.ElementsMatch(t, tt.expected, ids)
			assert.Equal(t, int64(len(tt.expected)), result.TotalCount)
		})
	}

	all, err := repo.List(ctx, persistence.ListInstancesOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), all.StatusCounts[models.InstanceStatusRunning])
	assert.Equal(t, int64(1), all.StatusCounts[models.InstanceStatusWaitingApproval])
	assert.Equal(t, int64(1), all.StatusCounts[models.InstanceStatusCancelled])

	page, err := repo.List(ctx, persistence.ListInstancesOptions{Limit: 3, SortBy: "priority", SortOrder: "desc"})
	require.NoError(t, err)
	require.Len(t, page.Instances, 3)
	assert.True(t, page.HasNextPage)
	assert.Equal(t, urgent.ID, page.Instances[0].ID)

	count, err := repo.CountByDefinition(ctx, "def-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func testOverdue(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	repo := p.InstanceRepository()
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	late := NewInstance("def-1", "bob")
	late.Record(models.HistoryEntry{
		NodeID:    "G",
		Action:    models.ActionApprovalRequested,
		Timestamp: now,
		Approval: &models.ApprovalRequest{
			ID:        uuid.NewString(),
			NodeID:    "G",
			Approvers: []string{"dave"},
			Status:    models.ApprovalStatusPending,
			DueAt:     &past,
		},
	})
	require.NoError(t, repo.Create(ctx, late))

	onTime := NewInstance("def-1", "bob")
	onTime.Deadline = &future
	require.NoError(t, repo.Create(ctx, onTime))

	finished := NewInstance("def-1", "bob")
	finished.Deadline = &past
	finished.Record(models.HistoryEntry{NodeID: "end", Action: models.ActionEnd, Timestamp: now})
	require.NoError(t, repo.Create(ctx, finished))

	overdue, err := repo.Overdue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, late.ID, overdue[0].ID)
}

func testApprovals(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	repo := p.ApprovalRepository()
	now := time.Now().UTC().Truncate(time.Millisecond)

	older := &models.ApprovalRequest{
		ID: uuid.NewString(), InstanceID: "i-1", NodeID: "G", Approvers: []string{"A", "B"},
		ApprovalType: models.ApprovalTypeAll, Status: models.ApprovalStatusPending, CreatedAt: now.Add(-time.Hour),
		Responses: []models.ApprovalResponse{},
	}
	newer := &models.ApprovalRequest{
		ID: uuid.NewString(), InstanceID: "i-2", NodeID: "G", Approvers: []string{"A"},
		ApprovalType: models.ApprovalTypeAny, Status: models.ApprovalStatusPending, CreatedAt: now,
		Responses: []models.ApprovalResponse{},
	}
	answered := &models.ApprovalRequest{
		ID: uuid.NewString(), InstanceID: "i-3", NodeID: "G", Approvers: []string{"A", "C"},
		ApprovalType: models.ApprovalTypeAll, Status: models.ApprovalStatusPending, CreatedAt: now,
		Responses: []models.ApprovalResponse{{Approver: "A", Decision: models.DecisionApprove, Timestamp: now}},
	}

	for _, request := range []*models.ApprovalRequest{newer, older, answered} {
		require.NoError(t, repo.Save(ctx, request))
	}

	pending, err := repo.Pending(ctx, "A")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, older.ID, pending[0].ID)
	assert.Equal(t, newer.ID, pending[1].ID)

	older.Status = models.ApprovalStatusExpired
	require.NoError(t, repo.Save(ctx, older))

	pending, err = repo.Pending(ctx, "B")
	require.NoError(t, err)
	assert.Empty(t, pending)

	byInstance, err := repo.ListByInstance(ctx, "i-1")
	require.NoError(t, err)
	require.Len(t, byInstance, 1)
	assert.Equal(t, models.ApprovalStatusExpired, byInstance[0].Status)
}

// NewJoin returns a join expecting the tokens.
func NewJoin(policy models.JoinPolicy, tokens ...string) *models.BranchJoin {
	return &models.BranchJoin{
		ID:             uuid.NewString(),
		InstanceID:     "instance-" + uuid.NewString(),
		ParallelNodeID: "P",
		Expected:       tokens,
		Arrived:        []string{},
		Failed:         []string{},
		Policy:         policy,
		CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
	}
}

func testJoinReleasesOnce(t *testing.T, repo persistence.JoinRepository) {
	ctx := t.Context()
	join := NewJoin(models.JoinPolicyFailFast, "P", "Q")

	require.NoError(t, repo.Create(ctx, join))
	require.NoError(t, repo.Create(ctx, join), "create is idempotent")

	result, err := repo.Arrive(ctx, join.ID, "P")
	require.NoError(t, err)
	assert.Equal(t, models.JoinWaiting, result)

	result, err = repo.Arrive(ctx, join.ID, "P")
	require.NoError(t, err)
	assert.Equal(t, models.JoinWaiting, result, "duplicate arrival is a no-op")

	result, err = repo.Arrive(ctx, join.ID, "Q")
	require.NoError(t, err)
	assert.Equal(t, models.JoinReleased, result)

	result, err = repo.Arrive(ctx, join.ID, "Q")
	require.NoError(t, err)
	assert.Equal(t, models.JoinReleased, result, "the releasing token sees the release again")

	result, err = repo.Arrive(ctx, join.ID, "P")
	require.NoError(t, err)
	assert.Equal(t, models.JoinIgnored, result)

	result, err = repo.Arrive(ctx, join.ID, "stranger")
	require.NoError(t, err)
	assert.Equal(t, models.JoinIgnored, result)

	stored, err := repo.Get(ctx, join.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"P", "Q"}, stored.Arrived)
	assert.True(t, stored.Released)
	assert.Equal(t, "Q", stored.SettledBy)

	require.NoError(t, repo.DeleteByInstance(ctx, join.InstanceID))

	_, err = repo.Arrive(ctx, join.ID, "P")
	assert.True(t, persistence.IsJoinNotFound(err))
}

func testJoinConcurrentArrivals(t *testing.T, repo persistence.JoinRepository) {
	ctx := t.Context()
	tokens := []string{"b1", "b2", "b3", "b4", "b5", "b6", "b7", "b8"}
	join := NewJoin(models.JoinPolicyFailFast, tokens...)

	require.NoError(t, repo.Create(ctx, join))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		released int
	)

	for _, token := range append(tokens, tokens...) {
		wg.Add(1)

		go func(token string) {
			defer wg.Done()

			result, err := repo.Arrive(ctx, join.ID, token)
			assert.NoError(t, err)

			if result == models.JoinReleased {
				mu.Lock()
				released++
				mu.Unlock()
			}
		}(token)
	}

	wg.Wait()

	stored, err := repo.Get(ctx, join.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Arrived, len(tokens))
	assert.True(t, stored.Released)
	// The releasing token may observe the release twice when both of its calls land after the last arrival.
	assert.GreaterOrEqual(t, released, 1)
	assert.LessOrEqual(t, released, 2)
}

func testJoinFailure(t *testing.T, repo persistence.JoinRepository) {
	ctx := t.Context()

	failFast := NewJoin(models.JoinPolicyFailFast, "P", "Q")
	require.NoError(t, repo.Create(ctx, failFast))

	result, err := repo.Fail(ctx, failFast.ID, "P")
	require.NoError(t, err)
	assert.Equal(t, models.JoinFailed, result)

	result, err = repo.Arrive(ctx, failFast.ID, "Q")
	require.NoError(t, err)
	assert.Equal(t, models.JoinIgnored, result)

	waitAll := NewJoin(models.JoinPolicyWaitAll, "P", "Q")
	require.NoError(t, repo.Create(ctx, waitAll))

	result, err = repo.Fail(ctx, waitAll.ID, "P")
	require.NoError(t, err)
	assert.Equal(t, models.JoinWaiting, result)

	result, err = repo.Arrive(ctx, waitAll.ID, "Q")
	require.NoError(t, err)
	assert.Equal(t, models.JoinFailed, result)

	require.NoError(t, repo.Delete(ctx, waitAll.ID))

	_, err = repo.Get(ctx, waitAll.ID)
	assert.True(t, persistence.IsJoinNotFound(err))
}

func testStatistics(t *testing.T, repo persistence.StatisticsRepository) {
	ctx := t.Context()
	definitionID := uuid.NewString()

	empty, err := repo.Get(ctx, definitionID)
	require.NoError(t, err)
	assert.Equal(t, models.Statistics{}, empty)

	var wg sync.WaitGroup

	for range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			assert.NoError(t, repo.Increment(ctx, definitionID, models.StatisticsDelta{Started: 1}))
		}()
	}

	wg.Wait()

	require.NoError(t, repo.Increment(ctx, definitionID, models.StatisticsDelta{Completed: 1, DurationMs: 3000}))
	require.NoError(t, repo.Increment(ctx, definitionID, models.StatisticsDelta{Completed: 1, DurationMs: 1000}))
	require.NoError(t, repo.Increment(ctx, definitionID, models.StatisticsDelta{Failed: 1, Cancelled: 1, TimedOut: 1}))

	stats, err := repo.Get(ctx, definitionID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), stats.Started)
	assert.Equal(t, int64(2), stats.Completed)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Cancelled)
	assert.Equal(t, int64(1), stats.TimedOut)
	assert.Equal(t, int64(2000), stats.AverageDurationMs())
}
