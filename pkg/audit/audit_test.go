package audit

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/procflow/pkg/events"
	"github.com/dukex/procflow/pkg/mocks"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func finishedInstance(status models.InstanceStatus, duration time.Duration) *models.WorkflowInstance {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	completed := created.Add(duration)

	instance := &models.WorkflowInstance{ID: "inst-1", DefinitionID: "def-1", CreatedAt: created}
	instance.Status = status
	instance.CompletedAt = &completed

	return instance
}

func TestFinishedDelta(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status models.InstanceStatus
		want   models.StatisticsDelta
		ok     bool
	}{
		{models.InstanceStatusCompleted, models.StatisticsDelta{Completed: 1, DurationMs: 90_000}, true},
		{models.InstanceStatusFailed, models.StatisticsDelta{Failed: 1}, true},
		{models.InstanceStatusCancelled, models.StatisticsDelta{Cancelled: 1}, true},
		{models.InstanceStatusTimedOut, models.StatisticsDelta{TimedOut: 1}, true},
		{models.InstanceStatusRunning, models.StatisticsDelta{}, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			t.Parallel()

			delta, ok := FinishedDelta(finishedInstance(tt.status, 90*time.Second))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, delta)
		})
	}
}

func TestRecorder_Statistics(t *testing.T) {
	t.Parallel()

	stats := memory.NewPersistence().StatisticsRepository()
	recorder := NewRecorder(nil, stats, slog.Default())

	require.NoError(t, recorder.Started(t.Context(), "def-1"))
	require.NoError(t, recorder.Started(t.Context(), "def-1"))
	require.NoError(t, recorder.Finished(t.Context(), finishedInstance(models.InstanceStatusCompleted, 2*time.Second)))
	require.NoError(t, recorder.Finished(t.Context(), finishedInstance(models.InstanceStatusFailed, time.Second)))
	require.NoError(t, recorder.Finished(t.Context(), finishedInstance(models.InstanceStatusRunning, 0)))

	got, err := stats.Get(t.Context(), "def-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Started)
	assert.Equal(t, int64(1), got.Completed)
	assert.Equal(t, int64(1), got.Failed)
	assert.Equal(t, int64(2000), got.AverageDurationMs())
}

func TestRecorder_EntriesJoinsErrors(t *testing.T) {
	t.Parallel()

	auditor := &mocks.MockAuditor{}
	auditor.On("Record", mock.Anything, "inst-1", mock.MatchedBy(func(e models.HistoryEntry) bool { return e.Seq == 1 })).Return(nil)
	auditor.On("Record", mock.Anything, "inst-1", mock.MatchedBy(func(e models.HistoryEntry) bool { return e.Seq == 2 })).Return(errors.New("audit store down"))

	recorder := NewRecorder(auditor, memory.NewPersistence().StatisticsRepository(), slog.Default())

	err := recorder.Entries(t.Context(), "inst-1", []models.HistoryEntry{
		{Seq: 1, NodeID: "A", Action: models.ActionStart},
		{Seq: 2, NodeID: "A", Action: models.ActionComplete},
	})
	require.EqualError(t, err, "audit store down")
	auditor.AssertNumberOfCalls(t, "Record", 2)
}

func TestEventAuditor_Publishes(t *testing.T) {
	t.Parallel()

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, "inst-1", mock.MatchedBy(func(e events.HistoryAppended) bool {
		return e.InstanceID == "inst-1" && e.Entry.Action == models.ActionApprove
	})).Return(nil)

	err := NewEventAuditor(bus).Record(t.Context(), "inst-1", models.HistoryEntry{Seq: 4, NodeID: "G", Action: models.ActionApprove})
	require.NoError(t, err)
	bus.AssertExpectations(t)
}

func TestLogAuditor(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	auditor := NewLogAuditor(slog.New(slog.NewTextHandler(&buf, nil)))
	require.NoError(t, auditor.Record(t.Context(), "inst-1", models.HistoryEntry{
		Seq:    3,
		NodeID: "C",
		Action: models.ActionFail,
		Error:  &models.EntryError{Kind: models.ErrorKindNoMatchingEdge, Message: "no edge"},
	}))

	assert.Contains(t, buf.String(), "instance_id=inst-1")
	assert.Contains(t, buf.String(), "error_kind=NoMatchingEdge")
}

func TestFanout_RecordsOnEveryAuditor(t *testing.T) {
	t.Parallel()

	failing := &mocks.MockAuditor{}
	failing.On("Record", mock.Anything, "inst-1", mock.Anything).Return(errors.New("bus down"))

	var buf bytes.Buffer

	auditor := Fanout{failing, NewLogAuditor(slog.New(slog.NewTextHandler(&buf, nil)))}

	err := auditor.Record(t.Context(), "inst-1", models.HistoryEntry{Seq: 1, NodeID: "start", Action: models.ActionStart})
	require.EqualError(t, err, "bus down")
	assert.Contains(t, buf.String(), "action=START")
	failing.AssertExpectations(t)
}
