package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/procflow/pkg/channels/gochannel"
	"github.com/dukex/procflow/pkg/engine"
	"github.com/dukex/procflow/pkg/eventbus"
	"github.com/dukex/procflow/pkg/events"
	"github.com/dukex/procflow/pkg/mocks"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence"
	"github.com/dukex/procflow/pkg/persistence/memory"
	"github.com/dukex/procflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func startInstance(t *testing.T, store *memory.Persistence, eng *engine.Engine, def *models.WorkflowDefinition) *models.WorkflowInstance {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, store.DefinitionRepository().Save(ctx, def))

	result, err := eng.Start(ctx, def, &models.WorkflowInstance{Title: "Onboarding", InitiatedBy: "ivan"})
	require.NoError(t, err)

	return result.Instance
}

func TestEventDispatcher_PublishesOneEventPerTask(t *testing.T) {
	t.Parallel()

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, "inst-1", mock.MatchedBy(func(event events.BranchDispatched) bool {
		return event.InstanceID == "inst-1" && event.Type == events.BranchDispatchedEvent
	})).Return(nil).Twice()

	err := NewEventDispatcher(bus).Dispatch(context.Background(),
		engine.BranchTask{InstanceID: "inst-1", Branch: "b1"},
		engine.BranchTask{InstanceID: "inst-1", Branch: "b2"},
	)
	require.NoError(t, err)
	bus.AssertExpectations(t)
}

func TestEventDispatcher_PublishError(t *testing.T) {
	t.Parallel()

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, "inst-1", mock.Anything).Return(errors.New("broker down"))

	err := NewEventDispatcher(bus).Dispatch(context.Background(), engine.BranchTask{InstanceID: "inst-1", Branch: "b1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestBranchConsumer_RunsBranchesFromTheBus(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := testLogger()

	pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub, logger)
	defer func() { _ = bus.Close() }()

	store := memory.NewPersistence()
	eng := engine.New(store, engine.Collaborators{}, logger, engine.WithDispatcher(NewEventDispatcher(bus)))

	require.NoError(t, NewBranchConsumer(eng, logger).Register(bus))
	require.NoError(t, bus.Subscribe(ctx))

	def := testutil.ParallelDefinition("")
	instance := startInstance(t, store, eng, def)

	// Each branch task commits once when its token reaches the task node.
	assert.Eventually(t, func() bool {
		current, err := store.InstanceRepository().GetByID(ctx, instance.ID)

		return err == nil && current.Version >= instance.Version+2
	}, 5*time.Second, 10*time.Millisecond)

	for _, node := range []string{"B1", "B2"} {
		current, err := store.InstanceRepository().GetByID(ctx, instance.ID)
		require.NoError(t, err)

		_, err = eng.Apply(ctx, def, current, engine.Action{Type: engine.ActionComplete, NodeID: node, Actor: models.Actor{ID: "ivan"}})
		require.NoError(t, err)
	}

	current, err := store.InstanceRepository().GetByID(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"D"}, current.ActiveNodes())
}

type stubRunner struct {
	mu   sync.Mutex
	runs []engine.BranchTask
	err  error
}

func (r *stubRunner) RunBranch(_ context.Context, task engine.BranchTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.runs = append(r.runs, task)

	return r.err
}

func TestBranchConsumer_HandleBranchDispatched(t *testing.T) {
	t.Parallel()

	dispatched := &events.BranchDispatched{
		BaseEvent: events.NewBaseEvent(events.BranchDispatchedEvent, "", "inst-1"),
		Branch:    "b1",
	}

	tests := []struct {
		name    string
		event   any
		err     error
		runs    int
		wantErr bool
	}{
		{"runs the task", dispatched, nil, 1, false},
		{"ignores other events", "not-an-event", nil, 0, false},
		{"unknown instance is dropped", dispatched, persistence.ErrInstanceNotFound, 1, false},
		{"failures are redelivered", dispatched, errors.New("boom"), 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			runner := &stubRunner{err: tt.err}
			err := NewBranchConsumer(runner, testLogger()).handleBranchDispatched(context.Background(), tt.event)

			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			assert.Len(t, runner.runs, tt.runs)
		})
	}
}

func TestTimeoutSweeper_Sweep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	store := memory.NewPersistence()
	eng := engine.New(store, engine.Collaborators{}, testLogger(), engine.WithClock(clock.Now))

	def := testutil.LinearTaskDefinition()
	def.Settings.TimeoutMinutes = 5
	instance := startInstance(t, store, eng, def)

	sweeper := NewTimeoutSweeper(store.InstanceRepository(), eng, testLogger(), WithSweepClock(clock.Now))

	swept, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)

	clock.Advance(6 * time.Minute)

	swept, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	current, err := store.InstanceRepository().GetByID(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusTimedOut, current.Status)

	swept, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
}

func TestTimeoutSweeper_RecoverRedispatchesPendingBranches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	store := memory.NewPersistence()
	dispatcher := &engine.RecordingDispatcher{}
	eng := engine.New(store, engine.Collaborators{}, testLogger(), engine.WithClock(clock.Now), engine.WithDispatcher(dispatcher))

	instance := startInstance(t, store, eng, testutil.ParallelDefinition(""))
	require.Len(t, dispatcher.Take(), 2)

	sweeper := NewTimeoutSweeper(store.InstanceRepository(), eng, testLogger(),
		WithSweepClock(clock.Now), WithBranchRecovery(eng, 5*time.Minute))

	recovered, err := sweeper.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, recovered)
	assert.Empty(t, dispatcher.Tasks())

	clock.Advance(10 * time.Minute)

	recovered, err = sweeper.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)
	require.NoError(t, dispatcher.Drain(ctx, eng))

	current, err := store.InstanceRepository().GetByID(ctx, instance.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"B1", "B2"}, current.ActiveNodes())

	clock.Advance(10 * time.Minute)

	recovered, err = sweeper.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, recovered)
}

func TestTimeoutSweeper_RecoverIsOffByDefault(t *testing.T) {
	t.Parallel()

	sweeper := NewTimeoutSweeper(memory.NewPersistence().InstanceRepository(), failingTimeouts{}, testLogger())

	recovered, err := sweeper.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, recovered)
}

type failingTimeouts struct{}

func (failingTimeouts) Timeout(_ context.Context, _ string) (*engine.Result, error) {
	return nil, errors.New("store unavailable")
}

func TestTimeoutSweeper_CollectsErrors(t *testing.T) {
	t.Parallel()

	clock := &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	store := memory.NewPersistence()
	eng := engine.New(store, engine.Collaborators{}, testLogger(), engine.WithClock(clock.Now))

	def := testutil.LinearTaskDefinition()
	def.Settings.TimeoutMinutes = 1
	startInstance(t, store, eng, def)
	clock.Advance(time.Hour)

	sweeper := NewTimeoutSweeper(store.InstanceRepository(), failingTimeouts{}, testLogger(), WithSweepClock(clock.Now))

	swept, err := sweeper.Sweep(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, swept)
}

func TestTimeoutSweeper_Schedule(t *testing.T) {
	t.Parallel()

	sweeper := NewTimeoutSweeper(memory.NewPersistence().InstanceRepository(), failingTimeouts{}, testLogger())

	require.Error(t, sweeper.Start(context.Background(), "every tuesday"))
	require.NoError(t, sweeper.Start(context.Background(), "@every 1h"))
	sweeper.Stop()
	sweeper.Stop()
}
