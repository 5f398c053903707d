// Package engine advances workflow instances through their definition graph.
//
// Every entry point reads one instance, advances it inside a Tx, commits exactly one
// versioned write and then runs the post-commit effects: audit records, approval
// read-model updates, notifications, join cleanup, statistics, domain events and
// branch dispatch. Effects never undo a committed write.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/procflow/pkg/audit"
	"github.com/dukex/procflow/pkg/eventbus"
	"github.com/dukex/procflow/pkg/events"
	"github.com/dukex/procflow/pkg/integrations"
	"github.com/dukex/procflow/pkg/join"
	"github.com/dukex/procflow/pkg/metrics"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/otelhelper"
	"github.com/dukex/procflow/pkg/persistence"
	"github.com/dukex/procflow/pkg/protocol"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultMaxSteps     = 1000
	defaultMaxConflicts = 10
)

// Collaborators are the outward services the engine calls. Nil members get
// in-process defaults.
type Collaborators struct {
	Tasks      protocol.TaskCollaborator
	Notifier   protocol.Notifier
	Integrator protocol.Integrator
	Auditor    protocol.Auditor
	Directory  protocol.Directory
}

type Engine struct {
	definitions persistence.DefinitionRepository
	instances   persistence.InstanceRepository
	approvals   persistence.ApprovalRepository
	joins       *join.Coordinator
	recorder    *audit.Recorder

	tasks      protocol.TaskCollaborator
	notifier   protocol.Notifier
	integrator protocol.Integrator
	directory  protocol.Directory

	publisher  eventbus.EventPublisher
	dispatcher Dispatcher
	metrics    *metrics.Collector
	tracer     trace.Tracer
	logger     *slog.Logger
	clock      func() time.Time

	maxSteps     int
	maxConflicts uint64
}

type Option func(*Engine)

func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = collector }
}

// WithPublisher publishes lifecycle and approval events.
func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(e *Engine) { e.publisher = publisher }
}

func WithDispatcher(dispatcher Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = dispatcher }
}

// WithMaxSteps bounds the nodes one invocation may enter, which stops cycles
// that never suspend.
func WithMaxSteps(steps int) Option {
	return func(e *Engine) { e.maxSteps = steps }
}

func New(p persistence.Persistence, collaborators Collaborators, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		definitions:  p.DefinitionRepository(),
		instances:    p.InstanceRepository(),
		approvals:    p.ApprovalRepository(),
		tasks:        collaborators.Tasks,
		notifier:     collaborators.Notifier,
		integrator:   collaborators.Integrator,
		directory:    collaborators.Directory,
		logger:       logger.With("module", "engine"),
		clock:        func() time.Time { return time.Now().UTC() },
		tracer:       otel.Tracer("procflow/engine"),
		maxSteps:     defaultMaxSteps,
		maxConflicts: defaultMaxConflicts,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.tasks == nil {
		e.tasks = correlatedTasks{}
	}

	if e.notifier == nil {
		e.notifier = logNotifier{logger: e.logger}
	}

	if e.integrator == nil {
		e.integrator = integrations.NewRegistry(logger, e.notifier)
	}

	if e.directory == nil {
		e.directory = protocol.NewStaticDirectory(nil)
	}

	if e.dispatcher == nil {
		e.dispatcher = NewLocalDispatcher()
	}

	if binder, ok := e.dispatcher.(interface{ Bind(runner BranchRunner) }); ok {
		binder.Bind(e)
	}

	e.joins = join.NewCoordinator(p.JoinRepository(), logger, e.metrics)
	e.recorder = audit.NewRecorder(collaborators.Auditor, p.StatisticsRepository(), logger)

	return e
}

// Result is the committed instance and what the invocation appended to its history.
type Result struct {
	Instance *models.WorkflowInstance
	Entries  []models.HistoryEntry
	Branches []BranchTask
}

// Start records START at the node the start node leads to, runs until the instance
// suspends or finishes, and creates it at version 1. The instance carries its
// initial Variables and AssignedTo; its history must be empty.
func (e *Engine) Start(ctx context.Context, def *models.WorkflowDefinition, instance *models.WorkflowInstance) (*Result, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.start",
		attribute.String(otelhelper.DefinitionIDKey, def.ID),
		attribute.String(otelhelper.InstanceIDKey, instance.ID),
	)
	defer span.End()
	defer e.metrics.ObserveOperation("start", time.Now())

	if len(instance.History) > 0 {
		return nil, fmt.Errorf("%w: instance %s already started", ErrInvalidActionForState, instance.ID)
	}

	start := def.StartNode()
	if start == nil || len(def.Outgoing(start.ID)) == 0 {
		return nil, fmt.Errorf("%w: definition %s has no start edge", ErrNodeNotFound, def.ID)
	}

	first := def.Outgoing(start.ID)[0]
	now := e.clock()

	if instance.ID == "" {
		instance.ID = uuid.NewString()
	}

	variables := instance.Variables
	assignee := instance.AssignedTo

	instance.DefinitionID = def.ID
	instance.DefinitionVersion = def.Version
	instance.InstanceState = models.NewInstanceState()
	instance.CreatedAt = now
	instance.UpdatedAt = now

	if instance.Priority == "" {
		instance.Priority = models.PriorityNormal
	}

	tx := newTx(def, instance, instance.InitiatedBy, now)
	tx.created = true

	entry := models.HistoryEntry{
		NodeID:    first.Target,
		Action:    models.ActionStart,
		Variables: variables,
		Assignee:  assignee,
	}

	if def.Settings.TimeoutMinutes > 0 {
		due := now.Add(time.Duration(def.Settings.TimeoutMinutes) * time.Minute)
		entry.DueAt = &due
	}

	tx.Record(entry)

	tx.publish(e.publisher, events.InstanceStarted{
		BaseEvent:   events.NewBaseEvent(events.InstanceStartedEvent, def.ID, instance.ID),
		Title:       instance.Title,
		InitiatedBy: instance.InitiatedBy,
		Priority:    instance.Priority,
	})

	if def.Settings.NotifyOnStart {
		e.queueNotification(tx, "instance_started", []string{instance.InitiatedBy}, nil)
	}

	err := e.Advance(ctx, tx, Position{NodeID: first.Target})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	result, err := e.commit(ctx, tx)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	e.metrics.InstanceStarted(def.ID)

	return result, nil
}

// RunBranch follows the edge a fork assigned to the branch. Conflicting writes are
// retried from a fresh read; a branch whose token is gone is a no-op.
func (e *Engine) RunBranch(ctx context.Context, task BranchTask) error {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.run_branch",
		attribute.String(otelhelper.InstanceIDKey, task.InstanceID),
		attribute.String(otelhelper.BranchKey, task.Branch),
	)
	defer span.End()
	defer e.metrics.ObserveOperation("run_branch", time.Now())

	err := e.retryConflicts(ctx, func() error {
		return e.runBranchOnce(ctx, task)
	})
	if err != nil {
		otelhelper.SetError(span, err)
		e.logger.ErrorContext(ctx, "branch failed to advance", "instance_id", task.InstanceID, "branch", task.Branch, "error", err)
	}

	return err
}

func (e *Engine) runBranchOnce(ctx context.Context, task BranchTask) error {
	instance, err := e.instances.GetByID(ctx, task.InstanceID)
	if err != nil {
		if persistence.IsInstanceNotFound(err) {
			return nil
		}

		return err
	}

	branch := instance.Branches[task.Branch]
	if instance.Status.IsTerminal() || branch == nil {
		return nil
	}

	origin := Position{NodeID: branch.ParallelNodeID, Branch: task.Branch}
	if !instance.HasToken(origin.token()) {
		return nil
	}

	def, err := e.definitions.GetByID(ctx, instance.DefinitionID)
	if err != nil {
		return err
	}

	tx := newTx(def, instance, models.SystemActor, e.clock())

	edge := def.EdgeByID(branch.EdgeID)
	if edge == nil {
		err = e.fail(ctx, tx, origin, Fail{
			Kind:    models.ErrorKindInvalidGraph,
			Message: fmt.Sprintf("branch edge %s does not exist", branch.EdgeID),
		})
	} else {
		err = e.Advance(ctx, tx, e.follow(tx, origin, edge))
	}

	if err != nil {
		return err
	}

	e.queueNext(tx)

	_, err = e.commit(ctx, tx)

	return err
}

// Redispatch hands the branches of an instance that never left their parallel
// node back to the dispatcher and returns how many it sent. A definition that runs
// branches one at a time gets only the first. Running a branch is idempotent, so a
// branch already in flight is at worst run twice.
func (e *Engine) Redispatch(ctx context.Context, instanceID string) (int, error) {
	instance, err := e.instances.GetByID(ctx, instanceID)
	if err != nil {
		return 0, err
	}

	if instance.Status.IsTerminal() {
		return 0, nil
	}

	pending := instance.PendingBranches()
	if len(pending) == 0 {
		return 0, nil
	}

	def, err := e.definitions.GetByID(ctx, instance.DefinitionID)
	if err != nil {
		return 0, err
	}

	if !def.Settings.AllowParallel {
		pending = pending[:1]
	}

	tasks := make([]BranchTask, 0, len(pending))
	for _, token := range pending {
		tasks = append(tasks, BranchTask{InstanceID: instance.ID, Branch: token})
	}

	if err := e.dispatcher.Dispatch(ctx, tasks...); err != nil {
		return 0, fmt.Errorf("failed to redispatch branches: %w", err)
	}

	e.logger.InfoContext(ctx, "redispatched pending branches", "instance_id", instance.ID, "branches", len(tasks))

	return len(tasks), nil
}

// Timeout applies the expired instance deadline or the expired approval gates of an
// instance. It returns ErrNothingDue when nothing expired.
func (e *Engine) Timeout(ctx context.Context, instanceID string) (*Result, error) {
	var result *Result

	err := e.retryConflicts(ctx, func() error {
		instance, err := e.instances.GetByID(ctx, instanceID)
		if err != nil {
			return err
		}

		def, err := e.definitions.GetByID(ctx, instance.DefinitionID)
		if err != nil {
			return err
		}

		result, err = e.Apply(ctx, def, instance, Action{
			Type:  ActionTimeout,
			Actor: models.Actor{ID: models.SystemActor},
		})

		return err
	})

	return result, err
}

func (e *Engine) retryConflicts(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxInterval = 200 * time.Millisecond

	return backoff.Retry(func() error {
		err := op()
		if err == nil || persistence.IsConcurrentModification(err) {
			return err
		}

		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, e.maxConflicts), ctx))
}

// Advance runs the step loop from pos until every token it owns suspended, forked,
// failed or finished.
func (e *Engine) Advance(ctx context.Context, tx *Tx, pos Position) error {
	for {
		if tx.Instance.Status.IsTerminal() {
			return nil
		}

		if tx.step() > e.maxSteps {
			return e.fail(ctx, tx, pos, Fail{
				Kind:    models.ErrorKindInvalidGraph,
				Message: fmt.Sprintf("step limit of %d reached at node %s", e.maxSteps, pos.NodeID),
			})
		}

		node := tx.Definition.NodeByID(pos.NodeID)
		if node == nil {
			return e.fail(ctx, tx, pos, Fail{
				Kind:    models.ErrorKindInvalidGraph,
				Message: fmt.Sprintf("node %s does not exist", pos.NodeID),
			})
		}

		handler := handlerFor(node.Kind)
		if handler == nil {
			return e.fail(ctx, tx, pos, Fail{
				Kind:    models.ErrorKindInvalidGraph,
				Message: fmt.Sprintf("node %s has unknown kind %q", node.ID, node.Kind),
			})
		}

		e.metrics.NodeEntered(string(node.Kind))

		decision, err := handler(ctx, e, tx, node, pos)
		if err != nil {
			return err
		}

		next, err := e.decide(ctx, tx, node, pos, decision)
		if err != nil || next == nil {
			return err
		}

		pos = *next
	}
}

// decide applies a handler decision and returns the next position to enter, if any.
func (e *Engine) decide(ctx context.Context, tx *Tx, node *models.Node, pos Position, decision Decision) (*Position, error) {
	switch d := decision.(type) {
	case Goto:
		next := e.follow(tx, pos, d.Edge)

		return &next, nil
	case Suspend:
		return nil, nil
	case Fork:
		return nil, e.fork(tx, node, pos, d.Edges)
	case Arrive:
		return e.arrive(ctx, tx, node, pos)
	case Complete:
		tx.Record(models.HistoryEntry{NodeID: node.ID, Action: models.ActionEnd, Actor: models.SystemActor})
		e.finish(tx)

		return nil, nil
	case Fail:
		return nil, e.fail(ctx, tx, pos, d)
	default:
		return nil, fmt.Errorf("node %s returned unsupported decision %T", node.ID, decision)
	}
}

// follow moves the token at pos along edge.
func (e *Engine) follow(tx *Tx, pos Position, edge *models.Edge) Position {
	tx.Record(models.HistoryEntry{
		NodeID: edge.Target,
		Action: models.ActionAdvance,
		From:   pos.NodeID,
		Branch: pos.Branch,
	})

	return Position{NodeID: edge.Target, Branch: pos.Branch}
}
