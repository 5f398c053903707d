package engine

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/procflow/pkg/approval"
	"github.com/dukex/procflow/pkg/events"
	"github.com/dukex/procflow/pkg/expression"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/protocol"
	"github.com/dukex/procflow/pkg/template"
)

// handler runs when a token enters a node of its kind.
type handler func(ctx context.Context, e *Engine, tx *Tx, node *models.Node, pos Position) (Decision, error)

// handlerFor returns the handler of a node kind, or nil for kinds outside models.NodeKinds.
func handlerFor(kind models.NodeKind) handler {
	switch kind {
	case models.NodeKindStart:
		return enterStart
	case models.NodeKindTask:
		return enterTask
	case models.NodeKindApproval:
		return enterApproval
	case models.NodeKindCondition:
		return enterCondition
	case models.NodeKindParallel:
		return enterParallel
	case models.NodeKindMerge:
		return enterMerge
	case models.NodeKindNotification:
		return enterNotification
	case models.NodeKindIntegration:
		return enterIntegration
	case models.NodeKindEnd:
		return enterEnd
	default:
		return nil
	}
}

func enterStart(_ context.Context, _ *Engine, tx *Tx, node *models.Node, _ Position) (Decision, error) {
	edges := tx.Definition.Outgoing(node.ID)
	if len(edges) == 0 {
		return noEdge(node), nil
	}

	return Goto{Edge: edges[0]}, nil
}

func enterTask(ctx context.Context, e *Engine, tx *Tx, node *models.Node, pos Position) (Decision, error) {
	cfg, err := node.TaskConfig()
	if err != nil {
		return invalidConfig(err), nil
	}

	assignee := cfg.Assignee
	if assignee == "" {
		assignee = tx.Instance.AssignedTo
	}

	var assignees []string

	if assignee != "" {
		assignees, err = e.directory.Resolve(ctx, []string{assignee})
		if err != nil {
			return nil, fmt.Errorf("failed to resolve assignee of %s: %w", node.ID, err)
		}
	}

	title := cfg.Title
	if title == "" {
		title = node.Name
	}

	spec := protocol.TaskSpec{
		CorrelationID: correlationID(tx.Instance.ID, node.ID, pos.Branch, tx.Instance.Visits[node.ID]),
		InstanceID:    tx.Instance.ID,
		DefinitionID:  tx.Definition.ID,
		NodeID:        node.ID,
		Title:         title,
		Description:   cfg.Description,
		Assignees:     assignees,
		Form:          cfg.Form,
		Variables:     maps.Clone(tx.Instance.Variables),
	}

	if cfg.DueInMinutes > 0 {
		due := tx.Now.Add(time.Duration(cfg.DueInMinutes) * time.Minute)
		spec.DueAt = &due
	}

	taskID, err := e.tasks.CreateTask(ctx, spec)
	if err != nil {
		return Fail{
			Kind:    models.ErrorKindTaskFailure,
			Message: err.Error(),
			Details: map[string]any{"correlation_id": spec.CorrelationID},
		}, nil
	}

	if spec.DueAt != nil {
		tx.wait(models.TaskWait{NodeID: node.ID, Branch: pos.Branch, DueAt: *spec.DueAt})
	}

	tx.annotate(map[string]any{
		"task_id":        taskID,
		"correlation_id": spec.CorrelationID,
		"assignees":      assignees,
	})

	return Suspend{}, nil
}

func enterApproval(ctx context.Context, e *Engine, tx *Tx, node *models.Node, pos Position) (Decision, error) {
	cfg, err := node.ApprovalConfig()
	if err != nil {
		return invalidConfig(err), nil
	}

	approvers, err := e.directory.Resolve(ctx, cfg.Approvers)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve approvers of %s: %w", node.ID, err)
	}

	if len(approvers) == 0 {
		return Fail{
			Kind:    models.ErrorKindInvalidGraph,
			Message: fmt.Sprintf("approval node %s resolved to no approvers", node.ID),
			Details: map[string]any{"approvers": cfg.Approvers},
		}, nil
	}

	request := approval.NewRequest(cfg, approvers, tx.Now)
	request.ID = approvalID(tx.Instance.ID, node.ID, pos.Branch, tx.Instance.Visits[node.ID])
	request.InstanceID = tx.Instance.ID
	request.DefinitionID = tx.Definition.ID
	request.NodeID = node.ID
	request.Branch = pos.Branch

	tx.Record(models.HistoryEntry{
		NodeID:    node.ID,
		Action:    models.ActionApprovalRequested,
		Branch:    pos.Branch,
		Actor:     models.SystemActor,
		Approval:  request,
		Approvers: request.Approvers,
		DueAt:     request.DueAt,
	})
	tx.touchGate(node.ID)

	e.queueNotification(tx, "approval_requested", request.Approvers, map[string]any{
		"node_id":    node.ID,
		"request_id": request.ID,
		"due_at":     request.DueAt,
	})

	tx.publish(e.publisher, events.ApprovalRequested{
		BaseEvent: events.NewBaseEvent(events.ApprovalRequestedEvent, tx.Definition.ID, tx.Instance.ID),
		RequestID: request.ID,
		NodeID:    node.ID,
		Approvers: request.Approvers,
		DueAt:     request.DueAt,
	})

	return Suspend{}, nil
}

func enterCondition(_ context.Context, _ *Engine, tx *Tx, node *models.Node, _ Position) (Decision, error) {
	cfg, err := node.ConditionConfig()
	if err != nil {
		return invalidConfig(err), nil
	}

	vars := expressionVars(tx.Instance)

	program, err := expression.Compile(cfg.Expression)
	if err != nil {
		return conditionFailure(cfg.Expression, nil, vars, err), nil
	}

	ok, err := program.Evaluate(vars)
	if err != nil {
		return conditionFailure(cfg.Expression, program, vars, err), nil
	}

	label := LabelFalse
	if ok {
		label = LabelTrue
	}

	tx.annotate(map[string]any{"condition": label})

	edge := labelled(tx.Definition.Outgoing(node.ID), label)
	if edge == nil {
		return Fail{
			Kind:    models.ErrorKindNoMatchingEdge,
			Message: fmt.Sprintf("condition node %s has no %q edge", node.ID, label),
		}, nil
	}

	return Goto{Edge: edge}, nil
}

func enterParallel(_ context.Context, _ *Engine, tx *Tx, node *models.Node, _ Position) (Decision, error) {
	edges := tx.Definition.Outgoing(node.ID)
	if len(edges) == 0 {
		return noEdge(node), nil
	}

	return Fork{Edges: edges}, nil
}

func enterMerge(context.Context, *Engine, *Tx, *models.Node, Position) (Decision, error) {
	return Arrive{}, nil
}

func enterNotification(ctx context.Context, e *Engine, tx *Tx, node *models.Node, pos Position) (Decision, error) {
	cfg, err := node.NotificationConfig()
	if err != nil {
		return invalidConfig(err), nil
	}

	data := template.InstanceData(instanceContext(tx, node, pos))
	sent := make([]any, 0, len(cfg.Messages))

	for _, message := range cfg.Messages {
		recipients, err := e.directory.Resolve(ctx, message.Recipients)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve recipients of %s: %w", node.ID, err)
		}

		payload, err := template.RenderMap(message.Payload, data)
		if err != nil {
			if cfg.FailOnError {
				return notificationFailure(message, err), nil
			}

			e.logger.WarnContext(ctx, "sending notification with unrendered payload",
				"instance_id", tx.Instance.ID, "node_id", node.ID, "error", err)

			payload = maps.Clone(message.Payload)
		}

		if payload == nil {
			payload = make(map[string]any, 1)
		}

		if message.Template != "" {
			payload["template"] = message.Template
		}

		if cfg.FailOnError {
			err = e.notifier.Send(ctx, message.Type, recipients, notificationBody(tx, payload))
			if err != nil {
				return notificationFailure(message, err), nil
			}
		} else {
			e.queueNotification(tx, message.Type, recipients, payload)
		}

		sent = append(sent, map[string]any{"type": message.Type, "recipients": recipients})
	}

	tx.Record(models.HistoryEntry{
		NodeID:  node.ID,
		Action:  models.ActionNotify,
		Branch:  pos.Branch,
		Actor:   models.SystemActor,
		Details: map[string]any{"messages": sent},
	})

	return outgoing(tx, node), nil
}

func enterIntegration(ctx context.Context, e *Engine, tx *Tx, node *models.Node, pos Position) (Decision, error) {
	cfg, err := node.IntegrationConfig()
	if err != nil {
		return invalidConfig(err), nil
	}

	instance := instanceContext(tx, node, pos)

	for index, spec := range cfg.Integrations {
		name := spec.Name
		if name == "" {
			name = fmt.Sprintf("%s-%d", spec.Kind, index)
		}

		attempts := 0

		err := backoff.RetryNotify(func() error {
			attempts++

			return e.integrator.Invoke(ctx, spec.Kind, spec.Config, instance)
		}, backoff.WithContext(retryPolicy(tx.Definition.Settings), ctx), func(err error, wait time.Duration) {
			tx.Record(models.HistoryEntry{
				NodeID: node.ID,
				Action: models.ActionRetry,
				Branch: pos.Branch,
				Actor:  models.SystemActor,
				Details: map[string]any{
					"integration": name,
					"attempt":     attempts,
					"error":       err.Error(),
					"wait_ms":     wait.Milliseconds(),
				},
			})
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			return Fail{
				Kind:    models.ErrorKindIntegrationFailure,
				Message: err.Error(),
				Details: map[string]any{"integration": name, "kind": string(spec.Kind), "attempts": attempts},
			}, nil
		}

		tx.Record(models.HistoryEntry{
			NodeID:  node.ID,
			Action:  models.ActionInvoke,
			Branch:  pos.Branch,
			Actor:   models.SystemActor,
			Details: map[string]any{"integration": name, "kind": string(spec.Kind), "attempts": attempts},
		})
	}

	return outgoing(tx, node), nil
}

func enterEnd(_ context.Context, _ *Engine, _ *Tx, node *models.Node, pos Position) (Decision, error) {
	if pos.Branch != "" {
		return Fail{
			Kind:    models.ErrorKindInvalidGraph,
			Message: fmt.Sprintf("end node %s reached inside a parallel branch", node.ID),
		}, nil
	}

	return Complete{}, nil
}

func instanceContext(tx *Tx, node *models.Node, pos Position) protocol.InstanceContext {
	return protocol.InstanceContext{
		CorrelationID: correlationID(tx.Instance.ID, node.ID, pos.Branch, tx.Instance.Visits[node.ID]),
		InstanceID:    tx.Instance.ID,
		DefinitionID:  tx.Definition.ID,
		NodeID:        node.ID,
		Title:         tx.Instance.Title,
		Context:       maps.Clone(tx.Instance.Context),
		Variables:     maps.Clone(tx.Instance.Variables),
	}
}

// retryPolicy is the back-off between integration attempts. Retries only happen
// when the definition enables them.
func retryPolicy(settings models.Settings) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0

	if settings.RetryBackoff.InitialIntervalMs > 0 {
		policy.InitialInterval = time.Duration(settings.RetryBackoff.InitialIntervalMs) * time.Millisecond
	}

	if settings.RetryBackoff.Multiplier >= 1 {
		policy.Multiplier = settings.RetryBackoff.Multiplier
	}

	if settings.RetryBackoff.MaxIntervalMs > 0 {
		policy.MaxInterval = time.Duration(settings.RetryBackoff.MaxIntervalMs) * time.Millisecond
	}

	retries := 0
	if settings.RetryOnFailure {
		retries = settings.MaxRetries
	}

	return backoff.WithMaxRetries(policy, uint64(max(retries, 0)))
}

func invalidConfig(err error) Fail {
	return Fail{Kind: models.ErrorKindInvalidGraph, Message: err.Error()}
}

func noEdge(node *models.Node) Fail {
	return Fail{
		Kind:    models.ErrorKindNoMatchingEdge,
		Message: fmt.Sprintf("node %s has no outgoing edge", node.ID),
	}
}

func notificationFailure(message models.NotificationMessage, err error) Fail {
	return Fail{
		Kind:    models.ErrorKindNotificationFailure,
		Message: err.Error(),
		Details: map[string]any{"type": message.Type},
	}
}
