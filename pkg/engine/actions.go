package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dukex/procflow/pkg/approval"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/otelhelper"
	"github.com/dukex/procflow/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
)

// ActionType is an operation submitted against a running instance.
type ActionType string

const (
	ActionApprove  ActionType = "approve"
	ActionReject   ActionType = "reject"
	ActionComplete ActionType = "complete"
	ActionSkip     ActionType = "skip"
	ActionReassign ActionType = "reassign"
	ActionCancel   ActionType = "cancel"
	ActionTimeout  ActionType = "timeout"
)

// ActionTypes lists every action type.
var ActionTypes = []ActionType{
	ActionApprove,
	ActionReject,
	ActionComplete,
	ActionSkip,
	ActionReassign,
	ActionCancel,
	ActionTimeout,
}

// Action is one submitted operation. NodeID names the suspended node it applies to;
// Branch picks the token when the node holds more than one.
type Action struct {
	Type      ActionType
	NodeID    string
	Branch    string
	Actor     models.Actor
	Comment   string
	Variables map[string]any
	// Assignee is the new assignee of a reassign.
	Assignee string
	// Replaced is the approver a reassign of an approval gate hands over from.
	Replaced string
}

// Check reports whether the action applies to the instance as it is now. It does
// not decide who may submit it.
func Check(def *models.WorkflowDefinition, instance *models.WorkflowInstance, action Action) error {
	if def.ID != instance.DefinitionID {
		return fmt.Errorf("%w: instance %s runs %s", ErrDefinitionMismatch, instance.ID, instance.DefinitionID)
	}

	if !isKnown(action.Type) {
		return fmt.Errorf("%w: %q", ErrUnknownAction, action.Type)
	}

	if instance.Status.IsTerminal() {
		return fmt.Errorf("%w: instance is %s", ErrInvalidActionForState, instance.Status)
	}

	switch action.Type {
	case ActionCancel, ActionTimeout:
		return nil
	case ActionApprove, ActionReject:
		_, err := pendingGate(def, instance, action)
		if err != nil {
			return err
		}

		return nil
	case ActionComplete, ActionSkip:
		node := def.NodeByID(action.NodeID)
		if node == nil {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, action.NodeID)
		}

		if node.Kind != models.NodeKindTask {
			return fmt.Errorf("%w: %s is a %s node", ErrInvalidActionForState, node.ID, node.Kind)
		}

		_, err := position(instance, action)

		return err
	case ActionReassign:
		if strings.TrimSpace(action.Assignee) == "" {
			return fmt.Errorf("%w: reassign needs an assignee", ErrInvalidActionForState)
		}

		node := def.NodeByID(action.NodeID)
		if node == nil {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, action.NodeID)
		}

		if node.Kind == models.NodeKindApproval {
			_, err := pendingGate(def, instance, action)

			return err
		}

		_, err := position(instance, action)

		return err
	}

	return nil
}

// Apply checks the action, applies it to instance and commits at the version the
// instance was read at. instance is modified in place.
func (e *Engine) Apply(ctx context.Context, def *models.WorkflowDefinition, instance *models.WorkflowInstance, action Action) (*Result, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.apply",
		attribute.String(otelhelper.InstanceIDKey, instance.ID),
		attribute.String(otelhelper.ActionKey, string(action.Type)),
		attribute.String(otelhelper.NodeIDKey, action.NodeID),
		attribute.String(otelhelper.ActorIDKey, action.Actor.ID),
	)
	defer span.End()
	defer e.metrics.ObserveOperation("apply", time.Now())

	result, err := e.apply(ctx, def, instance, action)

	switch {
	case err == nil:
		e.metrics.ActionSubmitted(string(action.Type), "applied")
	case persistence.IsConcurrentModification(err):
		e.metrics.ActionSubmitted(string(action.Type), "conflict")
	case errors.Is(err, ErrNothingDue):
		e.metrics.ActionSubmitted(string(action.Type), "nothing_due")
	default:
		otelhelper.SetError(span, err)
		e.metrics.ActionSubmitted(string(action.Type), "rejected")
	}

	return result, err
}

func (e *Engine) apply(ctx context.Context, def *models.WorkflowDefinition, instance *models.WorkflowInstance, action Action) (*Result, error) {
	err := Check(def, instance, action)
	if err != nil {
		return nil, err
	}

	actor := action.Actor.ID
	if actor == "" {
		actor = models.SystemActor
	}

	tx := newTx(def, instance, actor, e.clock())

	switch action.Type {
	case ActionApprove, ActionReject:
		err = e.respond(ctx, tx, action)
	case ActionComplete, ActionSkip:
		err = e.completeTask(ctx, tx, action)
	case ActionReassign:
		err = e.reassign(ctx, tx, action)
	case ActionCancel:
		tx.Record(models.HistoryEntry{NodeID: action.NodeID, Action: models.ActionCancel, Comment: action.Comment})
		e.finish(tx)
	case ActionTimeout:
		err = e.expire(ctx, tx)
	}

	if err != nil {
		return nil, err
	}

	return e.commit(ctx, tx)
}

// Resume applies a decision at a suspended position and runs the step loop from
// wherever it leads.
func (e *Engine) Resume(ctx context.Context, tx *Tx, pos Position, decision Decision) error {
	node := tx.Definition.NodeByID(pos.NodeID)
	if node == nil {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, pos.NodeID)
	}

	next, err := e.decide(ctx, tx, node, pos, decision)
	if err != nil || next == nil {
		return err
	}

	return e.Advance(ctx, tx, *next)
}

func (e *Engine) respond(ctx context.Context, tx *Tx, action Action) error {
	gate, err := pendingGate(tx.Definition, tx.Instance, action)
	if err != nil {
		return err
	}

	decision, entryAction := models.DecisionApprove, models.ActionApprove
	if action.Type == ActionReject {
		decision, entryAction = models.DecisionReject, models.ActionReject
	}

	outcome, err := approval.Respond(gate, tx.Actor, decision, action.Comment, tx.Now)
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrNotEligible):
			return fmt.Errorf("%w: %s on %s", ErrNotEligible, tx.Actor, gate.NodeID)
		default:
			return fmt.Errorf("%w: %w", ErrInvalidActionForState, err)
		}
	}

	tx.Record(models.HistoryEntry{
		NodeID:    gate.NodeID,
		Action:    entryAction,
		Branch:    gate.Branch,
		Comment:   action.Comment,
		Variables: action.Variables,
	})
	tx.touchGate(gate.NodeID)

	if !outcome.Resolved() {
		return nil
	}

	return e.resolveGate(ctx, tx, Position{NodeID: gate.NodeID, Branch: gate.Branch}, outcome.Status, nil)
}

// resolveGate closes an approval gate and routes on: approved gates take the
// "approved" edge or the unlabelled one, rejected and expired gates need a
// "rejected" edge or fail.
func (e *Engine) resolveGate(ctx context.Context, tx *Tx, pos Position, status models.ApprovalStatus, failure *models.EntryError) error {
	tx.Record(models.HistoryEntry{
		NodeID:  pos.NodeID,
		Action:  models.ActionApprovalResolved,
		Branch:  pos.Branch,
		Actor:   models.SystemActor,
		Outcome: status,
		Error:   failure,
	})
	tx.touchGate(pos.NodeID)

	edges := tx.Definition.Outgoing(pos.NodeID)

	var decision Decision

	if status == models.ApprovalStatusApproved {
		edge := labelled(edges, LabelApproved)
		if edge == nil {
			decision = Fail{
				Kind:    models.ErrorKindNoMatchingEdge,
				Message: fmt.Sprintf("approval node %s has no approved edge", pos.NodeID),
			}
		} else {
			decision = Goto{Edge: edge}
		}
	} else {
		kind := models.ErrorKindApprovalRejected
		if status == models.ApprovalStatusExpired {
			kind = models.ErrorKindApprovalTimeout
		}

		edge := exactLabel(edges, LabelRejected)
		if edge == nil {
			decision = Fail{
				Kind:    kind,
				Message: fmt.Sprintf("approval at %s was %s", pos.NodeID, status),
			}
		} else {
			decision = Goto{Edge: edge}
		}
	}

	return e.Resume(ctx, tx, pos, decision)
}

func (e *Engine) completeTask(ctx context.Context, tx *Tx, action Action) error {
	pos, err := position(tx.Instance, action)
	if err != nil {
		return err
	}

	entryAction := models.ActionComplete
	if action.Type == ActionSkip {
		entryAction = models.ActionSkip
	}

	tx.Record(models.HistoryEntry{
		NodeID:    pos.NodeID,
		Action:    entryAction,
		Branch:    pos.Branch,
		Comment:   action.Comment,
		Variables: action.Variables,
	})

	node := tx.Definition.NodeByID(pos.NodeID)

	return e.Resume(ctx, tx, pos, outgoing(tx, node))
}

func (e *Engine) reassign(ctx context.Context, tx *Tx, action Action) error {
	entry := models.HistoryEntry{
		NodeID:   action.NodeID,
		Action:   models.ActionReassign,
		Branch:   action.Branch,
		Comment:  action.Comment,
		Assignee: action.Assignee,
	}

	if gate := tx.Instance.PendingApproval(action.NodeID); gate != nil {
		replaced := action.Replaced
		if replaced == "" {
			replaced = tx.Actor
		}

		if !gate.IsEligible(replaced) {
			return fmt.Errorf("%w: %s is not an approver of %s", ErrInvalidActionForState, replaced, gate.NodeID)
		}

		if gate.HasResponded(replaced) {
			return fmt.Errorf("%w: %s already responded", ErrInvalidActionForState, replaced)
		}

		entry.Branch = gate.Branch
		entry.Replaced = replaced
		tx.touchGate(gate.NodeID)
	}

	tx.Record(entry)

	e.queueNotification(tx, "reassigned", []string{action.Assignee}, map[string]any{"node_id": action.NodeID})

	return nil
}

// expire applies a passed instance deadline, or else every overdue approval gate.
func (e *Engine) expire(ctx context.Context, tx *Tx) error {
	instance := tx.Instance

	if instance.Deadline != nil && !tx.Now.Before(*instance.Deadline) {
		tx.Record(models.HistoryEntry{
			Action: models.ActionTimeout,
			Actor:  models.SystemActor,
			Error: &models.EntryError{
				Kind:    models.ErrorKindInstanceTimeout,
				Message: "instance deadline passed",
				Details: map[string]any{"deadline": instance.Deadline.Format(time.RFC3339)},
			},
		})
		e.finish(tx)

		return nil
	}

	due := false

	for _, wait := range slices.Clone(instance.Waits) {
		if instance.Status.IsTerminal() {
			break
		}

		if tx.Now.Before(wait.DueAt) || !instance.HasToken(wait.Token()) {
			continue
		}

		due = true

		err := e.fail(ctx, tx, Position{NodeID: wait.NodeID, Branch: wait.Branch}, Fail{
			Kind:    models.ErrorKindTaskTimeout,
			Message: "task was not completed in time",
			Details: map[string]any{"due_at": wait.DueAt.Format(time.RFC3339)},
		})
		if err != nil {
			return err
		}
	}

	for _, gate := range instance.PendingApprovals() {
		if instance.Status.IsTerminal() {
			break
		}

		if !approval.IsOverdue(gate, tx.Now) || instance.PendingApproval(gate.NodeID) != gate {
			continue
		}

		due = true

		expiry := approval.Expire(gate, tx.Definition.Settings.ApprovalTimeoutPolicy, 0, tx.Now)
		if expiry.Escalate {
			err := e.escalate(ctx, tx, gate, expiry)
			if err != nil {
				return err
			}

			continue
		}

		err := e.resolveGate(ctx, tx, Position{NodeID: gate.NodeID, Branch: gate.Branch}, models.ApprovalStatusExpired,
			&models.EntryError{Kind: models.ErrorKindApprovalTimeout, Message: "approval request expired"})
		if err != nil {
			return err
		}
	}

	if !due {
		return fmt.Errorf("%w: instance %s", ErrNothingDue, instance.ID)
	}

	return nil
}

func (e *Engine) escalate(ctx context.Context, tx *Tx, gate *models.ApprovalRequest, expiry approval.Expiry) error {
	approvers, err := e.directory.Resolve(ctx, expiry.Approvers)
	if err != nil {
		return fmt.Errorf("failed to resolve escalation approvers of %s: %w", gate.NodeID, err)
	}

	tx.Record(models.HistoryEntry{
		NodeID:    gate.NodeID,
		Action:    models.ActionEscalate,
		Branch:    gate.Branch,
		Actor:     models.SystemActor,
		Approvers: approvers,
		DueAt:     expiry.DueAt,
	})
	tx.touchGate(gate.NodeID)

	e.queueNotification(tx, "approval_escalated", approvers, map[string]any{
		"node_id":    gate.NodeID,
		"request_id": gate.ID,
		"due_at":     expiry.DueAt,
	})

	return nil
}

func pendingGate(def *models.WorkflowDefinition, instance *models.WorkflowInstance, action Action) (*models.ApprovalRequest, error) {
	node := def.NodeByID(action.NodeID)
	if node == nil {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, action.NodeID)
	}

	if node.Kind != models.NodeKindApproval {
		return nil, fmt.Errorf("%w: %s is a %s node", ErrInvalidActionForState, node.ID, node.Kind)
	}

	gate := instance.PendingApproval(node.ID)
	if gate == nil {
		return nil, fmt.Errorf("%w: no pending approval at %s", ErrInvalidActionForState, node.ID)
	}

	if action.Type != ActionReassign && gate.HasResponded(action.Actor.ID) {
		return nil, fmt.Errorf("%w: %s already responded", ErrInvalidActionForState, action.Actor.ID)
	}

	return gate, nil
}

// position finds the suspended token an action resumes.
func position(instance *models.WorkflowInstance, action Action) (Position, error) {
	if action.Branch != "" {
		pos := Position{NodeID: action.NodeID, Branch: action.Branch}
		if !instance.HasToken(pos.token()) {
			return Position{}, fmt.Errorf("%w: no token at %s in branch %s", ErrInvalidActionForState, action.NodeID, action.Branch)
		}

		return pos, nil
	}

	tokens := instance.TokensAt(action.NodeID)

	switch len(tokens) {
	case 0:
		return Position{}, fmt.Errorf("%w: no token at %s", ErrInvalidActionForState, action.NodeID)
	case 1:
		return Position{NodeID: tokens[0].NodeID, Branch: tokens[0].Branch}, nil
	default:
		return Position{}, fmt.Errorf("%w: %d tokens at %s, name the branch", ErrInvalidActionForState, len(tokens), action.NodeID)
	}
}

func isKnown(actionType ActionType) bool {
	for _, known := range ActionTypes {
		if known == actionType {
			return true
		}
	}

	return false
}
