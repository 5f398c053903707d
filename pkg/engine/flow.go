package engine

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/dukex/procflow/pkg/events"
	"github.com/dukex/procflow/pkg/expression"
	"github.com/dukex/procflow/pkg/join"
	"github.com/dukex/procflow/pkg/models"
)

// Edge labels understood by condition and approval nodes.
const (
	LabelTrue     = "true"
	LabelFalse    = "false"
	LabelApproved = "approved"
	LabelRejected = "rejected"
)

// expressionVars is what edge and condition expressions see: the instance
// variables, plus "context" and "instance" unless a variable shadows them.
func expressionVars(instance *models.WorkflowInstance) map[string]any {
	vars := maps.Clone(instance.Variables)
	if vars == nil {
		vars = make(map[string]any)
	}

	if _, ok := vars["context"]; !ok {
		vars["context"] = instance.Context
	}

	if _, ok := vars["instance"]; !ok {
		vars["instance"] = map[string]any{
			"id":           instance.ID,
			"title":        instance.Title,
			"priority":     string(instance.Priority),
			"initiated_by": instance.InitiatedBy,
			"assigned_to":  instance.AssignedTo,
		}
	}

	return vars
}

// labelled returns the first outgoing edge whose condition equals label, ignoring
// case, or else the first edge without a condition.
func labelled(edges []*models.Edge, label string) *models.Edge {
	if edge := exactLabel(edges, label); edge != nil {
		return edge
	}

	for _, edge := range edges {
		if edge.Condition == "" {
			return edge
		}
	}

	return nil
}

func exactLabel(edges []*models.Edge, label string) *models.Edge {
	for _, edge := range edges {
		if strings.EqualFold(strings.TrimSpace(edge.Condition), label) {
			return edge
		}
	}

	return nil
}

// outgoing picks the edge a plain node leaves by: the first edge whose condition
// expression holds, else the first edge without a condition.
func outgoing(tx *Tx, node *models.Node) Decision {
	edges := tx.Definition.Outgoing(node.ID)

	var (
		fallback *models.Edge
		vars     map[string]any
	)

	for _, edge := range edges {
		if edge.Condition == "" {
			if fallback == nil {
				fallback = edge
			}

			continue
		}

		if vars == nil {
			vars = expressionVars(tx.Instance)
		}

		program, err := expression.Compile(edge.Condition)
		if err != nil {
			return conditionFailure(edge.Condition, nil, vars, err)
		}

		ok, err := program.Evaluate(vars)
		if err != nil {
			return conditionFailure(edge.Condition, program, vars, err)
		}

		if ok {
			return Goto{Edge: edge}
		}
	}

	if fallback != nil {
		return Goto{Edge: fallback}
	}

	return Fail{
		Kind:    models.ErrorKindNoMatchingEdge,
		Message: fmt.Sprintf("no outgoing edge of node %s matched", node.ID),
	}
}

func conditionFailure(source string, program *expression.Program, vars map[string]any, err error) Fail {
	details := map[string]any{"expression": source}
	if program != nil {
		details["variables"] = program.Snapshot(vars)
	}

	return Fail{
		Kind:    models.ErrorKindConditionEvaluation,
		Message: err.Error(),
		Details: details,
	}
}

// fork records the join barrier and one branch per edge in the instance state. The
// branch tokens wait on the parallel node until their tasks are dispatched after commit.
func (e *Engine) fork(tx *Tx, node *models.Node, pos Position, edges []*models.Edge) error {
	plain := make([]models.Edge, 0, len(edges))
	for _, edge := range edges {
		plain = append(plain, *edge)
	}

	fork := join.NewFork(tx.Instance.ID, node.ID, tx.Instance.Visits[node.ID], pos.Branch,
		tx.Definition.JoinPolicyFor(node), plain, tx.Now)

	spawned := make([]models.Token, 0, len(fork.Tokens))
	for _, token := range fork.Tokens {
		spawned = append(spawned, models.Token{NodeID: node.ID, Branch: token})

		if tx.Definition.Settings.AllowParallel {
			tx.branches = append(tx.branches, BranchTask{InstanceID: tx.Instance.ID, Branch: token})
		}
	}

	tx.Record(models.HistoryEntry{
		NodeID:  node.ID,
		Action:  models.ActionFork,
		Branch:  pos.Branch,
		Actor:   models.SystemActor,
		JoinID:  fork.Join.ID,
		Policy:  fork.Join.Policy,
		Spawned: spawned,
		Edges:   fork.Edges,
	})
	e.queueNext(tx)

	return nil
}

// queueNext dispatches one pending branch when the definition runs branches one
// at a time and the step dispatched nothing else. Each branch run queues the next,
// so the branches of a fork leave the parallel node in turn.
func (e *Engine) queueNext(tx *Tx) {
	if tx.Definition.Settings.AllowParallel || len(tx.branches) > 0 {
		return
	}

	if pending := tx.Instance.PendingBranches(); len(pending) > 0 {
		tx.branches = append(tx.branches, BranchTask{InstanceID: tx.Instance.ID, Branch: pending[0]})
	}
}

// arrive settles a branch on the merge barrier held in the instance state, so the
// arrival commits with the same versioned write as the rest of the step. The branch
// that releases the barrier continues past the merge on the parent path.
func (e *Engine) arrive(ctx context.Context, tx *Tx, node *models.Node, pos Position) (*Position, error) {
	if pos.Branch == "" {
		return e.continueFrom(ctx, tx, node, pos)
	}

	branch := tx.Instance.Branches[pos.Branch]
	if branch == nil {
		return nil, nil
	}

	barrier := tx.Instance.Joins[branch.JoinID]
	if barrier == nil {
		return nil, nil
	}

	result, changed := barrier.Clone().Arrive(pos.Branch)
	if !changed && result == models.JoinWaiting {
		return nil, nil
	}

	tx.Record(models.HistoryEntry{
		NodeID:  node.ID,
		Action:  models.ActionArrive,
		Branch:  pos.Branch,
		Actor:   models.SystemActor,
		JoinID:  branch.JoinID,
		Details: map[string]any{"result": string(result)},
	})
	e.settled(tx, branch.JoinID, pos.Branch, result)

	switch result {
	case models.JoinReleased:
		return e.release(ctx, tx, node, branch)
	case models.JoinFailed:
		return nil, e.failParent(ctx, tx, node.ID, branch, "a parallel branch failed before the merge")
	default:
		return nil, nil
	}
}

func (e *Engine) release(ctx context.Context, tx *Tx, node *models.Node, branch *models.Branch) (*Position, error) {
	if branch.Parent != "" && tx.Instance.Branches[branch.Parent] == nil {
		return nil, nil
	}

	barrier := tx.Instance.Joins[branch.JoinID]
	if barrier == nil {
		return nil, nil
	}

	tx.Record(models.HistoryEntry{
		NodeID: node.ID,
		Action: models.ActionRelease,
		Branch: branch.Parent,
		Actor:  models.SystemActor,
		JoinID: branch.JoinID,
		Tokens: slices.Clone(barrier.Expected),
	})

	return e.continueFrom(ctx, tx, node, Position{NodeID: node.ID, Branch: branch.Parent})
}

func (e *Engine) continueFrom(ctx context.Context, tx *Tx, node *models.Node, pos Position) (*Position, error) {
	return e.decide(ctx, tx, node, pos, outgoing(tx, node))
}

// fail ends the branch at pos, or the instance when pos is on the main path.
func (e *Engine) fail(ctx context.Context, tx *Tx, pos Position, f Fail) error {
	failure := &models.EntryError{Kind: f.Kind, Message: f.Message, Details: f.Details}

	if pos.Branch == "" {
		tx.Record(models.HistoryEntry{
			NodeID: pos.NodeID,
			Action: models.ActionFail,
			Actor:  models.SystemActor,
			Error:  failure,
		})
		e.finish(tx)

		return nil
	}

	return e.failBranch(ctx, tx, pos.NodeID, pos.Branch, failure)
}

func (e *Engine) failBranch(ctx context.Context, tx *Tx, nodeID, token string, failure *models.EntryError) error {
	branch := tx.Instance.Branches[token]
	if branch == nil {
		return nil
	}

	info := *branch

	result := models.JoinIgnored
	if barrier := tx.Instance.Joins[info.JoinID]; barrier != nil {
		result, _ = barrier.Clone().Fail(token)
	}

	tx.Record(models.HistoryEntry{
		NodeID: nodeID,
		Action: models.ActionBranchFailed,
		Branch: token,
		Actor:  models.SystemActor,
		JoinID: info.JoinID,
		Tokens: tx.Instance.Descendants(token),
		Error:  failure,
	})

	e.settled(tx, info.JoinID, token, result)

	if result != models.JoinFailed {
		return nil
	}

	return e.failParent(ctx, tx, nodeID, &info, failure.Message)
}

// settled reports a barrier outcome once the step that decided it has committed.
func (e *Engine) settled(tx *Tx, joinID, token string, result models.JoinResult) {
	tx.after(phaseEvents, "join settled", func(ctx context.Context) error {
		e.joins.Settled(ctx, joinID, token, result)

		return nil
	})
}

// failParent propagates a settled-as-failed barrier to the path that forked it.
func (e *Engine) failParent(ctx context.Context, tx *Tx, nodeID string, branch *models.Branch, message string) error {
	failure := &models.EntryError{
		Kind:    models.ErrorKindBranchFailed,
		Message: message,
		Details: map[string]any{"join_id": branch.JoinID, "parallel_node_id": branch.ParallelNodeID},
	}

	if branch.Parent == "" {
		tx.Record(models.HistoryEntry{
			NodeID: nodeID,
			Action: models.ActionFail,
			Actor:  models.SystemActor,
			Error:  failure,
		})
		e.finish(tx)

		return nil
	}

	return e.failBranch(ctx, tx, nodeID, branch.Parent, failure)
}

// finish queues what follows a terminal transition.
func (e *Engine) finish(tx *Tx) {
	instance := tx.Instance
	def := tx.Definition

	for _, gate := range instance.Approvals {
		tx.touchGate(gate.NodeID)
	}

	instanceID := instance.ID
	tx.after(phaseCleanup, "delete joins", func(ctx context.Context) error {
		return e.joins.RemoveInstance(ctx, instanceID)
	})

	switch instance.Status {
	case models.InstanceStatusCompleted:
		if def.Settings.NotifyOnComplete {
			e.queueNotification(tx, "instance_completed", []string{instance.InitiatedBy}, nil)
		}
	case models.InstanceStatusFailed, models.InstanceStatusTimedOut:
		if def.Settings.NotifyOnFailure {
			e.queueNotification(tx, "instance_failed", []string{instance.InitiatedBy}, map[string]any{
				"error": instance.LastError,
			})
		}
	}

	actor := ""
	if last := len(instance.History) - 1; last >= 0 {
		actor = instance.History[last].Actor
	}

	event := events.InstanceFinished{
		BaseEvent:  events.NewBaseEvent(events.FinishedEventType(instance.Status), def.ID, instance.ID),
		Status:     instance.Status,
		DurationMs: instance.Duration().Milliseconds(),
		Actor:      actor,
		Error:      instance.LastError,
	}
	tx.publish(e.publisher, event)
}

// queueNotification sends after commit. Failures are logged only.
func (e *Engine) queueNotification(tx *Tx, messageType string, recipients []string, payload map[string]any) {
	body := notificationBody(tx, payload)

	tx.after(phaseNotify, "notify "+messageType, func(ctx context.Context) error {
		return e.notifier.Send(ctx, messageType, recipients, body)
	})
}

func notificationBody(tx *Tx, payload map[string]any) map[string]any {
	body := map[string]any{
		"instance_id":   tx.Instance.ID,
		"definition_id": tx.Definition.ID,
		"title":         tx.Instance.Title,
		"status":        string(tx.Instance.Status),
	}
	maps.Copy(body, payload)

	return body
}
