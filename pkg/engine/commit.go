package engine

import (
	"context"
	"slices"

	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence"
)

// commit writes the instance once, creating it or updating it at the version it
// was read at, and then runs the effects of the transaction.
func (e *Engine) commit(ctx context.Context, tx *Tx) (*Result, error) {
	instance := tx.Instance
	instance.UpdatedAt = tx.Now

	var err error
	if tx.created {
		err = e.instances.Create(ctx, instance)
	} else {
		err = e.instances.Update(ctx, instance, tx.version)
	}

	if err != nil {
		if persistence.IsConcurrentModification(err) {
			e.metrics.Conflict()
		}

		return nil, err
	}

	e.afterCommit(ctx, tx)

	return &Result{
		Instance: instance,
		Entries:  tx.Entries(),
		Branches: slices.Clone(tx.branches),
	}, nil
}

// afterCommit runs audit, approval read-model, notification, cleanup, statistics,
// event and dispatch effects in that order. Failures are logged.
func (e *Engine) afterCommit(ctx context.Context, tx *Tx) {
	ctx = context.WithoutCancel(ctx)
	instance := tx.Instance
	entries := tx.Entries()

	logger := e.logger.With("instance_id", instance.ID, "version", instance.Version)

	if err := e.joins.Mirror(ctx, instance.ID, entries); err != nil {
		logger.WarnContext(ctx, "failed to mirror join barriers", "error", err)
	}

	if err := e.recorder.Entries(ctx, instance.ID, entries); err != nil {
		logger.WarnContext(ctx, "failed to audit history entries", "error", err)
	}

	for _, nodeID := range tx.gates {
		gate := instance.Approvals[nodeID]
		if gate == nil {
			continue
		}

		if err := e.approvals.Save(ctx, gate.Clone()); err != nil {
			logger.WarnContext(ctx, "failed to save approval request", "request_id", gate.ID, "error", err)
		}
	}

	for _, entry := range entries {
		if entry.Action == models.ActionApprovalResolved {
			e.metrics.ApprovalResolved(string(entry.Outcome))
		}
	}

	e.runEffects(ctx, tx, phaseNotify, phaseCleanup)

	if tx.created {
		if err := e.recorder.Started(ctx, instance.DefinitionID); err != nil {
			logger.WarnContext(ctx, "failed to count started instance", "error", err)
		}
	}

	if tx.Finished() {
		if err := e.recorder.Finished(ctx, instance); err != nil {
			logger.WarnContext(ctx, "failed to count finished instance", "error", err)
		}

		e.metrics.InstanceFinished(instance.DefinitionID, string(instance.Status))
		logger.InfoContext(ctx, "instance finished", "status", instance.Status)
	}

	e.runEffects(ctx, tx, phaseEvents)

	if len(tx.branches) > 0 {
		if err := e.dispatcher.Dispatch(ctx, tx.branches...); err != nil {
			logger.ErrorContext(ctx, "failed to dispatch branches", "branches", len(tx.branches), "error", err)
		}
	}
}

func (e *Engine) runEffects(ctx context.Context, tx *Tx, phases ...phase) {
	for _, p := range phases {
		for _, effect := range tx.effects {
			if effect.phase != p {
				continue
			}

			if err := effect.run(ctx); err != nil {
				e.logger.WarnContext(ctx, "post-commit effect failed",
					"instance_id", tx.Instance.ID, "effect", effect.name, "error", err)
			}
		}
	}
}
