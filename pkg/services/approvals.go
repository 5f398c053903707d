package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence"
)

// Approvals answers queries over the approval gate read model.
type Approvals struct {
	persistence persistence.Persistence
	instances   *Instances
	logger      *slog.Logger
}

func NewApprovals(p persistence.Persistence, instances *Instances, logger *slog.Logger) *Approvals {
	return &Approvals{
		persistence: p,
		instances:   instances,
		logger:      logger.With("module", "approvals"),
	}
}

// Pending returns the open gates the actor may respond to, oldest first.
func (a *Approvals) Pending(ctx context.Context, actor models.Actor) ([]*models.ApprovalRequest, error) {
	if actor.ID == "" {
		return nil, newPermissionError("Pending", actor.ID, "list approvals")
	}

	requests, err := a.persistence.ApprovalRepository().Pending(ctx, actor.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending approvals: %w", err)
	}

	return requests, nil
}

// ForInstance returns every gate an instance opened, for actors who may view it.
func (a *Approvals) ForInstance(ctx context.Context, instanceID string, actor models.Actor) ([]*models.ApprovalRequest, error) {
	_, err := a.instances.Get(ctx, instanceID, actor)
	if err != nil {
		return nil, err
	}

	requests, err := a.persistence.ApprovalRepository().ListByInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}

	return requests, nil
}
