package worker

import (
	"context"
	"log/slog"

	"github.com/dukex/procflow/pkg/engine"
	"github.com/dukex/procflow/pkg/eventbus"
	"github.com/dukex/procflow/pkg/events"
	"github.com/dukex/procflow/pkg/persistence"
)

// BranchConsumer runs branch tasks received from the bus.
type BranchConsumer struct {
	runner engine.BranchRunner
	logger *slog.Logger
}

func NewBranchConsumer(runner engine.BranchRunner, logger *slog.Logger) *BranchConsumer {
	return &BranchConsumer{
		runner: runner,
		logger: logger.With("module", "branch_consumer"),
	}
}

// Register installs the consumer's handler on the bus.
func (c *BranchConsumer) Register(bus eventbus.EventSubscriber) error {
	return bus.Handle(events.BranchDispatchedEvent, c.handleBranchDispatched)
}

func (c *BranchConsumer) handleBranchDispatched(ctx context.Context, event any) error {
	dispatched, ok := event.(*events.BranchDispatched)
	if !ok {
		c.logger.ErrorContext(ctx, "Invalid event type for BranchDispatched")

		return nil
	}

	logger := c.logger.With(
		"instance_id", dispatched.InstanceID,
		"branch", dispatched.Branch,
		"event_id", dispatched.ID,
	)

	logger.DebugContext(ctx, "Running branch task")

	err := c.runner.RunBranch(ctx, engine.BranchTask{
		InstanceID: dispatched.InstanceID,
		Branch:     dispatched.Branch,
	})
	if persistence.IsInstanceNotFound(err) {
		logger.WarnContext(ctx, "Dropping branch task of unknown instance")

		return nil
	}

	if err != nil {
		logger.ErrorContext(ctx, "Failed to run branch task", "error", err)

		return err
	}

	return nil
}
