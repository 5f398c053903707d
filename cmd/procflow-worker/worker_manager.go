package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/procflow/pkg/engine"
	"github.com/dukex/procflow/pkg/eventbus"
	"github.com/dukex/procflow/pkg/persistence"
	"github.com/dukex/procflow/pkg/worker"
)

type WorkerManager struct {
	id       string
	logger   *slog.Logger
	eventBus eventbus.EventBus
	consumer *worker.BranchConsumer
	sweeper  *worker.TimeoutSweeper
	schedule string
}

// NewWorkerManager builds a worker that runs dispatched branches on eng and sweeps
// overdue instances and undispatched branches of p on schedule. An empty schedule disables the sweep.
func NewWorkerManager(
	id string,
	p persistence.Persistence,
	eng *engine.Engine,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
	schedule string,
	sweepOpts ...worker.SweeperOption,
) *WorkerManager {
	logger = logger.With("module", "procflow-worker", "worker_id", id)
	sweepOpts = append([]worker.SweeperOption{worker.WithBranchRecovery(eng, 0)}, sweepOpts...)

	return &WorkerManager{
		id:       id,
		logger:   logger,
		eventBus: eventBus,
		consumer: worker.NewBranchConsumer(eng, logger),
		sweeper:  worker.NewTimeoutSweeper(p.InstanceRepository(), eng, logger, sweepOpts...),
		schedule: schedule,
	}
}

// Run subscribes the worker and starts the sweep, without blocking.
func (w *WorkerManager) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker manager")

	err := w.consumer.Register(w.eventBus)
	if err != nil {
		return err
	}

	err = w.eventBus.Subscribe(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	if w.schedule != "" {
		err = w.sweeper.Start(ctx, w.schedule)
		if err != nil {
			return err
		}
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	return nil
}

func (w *WorkerManager) Stop() {
	w.sweeper.Stop()
}

// Start runs the worker until SIGINT or SIGTERM.
func (w *WorkerManager) Start(ctx context.Context) error {
	err := w.Run(ctx)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	w.logger.InfoContext(ctx, "Shutting down worker...")
	w.Stop()

	return nil
}
