package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/procflow/pkg/engine"
	"github.com/dukex/procflow/pkg/metrics"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence"
	"github.com/robfig/cron/v3"
)

const (
	DefaultSweepSchedule = "@every 1m"
	DefaultSweepBatch    = 100
	DefaultRecoveryGrace = time.Minute
)

// TimeoutRunner expires the overdue parts of an instance. *engine.Engine implements it.
type TimeoutRunner interface {
	Timeout(ctx context.Context, instanceID string) (*engine.Result, error)
}

// BranchRedispatcher sends the pending branches of an instance to the dispatcher
// again. *engine.Engine implements it.
type BranchRedispatcher interface {
	Redispatch(ctx context.Context, instanceID string) (int, error)
}

// TimeoutSweeper periodically finds instances whose deadline or approval gates
// passed and times them out.
type TimeoutSweeper struct {
	instances persistence.InstanceRepository
	runner    TimeoutRunner
	logger    *slog.Logger
	metrics   *metrics.Collector
	now       func() time.Time
	batch     int

	redispatcher BranchRedispatcher
	grace        time.Duration

	mu   sync.Mutex
	cron *cron.Cron
}

type SweeperOption func(*TimeoutSweeper)

func WithSweepBatch(batch int) SweeperOption {
	return func(s *TimeoutSweeper) {
		if batch > 0 {
			s.batch = batch
		}
	}
}

func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *TimeoutSweeper) { s.now = now }
}

func WithSweepMetrics(collector *metrics.Collector) SweeperOption {
	return func(s *TimeoutSweeper) { s.metrics = collector }
}

// WithBranchRecovery makes each sweep redispatch branches that are still waiting
// on their parallel node after the instance was left untouched for grace.
func WithBranchRecovery(redispatcher BranchRedispatcher, grace time.Duration) SweeperOption {
	return func(s *TimeoutSweeper) {
		s.redispatcher = redispatcher
		if grace > 0 {
			s.grace = grace
		}
	}
}

func NewTimeoutSweeper(instances persistence.InstanceRepository, runner TimeoutRunner, logger *slog.Logger, opts ...SweeperOption) *TimeoutSweeper {
	s := &TimeoutSweeper{
		instances: instances,
		runner:    runner,
		logger:    logger.With("module", "timeout_sweeper"),
		now:       func() time.Time { return time.Now().UTC() },
		batch:     DefaultSweepBatch,
		grace:     DefaultRecoveryGrace,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Sweep times out every overdue instance of one batch and returns how many changed.
// Instances another worker already handled are skipped.
func (s *TimeoutSweeper) Sweep(ctx context.Context) (int, error) {
	defer s.metrics.ObserveOperation("sweep", time.Now())

	overdue, err := s.instances.Overdue(ctx, s.now(), s.batch)
	if err != nil {
		return 0, fmt.Errorf("failed to list overdue instances: %w", err)
	}

	swept := 0

	var errs []error

	for _, instance := range overdue {
		_, err := s.runner.Timeout(ctx, instance.ID)

		switch {
		case err == nil:
			swept++
		case errors.Is(err, engine.ErrNothingDue), persistence.IsInstanceNotFound(err):
		default:
			s.logger.ErrorContext(ctx, "Failed to time out instance", "instance_id", instance.ID, "error", err)
			errs = append(errs, err)
		}
	}

	if swept > 0 {
		s.logger.InfoContext(ctx, "Timed out overdue instances", "count", swept)
	}

	return swept, errors.Join(errs...)
}

// Recover redispatches the pending branches of active instances that were not
// updated within the grace period. Those are branches whose dispatch was lost to a
// crash after the fork committed or to a failed publish. It returns the number of
// branches sent.
func (s *TimeoutSweeper) Recover(ctx context.Context) (int, error) {
	if s.redispatcher == nil {
		return 0, nil
	}

	defer s.metrics.ObserveOperation("recover", time.Now())

	cutoff := s.now().Add(-s.grace)
	recovered := 0

	var errs []error

	for offset := 0; ; offset += s.batch {
		page, err := s.instances.List(ctx, persistence.ListInstancesOptions{
			Statuses:  []models.InstanceStatus{models.InstanceStatusRunning, models.InstanceStatusWaitingApproval},
			SortBy:    "updated_at",
			SortOrder: "asc",
			Limit:     s.batch,
			Offset:    offset,
		})
		if err != nil {
			return recovered, fmt.Errorf("failed to list active instances: %w", err)
		}

		for _, instance := range page.Instances {
			if instance.UpdatedAt.After(cutoff) {
				return recovered, errors.Join(errs...)
			}

			if len(instance.PendingBranches()) == 0 {
				continue
			}

			count, err := s.redispatcher.Redispatch(ctx, instance.ID)

			switch {
			case err == nil:
				recovered += count
			case persistence.IsInstanceNotFound(err):
			default:
				s.logger.ErrorContext(ctx, "Failed to redispatch branches", "instance_id", instance.ID, "error", err)
				errs = append(errs, err)
			}
		}

		if !page.HasNextPage {
			break
		}
	}

	if recovered > 0 {
		s.logger.InfoContext(ctx, "Redispatched pending branches", "count", recovered)
	}

	return recovered, errors.Join(errs...)
}

// Start runs Sweep on the cron schedule until Stop is called.
func (s *TimeoutSweeper) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}

	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	_, err := c.AddFunc(schedule, func() {
		_, err := s.Sweep(ctx)
		if err != nil {
			s.logger.WarnContext(ctx, "Sweep finished with errors", "error", err)
		}

		_, err = s.Recover(ctx)
		if err != nil {
			s.logger.WarnContext(ctx, "Branch recovery finished with errors", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule '%s': %w", schedule, err)
	}

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	c.Start()
	s.logger.InfoContext(ctx, "Timeout sweeper started", "schedule", schedule)

	return nil
}

// Stop halts the schedule and waits for a running sweep to return.
func (s *TimeoutSweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}
