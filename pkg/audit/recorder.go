package audit

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence"
	"github.com/dukex/procflow/pkg/protocol"
)

// Recorder runs the audit and statistics side of a committed instance write.
// Failures are returned joined so the caller can log them; they never undo the write.
type Recorder struct {
	auditor protocol.Auditor
	stats   persistence.StatisticsRepository
	logger  *slog.Logger
}

func NewRecorder(auditor protocol.Auditor, stats persistence.StatisticsRepository, logger *slog.Logger) *Recorder {
	return &Recorder{
		auditor: auditor,
		stats:   stats,
		logger:  logger.With("module", "audit_recorder"),
	}
}

// Entries hands each entry to the auditor in sequence order.
func (r *Recorder) Entries(ctx context.Context, instanceID string, entries []models.HistoryEntry) error {
	if r.auditor == nil {
		return nil
	}

	var errs []error

	for _, entry := range entries {
		if err := r.auditor.Record(ctx, instanceID, entry); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Started counts a new instance.
func (r *Recorder) Started(ctx context.Context, definitionID string) error {
	return r.stats.Increment(ctx, definitionID, models.StatisticsDelta{Started: 1})
}

// Finished counts a terminal transition. Non-terminal instances are ignored.
func (r *Recorder) Finished(ctx context.Context, instance *models.WorkflowInstance) error {
	delta, ok := FinishedDelta(instance)
	if !ok {
		return nil
	}

	return r.stats.Increment(ctx, instance.DefinitionID, delta)
}

// FinishedDelta is the statistics increment of a terminal instance. Durations only
// count for completed instances, since the average is taken over them.
func FinishedDelta(instance *models.WorkflowInstance) (models.StatisticsDelta, bool) {
	switch instance.Status {
	case models.InstanceStatusCompleted:
		return models.StatisticsDelta{Completed: 1, DurationMs: instance.Duration().Milliseconds()}, true
	case models.InstanceStatusFailed:
		return models.StatisticsDelta{Failed: 1}, true
	case models.InstanceStatusCancelled:
		return models.StatisticsDelta{Cancelled: 1}, true
	case models.InstanceStatusTimedOut:
		return models.StatisticsDelta{TimedOut: 1}, true
	default:
		return models.StatisticsDelta{}, false
	}
}
