package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dukex/procflow/pkg/models"
)

// StatisticsRepository keeps the counters of every definition in one row.
type StatisticsRepository struct {
	db *sql.DB
}

// NewStatisticsRepository creates a new statistics repository.
func NewStatisticsRepository(db *sql.DB) *StatisticsRepository {
	return &StatisticsRepository{db: db}
}

// Increment adds the delta in a single upsert.
func (r *StatisticsRepository) Increment(ctx context.Context, definitionID string, delta models.StatisticsDelta) error {
	query := `
		INSERT INTO definition_statistics (definition_id, started, completed, failed, cancelled, timed_out, total_duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (definition_id) DO UPDATE SET
			started = definition_statistics.started + EXCLUDED.started,
			completed = definition_statistics.completed + EXCLUDED.completed,
			failed = definition_statistics.failed + EXCLUDED.failed,
			cancelled = definition_statistics.cancelled + EXCLUDED.cancelled,
			timed_out = definition_statistics.timed_out + EXCLUDED.timed_out,
			total_duration_ms = definition_statistics.total_duration_ms + EXCLUDED.total_duration_ms
	`

	_, err := r.db.ExecContext(ctx, query,
		definitionID,
		delta.Started,
		delta.Completed,
		delta.Failed,
		delta.Cancelled,
		delta.TimedOut,
		delta.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to increment statistics of workflow %s: %w", definitionID, err)
	}

	return nil
}

// Get returns the counters of a definition, zero when none were recorded.
func (r *StatisticsRepository) Get(ctx context.Context, definitionID string) (models.Statistics, error) {
	var stats models.Statistics

	query := `
		SELECT started, completed, failed, cancelled, timed_out, total_duration_ms
		FROM definition_statistics WHERE definition_id = $1
	`

	err := r.db.QueryRowContext(ctx, query, definitionID).Scan(
		&stats.Started,
		&stats.Completed,
		&stats.Failed,
		&stats.Cancelled,
		&stats.TimedOut,
		&stats.TotalDurationMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Statistics{}, nil
	}

	if err != nil {
		return models.Statistics{}, fmt.Errorf("failed to query statistics of workflow %s: %w", definitionID, err)
	}

	return stats, nil
}
