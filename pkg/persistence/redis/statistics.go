package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dukex/procflow/pkg/models"
	"github.com/redis/go-redis/v9"
)

const (
	fieldStarted    = "started"
	fieldCompleted  = "completed"
	fieldFailed     = "failed"
	fieldCancelled  = "cancelled"
	fieldTimedOut   = "timed_out"
	fieldDurationMs = "total_duration_ms"
)

// StatisticsRepository keeps the counters of a definition in a hash.
type StatisticsRepository struct {
	client *redis.Client
	prefix string
}

func (r *StatisticsRepository) key(definitionID string) string {
	return r.prefix + "stats:" + definitionID
}

// Increment adds the non-zero fields of delta with HINCRBY.
func (r *StatisticsRepository) Increment(ctx context.Context, definitionID string, delta models.StatisticsDelta) error {
	key := r.key(definitionID)

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for field, value := range map[string]int64{
			fieldStarted:    delta.Started,
			fieldCompleted:  delta.Completed,
			fieldFailed:     delta.Failed,
			fieldCancelled:  delta.Cancelled,
			fieldTimedOut:   delta.TimedOut,
			fieldDurationMs: delta.DurationMs,
		} {
			if value != 0 {
				pipe.HIncrBy(ctx, key, field, value)
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to increment statistics of workflow %s: %w", definitionID, err)
	}

	return nil
}

// Get returns the counters of a definition, zero when none were recorded.
func (r *StatisticsRepository) Get(ctx context.Context, definitionID string) (models.Statistics, error) {
	values, err := r.client.HGetAll(ctx, r.key(definitionID)).Result()
	if err != nil {
		return models.Statistics{}, fmt.Errorf("failed to get statistics of workflow %s: %w", definitionID, err)
	}

	var stats models.Statistics

	for field, target := range map[string]*int64{
		fieldStarted:    &stats.Started,
		fieldCompleted:  &stats.Completed,
		fieldFailed:     &stats.Failed,
		fieldCancelled:  &stats.Cancelled,
		fieldTimedOut:   &stats.TimedOut,
		fieldDurationMs: &stats.TotalDurationMs,
	} {
		raw, ok := values[field]
		if !ok {
			continue
		}

		*target, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return models.Statistics{}, fmt.Errorf("invalid %s counter of workflow %s: %w", field, definitionID, err)
		}
	}

	return stats, nil
}
