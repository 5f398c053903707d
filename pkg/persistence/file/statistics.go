package file

import (
	"context"
	"errors"
	"io/fs"

	"github.com/dukex/procflow/pkg/models"
)

// StatisticsRepository keeps one counters document per definition.
type StatisticsRepository struct {
	store *Persistence
}

func (r *StatisticsRepository) Increment(_ context.Context, definitionID string, delta models.StatisticsDelta) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	stats, err := r.load(definitionID)
	if err != nil {
		return err
	}

	stats.Apply(delta)

	return r.store.write(statisticsDir, definitionID, stats)
}

func (r *StatisticsRepository) Get(_ context.Context, definitionID string) (models.Statistics, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.load(definitionID)
}

func (r *StatisticsRepository) load(definitionID string) (models.Statistics, error) {
	var stats models.Statistics

	err := r.store.read(statisticsDir, definitionID, &stats)
	if errors.Is(err, fs.ErrNotExist) {
		return models.Statistics{}, nil
	}

	return stats, err
}
