package persistence

import (
	"context"
	"errors"
	"fmt"
)

// CounterStore is a backend that only keeps join barriers and statistics, such as Redis.
type CounterStore interface {
	JoinRepository() JoinRepository
	StatisticsRepository() StatisticsRepository
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

type overlay struct {
	Persistence

	counters CounterStore
}

// WithCounterStore serves joins and statistics from counters and everything else from base.
func WithCounterStore(base Persistence, counters CounterStore) Persistence {
	return &overlay{Persistence: base, counters: counters}
}

func (o *overlay) JoinRepository() JoinRepository {
	return o.counters.JoinRepository()
}

func (o *overlay) StatisticsRepository() StatisticsRepository {
	return o.counters.StatisticsRepository()
}

func (o *overlay) HealthCheck(ctx context.Context) error {
	if err := o.Persistence.HealthCheck(ctx); err != nil {
		return err
	}

	if err := o.counters.HealthCheck(ctx); err != nil {
		return fmt.Errorf("counter store unhealthy: %w", err)
	}

	return nil
}

func (o *overlay) Close(ctx context.Context) error {
	return errors.Join(o.counters.Close(ctx), o.Persistence.Close(ctx))
}
