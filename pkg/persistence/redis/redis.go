// Package redis keeps join barriers and definition statistics in Redis.
//
// Key layout:
//
//	<prefix>join:<id>               => JSON encoded models.BranchJoin
//	<prefix>idx:joins:<instance>    => SET of join IDs of an instance
//	<prefix>stats:<definition>      => HASH of counters
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/procflow/pkg/persistence"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix is used when none is configured.
const DefaultPrefix = "procflow:"

// Store is a persistence.CounterStore backed by Redis.
type Store struct {
	client *redis.Client
	prefix string
	logger *slog.Logger

	joins *JoinRepository
	stats *StatisticsRepository
}

var _ persistence.CounterStore = (*Store)(nil)

// NewStore connects to the Redis URL and verifies the connection.
func NewStore(ctx context.Context, logger *slog.Logger, url, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	err = client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return NewStoreWithClient(client, logger, prefix), nil
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(client *redis.Client, logger *slog.Logger, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}

	logger = logger.With("module", "redis_store")

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
		joins:  &JoinRepository{client: client, prefix: prefix, logger: logger},
		stats:  &StatisticsRepository{client: client, prefix: prefix},
	}
}

// JoinRepository returns the join barrier repository.
func (s *Store) JoinRepository() persistence.JoinRepository {
	return s.joins
}

// StatisticsRepository returns the statistics repository.
func (s *Store) StatisticsRepository() persistence.StatisticsRepository {
	return s.stats
}

// HealthCheck pings the server.
func (s *Store) HealthCheck(ctx context.Context) error {
	err := s.client.Ping(ctx).Err()
	if err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	return nil
}

// Close closes the client.
func (s *Store) Close(_ context.Context) error {
	return s.client.Close()
}
