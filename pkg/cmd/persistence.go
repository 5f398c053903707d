// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/procflow/pkg/persistence"
	"github.com/dukex/procflow/pkg/persistence/file"
	"github.com/dukex/procflow/pkg/persistence/memory"
	"github.com/dukex/procflow/pkg/persistence/postgresql"
	procredis "github.com/dukex/procflow/pkg/persistence/redis"
)

var supportedPersistenceProviders = []string{"file", "memory", "postgres", "postgresql"}

// NewPersistence opens the backend named by the URL scheme. When redisURL is set,
// join barriers and statistics are served from Redis instead.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL, redisURL string) (persistence.Persistence, error) {
	base, err := newBasePersistence(ctx, logger, databaseURL)
	if err != nil {
		return nil, err
	}

	if redisURL == "" {
		return base, nil
	}

	counters, err := procredis.NewStore(ctx, logger, redisURL, procredis.DefaultPrefix)
	if err != nil {
		_ = base.Close(ctx)

		return nil, fmt.Errorf("failed to open redis counter store: %w", err)
	}

	return persistence.WithCounterStore(base, counters), nil
}

func newBasePersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parsePersistenceProvider(databaseURL) {
	case "memory":
		return memory.NewPersistence(), nil
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	default:
		return file.NewPersistence(databaseURL), nil
	}
}

func parsePersistenceProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	for _, supported := range supportedPersistenceProviders {
		if provider == supported {
			return provider
		}
	}

	return "file"
}
