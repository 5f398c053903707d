// Package join coordinates the durable barriers between parallel nodes and their merges.
package join

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/procflow/pkg/metrics"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence"
	"github.com/google/uuid"
)

// Fork is the barrier created for one visit of a parallel node and the branch
// tokens it expects, in the order of the outgoing edges.
type Fork struct {
	Join   *models.BranchJoin
	Tokens []string
	Edges  []string
}

type Coordinator struct {
	joins   persistence.JoinRepository
	logger  *slog.Logger
	metrics *metrics.Collector
}

func NewCoordinator(joins persistence.JoinRepository, logger *slog.Logger, collector *metrics.Collector) *Coordinator {
	return &Coordinator{
		joins:   joins,
		logger:  logger.With("module", "join_coordinator"),
		metrics: collector,
	}
}

// ID derives the join id of a parallel node visit. Replaying the same visit yields the same id.
func ID(instanceID, parallelNodeID string, visit int, parentBranch string) string {
	name := "procflow:join:" + instanceID + "/" + parallelNodeID + "/" + strconv.Itoa(visit) + "/" + parentBranch

	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// BranchToken derives the token of the branch that follows edgeID out of a join.
func BranchToken(joinID, edgeID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("procflow:branch:"+joinID+"/"+edgeID)).String()
}

// NewFork builds the barrier for a parallel node visit. The instance state owns
// the barrier from the FORK entry on; building it again for the same visit yields
// the same ids and tokens.
func NewFork(
	instanceID, parallelNodeID string,
	visit int,
	parentBranch string,
	policy models.JoinPolicy,
	edges []models.Edge,
	now time.Time,
) *Fork {
	id := ID(instanceID, parallelNodeID, visit, parentBranch)
	fork := &Fork{
		Tokens: make([]string, 0, len(edges)),
		Edges:  make([]string, 0, len(edges)),
	}

	for _, edge := range edges {
		fork.Tokens = append(fork.Tokens, BranchToken(id, edge.ID))
		fork.Edges = append(fork.Edges, edge.ID)
	}

	fork.Join = &models.BranchJoin{
		ID:             id,
		InstanceID:     instanceID,
		ParallelNodeID: parallelNodeID,
		ParentBranch:   parentBranch,
		Expected:       fork.Tokens,
		Arrived:        []string{},
		Failed:         []string{},
		Policy:         policy,
		CreatedAt:      now,
	}

	return fork
}

// Mirror applies committed FORK, ARRIVE, BRANCH_FAILED and RELEASE entries to the
// stored barriers. It runs only after the instance write succeeded, so a stored
// barrier never holds an arrival the instance history lacks.
func (c *Coordinator) Mirror(ctx context.Context, instanceID string, entries []models.HistoryEntry) error {
	var errs []error

	for _, entry := range entries {
		if entry.JoinID == "" {
			continue
		}

		var err error

		switch entry.Action {
		case models.ActionFork:
			err = c.joins.Create(ctx, forkJoin(instanceID, entry))
		case models.ActionArrive:
			_, err = c.joins.Arrive(ctx, entry.JoinID, entry.Branch)
		case models.ActionBranchFailed:
			_, err = c.joins.Fail(ctx, entry.JoinID, entry.Branch)
		case models.ActionRelease:
			err = c.joins.Delete(ctx, entry.JoinID)
		default:
			continue
		}

		if err != nil && !persistence.IsJoinNotFound(err) {
			errs = append(errs, fmt.Errorf("failed to mirror %s of join %s: %w", entry.Action, entry.JoinID, err))
		}
	}

	return errors.Join(errs...)
}

// Settled counts a barrier outcome decided by the instance state.
func (c *Coordinator) Settled(ctx context.Context, joinID, token string, result models.JoinResult) {
	c.metrics.JoinSettled(string(result))
	c.logger.DebugContext(ctx, "branch settled", "join_id", joinID, "branch", token, "result", result)
}

func forkJoin(instanceID string, entry models.HistoryEntry) *models.BranchJoin {
	barrier := &models.BranchJoin{
		ID:             entry.JoinID,
		InstanceID:     instanceID,
		ParallelNodeID: entry.NodeID,
		ParentBranch:   entry.Branch,
		Expected:       make([]string, 0, len(entry.Spawned)),
		Arrived:        []string{},
		Failed:         []string{},
		Policy:         entry.Policy,
		CreatedAt:      entry.Timestamp,
	}

	for _, token := range entry.Spawned {
		barrier.Expected = append(barrier.Expected, token.Branch)
	}

	return barrier
}

// Get returns the stored barrier.
func (c *Coordinator) Get(ctx context.Context, joinID string) (*models.BranchJoin, error) {
	return c.joins.Get(ctx, joinID)
}

// RemoveInstance deletes every barrier of a finished instance.
func (c *Coordinator) RemoveInstance(ctx context.Context, instanceID string) error {
	return c.joins.DeleteByInstance(ctx, instanceID)
}
