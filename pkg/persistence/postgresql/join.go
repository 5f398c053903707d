package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence"
)

// JoinRepository stores join barriers. Arrive and Fail lock the row for the
// duration of the read-modify-write.
type JoinRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewJoinRepository creates a new join repository.
func NewJoinRepository(db *sql.DB, logger *slog.Logger) *JoinRepository {
	return &JoinRepository{db: db, logger: logger}
}

// Create inserts the join unless it already exists.
func (r *JoinRepository) Create(ctx context.Context, join *models.BranchJoin) error {
	document, err := json.Marshal(join)
	if err != nil {
		return fmt.Errorf("failed to marshal join %s: %w", join.ID, err)
	}

	_, err = r.db.ExecContext(ctx,
		"INSERT INTO branch_joins (id, instance_id, document, created_at) VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING",
		join.ID, join.InstanceID, document, join.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert join %s: %w", join.ID, err)
	}

	return nil
}

// Get returns a join by its ID.
func (r *JoinRepository) Get(ctx context.Context, id string) (*models.BranchJoin, error) {
	var document []byte

	err := r.db.QueryRowContext(ctx, "SELECT document FROM branch_joins WHERE id = $1", id).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewJoinError("Get", id, persistence.ErrJoinNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query join %s: %w", id, err)
	}

	return decodeJoin(document)
}

// Arrive records a branch arrival.
func (r *JoinRepository) Arrive(ctx context.Context, id, token string) (models.JoinResult, error) {
	return r.settle(ctx, "Arrive", id, func(join *models.BranchJoin) (models.JoinResult, bool) {
		return join.Arrive(token)
	})
}

// Fail records a branch failure.
func (r *JoinRepository) Fail(ctx context.Context, id, token string) (models.JoinResult, error) {
	return r.settle(ctx, "Fail", id, func(join *models.BranchJoin) (models.JoinResult, bool) {
		return join.Fail(token)
	})
}

func (r *JoinRepository) settle(ctx context.Context, op, id string, apply func(*models.BranchJoin) (models.JoinResult, bool)) (result models.JoinResult, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var document []byte

	err = tx.QueryRowContext(ctx, "SELECT document FROM branch_joins WHERE id = $1 FOR UPDATE", id).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return "", persistence.NewJoinError(op, id, persistence.ErrJoinNotFound)
	}

	if err != nil {
		return "", fmt.Errorf("failed to lock join %s: %w", id, err)
	}

	join, err := decodeJoin(document)
	if err != nil {
		return "", err
	}

	result, changed := apply(join)

	if changed {
		document, err = json.Marshal(join)
		if err != nil {
			return "", fmt.Errorf("failed to marshal join %s: %w", id, err)
		}

		_, err = tx.ExecContext(ctx, "UPDATE branch_joins SET document = $2 WHERE id = $1", id, document)
		if err != nil {
			return "", fmt.Errorf("failed to update join %s: %w", id, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return "", fmt.Errorf("failed to commit join %s: %w", id, err)
	}

	return result, nil
}

// Delete removes a join.
func (r *JoinRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM branch_joins WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete join %s: %w", id, err)
	}

	return nil
}

// DeleteByInstance removes every join of an instance.
func (r *JoinRepository) DeleteByInstance(ctx context.Context, instanceID string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM branch_joins WHERE instance_id = $1", instanceID)
	if err != nil {
		return fmt.Errorf("failed to delete joins of instance %s: %w", instanceID, err)
	}

	return nil
}

func decodeJoin(document []byte) (*models.BranchJoin, error) {
	var join models.BranchJoin

	err := json.Unmarshal(document, &join)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal join: %w", err)
	}

	return &join, nil
}
