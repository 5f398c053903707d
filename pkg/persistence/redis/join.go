package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence"
	"github.com/redis/go-redis/v9"
)

// maxSettleAttempts bounds the WATCH retries of a single Arrive or Fail call.
const maxSettleAttempts = 50

// JoinRepository stores join barriers. Arrive and Fail are optimistic
// transactions on the join key.
type JoinRepository struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

func (r *JoinRepository) key(id string) string {
	return r.prefix + "join:" + id
}

func (r *JoinRepository) instanceKey(instanceID string) string {
	return r.prefix + "idx:joins:" + instanceID
}

// Create stores the join unless it already exists.
func (r *JoinRepository) Create(ctx context.Context, join *models.BranchJoin) error {
	data, err := json.Marshal(join)
	if err != nil {
		return fmt.Errorf("failed to marshal join %s: %w", join.ID, err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, r.key(join.ID), data, 0)
		pipe.SAdd(ctx, r.instanceKey(join.InstanceID), join.ID)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store join %s: %w", join.ID, err)
	}

	return nil
}

// Get returns a join by its ID.
func (r *JoinRepository) Get(ctx context.Context, id string) (*models.BranchJoin, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, persistence.NewJoinError("Get", id, persistence.ErrJoinNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get join %s: %w", id, err)
	}

	return decodeJoin(data)
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

func (r *JoinRepository) settle(ctx context.Context, op, id string, apply func(*models.BranchJoin) (models.JoinResult, bool)) (models.JoinResult, error) {
	key := r.key(id)

	var result models.JoinResult

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return persistence.NewJoinError(op, id, persistence.ErrJoinNotFound)
		}

		if err != nil {
			return err
		}

		join, err := decodeJoin(data)
		if err != nil {
			return err
		}

		var changed bool

		result, changed = apply(join)
		if !changed {
			return nil
		}

		data, err = json.Marshal(join)
		if err != nil {
			return fmt.Errorf("failed to marshal join %s: %w", id, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)

			return nil
		})

		return err
	}

	for attempt := 0; attempt < maxSettleAttempts; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			r.logger.DebugContext(ctx, "join changed concurrently, retrying", "join_id", id, "attempt", attempt)

			continue
		}

		if persistence.IsJoinNotFound(err) {
			return "", err
		}

		if err != nil {
			return "", fmt.Errorf("failed to %s join %s: %w", op, id, err)
		}

		return result, nil
	}

	return "", fmt.Errorf("failed to %s join %s: %w", op, id, persistence.ErrConcurrentModification)
}

// Delete removes a join.
func (r *JoinRepository) Delete(ctx context.Context, id string) error {
	join, err := r.Get(ctx, id)
	if persistence.IsJoinNotFound(err) {
		return nil
	}

	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key(id))
		pipe.SRem(ctx, r.instanceKey(join.InstanceID), id)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete join %s: %w", id, err)
	}

	return nil
}

// DeleteByInstance removes every join of an instance.
func (r *JoinRepository) DeleteByInstance(ctx context.Context, instanceID string) error {
	ids, err := r.client.SMembers(ctx, r.instanceKey(instanceID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to list joins of instance %s: %w", instanceID, err)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, r.key(id))
	}

	keys = append(keys, r.instanceKey(instanceID))

	err = r.client.Del(ctx, keys...).Err()
	if err != nil {
		return fmt.Errorf("failed to delete joins of instance %s: %w", instanceID, err)
	}

	return nil
}

func decodeJoin(data []byte) (*models.BranchJoin, error) {
	var join models.BranchJoin

	err := json.Unmarshal(data, &join)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal join: %w", err)
	}

	return &join, nil
}
