package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence"
)

// JoinRepository stores join barriers; arrivals are serialized by the store mutex.
type JoinRepository struct {
	store *Persistence
}

func (r *JoinRepository) Create(_ context.Context, join *models.BranchJoin) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	_, err := r.load("Create", join.ID)
	if err == nil {
		return nil
	}

	if !persistence.IsJoinNotFound(err) {
		return err
	}

	return r.store.write(joinsDir, join.ID, join)
}

func (r *JoinRepository) Get(_ context.Context, id string) (*models.BranchJoin, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.load("Get", id)
}

func (r *JoinRepository) Arrive(_ context.Context, id, token string) (models.JoinResult, error) {
	return r.settle("Arrive", id, func(join *models.BranchJoin) (models.JoinResult, bool) {
		return join.Arrive(token)
	})
}

func (r *JoinRepository) Fail(_ context.Context, id, token string) (models.JoinResult, error) {
	return r.settle("Fail", id, func(join *models.BranchJoin) (models.JoinResult, bool) {
		return join.Fail(token)
	})
}

func (r *JoinRepository) settle(op, id string, apply func(*models.BranchJoin) (models.JoinResult, bool)) (models.JoinResult, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	join, err := r.load(op, id)
	if err != nil {
		return "", err
	}

	result, changed := apply(join)
	if !changed {
		return result, nil
	}

	err = r.store.write(joinsDir, id, join)
	if err != nil {
		return "", err
	}

	return result, nil
}

func (r *JoinRepository) Delete(_ context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.store.remove(joinsDir, id)
}

func (r *JoinRepository) DeleteByInstance(_ context.Context, instanceID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	all, err := readAll[models.BranchJoin](r.store, joinsDir)
	if err != nil {
		return err
	}

	for _, join := range all {
		if join.InstanceID != instanceID {
			continue
		}

		err := r.store.remove(joinsDir, join.ID)
		if err != nil {
			return err
		}
	}

	return nil
}

func (r *JoinRepository) load(op, id string) (*models.BranchJoin, error) {
	var join models.BranchJoin

	err := r.store.read(joinsDir, id, &join)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, persistence.NewJoinError(op, id, persistence.ErrJoinNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to fetch join %s: %w", id, err)
	}

	return &join, nil
}
