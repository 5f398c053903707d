package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence"
)

// InstanceRepository stores one JSON document per instance. The version check and
// the write happen under the store mutex, so a single process never loses an update.
type InstanceRepository struct {
	store *Persistence
}

func (r *InstanceRepository) Create(_ context.Context, instance *models.WorkflowInstance) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	_, err := r.load(instance.ID)
	if err == nil {
		return persistence.NewInstanceError("Create", instance.ID, persistence.ErrInstanceAlreadyExists)
	}

	if !persistence.IsInstanceNotFound(err) {
		return err
	}

	now := time.Now().UTC()
	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}

	instance.UpdatedAt = now
	instance.Version = 1

	return r.store.write(instancesDir, instance.ID, instance)
}

func (r *InstanceRepository) GetByID(_ context.Context, id string) (*models.WorkflowInstance, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.load(id)
}

func (r *InstanceRepository) Update(_ context.Context, instance *models.WorkflowInstance, expectedVersion int64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	stored, err := r.load(instance.ID)
	if err != nil {
		return err
	}

	if stored.Version != expectedVersion {
		return persistence.NewConflictError("Update", instance.ID, expectedVersion)
	}

	previous := instance.Version
	instance.Version = expectedVersion + 1
	instance.UpdatedAt = time.Now().UTC()

	err = r.store.write(instancesDir, instance.ID, instance)
	if err != nil {
		instance.Version = previous

		return err
	}

	return nil
}

func (r *InstanceRepository) List(_ context.Context, opts persistence.ListInstancesOptions) (*persistence.InstanceListResult, error) {
	all, err := r.all()
	if err != nil {
		return nil, err
	}

	return persistence.ListInstances(all, opts)
}

func (r *InstanceRepository) CountByDefinition(_ context.Context, definitionID string) (int64, error) {
	all, err := r.all()
	if err != nil {
		return 0, err
	}

	var count int64

	for _, instance := range all {
		if instance.DefinitionID == definitionID {
			count++
		}
	}

	return count, nil
}

func (r *InstanceRepository) Overdue(_ context.Context, now time.Time, limit int) ([]*models.WorkflowInstance, error) {
	all, err := r.all()
	if err != nil {
		return nil, err
	}

	overdue := make([]*models.WorkflowInstance, 0)

	for _, instance := range all {
		if limit > 0 && len(overdue) == limit {
			break
		}

		if persistence.IsOverdue(instance, now) {
			overdue = append(overdue, instance)
		}
	}

	return overdue, nil
}

func (r *InstanceRepository) all() ([]*models.WorkflowInstance, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return readAll[models.WorkflowInstance](r.store, instancesDir)
}

func (r *InstanceRepository) load(id string) (*models.WorkflowInstance, error) {
	var instance models.WorkflowInstance

	err := r.store.read(instancesDir, id, &instance)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, persistence.NewInstanceError("GetByID", id, persistence.ErrInstanceNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to fetch instance %s: %w", id, err)
	}

	return &instance, nil
}
