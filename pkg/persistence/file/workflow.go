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

// DefinitionRepository handles definition file operations.
type DefinitionRepository struct {
	store *Persistence
}

// List returns paginated and filtered definitions with in-memory operations.
func (r *DefinitionRepository) List(_ context.Context, opts persistence.ListDefinitionsOptions) (*persistence.DefinitionListResult, error) {
	r.store.mu.Lock()
	all, err := readAll[models.WorkflowDefinition](r.store, workflowsDir)
	r.store.mu.Unlock()

	if err != nil {
		return nil, err
	}

	return persistence.ListDefinitions(all, opts)
}

// GetByID retrieves a definition by its ID from the file system.
func (r *DefinitionRepository) GetByID(_ context.Context, id string) (*models.WorkflowDefinition, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var def models.WorkflowDefinition

	err := r.store.read(workflowsDir, id, &def)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to fetch workflow %s: %w", id, err)
	}

	return &def, nil
}

// Save saves a definition to the file system.
func (r *DefinitionRepository) Save(_ context.Context, def *models.WorkflowDefinition) error {
	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}

	def.UpdatedAt = now

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.store.write(workflowsDir, def.ID, def)
}

// Delete removes a definition by its ID.
func (r *DefinitionRepository) Delete(_ context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.store.remove(workflowsDir, id)
}
