// Package persistence provides the storage abstraction for definitions, instances, approval gates and join barriers.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/procflow/pkg/models"
)

// Persistence groups the repositories of one storage backend.
type Persistence interface {
	DefinitionRepository() DefinitionRepository
	InstanceRepository() InstanceRepository
	ApprovalRepository() ApprovalRepository
	JoinRepository() JoinRepository
	StatisticsRepository() StatisticsRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// DefinitionRepository stores workflow definitions.
type DefinitionRepository interface {
	// GetByID returns ErrWorkflowNotFound when no definition has the id.
	GetByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	Save(ctx context.Context, def *models.WorkflowDefinition) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, opts ListDefinitionsOptions) (*DefinitionListResult, error)
}

// InstanceRepository stores workflow instances under optimistic concurrency control.
type InstanceRepository interface {
	// Create stores a new instance at version 1.
	Create(ctx context.Context, instance *models.WorkflowInstance) error
	// GetByID returns ErrInstanceNotFound when no instance has the id.
	GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error)
	// Update stores the instance when the stored version equals expectedVersion and
	// sets instance.Version to expectedVersion+1. Otherwise it returns ErrConcurrentModification.
	Update(ctx context.Context, instance *models.WorkflowInstance, expectedVersion int64) error
	List(ctx context.Context, opts ListInstancesOptions) (*InstanceListResult, error)
	CountByDefinition(ctx context.Context, definitionID string) (int64, error)
	// Overdue returns non-terminal instances with a deadline or approval gate due at or before now.
	Overdue(ctx context.Context, now time.Time, limit int) ([]*models.WorkflowInstance, error)
}

// ApprovalRepository is the query model of approval gates.
type ApprovalRepository interface {
	Save(ctx context.Context, request *models.ApprovalRequest) error
	// Pending returns the open gates an approver may respond to, oldest first.
	Pending(ctx context.Context, approver string) ([]*models.ApprovalRequest, error)
	ListByInstance(ctx context.Context, instanceID string) ([]*models.ApprovalRequest, error)
}

// JoinRepository stores join barriers. Arrive and Fail are atomic per join.
type JoinRepository interface {
	// Create stores the join unless one with the same id exists.
	Create(ctx context.Context, join *models.BranchJoin) error
	Get(ctx context.Context, id string) (*models.BranchJoin, error)
	Arrive(ctx context.Context, id, token string) (models.JoinResult, error)
	Fail(ctx context.Context, id, token string) (models.JoinResult, error)
	Delete(ctx context.Context, id string) error
	DeleteByInstance(ctx context.Context, instanceID string) error
}

// StatisticsRepository keeps the per-definition counters. Increments are atomic.
type StatisticsRepository interface {
	Increment(ctx context.Context, definitionID string, delta models.StatisticsDelta) error
	Get(ctx context.Context, definitionID string) (models.Statistics, error)
}
