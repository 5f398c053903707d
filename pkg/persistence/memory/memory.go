// Package memory provides an in-process persistence implementation used by tests and single-node setups.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence"
)

// Persistence keeps every record in maps guarded by one mutex. Records are
// copied on the way in and out so callers never share state with the store.
type Persistence struct {
	mu          sync.Mutex
	definitions map[string]*models.WorkflowDefinition
	instances   map[string]*models.WorkflowInstance
	approvals   map[string]*models.ApprovalRequest
	joins       map[string]*models.BranchJoin
	statistics  map[string]models.Statistics
}

// NewPersistence creates an empty store.
func NewPersistence() *Persistence {
	return &Persistence{
		definitions: make(map[string]*models.WorkflowDefinition),
		instances:   make(map[string]*models.WorkflowInstance),
		approvals:   make(map[string]*models.ApprovalRequest),
		joins:       make(map[string]*models.BranchJoin),
		statistics:  make(map[string]models.Statistics),
	}
}

func (p *Persistence) DefinitionRepository() persistence.DefinitionRepository {
	return (*definitionRepository)(p)
}

func (p *Persistence) InstanceRepository() persistence.InstanceRepository {
	return (*instanceRepository)(p)
}

func (p *Persistence) ApprovalRepository() persistence.ApprovalRepository {
	return (*approvalRepository)(p)
}

func (p *Persistence) JoinRepository() persistence.JoinRepository {
	return (*joinRepository)(p)
}

func (p *Persistence) StatisticsRepository() persistence.StatisticsRepository {
	return (*statisticsRepository)(p)
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}

type definitionRepository Persistence

func (r *definitionRepository) GetByID(_ context.Context, id string) (*models.WorkflowDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.definitions[id]
	if !ok {
		return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
	}

	return def.Clone()
}

func (r *definitionRepository) Save(_ context.Context, def *models.WorkflowDefinition) error {
	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}

	def.UpdatedAt = now

	stored, err := def.Clone()
	if err != nil {
		return fmt.Errorf("failed to copy workflow %s: %w", def.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.definitions[def.ID] = stored

	return nil
}

func (r *definitionRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.definitions, id)

	return nil
}

func (r *definitionRepository) List(_ context.Context, opts persistence.ListDefinitionsOptions) (*persistence.DefinitionListResult, error) {
	r.mu.Lock()

	all := make([]*models.WorkflowDefinition, 0, len(r.definitions))

	for _, def := range r.definitions {
		clone, err := def.Clone()
		if err != nil {
			r.mu.Unlock()

			return nil, fmt.Errorf("failed to copy workflow %s: %w", def.ID, err)
		}

		all = append(all, clone)
	}

	r.mu.Unlock()

	return persistence.ListDefinitions(all, opts)
}

type instanceRepository Persistence

func (r *instanceRepository) Create(_ context.Context, instance *models.WorkflowInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[instance.ID]; exists {
		return persistence.NewInstanceError("Create", instance.ID, persistence.ErrInstanceAlreadyExists)
	}

	now := time.Now().UTC()
	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}

	instance.UpdatedAt = now
	instance.Version = 1
	r.instances[instance.ID] = instance.Clone()

	return nil
}

func (r *instanceRepository) GetByID(_ context.Context, id string) (*models.WorkflowInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	instance, ok := r.instances[id]
	if !ok {
		return nil, persistence.NewInstanceError("GetByID", id, persistence.ErrInstanceNotFound)
	}

	return instance.Clone(), nil
}

func (r *instanceRepository) Update(_ context.Context, instance *models.WorkflowInstance, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.instances[instance.ID]
	if !ok {
		return persistence.NewInstanceError("Update", instance.ID, persistence.ErrInstanceNotFound)
	}

	if stored.Version != expectedVersion {
		return persistence.NewConflictError("Update", instance.ID, expectedVersion)
	}

	instance.Version = expectedVersion + 1
	instance.UpdatedAt = time.Now().UTC()
	r.instances[instance.ID] = instance.Clone()

	return nil
}

func (r *instanceRepository) List(_ context.Context, opts persistence.ListInstancesOptions) (*persistence.InstanceListResult, error) {
	return persistence.ListInstances(r.snapshot(), opts)
}

func (r *instanceRepository) CountByDefinition(_ context.Context, definitionID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count int64

	for _, instance := range r.instances {
		if instance.DefinitionID == definitionID {
			count++
		}
	}

	return count, nil
}

func (r *instanceRepository) Overdue(_ context.Context, now time.Time, limit int) ([]*models.WorkflowInstance, error) {
	overdue := make([]*models.WorkflowInstance, 0)

	for _, instance := range r.snapshot() {
		if limit > 0 && len(overdue) == limit {
			break
		}

		if persistence.IsOverdue(instance, now) {
			overdue = append(overdue, instance)
		}
	}

	return overdue, nil
}

func (r *instanceRepository) snapshot() []*models.WorkflowInstance {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]*models.WorkflowInstance, 0, len(r.instances))
	for _, instance := range r.instances {
		all = append(all, instance.Clone())
	}

	return all
}

type approvalRepository Persistence

func (r *approvalRepository) Save(_ context.Context, request *models.ApprovalRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.approvals[request.ID] = request.Clone()

	return nil
}

func (r *approvalRepository) Pending(_ context.Context, approver string) ([]*models.ApprovalRequest, error) {
	return r.filter(func(request *models.ApprovalRequest) bool {
		return request.IsPending() && request.IsEligible(approver) && !request.HasResponded(approver)
	}), nil
}

func (r *approvalRepository) ListByInstance(_ context.Context, instanceID string) ([]*models.ApprovalRequest, error) {
	return r.filter(func(request *models.ApprovalRequest) bool {
		return request.InstanceID == instanceID
	}), nil
}

func (r *approvalRepository) filter(keep func(*models.ApprovalRequest) bool) []*models.ApprovalRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]*models.ApprovalRequest, 0)

	for _, request := range r.approvals {
		if keep(request) {
			result = append(result, request.Clone())
		}
	}

	persistence.SortApprovals(result)

	return result
}

type joinRepository Persistence

func (r *joinRepository) Create(_ context.Context, join *models.BranchJoin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.joins[join.ID]; !exists {
		r.joins[join.ID] = join.Clone()
	}

	return nil
}

func (r *joinRepository) Get(_ context.Context, id string) (*models.BranchJoin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	join, ok := r.joins[id]
	if !ok {
		return nil, persistence.NewJoinError("Get", id, persistence.ErrJoinNotFound)
	}

	return join.Clone(), nil
}

func (r *joinRepository) Arrive(_ context.Context, id, token string) (models.JoinResult, error) {
	return r.settle("Arrive", id, func(join *models.BranchJoin) (models.JoinResult, bool) {
		return join.Arrive(token)
	})
}

func (r *joinRepository) Fail(_ context.Context, id, token string) (models.JoinResult, error) {
	return r.settle("Fail", id, func(join *models.BranchJoin) (models.JoinResult, bool) {
		return join.Fail(token)
	})
}

func (r *joinRepository) settle(op, id string, apply func(*models.BranchJoin) (models.JoinResult, bool)) (models.JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	join, ok := r.joins[id]
	if !ok {
		return "", persistence.NewJoinError(op, id, persistence.ErrJoinNotFound)
	}

	result, _ := apply(join)

	return result, nil
}

func (r *joinRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.joins, id)

	return nil
}

func (r *joinRepository) DeleteByInstance(_ context.Context, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, join := range r.joins {
		if join.InstanceID == instanceID {
			delete(r.joins, id)
		}
	}

	return nil
}

type statisticsRepository Persistence

func (r *statisticsRepository) Increment(_ context.Context, definitionID string, delta models.StatisticsDelta) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := r.statistics[definitionID]
	stats.Apply(delta)
	r.statistics[definitionID] = stats

	return nil
}

func (r *statisticsRepository) Get(_ context.Context, definitionID string) (models.Statistics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.statistics[definitionID], nil
}
