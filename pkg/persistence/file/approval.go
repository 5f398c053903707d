package file

import (
	"context"

	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence"
)

// ApprovalRepository stores the approval gate query model.
type ApprovalRepository struct {
	store *Persistence
}

func (r *ApprovalRepository) Save(_ context.Context, request *models.ApprovalRequest) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.store.write(approvalsDir, request.ID, request)
}

func (r *ApprovalRepository) Pending(_ context.Context, approver string) ([]*models.ApprovalRequest, error) {
	return r.filter(func(request *models.ApprovalRequest) bool {
		return request.IsPending() && request.IsEligible(approver) && !request.HasResponded(approver)
	})
}

func (r *ApprovalRepository) ListByInstance(_ context.Context, instanceID string) ([]*models.ApprovalRequest, error) {
	return r.filter(func(request *models.ApprovalRequest) bool {
		return request.InstanceID == instanceID
	})
}

func (r *ApprovalRepository) filter(keep func(*models.ApprovalRequest) bool) ([]*models.ApprovalRequest, error) {
	r.store.mu.Lock()
	all, err := readAll[models.ApprovalRequest](r.store, approvalsDir)
	r.store.mu.Unlock()

	if err != nil {
		return nil, err
	}

	result := make([]*models.ApprovalRequest, 0, len(all))

	for _, request := range all {
		if keep(request) {
			result = append(result, request)
		}
	}

	persistence.SortApprovals(result)

	return result, nil
}
