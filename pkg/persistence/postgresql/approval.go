package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dukex/procflow/pkg/models"
	"github.com/lib/pq"
)

// ApprovalRepository stores the approval gate query model.
type ApprovalRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewApprovalRepository creates a new approval repository.
func NewApprovalRepository(db *sql.DB, logger *slog.Logger) *ApprovalRepository {
	return &ApprovalRepository{db: db, logger: logger}
}

// Save upserts a gate.
func (r *ApprovalRepository) Save(ctx context.Context, request *models.ApprovalRequest) error {
	document, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal approval request %s: %w", request.ID, err)
	}

	query := `
		INSERT INTO approval_requests (id, instance_id, status, approvers, document, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			approvers = EXCLUDED.approvers,
			document = EXCLUDED.document
	`

	_, err = r.db.ExecContext(ctx, query,
		request.ID,
		request.InstanceID,
		request.Status,
		pq.Array(request.Approvers),
		document,
		request.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save approval request %s: %w", request.ID, err)
	}

	return nil
}

// Pending returns the open gates the approver has not answered yet.
func (r *ApprovalRepository) Pending(ctx context.Context, approver string) ([]*models.ApprovalRequest, error) {
	query := `
		SELECT document FROM approval_requests
		WHERE status = 'pending'
			AND $1 = ANY(approvers)
			AND NOT (document->'responses' @> jsonb_build_array(jsonb_build_object('approver', $1::text)))
		ORDER BY created_at
	`

	return r.query(ctx, query, approver)
}

// ListByInstance returns every gate of an instance.
func (r *ApprovalRepository) ListByInstance(ctx context.Context, instanceID string) ([]*models.ApprovalRequest, error) {
	return r.query(ctx, "SELECT document FROM approval_requests WHERE instance_id = $1 ORDER BY created_at", instanceID)
}

func (r *ApprovalRepository) query(ctx context.Context, query string, args ...any) ([]*models.ApprovalRequest, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query approval requests: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	requests := make([]*models.ApprovalRequest, 0)

	for rows.Next() {
		var document []byte

		err := rows.Scan(&document)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval request: %w", err)
		}

		var request models.ApprovalRequest

		err = json.Unmarshal(document, &request)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal approval request: %w", err)
		}

		requests = append(requests, &request)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating approval requests: %w", err)
	}

	return requests, nil
}
