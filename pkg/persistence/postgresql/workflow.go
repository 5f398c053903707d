package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence"
)

// DefinitionRepository handles definition-related database operations.
type DefinitionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewDefinitionRepository creates a new definition repository.
func NewDefinitionRepository(db *sql.DB, logger *slog.Logger) *DefinitionRepository {
	return &DefinitionRepository{db: db, logger: logger}
}

var definitionSortColumns = map[string]string{
	"created_at": "created_at",
	"updated_at": "updated_at",
	"name":       "name",
}

// GetByID returns a definition by its ID.
func (r *DefinitionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	var document []byte

	err := r.db.QueryRowContext(ctx, "SELECT document FROM workflow_definitions WHERE id = $1", id).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query workflow %s: %w", id, err)
	}

	return decodeDefinition(document)
}

// Save upserts a definition.
func (r *DefinitionRepository) Save(ctx context.Context, def *models.WorkflowDefinition) error {
	now := time.Now().UTC()

	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}

	def.UpdatedAt = now

	document, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow %s: %w", def.ID, err)
	}

	query := `
		INSERT INTO workflow_definitions (id, name, status, owner, version, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			owner = EXCLUDED.owner,
			version = EXCLUDED.version,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		def.ID,
		def.Name,
		def.Status,
		def.Owner,
		def.Version,
		document,
		def.CreatedAt,
		def.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow %s: %w", def.ID, err)
	}

	return nil
}

// Delete removes a definition.
func (r *DefinitionRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM workflow_definitions WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow %s: %w", id, err)
	}

	return nil
}

// List returns paginated and filtered definitions.
func (r *DefinitionRepository) List(ctx context.Context, opts persistence.ListDefinitionsOptions) (*persistence.DefinitionListResult, error) {
	where, args, err := r.buildListQuery(&opts)
	if err != nil {
		return nil, err
	}

	var total int64

	err = r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM workflow_definitions"+where, args...).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count workflows: %w", err)
	}

	query := fmt.Sprintf("SELECT document FROM workflow_definitions%s ORDER BY %s %s, id LIMIT $%d OFFSET $%d",
		where, definitionSortColumns[opts.SortBy], strings.ToUpper(opts.SortOrder), len(args)+1, len(args)+2)

	rows, err := r.db.QueryContext(ctx, query, append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	definitions := make([]*models.WorkflowDefinition, 0, opts.Limit)

	for rows.Next() {
		var document []byte

		err := rows.Scan(&document)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}

		def, err := decodeDefinition(document)
		if err != nil {
			return nil, err
		}

		definitions = append(definitions, def)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	return &persistence.DefinitionListResult{
		Definitions: definitions,
		TotalCount:  total,
		HasNextPage: int64(opts.Offset+len(definitions)) < total,
	}, nil
}

func (r *DefinitionRepository) buildListQuery(opts *persistence.ListDefinitionsOptions) (string, []any, error) {
	err := opts.Normalize()
	if err != nil {
		return "", nil, err
	}

	conditions := make([]string, 0, 2)
	args := make([]any, 0, 2)

	if opts.Status != "" {
		args = append(args, opts.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	if opts.Owner != "" {
		args = append(args, opts.Owner)
		conditions = append(conditions, fmt.Sprintf("owner = $%d", len(args)))
	}

	return whereClause(conditions), args, nil
}

func decodeDefinition(document []byte) (*models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition

	err := json.Unmarshal(document, &def)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
	}

	return &def, nil
}

func whereClause(conditions []string) string {
	if len(conditions) == 0 {
		return ""
	}

	return " WHERE " + strings.Join(conditions, " AND ")
}
