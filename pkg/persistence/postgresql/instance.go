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
	"github.com/lib/pq"
)

// InstanceRepository stores instances. Update is a compare-and-set on the version column.
type InstanceRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewInstanceRepository creates a new instance repository.
func NewInstanceRepository(db *sql.DB, logger *slog.Logger) *InstanceRepository {
	return &InstanceRepository{db: db, logger: logger}
}

var instanceSortColumns = map[string]string{
	"created_at": "created_at",
	"updated_at": "updated_at",
	"title":      "title",
	"priority":   "CASE priority WHEN 'low' THEN 0 WHEN 'normal' THEN 1 WHEN 'high' THEN 2 WHEN 'urgent' THEN 3 END",
}

var terminalStatuses = pq.Array([]string{
	string(models.InstanceStatusCompleted),
	string(models.InstanceStatusFailed),
	string(models.InstanceStatusCancelled),
	string(models.InstanceStatusTimedOut),
})

type instanceRow struct {
	document     []byte
	context      []byte
	participants pq.StringArray
	nextDueAt    *time.Time
}

func encodeInstance(instance *models.WorkflowInstance) (instanceRow, error) {
	document, err := json.Marshal(instance)
	if err != nil {
		return instanceRow{}, fmt.Errorf("failed to marshal instance %s: %w", instance.ID, err)
	}

	contextJSON := []byte("{}")
	if instance.Context != nil {
		contextJSON, err = json.Marshal(instance.Context)
		if err != nil {
			return instanceRow{}, fmt.Errorf("failed to marshal context of instance %s: %w", instance.ID, err)
		}
	}

	return instanceRow{
		document:     document,
		context:      contextJSON,
		participants: instance.Participants(),
		nextDueAt:    instance.NextDueAt(),
	}, nil
}

// Create inserts the instance at version 1.
func (r *InstanceRepository) Create(ctx context.Context, instance *models.WorkflowInstance) error {
	now := time.Now().UTC()
	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}

	instance.UpdatedAt = now
	instance.Version = 1

	row, err := encodeInstance(instance)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_instances (id, definition_id, status, priority, title, initiated_by, assigned_to,
			participants, context, next_due_at, version, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		instance.ID,
		instance.DefinitionID,
		instance.Status,
		instance.Priority,
		instance.Title,
		instance.InitiatedBy,
		instance.AssignedTo,
		row.participants,
		row.context,
		row.nextDueAt,
		instance.Version,
		row.document,
		instance.CreatedAt,
		instance.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert instance %s: %w", instance.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewInstanceError("Create", instance.ID, persistence.ErrInstanceAlreadyExists)
	}

	return nil
}

// GetByID returns an instance by its ID.
func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	var document []byte

	err := r.db.QueryRowContext(ctx, "SELECT document FROM workflow_instances WHERE id = $1", id).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewInstanceError("GetByID", id, persistence.ErrInstanceNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query instance %s: %w", id, err)
	}

	return decodeInstance(document)
}

// Update writes the instance only if the stored version still equals expectedVersion.
func (r *InstanceRepository) Update(ctx context.Context, instance *models.WorkflowInstance, expectedVersion int64) error {
	previousVersion, previousUpdatedAt := instance.Version, instance.UpdatedAt

	instance.Version = expectedVersion + 1
	instance.UpdatedAt = time.Now().UTC()

	restore := func() {
		instance.Version, instance.UpdatedAt = previousVersion, previousUpdatedAt
	}

	row, err := encodeInstance(instance)
	if err != nil {
		restore()

		return err
	}

	query := `
		UPDATE workflow_instances SET
			status = $3,
			priority = $4,
			title = $5,
			assigned_to = $6,
			participants = $7,
			context = $8,
			next_due_at = $9,
			version = $10,
			document = $11,
			updated_at = $12
		WHERE id = $1 AND version = $2
	`

	result, err := r.db.ExecContext(ctx, query,
		instance.ID,
		expectedVersion,
		instance.Status,
		instance.Priority,
		instance.Title,
		instance.AssignedTo,
		row.participants,
		row.context,
		row.nextDueAt,
		instance.Version,
		row.document,
		instance.UpdatedAt,
	)
	if err != nil {
		restore()

		return fmt.Errorf("failed to update instance %s: %w", instance.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		restore()

		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 1 {
		return nil
	}

	restore()

	var exists bool

	err = r.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM workflow_instances WHERE id = $1)", instance.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check instance %s: %w", instance.ID, err)
	}

	if !exists {
		return persistence.NewInstanceError("Update", instance.ID, persistence.ErrInstanceNotFound)
	}

	return persistence.NewConflictError("Update", instance.ID, expectedVersion)
}

// List returns a page of instances plus the status counts of the filtered set.
func (r *InstanceRepository) List(ctx context.Context, opts persistence.ListInstancesOptions) (*persistence.InstanceListResult, error) {
	where, args, err := r.buildListQuery(&opts)
	if err != nil {
		return nil, err
	}

	counts, total, err := r.countByStatus(ctx, where, args)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT document FROM workflow_instances%s ORDER BY %s %s, id LIMIT $%d OFFSET $%d",
		where, instanceSortColumns[opts.SortBy], strings.ToUpper(opts.SortOrder), len(args)+1, len(args)+2)

	instances, err := r.query(ctx, query, append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, err
	}

	return &persistence.InstanceListResult{
		Instances:    instances,
		TotalCount:   total,
		HasNextPage:  int64(opts.Offset+len(instances)) < total,
		StatusCounts: counts,
	}, nil
}

func (r *InstanceRepository) countByStatus(ctx context.Context, where string, args []any) (map[models.InstanceStatus]int64, int64, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM workflow_instances"+where+" GROUP BY status", args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count instances: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	counts := make(map[models.InstanceStatus]int64)

	var total int64

	for rows.Next() {
		var (
			status string
			count  int64
		)

		err := rows.Scan(&status, &count)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan instance count: %w", err)
		}

		counts[models.InstanceStatus(status)] = count
		total += count
	}

	err = rows.Err()
	if err != nil {
		return nil, 0, fmt.Errorf("error iterating instance counts: %w", err)
	}

	return counts, total, nil
}

func (r *InstanceRepository) buildListQuery(opts *persistence.ListInstancesOptions) (string, []any, error) {
	err := opts.Normalize()
	if err != nil {
		return "", nil, err
	}

	conditions := make([]string, 0, 8)
	args := make([]any, 0, 8)

	add := func(format string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(format, len(args)))
	}

	if opts.DefinitionID != "" {
		add("definition_id = $%d", opts.DefinitionID)
	}

	if len(opts.Statuses) > 0 {
		statuses := make([]string, len(opts.Statuses))
		for index, status := range opts.Statuses {
			statuses[index] = string(status)
		}

		add("status = ANY($%d)", pq.Array(statuses))
	}

	if opts.InitiatedBy != "" {
		add("initiated_by = $%d", opts.InitiatedBy)
	}

	if opts.AssignedTo != "" {
		add("assigned_to = $%d", opts.AssignedTo)
	}

	if opts.Priority != "" {
		add("priority = $%d", opts.Priority)
	}

	if opts.From != nil {
		add("created_at >= $%d", *opts.From)
	}

	if opts.To != nil {
		add("created_at <= $%d", *opts.To)
	}

	if opts.Participant != "" {
		add("$%d = ANY(participants)", opts.Participant)
	}

	if opts.Text != "" {
		args = append(args, "%"+opts.Text+"%")
		conditions = append(conditions, fmt.Sprintf("(title ILIKE $%[1]d OR context::text ILIKE $%[1]d)", len(args)))
	}

	return whereClause(conditions), args, nil
}

// CountByDefinition counts the instances started from a definition.
func (r *InstanceRepository) CountByDefinition(ctx context.Context, definitionID string) (int64, error) {
	var count int64

	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM workflow_instances WHERE definition_id = $1", definitionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count instances of workflow %s: %w", definitionID, err)
	}

	return count, nil
}

// Overdue returns running instances whose next deadline passed.
func (r *InstanceRepository) Overdue(ctx context.Context, now time.Time, limit int) ([]*models.WorkflowInstance, error) {
	if limit <= 0 {
		limit = persistence.MaxLimit
	}

	query := `
		SELECT document FROM workflow_instances
		WHERE next_due_at IS NOT NULL AND next_due_at <= $1 AND NOT (status = ANY($2))
		ORDER BY next_due_at
		LIMIT $3
	`

	return r.query(ctx, query, now, terminalStatuses, limit)
}

func (r *InstanceRepository) query(ctx context.Context, query string, args ...any) ([]*models.WorkflowInstance, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	instances := make([]*models.WorkflowInstance, 0)

	for rows.Next() {
		var document []byte

		err := rows.Scan(&document)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}

		instance, err := decodeInstance(document)
		if err != nil {
			return nil, err
		}

		instances = append(instances, instance)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}

	return instances, nil
}

func decodeInstance(document []byte) (*models.WorkflowInstance, error) {
	var instance models.WorkflowInstance

	err := json.Unmarshal(document, &instance)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance: %w", err)
	}

	return &instance, nil
}
