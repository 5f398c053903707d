package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dukex/procflow/pkg/authz"
	"github.com/dukex/procflow/pkg/eventbus"
	"github.com/dukex/procflow/pkg/events"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/otelhelper"
	"github.com/dukex/procflow/pkg/persistence"
	"github.com/dukex/procflow/pkg/validation"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type options struct {
	authorizer authz.Authorizer
	publisher  eventbus.EventPublisher
	tracer     trace.Tracer
	clock      func() time.Time
}

type Option func(*options)

// WithAuthorizer replaces the default authz.Policy.
func WithAuthorizer(authorizer authz.Authorizer) Option {
	return func(o *options) { o.authorizer = authorizer }
}

// WithPublisher publishes definition lifecycle events.
func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(o *options) { o.publisher = publisher }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) { o.tracer = tracer }
}

func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

func newOptions(opts []Option) options {
	o := options{
		authorizer: authz.NewPolicy(),
		tracer:     otel.Tracer("procflow/services"),
		clock:      func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// Definitions manages workflow definitions through draft, published and archived.
type Definitions struct {
	options

	persistence persistence.Persistence
	logger      *slog.Logger
}

// NewDefinitions creates a new definition service.
func NewDefinitions(p persistence.Persistence, logger *slog.Logger, opts ...Option) *Definitions {
	return &Definitions{
		options:     newOptions(opts),
		persistence: p,
		logger:      logger.With("module", "definitions"),
	}
}

// HealthCheck checks the health of the persistence layer.
func (d *Definitions) HealthCheck(ctx context.Context) (string, bool) {
	if d.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := d.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// Create stores a new draft owned by the creating actor. A definition that fails validation
// is rejected with a *validation.DefinitionInvalidError listing every problem.
func (d *Definitions) Create(ctx context.Context, actor models.Actor, def *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	if def == nil {
		return nil, ErrDefinitionNil
	}

	if !d.authorizer.Can(actor, authz.CreateDefinition, authz.Resource{Definition: def}) {
		return nil, newPermissionError("Create", actor.ID, "create definitions")
	}

	if def.ID == "" {
		def.ID = uuid.New().String()
	} else {
		_, err := d.persistence.DefinitionRepository().GetByID(ctx, def.ID)

		switch {
		case err == nil:
			return nil, newConflictError("Create", "WORKFLOW_EXISTS", "workflow "+def.ID+" already exists", persistence.ErrWorkflowAlreadyExists)
		case !persistence.IsWorkflowNotFound(err):
			return nil, fmt.Errorf("failed to check workflow: %w", err)
		}
	}

	now := d.clock()

	def.Owner = actor.ID
	def.Status = models.DefinitionStatusDraft
	def.Version = 0
	def.Statistics = models.Statistics{}
	def.CreatedAt = now
	def.UpdatedAt = now
	def.PublishedAt = nil
	def.ArchivedAt = nil
	def.AssignEdgeIDs()

	err := validation.Validate(def)
	if err != nil {
		return nil, err
	}

	err = d.persistence.DefinitionRepository().Save(ctx, def)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	d.logger.InfoContext(ctx, "definition created", "definition_id", def.ID, "owner", def.Owner)

	return def, nil
}

// Get returns a definition with its current statistics.
func (d *Definitions) Get(ctx context.Context, actor models.Actor, id string) (*models.WorkflowDefinition, error) {
	def, err := d.fetch(ctx, id)
	if err != nil {
		return nil, err
	}

	if !d.authorizer.Can(actor, authz.ViewDefinition, authz.Resource{Definition: def}) {
		return nil, newPermissionError("Get", actor.ID, "view workflow "+id)
	}

	stats, err := d.persistence.StatisticsRepository().Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read statistics: %w", err)
	}

	def.Statistics = stats

	return def, nil
}

// ListDefinitionsRequest contains options for listing definitions.
type ListDefinitionsRequest struct {
	// Pagination
	Limit  int
	Offset int

	// Filtering
	Status models.DefinitionStatus
	Owner  string

	// Sorting
	SortBy    string
	SortOrder string
}

// ListDefinitionsResponse contains the result of listing definitions.
type ListDefinitionsResponse struct {
	Definitions []*models.WorkflowDefinition `json:"definitions"`
	TotalCount  int64                        `json:"total_count"`
	HasNextPage bool                         `json:"has_next_page"`
}

// List returns a page of definitions. Definitions the actor may not view are left
// out of the page; TotalCount counts every match.
func (d *Definitions) List(ctx context.Context, actor models.Actor, req ListDefinitionsRequest) (*ListDefinitionsResponse, error) {
	statuses := []models.DefinitionStatus{
		models.DefinitionStatusDraft,
		models.DefinitionStatusPublished,
		models.DefinitionStatusArchived,
	}

	if req.Status != "" && !slices.Contains(statuses, req.Status) {
		return nil, NewValidationError("List", "INVALID_STATUS", fmt.Sprintf("invalid status '%s'", req.Status), ErrInvalidStatus)
	}

	result, err := d.persistence.DefinitionRepository().List(ctx, persistence.ListDefinitionsOptions{
		Status:    req.Status,
		Owner:     req.Owner,
		SortBy:    req.SortBy,
		SortOrder: req.SortOrder,
		Limit:     req.Limit,
		Offset:    req.Offset,
	})
	if err != nil {
		if persistence.IsInvalidSortField(err) {
			return nil, NewValidationError("List", "INVALID_SORT_FIELD", err.Error(), ErrInvalidSortField)
		}

		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	visible := make([]*models.WorkflowDefinition, 0, len(result.Definitions))

	for _, def := range result.Definitions {
		if d.authorizer.Can(actor, authz.ViewDefinition, authz.Resource{Definition: def}) {
			visible = append(visible, def)
		}
	}

	return &ListDefinitionsResponse{
		Definitions: visible,
		TotalCount:  result.TotalCount,
		HasNextPage: result.HasNextPage,
	}, nil
}

// Update replaces the graph, settings and permissions of a draft.
func (d *Definitions) Update(ctx context.Context, actor models.Actor, id string, def *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	if def == nil {
		return nil, ErrDefinitionNil
	}

	existing, err := d.fetch(ctx, id)
	if err != nil {
		return nil, err
	}

	if !d.authorizer.Can(actor, authz.EditDefinition, authz.Resource{Definition: existing}) {
		return nil, newPermissionError("Update", actor.ID, "edit workflow "+id)
	}

	if existing.Status != models.DefinitionStatusDraft {
		return nil, newConflictError("Update", "WORKFLOW_NOT_DRAFT", "workflow "+id+" is "+string(existing.Status), ErrCannotModifyPublished)
	}

	def.ID = existing.ID
	def.Owner = existing.Owner
	def.Version = existing.Version
	def.Status = existing.Status
	def.Statistics = models.Statistics{}
	def.CreatedAt = existing.CreatedAt
	def.UpdatedAt = d.clock()
	def.PublishedAt = nil
	def.ArchivedAt = nil
	def.AssignEdgeIDs()

	err = validation.Validate(def)
	if err != nil {
		return nil, err
	}

	err = d.persistence.DefinitionRepository().Save(ctx, def)
	if err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}

	return def, nil
}

// Delete removes a definition no instance refers to. Archive is the alternative
// for definitions that have run.
func (d *Definitions) Delete(ctx context.Context, actor models.Actor, id string) error {
	def, err := d.fetch(ctx, id)
	if err != nil {
		return err
	}

	if !d.authorizer.Can(actor, authz.DeleteDefinition, authz.Resource{Definition: def}) {
		return newPermissionError("Delete", actor.ID, "delete workflow "+id)
	}

	count, err := d.persistence.InstanceRepository().CountByDefinition(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to count instances: %w", err)
	}

	if count > 0 {
		return newConflictError("Delete", "WORKFLOW_IN_USE", fmt.Sprintf("workflow %s has %d instances, archive it instead", id, count), ErrDefinitionInUse)
	}

	err = d.persistence.DefinitionRepository().Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	d.logger.InfoContext(ctx, "definition deleted", "definition_id", id, "actor", actor.ID)

	return nil
}

// Validate lists every problem of a stored definition. An empty list means it can be published.
func (d *Definitions) Validate(ctx context.Context, actor models.Actor, id string) ([]validation.Reason, error) {
	def, err := d.fetch(ctx, id)
	if err != nil {
		return nil, err
	}

	if !d.authorizer.Can(actor, authz.ViewDefinition, authz.Resource{Definition: def}) {
		return nil, newPermissionError("Validate", actor.ID, "view workflow "+id)
	}

	return validation.Check(def), nil
}

// Publish freezes a draft, bumps its version and makes it startable.
func (d *Definitions) Publish(ctx context.Context, actor models.Actor, id string) (*models.WorkflowDefinition, error) {
	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "definitions.publish",
		attribute.String(otelhelper.DefinitionIDKey, id),
		attribute.String(otelhelper.ActorIDKey, actor.ID),
	)
	defer span.End()

	def, err := d.fetch(ctx, id)
	if err != nil {
		return nil, err
	}

	if !d.authorizer.Can(actor, authz.PublishDefinition, authz.Resource{Definition: def}) {
		return nil, newPermissionError("Publish", actor.ID, "publish workflow "+id)
	}

	switch def.Status {
	case models.DefinitionStatusPublished:
		return nil, newConflictError("Publish", "WORKFLOW_PUBLISHED", "workflow "+id+" is already published", ErrAlreadyPublished)
	case models.DefinitionStatusArchived:
		return nil, newConflictError("Publish", "WORKFLOW_ARCHIVED", "workflow "+id+" is archived", ErrCannotModifyPublished)
	}

	err = validation.Validate(def)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	now := d.clock()
	def.Version++
	def.Status = models.DefinitionStatusPublished
	def.PublishedAt = &now
	def.UpdatedAt = now

	err = d.persistence.DefinitionRepository().Save(ctx, def)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to publish workflow: %w", err)
	}

	if d.publisher != nil {
		err = d.publisher.Publish(ctx, def.ID, events.DefinitionPublished{
			BaseEvent:   events.NewBaseEvent(events.DefinitionPublishedEvent, def.ID, ""),
			Name:        def.Name,
			Version:     def.Version,
			PublishedBy: actor.ID,
		})
		if err != nil {
			d.logger.WarnContext(ctx, "failed to publish definition event", "definition_id", def.ID, "error", err)
		}
	}

	d.logger.InfoContext(ctx, "definition published", "definition_id", def.ID, "version", def.Version)

	return def, nil
}

// Archive stops new instances from starting. Running instances continue.
func (d *Definitions) Archive(ctx context.Context, actor models.Actor, id string) (*models.WorkflowDefinition, error) {
	def, err := d.fetch(ctx, id)
	if err != nil {
		return nil, err
	}

	if !d.authorizer.Can(actor, authz.ArchiveDefinition, authz.Resource{Definition: def}) {
		return nil, newPermissionError("Archive", actor.ID, "archive workflow "+id)
	}

	if def.Status == models.DefinitionStatusArchived {
		return nil, newConflictError("Archive", "WORKFLOW_ARCHIVED", "workflow "+id+" is already archived", ErrAlreadyArchived)
	}

	now := d.clock()
	def.Status = models.DefinitionStatusArchived
	def.ArchivedAt = &now
	def.UpdatedAt = now

	err = d.persistence.DefinitionRepository().Save(ctx, def)
	if err != nil {
		return nil, fmt.Errorf("failed to archive workflow: %w", err)
	}

	return def, nil
}

// NewVersion copies a published or archived definition into a new draft. The draft
// keeps the version it was copied from until it is published.
func (d *Definitions) NewVersion(ctx context.Context, actor models.Actor, id string) (*models.WorkflowDefinition, error) {
	source, err := d.fetch(ctx, id)
	if err != nil {
		return nil, err
	}

	if !d.authorizer.Can(actor, authz.EditDefinition, authz.Resource{Definition: source}) {
		return nil, newPermissionError("NewVersion", actor.ID, "edit workflow "+id)
	}

	if source.Status == models.DefinitionStatusDraft {
		return nil, newConflictError("NewVersion", "WORKFLOW_DRAFT", "workflow "+id+" is already a draft", ErrInvalidActionForState)
	}

	draft, err := source.Clone()
	if err != nil {
		return nil, err
	}

	now := d.clock()
	draft.ID = uuid.New().String()
	draft.Status = models.DefinitionStatusDraft
	draft.Statistics = models.Statistics{}
	draft.CreatedAt = now
	draft.UpdatedAt = now
	draft.PublishedAt = nil
	draft.ArchivedAt = nil

	err = d.persistence.DefinitionRepository().Save(ctx, draft)
	if err != nil {
		return nil, fmt.Errorf("failed to create draft: %w", err)
	}

	return draft, nil
}

func (d *Definitions) fetch(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	def, err := d.persistence.DefinitionRepository().GetByID(ctx, id)
	if err != nil {
		if persistence.IsWorkflowNotFound(err) {
			return nil, &ServiceError{Op: "GetByID", Code: "WORKFLOW_NOT_FOUND", Message: "workflow " + id + " not found", Err: ErrWorkflowNotFound}
		}

		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	return def, nil
}
