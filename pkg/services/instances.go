package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/dukex/procflow/pkg/authz"
	"github.com/dukex/procflow/pkg/engine"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/otelhelper"
	"github.com/dukex/procflow/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
)

// Instances starts workflow instances and applies the actions people submit on them.
type Instances struct {
	options

	persistence persistence.Persistence
	engine      *engine.Engine
	logger      *slog.Logger
}

// NewInstances creates a new instance service driving the engine.
func NewInstances(p persistence.Persistence, eng *engine.Engine, logger *slog.Logger, opts ...Option) *Instances {
	return &Instances{
		options:     newOptions(opts),
		persistence: p,
		engine:      eng,
		logger:      logger.With("module", "instances"),
	}
}

var priorities = []models.Priority{
	models.PriorityLow,
	models.PriorityNormal,
	models.PriorityHigh,
	models.PriorityUrgent,
}

// StartRequest contains the data a new instance starts with.
type StartRequest struct {
	DefinitionID string
	Title        string
	Context      map[string]any
	Variables    map[string]any
	AssignedTo   string
	Priority     models.Priority
}

// Start creates an instance of a published definition and runs it until it waits
// or finishes. The title defaults to the definition name.
func (s *Instances) Start(ctx context.Context, req StartRequest, actor models.Actor) (*models.WorkflowInstance, error) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "instances.start",
		attribute.String(otelhelper.DefinitionIDKey, req.DefinitionID),
		attribute.String(otelhelper.ActorIDKey, actor.ID),
	)
	defer span.End()

	if req.Priority != "" && !slices.Contains(priorities, req.Priority) {
		return nil, NewValidationError("Start", "INVALID_PRIORITY", fmt.Sprintf("invalid priority '%s'", req.Priority), ErrInvalidPriority)
	}

	def, err := s.definition(ctx, req.DefinitionID)
	if err != nil {
		return nil, err
	}

	if !def.IsStartable() {
		return nil, newConflictError("Start", "WORKFLOW_NOT_ACTIVE", "workflow "+def.ID+" is "+string(def.Status), ErrWorkflowNotActive)
	}

	if !s.authorizer.Can(actor, authz.StartInstance, authz.Resource{Definition: def}) {
		return nil, newPermissionError("Start", actor.ID, "start workflow "+def.ID)
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = def.Name
	}

	instance := &models.WorkflowInstance{
		Title:       title,
		Context:     maps.Clone(req.Context),
		Priority:    req.Priority,
		InitiatedBy: actor.ID,
		InstanceState: models.InstanceState{
			Variables:  maps.Clone(req.Variables),
			AssignedTo: req.AssignedTo,
		},
	}

	result, err := s.engine.Start(ctx, def, instance)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to start workflow %s: %w", def.ID, err)
	}

	s.logger.InfoContext(ctx, "instance started",
		"instance_id", result.Instance.ID,
		"definition_id", def.ID,
		"status", result.Instance.Status,
	)

	return result.Instance, nil
}

// ActionRequest is an action a person submits on an instance. ExpectedVersion, when
// set, must equal the stored version. Replaces names the approver a reassign of an
// approval gate hands over from; it defaults to the actor.
type ActionRequest struct {
	InstanceID      string
	NodeID          string
	Branch          string
	Action          string
	Comment         string
	Variables       map[string]any
	AssignTo        string
	Replaces        string
	ExpectedVersion int64
}

// SubmitAction checks the action against the instance state, then against the actor's
// capabilities, and applies it.
func (s *Instances) SubmitAction(ctx context.Context, req ActionRequest, actor models.Actor) (*models.WorkflowInstance, error) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "instances.submit_action",
		attribute.String(otelhelper.InstanceIDKey, req.InstanceID),
		attribute.String(otelhelper.ActionKey, req.Action),
		attribute.String(otelhelper.NodeIDKey, req.NodeID),
		attribute.String(otelhelper.ActorIDKey, actor.ID),
	)
	defer span.End()

	actionType := engine.ActionType(strings.ToLower(strings.TrimSpace(req.Action)))

	capability, ok := actionCapabilities[actionType]
	if !ok {
		return nil, NewValidationError("SubmitAction", "UNKNOWN_ACTION", fmt.Sprintf("unknown action '%s'", req.Action), ErrUnknownAction)
	}

	instance, err := s.instance(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}

	if req.ExpectedVersion > 0 && req.ExpectedVersion != instance.Version {
		return nil, newConflictError("SubmitAction", "VERSION_CONFLICT",
			fmt.Sprintf("instance %s is at version %d, not %d", instance.ID, instance.Version, req.ExpectedVersion),
			ErrConcurrentModification)
	}

	def, err := s.definition(ctx, instance.DefinitionID)
	if err != nil {
		return nil, err
	}

	action := engine.Action{
		Type:      actionType,
		NodeID:    req.NodeID,
		Branch:    req.Branch,
		Actor:     actor,
		Comment:   req.Comment,
		Variables: maps.Clone(req.Variables),
		Assignee:  req.AssignTo,
		Replaced:  req.Replaces,
	}

	err = engine.Check(def, instance, action)
	if err != nil {
		return nil, &ServiceError{Op: "SubmitAction", Code: actionErrorCode(err), Message: err.Error(), Err: err}
	}

	if !s.authorizer.Can(actor, capability, authz.Resource{Definition: def, Instance: instance, NodeID: req.NodeID}) {
		return nil, newPermissionError("SubmitAction", actor.ID, string(actionType)+" on "+req.NodeID)
	}

	result, err := s.engine.Apply(ctx, def, instance, action)
	if err != nil {
		otelhelper.SetError(span, err)

		if persistence.IsConcurrentModification(err) || errors.Is(err, ErrNotEligible) {
			return nil, &ServiceError{Op: "SubmitAction", Code: actionErrorCode(err), Message: err.Error(), Err: err}
		}

		return nil, fmt.Errorf("failed to apply %s: %w", actionType, err)
	}

	return result.Instance, nil
}

// actionCapabilities maps the actions people may submit to the capability they need.
// Timeouts are applied by the sweeper only.
var actionCapabilities = map[engine.ActionType]authz.Capability{
	engine.ActionApprove:  authz.RespondTo,
	engine.ActionReject:   authz.RespondTo,
	engine.ActionComplete: authz.CompleteTask,
	engine.ActionSkip:     authz.SkipTask,
	engine.ActionReassign: authz.Reassign,
	engine.ActionCancel:   authz.CancelInstance,
}

func actionErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNodeNotFound):
		return "NODE_NOT_FOUND"
	case errors.Is(err, ErrNotEligible):
		return "NOT_ELIGIBLE"
	case errors.Is(err, ErrConcurrentModification):
		return "VERSION_CONFLICT"
	case errors.Is(err, ErrUnknownAction):
		return "UNKNOWN_ACTION"
	default:
		return "INVALID_ACTION_FOR_STATE"
	}
}

// ListInstancesRequest contains options for listing instances.
type ListInstancesRequest struct {
	// Pagination
	Limit  int
	Offset int

	// Filtering
	DefinitionID string
	Status       []models.InstanceStatus
	InitiatedBy  string
	AssignedTo   string
	Priority     models.Priority
	From         *time.Time
	To           *time.Time
	Text         string

	// Sorting
	SortBy    string
	SortOrder string
}

// ListInstancesResponse contains a page of instances and the counts by status of every match.
type ListInstancesResponse struct {
	Instances    []*models.WorkflowInstance      `json:"instances"`
	TotalCount   int64                           `json:"total_count"`
	HasNextPage  bool                            `json:"has_next_page"`
	StatusCounts map[models.InstanceStatus]int64 `json:"status_counts"`
}

// List returns the instances matching the filters. Without the manage_all capability
// only instances the actor participates in are listed.
func (s *Instances) List(ctx context.Context, req ListInstancesRequest, actor models.Actor) (*ListInstancesResponse, error) {
	for _, status := range req.Status {
		if !slices.Contains(models.InstanceStatuses, status) {
			return nil, NewValidationError("List", "INVALID_STATUS", fmt.Sprintf("invalid status '%s'", status), ErrInvalidStatus)
		}
	}

	if req.Priority != "" && !slices.Contains(priorities, req.Priority) {
		return nil, NewValidationError("List", "INVALID_PRIORITY", fmt.Sprintf("invalid priority '%s'", req.Priority), ErrInvalidPriority)
	}

	if req.From != nil && req.To != nil && req.To.Before(*req.From) {
		return nil, NewValidationError("List", "INVALID_RANGE", "'to' is before 'from'", ErrInvalidRequest)
	}

	resource := authz.Resource{}

	if req.DefinitionID != "" {
		def, err := s.definition(ctx, req.DefinitionID)
		if err != nil {
			return nil, err
		}

		resource.Definition = def
	}

	opts := persistence.ListInstancesOptions{
		DefinitionID: req.DefinitionID,
		Statuses:     req.Status,
		InitiatedBy:  req.InitiatedBy,
		AssignedTo:   req.AssignedTo,
		Priority:     req.Priority,
		From:         req.From,
		To:           req.To,
		Text:         req.Text,
		SortBy:       req.SortBy,
		SortOrder:    req.SortOrder,
		Limit:        req.Limit,
		Offset:       req.Offset,
	}

	if !s.authorizer.Can(actor, authz.ManageAll, resource) {
		opts.Participant = actor.ID
	}

	result, err := s.persistence.InstanceRepository().List(ctx, opts)
	if err != nil {
		if persistence.IsInvalidSortField(err) {
			return nil, NewValidationError("List", "INVALID_SORT_FIELD", err.Error(), ErrInvalidSortField)
		}

		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	return &ListInstancesResponse{
		Instances:    result.Instances,
		TotalCount:   result.TotalCount,
		HasNextPage:  result.HasNextPage,
		StatusCounts: result.StatusCounts,
	}, nil
}

// Get returns an instance the actor may view.
func (s *Instances) Get(ctx context.Context, id string, actor models.Actor) (*models.WorkflowInstance, error) {
	instance, err := s.instance(ctx, id)
	if err != nil {
		return nil, err
	}

	def, err := s.persistence.DefinitionRepository().GetByID(ctx, instance.DefinitionID)
	if err != nil && !persistence.IsWorkflowNotFound(err) {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	if !s.authorizer.Can(actor, authz.ViewInstance, authz.Resource{Definition: def, Instance: instance}) {
		return nil, newPermissionError("Get", actor.ID, "view instance "+id)
	}

	return instance, nil
}

// History returns the execution history of an instance, oldest first.
func (s *Instances) History(ctx context.Context, id string, actor models.Actor) ([]models.HistoryEntry, error) {
	instance, err := s.Get(ctx, id, actor)
	if err != nil {
		return nil, err
	}

	return instance.History, nil
}

func (s *Instances) definition(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	def, err := s.persistence.DefinitionRepository().GetByID(ctx, id)
	if err != nil {
		if persistence.IsWorkflowNotFound(err) {
			return nil, &ServiceError{Op: "GetByID", Code: "WORKFLOW_NOT_FOUND", Message: "workflow " + id + " not found", Err: ErrWorkflowNotFound}
		}

		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	return def, nil
}

func (s *Instances) instance(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	instance, err := s.persistence.InstanceRepository().GetByID(ctx, id)
	if err != nil {
		if persistence.IsInstanceNotFound(err) {
			return nil, &ServiceError{Op: "GetByID", Code: "INSTANCE_NOT_FOUND", Message: "instance " + id + " not found", Err: ErrInstanceNotFound}
		}

		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	return instance, nil
}
