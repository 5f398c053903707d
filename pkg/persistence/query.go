package persistence

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dukex/procflow/pkg/models"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// ListDefinitionsOptions filters and paginates definitions.
type ListDefinitionsOptions struct {
	Status    models.DefinitionStatus
	Owner     string
	SortBy    string // created_at, updated_at or name
	SortOrder string // asc or desc
	Limit     int
	Offset    int
}

// DefinitionListResult is one page of definitions.
type DefinitionListResult struct {
	Definitions []*models.WorkflowDefinition
	TotalCount  int64
	HasNextPage bool
}

// ListInstancesOptions filters and paginates instances.
type ListInstancesOptions struct {
	DefinitionID string
	Statuses     []models.InstanceStatus
	InitiatedBy  string
	AssignedTo   string
	Priority     models.Priority
	From         *time.Time
	To           *time.Time
	Text         string
	// Participant restricts the result to instances the user initiated, is assigned to, or may approve on.
	Participant string
	SortBy      string // created_at, updated_at, priority or title
	SortOrder   string
	Limit       int
	Offset      int
}

// InstanceListResult is one page of instances plus status counts over the whole filtered set.
type InstanceListResult struct {
	Instances    []*models.WorkflowInstance
	TotalCount   int64
	HasNextPage  bool
	StatusCounts map[models.InstanceStatus]int64
}

var (
	definitionSortFields = []string{"created_at", "updated_at", "name"}
	instanceSortFields   = []string{"created_at", "updated_at", "priority", "title"}
)

// Normalize applies defaults and checks the sort field against the allowlist.
func (o *ListDefinitionsOptions) Normalize() error {
	limit, order, err := normalizePage(o.Limit, o.SortBy, o.SortOrder, definitionSortFields)
	if err != nil {
		return err
	}

	o.Limit, o.SortOrder = limit, order
	if o.SortBy == "" {
		o.SortBy = "created_at"
	}

	o.Offset = max(o.Offset, 0)

	return nil
}

// Normalize applies defaults and checks the sort field against the allowlist.
func (o *ListInstancesOptions) Normalize() error {
	limit, order, err := normalizePage(o.Limit, o.SortBy, o.SortOrder, instanceSortFields)
	if err != nil {
		return err
	}

	o.Limit, o.SortOrder = limit, order
	if o.SortBy == "" {
		o.SortBy = "created_at"
	}

	o.Offset = max(o.Offset, 0)

	return nil
}

func normalizePage(limit int, sortBy, sortOrder string, allowed []string) (int, string, error) {
	if limit <= 0 || limit > MaxLimit {
		limit = DefaultLimit
	}

	if sortBy != "" && !slices.Contains(allowed, sortBy) {
		return 0, "", fmt.Errorf("%w: %s", ErrInvalidSortField, sortBy)
	}

	sortOrder = strings.ToLower(sortOrder)
	if sortOrder != "asc" {
		sortOrder = "desc"
	}

	return limit, sortOrder, nil
}

// MatchesDefinition reports whether a definition passes the filters.
func MatchesDefinition(opts ListDefinitionsOptions, def *models.WorkflowDefinition) bool {
	if opts.Status != "" && def.Status != opts.Status {
		return false
	}

	return opts.Owner == "" || def.Owner == opts.Owner
}

// MatchesInstance reports whether an instance passes the filters.
func MatchesInstance(opts ListInstancesOptions, instance *models.WorkflowInstance) bool {
	switch {
	case opts.DefinitionID != "" && instance.DefinitionID != opts.DefinitionID:
		return false
	case len(opts.Statuses) > 0 && !slices.Contains(opts.Statuses, instance.Status):
		return false
	case opts.InitiatedBy != "" && instance.InitiatedBy != opts.InitiatedBy:
		return false
	case opts.AssignedTo != "" && instance.AssignedTo != opts.AssignedTo:
		return false
	case opts.Priority != "" && instance.Priority != opts.Priority:
		return false
	case opts.From != nil && instance.CreatedAt.Before(*opts.From):
		return false
	case opts.To != nil && instance.CreatedAt.After(*opts.To):
		return false
	case opts.Participant != "" && !slices.Contains(instance.Participants(), opts.Participant):
		return false
	}

	if opts.Text == "" {
		return true
	}

	return MatchesText(instance, opts.Text)
}

// MatchesText reports whether the title or a string value of the context contains the text, ignoring case.
func MatchesText(instance *models.WorkflowInstance, text string) bool {
	needle := strings.ToLower(text)

	if strings.Contains(strings.ToLower(instance.Title), needle) {
		return true
	}

	for _, value := range instance.Context {
		if s, ok := value.(string); ok && strings.Contains(strings.ToLower(s), needle) {
			return true
		}
	}

	return false
}

// SortDefinitions sorts in place by an allowlisted field.
func SortDefinitions(defs []*models.WorkflowDefinition, sortBy, sortOrder string) {
	slices.SortStableFunc(defs, func(a, b *models.WorkflowDefinition) int {
		var cmp int

		switch sortBy {
		case "updated_at":
			cmp = a.UpdatedAt.Compare(b.UpdatedAt)
		case "name":
			cmp = strings.Compare(a.Name, b.Name)
		default:
			cmp = a.CreatedAt.Compare(b.CreatedAt)
		}

		if sortOrder == "desc" {
			return -cmp
		}

		return cmp
	})
}

var priorityRank = map[models.Priority]int{
	models.PriorityLow:    0,
	models.PriorityNormal: 1,
	models.PriorityHigh:   2,
	models.PriorityUrgent: 3,
}

// SortInstances sorts in place by an allowlisted field.
func SortInstances(instances []*models.WorkflowInstance, sortBy, sortOrder string) {
	slices.SortStableFunc(instances, func(a, b *models.WorkflowInstance) int {
		var cmp int

		switch sortBy {
		case "updated_at":
			cmp = a.UpdatedAt.Compare(b.UpdatedAt)
		case "priority":
			cmp = priorityRank[a.Priority] - priorityRank[b.Priority]
		case "title":
			cmp = strings.Compare(a.Title, b.Title)
		default:
			cmp = a.CreatedAt.Compare(b.CreatedAt)
		}

		if sortOrder == "desc" {
			return -cmp
		}

		return cmp
	})
}

// Page slices a sorted result set.
func Page[T any](items []T, limit, offset int) ([]T, bool) {
	if offset >= len(items) {
		return make([]T, 0), false
	}

	end := min(offset+limit, len(items))

	return items[offset:end], end < len(items)
}

// ListInstances applies filters, counts, sort and pagination to an in-memory set.
func ListInstances(all []*models.WorkflowInstance, opts ListInstancesOptions) (*InstanceListResult, error) {
	if err := opts.Normalize(); err != nil {
		return nil, err
	}

	filtered := make([]*models.WorkflowInstance, 0, len(all))
	counts := make(map[models.InstanceStatus]int64)

	for _, instance := range all {
		if !MatchesInstance(opts, instance) {
			continue
		}

		filtered = append(filtered, instance)
		counts[instance.Status]++
	}

	SortInstances(filtered, opts.SortBy, opts.SortOrder)
	page, hasNext := Page(filtered, opts.Limit, opts.Offset)

	return &InstanceListResult{
		Instances:    page,
		TotalCount:   int64(len(filtered)),
		HasNextPage:  hasNext,
		StatusCounts: counts,
	}, nil
}

// ListDefinitions applies filters, sort and pagination to an in-memory set.
func ListDefinitions(all []*models.WorkflowDefinition, opts ListDefinitionsOptions) (*DefinitionListResult, error) {
	if err := opts.Normalize(); err != nil {
		return nil, err
	}

	filtered := make([]*models.WorkflowDefinition, 0, len(all))

	for _, def := range all {
		if MatchesDefinition(opts, def) {
			filtered = append(filtered, def)
		}
	}

	SortDefinitions(filtered, opts.SortBy, opts.SortOrder)
	page, hasNext := Page(filtered, opts.Limit, opts.Offset)

	return &DefinitionListResult{
		Definitions: page,
		TotalCount:  int64(len(filtered)),
		HasNextPage: hasNext,
	}, nil
}

// IsOverdue reports whether the instance has a deadline or gate due at or before now.
func IsOverdue(instance *models.WorkflowInstance, now time.Time) bool {
	due := instance.NextDueAt()

	return due != nil && !now.Before(*due)
}

// SortApprovals orders gates oldest first.
func SortApprovals(requests []*models.ApprovalRequest) {
	slices.SortStableFunc(requests, func(a, b *models.ApprovalRequest) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
