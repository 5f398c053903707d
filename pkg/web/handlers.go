package web

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	definitions *services.Definitions
	instances   *services.Instances
	approvals   *services.Approvals
	validator   *validator.Validate
}

func NewAPIHandlers(
	definitions *services.Definitions,
	instances *services.Instances,
	approvals *services.Approvals,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		definitions: definitions,
		instances:   instances,
		approvals:   approvals,
		validator:   validator,
	}
}

// Mount registers the API routes. Every route requires the actor headers.
func (h *APIHandlers) Mount(router fiber.Router) {
	d := router.Group("/definitions", RequireActor())
	d.Get("/", h.ListDefinitions)
	d.Post("/", h.CreateDefinition)
	d.Get("/:id", h.GetDefinition)
	d.Patch("/:id", h.UpdateDefinition)
	d.Delete("/:id", h.DeleteDefinition)
	d.Post("/:id/validate", h.ValidateDefinition)
	d.Post("/:id/publish", h.PublishDefinition)
	d.Post("/:id/archive", h.ArchiveDefinition)
	d.Post("/:id/versions", h.NewDefinitionVersion)
	d.Post("/:id/instances", h.StartInstance)

	i := router.Group("/instances", RequireActor())
	i.Get("/", h.ListInstances)
	i.Get("/:id", h.GetInstance)
	i.Get("/:id/history", h.GetInstanceHistory)
	i.Get("/:id/approvals", h.GetInstanceApprovals)
	i.Post("/:id/actions", h.SubmitAction)

	a := router.Group("/approvals", RequireActor())
	a.Get("/pending", h.PendingApprovals)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, ok := h.definitions.HealthCheck(c.Context())

	status := "unhealthy"
	message := "procflow API is unhealthy"
	httpStatus := http.StatusServiceUnavailable

	if ok {
		status = "healthy"
		message = "procflow API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) ListDefinitions(c fiber.Ctx) error {
	limit, offset, err := parsePage(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	req := services.ListDefinitionsRequest{
		Limit:     limit,
		Offset:    offset,
		Status:    models.DefinitionStatus(c.Query("status")),
		Owner:     c.Query("owner"),
		SortBy:    c.Query("sort_by"),
		SortOrder: c.Query("sort_order"),
	}

	result, err := h.definitions.List(c.Context(), actorFrom(c), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"definitions":   result.Definitions,
		"total_count":   result.TotalCount,
		"has_next_page": result.HasNextPage,
		"pagination": fiber.Map{
			"limit":  req.Limit,
			"offset": req.Offset,
		},
	})
}

func (h *APIHandlers) CreateDefinition(c fiber.Ctx) error {
	var req DefinitionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.definitions.Create(c.Context(), actorFrom(c), req.Definition())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) GetDefinition(c fiber.Ctx) error {
	def, err := h.definitions.Get(c.Context(), actorFrom(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(def)
}

func (h *APIHandlers) UpdateDefinition(c fiber.Ctx) error {
	var req UpdateDefinitionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	actor := actorFrom(c)

	existing, err := h.definitions.Get(c.Context(), actor, c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	req.Apply(existing)

	updated, err := h.definitions.Update(c.Context(), actor, existing.ID, existing)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) DeleteDefinition(c fiber.Ctx) error {
	err := h.definitions.Delete(c.Context(), actorFrom(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) ValidateDefinition(c fiber.Ctx) error {
	reasons, err := h.definitions.Validate(c.Context(), actorFrom(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"valid":   len(reasons) == 0,
		"reasons": reasons,
	})
}

func (h *APIHandlers) PublishDefinition(c fiber.Ctx) error {
	published, err := h.definitions.Publish(c.Context(), actorFrom(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(published)
}

func (h *APIHandlers) ArchiveDefinition(c fiber.Ctx) error {
	archived, err := h.definitions.Archive(c.Context(), actorFrom(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(archived)
}

func (h *APIHandlers) NewDefinitionVersion(c fiber.Ctx) error {
	draft, err := h.definitions.NewVersion(c.Context(), actorFrom(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(draft)
}

func (h *APIHandlers) StartInstance(c fiber.Ctx) error {
	var req StartInstanceRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	instance, err := h.instances.Start(c.Context(), services.StartRequest{
		DefinitionID: c.Params("id"),
		Title:        req.Title,
		Context:      req.Context,
		Variables:    req.Variables,
		AssignedTo:   req.AssignedTo,
		Priority:     req.Priority,
	}, actorFrom(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(instance)
}

func (h *APIHandlers) ListInstances(c fiber.Ctx) error {
	req, err := parseListInstancesRequest(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	result, err := h.instances.List(c.Context(), *req, actorFrom(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"instances":     result.Instances,
		"total_count":   result.TotalCount,
		"has_next_page": result.HasNextPage,
		"status_counts": result.StatusCounts,
		"pagination": fiber.Map{
			"limit":  req.Limit,
			"offset": req.Offset,
		},
		"sorting": fiber.Map{
			"sort_by":    req.SortBy,
			"sort_order": req.SortOrder,
		},
	})
}

// parseListInstancesRequest parses the query parameters for listing instances.
// status takes a comma separated list; from and to are RFC 3339 timestamps.
func parseListInstancesRequest(c fiber.Ctx) (*services.ListInstancesRequest, error) {
	limit, offset, err := parsePage(c)
	if err != nil {
		return nil, err
	}

	req := &services.ListInstancesRequest{
		Limit:        limit,
		Offset:       offset,
		DefinitionID: c.Query("definition_id"),
		InitiatedBy:  c.Query("initiated_by"),
		AssignedTo:   c.Query("assigned_to"),
		Priority:     models.Priority(c.Query("priority")),
		Text:         c.Query("q"),
		SortBy:       c.Query("sort_by"),
		SortOrder:    c.Query("sort_order"),
	}

	if statuses := c.Query("status"); statuses != "" {
		for _, status := range strings.Split(statuses, ",") {
			req.Status = append(req.Status, models.InstanceStatus(strings.TrimSpace(status)))
		}
	}

	req.From, err = parseTime(c.Query("from"))
	if err != nil {
		return nil, err
	}

	req.To, err = parseTime(c.Query("to"))
	if err != nil {
		return nil, err
	}

	return req, nil
}

func parsePage(c fiber.Ctx) (int, int, error) {
	limit, offset := 0, 0

	if limitStr := c.Query("limit"); limitStr != "" {
		value, err := strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}

		limit = value
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		value, err := strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}

		offset = value
	}

	return limit, offset, nil
}

func parseTime(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}

	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, err
	}

	return &parsed, nil
}

func (h *APIHandlers) GetInstance(c fiber.Ctx) error {
	instance, err := h.instances.Get(c.Context(), c.Params("id"), actorFrom(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(instance)
}

func (h *APIHandlers) GetInstanceHistory(c fiber.Ctx) error {
	history, err := h.instances.History(c.Context(), c.Params("id"), actorFrom(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"history": history})
}

func (h *APIHandlers) GetInstanceApprovals(c fiber.Ctx) error {
	approvals, err := h.approvals.ForInstance(c.Context(), c.Params("id"), actorFrom(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"approvals": approvals})
}

func (h *APIHandlers) SubmitAction(c fiber.Ctx) error {
	var req SubmitActionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	instance, err := h.instances.SubmitAction(c.Context(), services.ActionRequest{
		InstanceID:      c.Params("id"),
		NodeID:          req.NodeID,
		Branch:          req.Branch,
		Action:          req.Action,
		Comment:         req.Comment,
		Variables:       req.Variables,
		AssignTo:        req.AssignTo,
		Replaces:        req.Replaces,
		ExpectedVersion: req.ExpectedVersion,
	}, actorFrom(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(instance)
}

func (h *APIHandlers) PendingApprovals(c fiber.Ctx) error {
	pending, err := h.approvals.Pending(c.Context(), actorFrom(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"approvals": pending})
}
