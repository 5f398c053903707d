package web_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/dukex/procflow/pkg/engine"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence/memory"
	"github.com/dukex/procflow/pkg/services"
	"github.com/dukex/procflow/pkg/testutil"
	"github.com/dukex/procflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestApp(t *testing.T) *fiber.App {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	store := memory.NewPersistence()
	eng := engine.New(store, engine.Collaborators{}, logger)

	definitions := services.NewDefinitions(store, logger)
	instances := services.NewInstances(store, eng, logger)
	approvals := services.NewApprovals(store, instances, logger)

	handlers := web.NewAPIHandlers(definitions, instances, approvals, validator.New(validator.WithRequiredStructEnabled()))

	app := fiber.New()
	app.Get("/health", handlers.HealthCheck)
	handlers.Mount(app)

	return app
}

// call sends a request as actor and decodes a JSON object response into out when set.
func call(t *testing.T, app *fiber.App, method, path, actor string, body any, out any) int {
	t.Helper()

	var reader io.Reader

	switch value := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(value)
	default:
		payload, err := json.Marshal(value)
		require.NoError(t, err)

		reader = bytes.NewBuffer(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	if actor != "" {
		req.Header.Set(web.ActorIDHeader, actor)
	}

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}

	return resp.StatusCode
}

func definitionRequest(def *models.WorkflowDefinition) web.DefinitionRequest {
	return web.DefinitionRequest{
		Name:        def.Name,
		Description: def.Description,
		Nodes:       def.Nodes,
		Edges:       def.Edges,
		Settings:    def.Settings,
		Permissions: def.Permissions,
	}
}

// publish creates and publishes a definition as alice and returns its id.
func publish(t *testing.T, app *fiber.App, def *models.WorkflowDefinition) string {
	t.Helper()

	var created models.WorkflowDefinition
	require.Equal(t, http.StatusCreated, call(t, app, http.MethodPost, "/definitions", "alice", definitionRequest(def), &created))
	require.Equal(t, http.StatusOK, call(t, app, http.MethodPost, "/definitions/"+created.ID+"/publish", "alice", nil, nil))

	return created.ID
}

func TestAPIHandlers_CreateDefinition(t *testing.T) {
	t.Parallel()

	short := definitionRequest(testutil.LinearTaskDefinition())
	short.Name = "PO"

	disconnected := testutil.LinearTaskDefinition()
	disconnected.Nodes = append(disconnected.Nodes, &models.Node{ID: "orphan", Kind: models.NodeKindTask})

	tests := []struct {
		name           string
		requestBody    any
		actor          string
		expectedStatus int
		expectedType   string
	}{
		{"successful creation", definitionRequest(testutil.LinearTaskDefinition()), "alice", http.StatusCreated, ""},
		{"name too short", short, "alice", http.StatusBadRequest, "validation_error"},
		{"invalid JSON", "invalid-json", "alice", http.StatusBadRequest, "validation_error"},
		{"invalid graph", definitionRequest(disconnected), "alice", http.StatusBadRequest, "definition_invalid"},
		{"missing actor", definitionRequest(testutil.LinearTaskDefinition()), "", http.StatusUnauthorized, "unauthorized"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app := setupTestApp(t)

			var body map[string]any
			status := call(t, app, http.MethodPost, "/definitions", tt.actor, tt.requestBody, &body)
			assert.Equal(t, tt.expectedStatus, status)

			if tt.expectedType != "" {
				assert.Equal(t, tt.expectedType, body["type"])
			} else {
				assert.Equal(t, "draft", body["status"])
				assert.Equal(t, "alice", body["owner"])
			}

			if tt.expectedType == "definition_invalid" {
				assert.NotEmpty(t, body["reasons"])
				assert.InDelta(t, float64(http.StatusBadRequest), body["status"], 0)
				assert.Equal(t, "/definitions", body["instance"])
				assert.NotEmpty(t, body["detail"])
			}
		})
	}
}

func TestAPIHandlers_DefinitionLifecycle(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)

	var created models.WorkflowDefinition
	require.Equal(t, http.StatusCreated, call(t, app, http.MethodPost, "/definitions", "alice", definitionRequest(testutil.LinearTaskDefinition()), &created))

	name := "Linear task, renamed"

	var updated models.WorkflowDefinition
	assert.Equal(t, http.StatusOK, call(t, app, http.MethodPatch, "/definitions/"+created.ID, "alice", web.UpdateDefinitionRequest{Name: &name}, &updated))
	assert.Equal(t, name, updated.Name)

	var report struct {
		Valid bool `json:"valid"`
	}
	assert.Equal(t, http.StatusOK, call(t, app, http.MethodPost, "/definitions/"+created.ID+"/validate", "alice", nil, &report))
	assert.True(t, report.Valid)

	assert.Equal(t, http.StatusForbidden, call(t, app, http.MethodPost, "/definitions/"+created.ID+"/publish", "bob", nil, nil))
	assert.Equal(t, http.StatusOK, call(t, app, http.MethodPost, "/definitions/"+created.ID+"/publish", "alice", nil, nil))
	assert.Equal(t, http.StatusConflict, call(t, app, http.MethodPatch, "/definitions/"+created.ID, "alice", web.UpdateDefinitionRequest{Name: &name}, nil))

	var draft models.WorkflowDefinition
	assert.Equal(t, http.StatusCreated, call(t, app, http.MethodPost, "/definitions/"+created.ID+"/versions", "alice", nil, &draft))
	assert.Equal(t, models.DefinitionStatusDraft, draft.Status)

	var list struct {
		Definitions []models.WorkflowDefinition `json:"definitions"`
		TotalCount  int64                       `json:"total_count"`
	}
	assert.Equal(t, http.StatusOK, call(t, app, http.MethodGet, "/definitions?status=published", "alice", nil, &list))
	assert.Equal(t, int64(1), list.TotalCount)

	assert.Equal(t, http.StatusBadRequest, call(t, app, http.MethodGet, "/definitions?limit=ten", "alice", nil, nil))
	assert.Equal(t, http.StatusOK, call(t, app, http.MethodPost, "/definitions/"+created.ID+"/archive", "alice", nil, nil))
	assert.Equal(t, http.StatusNoContent, call(t, app, http.MethodDelete, "/definitions/"+draft.ID, "alice", nil, nil))
	assert.Equal(t, http.StatusNotFound, call(t, app, http.MethodGet, "/definitions/"+draft.ID, "alice", nil, nil))
}

func TestAPIHandlers_ApprovalFlow(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)
	id := publish(t, app, testutil.ApprovalDefinition(models.ApprovalTypeAny, []string{"carol"}, nil))

	var instance models.WorkflowInstance
	require.Equal(t, http.StatusCreated, call(t, app, http.MethodPost, "/definitions/"+id+"/instances", "ivan",
		web.StartInstanceRequest{Title: "Monitor", Priority: models.PriorityHigh}, &instance))
	assert.Equal(t, models.InstanceStatusWaitingApproval, instance.Status)

	var pending struct {
		Approvals []models.ApprovalRequest `json:"approvals"`
	}
	require.Equal(t, http.StatusOK, call(t, app, http.MethodGet, "/approvals/pending", "carol", nil, &pending))
	require.Len(t, pending.Approvals, 1)
	assert.Equal(t, "G", pending.Approvals[0].NodeID)

	path := "/instances/" + instance.ID + "/actions"

	tests := []struct {
		name           string
		actor          string
		body           web.SubmitActionRequest
		expectedStatus int
	}{
		{"missing node", "carol", web.SubmitActionRequest{Action: "approve"}, http.StatusBadRequest},
		{"unsupported action", "carol", web.SubmitActionRequest{NodeID: "G", Action: "timeout"}, http.StatusBadRequest},
		{"reassign without assignee", "carol", web.SubmitActionRequest{NodeID: "G", Action: "reassign"}, http.StatusBadRequest},
		{"not an approver", "mallory", web.SubmitActionRequest{NodeID: "G", Action: "approve"}, http.StatusForbidden},
		{"stale version", "carol", web.SubmitActionRequest{NodeID: "G", Action: "approve", ExpectedVersion: 9}, http.StatusConflict},
		{"unknown node", "carol", web.SubmitActionRequest{NodeID: "Z", Action: "approve"}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectedStatus, call(t, app, http.MethodPost, path, tt.actor, tt.body, nil))
		})
	}

	var approved models.WorkflowInstance
	require.Equal(t, http.StatusOK, call(t, app, http.MethodPost, path, "carol",
		web.SubmitActionRequest{NodeID: "G", Action: "approve", Comment: "ok", ExpectedVersion: instance.Version}, &approved))
	assert.Equal(t, models.InstanceStatusCompleted, approved.Status)

	assert.Equal(t, http.StatusConflict, call(t, app, http.MethodPost, path, "carol", web.SubmitActionRequest{NodeID: "G", Action: "approve"}, nil))

	var history struct {
		History []models.HistoryEntry `json:"history"`
	}
	require.Equal(t, http.StatusOK, call(t, app, http.MethodGet, "/instances/"+instance.ID+"/history", "ivan", nil, &history))
	assert.Equal(t, models.ActionStart, history.History[0].Action)
	assert.Equal(t, models.ActionEnd, history.History[len(history.History)-1].Action)

	assert.Equal(t, http.StatusForbidden, call(t, app, http.MethodGet, "/instances/"+instance.ID, "mallory", nil, nil))
	assert.Equal(t, http.StatusOK, call(t, app, http.MethodGet, "/instances/"+instance.ID+"/approvals", "carol", nil, nil))
}

func TestAPIHandlers_ListInstances(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)
	id := publish(t, app, testutil.LinearTaskDefinition())

	for _, title := range []string{"Laptop", "Desk"} {
		require.Equal(t, http.StatusCreated, call(t, app, http.MethodPost, "/definitions/"+id+"/instances", "ivan", web.StartInstanceRequest{Title: title}, nil))
	}

	var list struct {
		Instances    []models.WorkflowInstance       `json:"instances"`
		TotalCount   int64                           `json:"total_count"`
		StatusCounts map[models.InstanceStatus]int64 `json:"status_counts"`
	}

	require.Equal(t, http.StatusOK, call(t, app, http.MethodGet, "/instances?q=lap", "ivan", nil, &list))
	require.Len(t, list.Instances, 1)
	assert.Equal(t, "Laptop", list.Instances[0].Title)

	require.Equal(t, http.StatusOK, call(t, app, http.MethodGet, "/instances?status=running,waiting_approval", "ivan", nil, &list))
	assert.Equal(t, int64(2), list.TotalCount)
	assert.Equal(t, int64(2), list.StatusCounts[models.InstanceStatusRunning])

	require.Equal(t, http.StatusOK, call(t, app, http.MethodGet, "/instances", "bob", nil, &list))
	assert.Empty(t, list.Instances)

	assert.Equal(t, http.StatusBadRequest, call(t, app, http.MethodGet, "/instances?from=yesterday", "ivan", nil, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, app, http.MethodGet, "/instances?status=paused", "ivan", nil, nil))
}

func TestAPIHandlers_HealthCheck(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)

	var body map[string]any
	assert.Equal(t, http.StatusOK, call(t, app, http.MethodGet, "/health", "", nil, &body))
	assert.Equal(t, "healthy", body["status"])
}
