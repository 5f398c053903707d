package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukex/procflow/pkg/engine"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence/memory"
	"github.com/dukex/procflow/pkg/testutil"
	"github.com/dukex/procflow/pkg/web"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestApp() *fiber.App {
	return NewAPI(slog.Default(), memory.NewPersistence(), nil, engine.Collaborators{}, nil, nil).App()
}

func do(t *testing.T, app *fiber.App, method, path string, body any) *http.Response {
	t.Helper()

	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(web.ActorIDHeader, "alice")

	resp, err := app.Test(req)
	require.NoError(t, err)

	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func TestAPI_RootEndpoint(t *testing.T) {
	t.Parallel()

	resp := do(t, setupTestApp(), http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "procflow API", string(body))
}

func TestAPI_HealthEndpoints(t *testing.T) {
	t.Parallel()

	app := setupTestApp()

	for _, path := range []string{"/livez", "/readyz", "/health"} {
		resp := do(t, app, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestAPI_MetricsAfterStart(t *testing.T) {
	t.Parallel()

	app := setupTestApp()
	def := testutil.LinearTaskDefinition()

	var created models.WorkflowDefinition

	resp := do(t, app, http.MethodPost, "/definitions", web.DefinitionRequest{
		Name:  def.Name,
		Nodes: def.Nodes,
		Edges: def.Edges,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	resp = do(t, app, http.MethodPost, "/definitions/"+created.ID+"/publish", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, app, http.MethodPost, "/definitions/"+created.ID+"/instances", web.StartInstanceRequest{Title: "Badge"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, app, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `procflow_instances_started_total{definition_id="`+created.ID+`"} 1`)
}
