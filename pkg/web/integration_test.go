//go:build integration

package web_test

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"testing"

	"github.com/dukex/procflow/pkg/engine"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence/postgresql"
	"github.com/dukex/procflow/pkg/services"
	"github.com/dukex/procflow/pkg/testutil"
	"github.com/dukex/procflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupIntegrationDB(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       "procflow_web",
				"POSTGRES_USER":     "procflow",
				"POSTGRES_PASSWORD": "procflow",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		},
		Started: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return fmt.Sprintf("postgres://procflow:procflow@%s:%s/procflow_web?sslmode=disable", host, port.Port())
}

func setupIntegrationApp(t *testing.T, databaseURL string) *fiber.App {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := postgresql.NewPersistence(context.Background(), logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close(context.Background()) })

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

func TestPurchaseOrderFlow_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testcontainers.SkipIfProviderIsNotHealthy(t)

	app := setupIntegrationApp(t, setupIntegrationDB(t))

	assert.Equal(t, http.StatusOK, call(t, app, http.MethodGet, "/health", "", nil, nil))

	id := publish(t, app, testutil.ApprovalDefinition(models.ApprovalTypeAll, []string{"carol", "dave"}, nil))

	var instance models.WorkflowInstance
	require.Equal(t, http.StatusCreated, call(t, app, http.MethodPost, "/definitions/"+id+"/instances", "ivan",
		web.StartInstanceRequest{Title: "PO 1042", Context: map[string]any{"vendor": "Acme"}}, &instance))
	require.Equal(t, models.InstanceStatusWaitingApproval, instance.Status)

	path := "/instances/" + instance.ID + "/actions"

	var current models.WorkflowInstance
	require.Equal(t, http.StatusOK, call(t, app, http.MethodPost, path, "carol", web.SubmitActionRequest{NodeID: "G", Action: "approve"}, &current))
	assert.Equal(t, models.InstanceStatusWaitingApproval, current.Status)

	assert.Equal(t, http.StatusConflict, call(t, app, http.MethodPost, path, "dave",
		web.SubmitActionRequest{NodeID: "G", Action: "approve", ExpectedVersion: instance.Version}, nil))

	require.Equal(t, http.StatusOK, call(t, app, http.MethodPost, path, "dave",
		web.SubmitActionRequest{NodeID: "G", Action: "approve", ExpectedVersion: current.Version}, &current))
	assert.Equal(t, models.InstanceStatusCompleted, current.Status)

	var list struct {
		TotalCount int64 `json:"total_count"`
	}
	require.Equal(t, http.StatusOK, call(t, app, http.MethodGet, "/instances?q=acme&status=completed", "ivan", nil, &list))
	assert.Equal(t, int64(1), list.TotalCount)

	var def models.WorkflowDefinition
	require.Equal(t, http.StatusOK, call(t, app, http.MethodGet, "/definitions/"+id, "ivan", nil, &def))
	assert.Equal(t, int64(1), def.Statistics.Completed)

	assert.Equal(t, http.StatusConflict, call(t, app, http.MethodDelete, "/definitions/"+id, "alice", nil, nil))
}
