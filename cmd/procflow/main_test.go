package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence/memory"
	"github.com/dukex/procflow/pkg/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const purchaseOrderYAML = `name: Purchase order
description: Two-step purchase approval
settings:
  timeout_minutes: 1440
nodes:
  - id: start
    kind: start
  - id: check
    kind: condition
    config:
      expression: amount > 1000
  - id: manager
    kind: approval
    config:
      approvers: [role:finance_lead]
      approval_type: any
  - id: order
    kind: task
    config:
      title: Place the order
  - id: end
    kind: end
edges:
  - {source: start, target: check}
  - {source: check, target: manager, condition: "true"}
  - {source: check, target: order, condition: "false"}
  - {source: manager, target: order, condition: approved}
  - {source: manager, target: end, condition: rejected}
  - {source: order, target: end}
`

const brokenJSON = `{
  "name": "Broken",
  "nodes": [
    {"id": "start", "kind": "start"},
    {"id": "A", "kind": "task"},
    {"id": "orphan", "kind": "task"},
    {"id": "end", "kind": "end"}
  ],
  "edges": [
    {"source": "start", "target": "A"},
    {"source": "A", "target": "end"}
  ]
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadDefinition(t *testing.T) {
	t.Parallel()

	def, err := loadDefinition(writeFile(t, "po.yaml", purchaseOrderYAML))
	require.NoError(t, err)

	assert.Equal(t, "Purchase order", def.Name)
	assert.Equal(t, 1440, def.Settings.TimeoutMinutes)
	require.Len(t, def.Nodes, 5)
	assert.Equal(t, models.NodeKindApproval, def.Nodes[2].Kind)
	assert.Equal(t, "approved", def.Edges[3].Condition)

	_, err = loadDefinition(writeFile(t, "empty.yaml", ""))
	require.Error(t, err)

	_, err = loadDefinition(writeFile(t, "bad.yaml", "nodes: [unterminated"))
	require.Error(t, err)

	_, err = loadDefinition(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateFiles(t *testing.T) {
	t.Parallel()

	valid := writeFile(t, "po.yaml", purchaseOrderYAML)
	broken := writeFile(t, "broken.json", brokenJSON)

	var out bytes.Buffer
	require.NoError(t, validateFiles(&out, []string{valid}))
	assert.Contains(t, out.String(), "po.yaml: ok")

	out.Reset()
	err := validateFiles(&out, []string{valid, broken})
	require.ErrorIs(t, err, errInvalidDefinitions)
	assert.Contains(t, out.String(), "broken.json:")
	assert.Contains(t, out.String(), "[orphan]")

	assert.Error(t, validateFiles(&out, nil))
}

func TestImportFiles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()
	definitions := services.NewDefinitions(store, slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})))
	actor := models.Actor{ID: "ops"}

	var out bytes.Buffer
	require.NoError(t, importFiles(ctx, &out, definitions, actor, true, []string{writeFile(t, "po.yaml", purchaseOrderYAML)}))
	assert.Contains(t, out.String(), "published")

	list, err := definitions.List(ctx, actor, services.ListDefinitionsRequest{})
	require.NoError(t, err)
	require.Len(t, list.Definitions, 1)
	assert.Equal(t, "ops", list.Definitions[0].Owner)
	assert.Equal(t, 1, list.Definitions[0].Version)

	out.Reset()
	err = importFiles(ctx, &out, definitions, actor, false, []string{writeFile(t, "broken.json", brokenJSON)})
	require.ErrorIs(t, err, errInvalidDefinitions)
	assert.Contains(t, out.String(), "rejected")
}

func TestCommand_Validate(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	err := newCommand(&out).Run(context.Background(), []string{"procflow", "validate", writeFile(t, "po.yaml", purchaseOrderYAML)})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "ok")
}

func TestValidateExampleDefinitions(t *testing.T) {
	t.Parallel()

	paths, err := filepath.Glob(filepath.Join("..", "..", "examples", "definitions", "*.yaml"))
	require.NoError(t, err)

	definitions := make([]string, 0, len(paths))
	for _, path := range paths {
		if filepath.Base(path) != "roles.yaml" {
			definitions = append(definitions, path)
		}
	}

	require.NotEmpty(t, definitions)

	var out bytes.Buffer
	require.NoError(t, validateFiles(&out, definitions))
	assert.NotContains(t, out.String(), "problem")
}
