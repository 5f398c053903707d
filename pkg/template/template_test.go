package template

import (
	"testing"

	"github.com/dukex/procflow/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testData() map[string]any {
	return InstanceData(protocol.InstanceContext{
		InstanceID:   "inst-1",
		DefinitionID: "def-1",
		NodeID:       "notify",
		Title:        "Laptop purchase",
		Context:      map[string]any{"department": "finance"},
		Variables:    map[string]any{"amount": 1200, "items": []any{"laptop"}},
	})
}

func TestRender(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		template string
		want     any
	}{
		{"plain string", "hello", "hello"},
		{"instance title", "{{.instance.title}}", "Laptop purchase"},
		{"number", "{{.variables.amount}}", float64(1200)},
		{"bool", "{{gt .variables.amount 1000}}", true},
		{"json object", `{"id": "{{.instance.id}}", "dept": "{{.context.department}}"}`, map[string]any{"id": "inst-1", "dept": "finance"}},
		{"json helper", "{{json .variables.items}}", []any{"laptop"}},
		{"vars alias", "{{.vars.amount}} USD", "1200 USD"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := Render(tt.template, testData())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRender_Errors(t *testing.T) {
	t.Parallel()

	_, err := Render("{{.instance.title", testData())
	require.Error(t, err)

	_, err = Render("{{.context.missing}}", testData())
	require.Error(t, err)

	_, err = Render(`{"broken": {{.variables.amount}}`, testData())
	require.Error(t, err)

	_, err = Render(`[{{.variables.amount}}, 2`, testData())
	require.ErrorContains(t, err, "failed to parse json")

	_, err = Render(`  {"amount": {{.variables.amount}}} trailing`, testData())
	require.Error(t, err)
}

func TestRenderMap_Nested(t *testing.T) {
	t.Parallel()

	got, err := RenderMap(map[string]any{
		"subject": "Approved: {{.instance.title}}",
		"meta":    map[string]any{"node": "{{.node}}", "retries": 3},
		"tags":    []any{"{{.context.department}}", "static"},
	}, testData())
	require.NoError(t, err)

	assert.Equal(t, "Approved: Laptop purchase", got["subject"])
	assert.Equal(t, map[string]any{"node": "notify", "retries": 3}, got["meta"])
	assert.Equal(t, []any{"finance", "static"}, got["tags"])
}
