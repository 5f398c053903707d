package file

import (
	"path/filepath"
	"testing"

	"github.com/dukex/procflow/pkg/persistence"
	"github.com/dukex/procflow/pkg/persistence/persistencetest"
	"github.com/dukex/procflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPersistence(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/tmp/test", NewPersistence("/tmp/test").root)
	assert.Equal(t, "/tmp/test", NewPersistence("file:///tmp/test").root)
}

func TestPersistence_Conformance(t *testing.T) {
	t.Parallel()

	persistencetest.Run(t, func(t *testing.T) persistence.Persistence {
		return NewPersistence(t.TempDir())
	})
}

func TestPersistence_HealthCheck(t *testing.T) {
	t.Parallel()

	assert.NoError(t, NewPersistence(t.TempDir()).HealthCheck(t.Context()))
	assert.Error(t, NewPersistence(filepath.Join(t.TempDir(), "missing")).HealthCheck(t.Context()))
}

func TestDefinitionRepository_WritesOneDocumentPerDefinition(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	p := NewPersistence(root)

	def := testutil.LinearTaskDefinition()
	require.NoError(t, p.DefinitionRepository().Save(t.Context(), def))

	assert.FileExists(t, filepath.Join(root, "workflows", def.ID+".json"))
	assert.NoFileExists(t, filepath.Join(root, "workflows", def.ID+".json.tmp"))
	assert.False(t, def.CreatedAt.IsZero())
	assert.False(t, def.UpdatedAt.IsZero())
}

func TestInstanceRepository_SurvivesReopen(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	instance := persistencetest.NewInstance("def-1", "bob")

	require.NoError(t, NewPersistence(root).InstanceRepository().Create(t.Context(), instance))

	reopened, err := NewPersistence(root).InstanceRepository().GetByID(t.Context(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, instance.History[0].Action, reopened.History[0].Action)
	assert.Equal(t, instance.Tokens, reopened.Tokens)
	assert.Equal(t, int64(1), reopened.Version)
}
