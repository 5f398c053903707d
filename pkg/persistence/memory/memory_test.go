package memory_test

import (
	"testing"

	"github.com/dukex/procflow/pkg/persistence"
	"github.com/dukex/procflow/pkg/persistence/memory"
	"github.com/dukex/procflow/pkg/persistence/persistencetest"
	"github.com/dukex/procflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistence_Conformance(t *testing.T) {
	t.Parallel()

	persistencetest.Run(t, func(_ *testing.T) persistence.Persistence {
		return memory.NewPersistence()
	})
}

func TestPersistence_CopiesRecords(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	p := memory.NewPersistence()

	def := testutil.LinearTaskDefinition()
	require.NoError(t, p.DefinitionRepository().Save(ctx, def))

	def.Name = "Changed after save"

	loaded, err := p.DefinitionRepository().GetByID(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, "Linear task", loaded.Name)

	instance := persistencetest.NewInstance(def.ID, "bob")
	require.NoError(t, p.InstanceRepository().Create(ctx, instance))

	read, err := p.InstanceRepository().GetByID(ctx, instance.ID)
	require.NoError(t, err)

	read.Variables["leak"] = true

	again, err := p.InstanceRepository().GetByID(ctx, instance.ID)
	require.NoError(t, err)
	assert.NotContains(t, again.Variables, "leak")
}
