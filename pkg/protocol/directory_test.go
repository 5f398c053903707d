package protocol

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticDirectory_Resolve(t *testing.T) {
	t.Parallel()

	directory := NewStaticDirectory(map[string][]string{
		"finance":  {"carol", "dave"},
		"managers": {"bob", "carol"},
	})

	tests := []struct {
		name string
		refs []string
		want []string
	}{
		{"plain users", []string{"alice", "bob"}, []string{"alice", "bob"}},
		{"role", []string{"role:finance"}, []string{"carol", "dave"}},
		{"dedup across roles", []string{"role:managers", "role:finance", "bob"}, []string{"bob", "carol", "dave"}},
		{"unknown role", []string{"role:legal"}, []string{}},
		{"everyone", []string{"*"}, []string{"carol", "dave", "bob"}},
		{"empty ids skipped", []string{"", "alice"}, []string{"alice"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := directory.Resolve(context.Background(), tt.refs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStaticDirectory_SetRole(t *testing.T) {
	t.Parallel()

	members := []string{"erin"}
	directory := NewStaticDirectory(map[string][]string{"legal": members})
	members[0] = "mallory"

	got, err := directory.Resolve(context.Background(), []string{"role:legal"})
	require.NoError(t, err)
	assert.Equal(t, []string{"erin"}, got)

	directory.SetRole("legal", "frank", "grace")

	got, err = directory.Resolve(context.Background(), []string{"role:legal"})
	require.NoError(t, err)
	assert.Equal(t, []string{"frank", "grace"}, got)
}
