package protocol

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
)

// StaticDirectory resolves role references from a fixed membership table.
// Plain user ids resolve to themselves.
type StaticDirectory struct {
	mu    sync.RWMutex
	roles map[string][]string
}

// NewStaticDirectory creates a directory from role name to member ids.
func NewStaticDirectory(roles map[string][]string) *StaticDirectory {
	d := &StaticDirectory{roles: make(map[string][]string, len(roles))}

	for role, members := range roles {
		d.roles[role] = slices.Clone(members)
	}

	return d
}

// SetRole replaces the members of a role.
func (d *StaticDirectory) SetRole(role string, members ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.roles[role] = slices.Clone(members)
}

// Resolve expands role references and "*" (every known member) into distinct user ids,
// keeping the order of first appearance.
func (d *StaticDirectory) Resolve(_ context.Context, refs []string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	users := make([]string, 0, len(refs))

	add := func(ids ...string) {
		for _, id := range ids {
			if id != "" && !slices.Contains(users, id) {
				users = append(users, id)
			}
		}
	}

	for _, ref := range refs {
		switch {
		case ref == "*":
			for _, role := range slices.Sorted(maps.Keys(d.roles)) {
				add(d.roles[role]...)
			}
		case strings.HasPrefix(ref, "role:"):
			add(d.roles[strings.TrimPrefix(ref, "role:")]...)
		default:
			add(ref)
		}
	}

	return users, nil
}
