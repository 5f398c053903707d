package models

import (
	"slices"
	"strings"
)

// SystemActor is the identity recorded for transitions the engine performs on its own.
const SystemActor = "system"

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles,omitempty"`
}

// HasRole reports whether the actor carries the role.
func (a Actor) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// Matches reports whether the actor is selected by any of the references.
// A reference is a user id, "role:<name>" or "*".
func (a Actor) Matches(refs []string) bool {
	for _, ref := range refs {
		if ref == "*" || (a.ID != "" && ref == a.ID) {
			return true
		}

		if role, ok := strings.CutPrefix(ref, "role:"); ok && a.HasRole(role) {
			return true
		}
	}

	return false
}
