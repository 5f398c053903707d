package engine

import "errors"

var (
	// ErrInvalidActionForState indicates the action does not apply to the instance as it is now.
	ErrInvalidActionForState = errors.New("action is not valid for the current instance state")

	// ErrNodeNotFound indicates the action names a node the definition does not have.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNotEligible indicates the actor may not respond to the approval gate.
	ErrNotEligible = errors.New("actor is not an eligible approver")

	// ErrUnknownAction indicates the action type is not supported.
	ErrUnknownAction = errors.New("unknown action")

	// ErrNothingDue indicates a timeout check found no expired deadline or approval gate.
	ErrNothingDue = errors.New("nothing is due")

	// ErrDefinitionMismatch indicates the definition is not the one the instance runs.
	ErrDefinitionMismatch = errors.New("definition does not match the instance")
)
