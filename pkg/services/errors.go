// Package services exposes the definition, instance and approval operations on top of
// persistence, the engine and the authorizer.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/procflow/pkg/engine"
	"github.com/dukex/procflow/pkg/persistence"
	"github.com/dukex/procflow/pkg/validation"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInvalidSortField = errors.New("invalid sort field")
	ErrInvalidStatus    = errors.New("invalid status")
	ErrInvalidPriority  = errors.New("invalid priority")
	ErrDefinitionNil    = errors.New("definition cannot be nil")
	ErrUnknownAction    = engine.ErrUnknownAction

	// Not Found Errors (404 Not Found).
	ErrWorkflowNotFound = persistence.ErrWorkflowNotFound
	ErrInstanceNotFound = persistence.ErrInstanceNotFound
	ErrNodeNotFound     = engine.ErrNodeNotFound

	// Permission Errors (403 Forbidden).
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotEligible      = engine.ErrNotEligible

	// Business Logic Conflicts (409 Conflict).
	ErrWorkflowNotActive      = errors.New("workflow is not published")
	ErrCannotModifyPublished  = errors.New("cannot modify a published or archived workflow")
	ErrAlreadyPublished       = errors.New("workflow is already published")
	ErrAlreadyArchived        = errors.New("workflow is already archived")
	ErrDefinitionInUse        = errors.New("workflow has instances")
	ErrInvalidActionForState  = engine.ErrInvalidActionForState
	ErrConcurrentModification = persistence.ErrConcurrentModification
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidSortField) ||
		errors.Is(err, persistence.ErrInvalidSortField) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInvalidPriority) ||
		errors.Is(err, ErrDefinitionNil) ||
		errors.Is(err, ErrUnknownAction) ||
		validation.IsDefinitionInvalid(err)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrWorkflowNotActive) ||
		errors.Is(err, ErrCannotModifyPublished) ||
		errors.Is(err, ErrAlreadyPublished) ||
		errors.Is(err, ErrAlreadyArchived) ||
		errors.Is(err, ErrDefinitionInUse) ||
		errors.Is(err, ErrInvalidActionForState) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, persistence.ErrWorkflowAlreadyExists)
}

// IsNotFoundError checks if an error should return HTTP 404.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrInstanceNotFound) ||
		errors.Is(err, ErrNodeNotFound)
}

// IsPermissionError checks if an error should return HTTP 403.
func IsPermissionError(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrNotEligible)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func newPermissionError(op, actorID, message string) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    "PERMISSION_DENIED",
		Message: fmt.Sprintf("actor %q may not %s", actorID, message),
		Err:     ErrPermissionDenied,
	}
}

func newConflictError(op, code, message string, err error) *ServiceError {
	return &ServiceError{Op: op, Code: code, Message: message, Err: err}
}
