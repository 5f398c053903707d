package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrWorkflowNotFound indicates a workflow definition was not found by the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrWorkflowAlreadyExists indicates a definition with the same identifier already exists.
	ErrWorkflowAlreadyExists = errors.New("workflow already exists")

	// ErrInstanceNotFound indicates a workflow instance was not found.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInstanceAlreadyExists indicates an instance with the same identifier already exists.
	ErrInstanceAlreadyExists = errors.New("instance already exists")

	// ErrConcurrentModification indicates the stored version differs from the version the writer read.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrJoinNotFound indicates a join barrier was not found, usually because it was already consumed.
	ErrJoinNotFound = errors.New("join not found")

	// ErrInvalidSortField indicates an invalid sort field was provided.
	ErrInvalidSortField = errors.New("invalid sort field")
)

// WorkflowError wraps definition-related errors with additional context.
type WorkflowError struct {
	Op         string // Operation being performed (e.g., "GetByID", "Save", "Delete")
	WorkflowID string
	Err        error
	Message    string
}

func (e *WorkflowError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s operation failed for workflow %s: %s (%v)", e.Op, e.WorkflowID, e.Message, e.Err)
	}

	return fmt.Sprintf("%s operation failed for workflow %s: %v", e.Op, e.WorkflowID, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for workflow errors.
func (e *WorkflowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewWorkflowError creates a new workflow error with context.
func NewWorkflowError(op, workflowID string, err error) *WorkflowError {
	return &WorkflowError{
		Op:         op,
		WorkflowID: workflowID,
		Err:        err,
	}
}

// InstanceError wraps instance-related errors with additional context.
type InstanceError struct {
	Op         string
	InstanceID string
	Version    int64 // Version the writer expected, if applicable
	Err        error
}

func (e *InstanceError) Error() string {
	if e.Version > 0 {
		return fmt.Sprintf("%s operation failed for instance %s at version %d: %v", e.Op, e.InstanceID, e.Version, e.Err)
	}

	return fmt.Sprintf("%s operation failed for instance %s: %v", e.Op, e.InstanceID, e.Err)
}

func (e *InstanceError) Unwrap() error {
	return e.Err
}

func (e *InstanceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewInstanceError creates a new instance error with context.
func NewInstanceError(op, instanceID string, err error) *InstanceError {
	return &InstanceError{Op: op, InstanceID: instanceID, Err: err}
}

// NewConflictError reports a stale write of an instance.
func NewConflictError(op, instanceID string, expectedVersion int64) *InstanceError {
	return &InstanceError{Op: op, InstanceID: instanceID, Version: expectedVersion, Err: ErrConcurrentModification}
}

// JoinError wraps join-related errors with additional context.
type JoinError struct {
	Op     string
	JoinID string
	Err    error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("%s operation failed for join %s: %v", e.Op, e.JoinID, e.Err)
}

func (e *JoinError) Unwrap() error {
	return e.Err
}

func (e *JoinError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewJoinError creates a new join error with context.
func NewJoinError(op, joinID string, err error) *JoinError {
	return &JoinError{Op: op, JoinID: joinID, Err: err}
}

// IsWorkflowNotFound checks if an error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsInstanceNotFound checks if an error indicates an instance was not found.
func IsInstanceNotFound(err error) bool {
	return errors.Is(err, ErrInstanceNotFound)
}

// IsConcurrentModification checks if an error indicates a stale write.
func IsConcurrentModification(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsJoinNotFound checks if an error indicates a join was not found.
func IsJoinNotFound(err error) bool {
	return errors.Is(err, ErrJoinNotFound)
}

// IsInvalidSortField checks if an error indicates an invalid sort field.
func IsInvalidSortField(err error) bool {
	return errors.Is(err, ErrInvalidSortField)
}
