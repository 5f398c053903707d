package validation

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDefinitionInvalid is matched by every DefinitionInvalidError.
var ErrDefinitionInvalid = errors.New("definition invalid")

// ReasonCode classifies a single validation problem.
type ReasonCode string

const (
	ReasonMissingStart      ReasonCode = "missing_start"
	ReasonMultipleStart     ReasonCode = "multiple_start"
	ReasonMissingEnd        ReasonCode = "missing_end"
	ReasonMissingName       ReasonCode = "missing_name"
	ReasonEmptyNodeID       ReasonCode = "empty_node_id"
	ReasonDuplicateNode     ReasonCode = "duplicate_node"
	ReasonDuplicateEdge     ReasonCode = "duplicate_edge"
	ReasonUnknownKind       ReasonCode = "unknown_kind"
	ReasonDanglingEdge      ReasonCode = "dangling_edge"
	ReasonUnreachable       ReasonCode = "unreachable_node"
	ReasonNoIncoming        ReasonCode = "no_incoming_edge"
	ReasonNoOutgoing        ReasonCode = "no_outgoing_edge"
	ReasonStartOutgoing     ReasonCode = "start_outgoing"
	ReasonEndOutgoing       ReasonCode = "end_outgoing"
	ReasonParallelBranches  ReasonCode = "parallel_branches"
	ReasonParallelGuard     ReasonCode = "parallel_guard"
	ReasonInvalidConfig     ReasonCode = "invalid_config"
	ReasonInvalidExpression ReasonCode = "invalid_expression"
	ReasonInvalidEdgeLabel  ReasonCode = "invalid_edge_label"
	ReasonInvalidSettings   ReasonCode = "invalid_settings"
)

// Reason is one problem found in a definition.
type Reason struct {
	Code    ReasonCode `json:"code"`
	Message string     `json:"message"`
	NodeID  string     `json:"node_id,omitempty"`
	EdgeID  string     `json:"edge_id,omitempty"`
}

func (r Reason) String() string {
	return r.Message
}

// DefinitionInvalidError lists every problem found in a definition.
type DefinitionInvalidError struct {
	Reasons []Reason
}

func (e *DefinitionInvalidError) Error() string {
	messages := make([]string, len(e.Reasons))
	for index, reason := range e.Reasons {
		messages[index] = reason.Message
	}

	return fmt.Sprintf("definition invalid: %s", strings.Join(messages, "; "))
}

func (e *DefinitionInvalidError) Is(target error) bool {
	return target == ErrDefinitionInvalid
}

// HasReason reports whether any reason carries the code.
func (e *DefinitionInvalidError) HasReason(code ReasonCode) bool {
	for _, reason := range e.Reasons {
		if reason.Code == code {
			return true
		}
	}

	return false
}

// IsDefinitionInvalid checks if an error reports an invalid definition.
func IsDefinitionInvalid(err error) bool {
	return errors.Is(err, ErrDefinitionInvalid)
}

// Reasons extracts the reasons of an invalid-definition error, or nil.
func Reasons(err error) []Reason {
	var invalid *DefinitionInvalidError
	if errors.As(err, &invalid) {
		return invalid.Reasons
	}

	return nil
}
