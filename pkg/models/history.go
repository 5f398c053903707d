package models

import (
	"maps"
	"slices"
	"time"
)

// HistoryAction names what a history entry records.
type HistoryAction string

const (
	ActionStart             HistoryAction = "START"
	ActionAdvance           HistoryAction = "ADVANCE"
	ActionFork              HistoryAction = "FORK"
	ActionArrive            HistoryAction = "ARRIVE"
	ActionRelease           HistoryAction = "RELEASE"
	ActionBranchFailed      HistoryAction = "BRANCH_FAILED"
	ActionApprovalRequested HistoryAction = "APPROVAL_REQUESTED"
	ActionApprove           HistoryAction = "APPROVE"
	ActionReject            HistoryAction = "REJECT"
	ActionApprovalResolved  HistoryAction = "APPROVAL_RESOLVED"
	ActionEscalate          HistoryAction = "ESCALATE"
	ActionComplete          HistoryAction = "COMPLETE"
	ActionSkip              HistoryAction = "SKIP"
	ActionReassign          HistoryAction = "REASSIGN"
	ActionNotify            HistoryAction = "NOTIFY"
	ActionInvoke            HistoryAction = "INVOKE"
	ActionRetry             HistoryAction = "RETRY"
	ActionFail              HistoryAction = "FAIL"
	ActionCancel            HistoryAction = "CANCEL"
	ActionTimeout           HistoryAction = "TIMEOUT"
	ActionEnd               HistoryAction = "END"
)

// ErrorKind classifies runtime failures recorded in history.
type ErrorKind string

const (
	ErrorKindConditionEvaluation ErrorKind = "ConditionEvaluationError"
	ErrorKindNoMatchingEdge      ErrorKind = "NoMatchingEdge"
	ErrorKindIntegrationFailure  ErrorKind = "IntegrationFailure"
	ErrorKindApprovalTimeout     ErrorKind = "ApprovalTimeout"
	ErrorKindApprovalRejected    ErrorKind = "ApprovalRejected"
	ErrorKindBranchFailed        ErrorKind = "BranchFailed"
	ErrorKindInvalidGraph        ErrorKind = "InvalidGraph"
	ErrorKindTaskFailure         ErrorKind = "TaskFailure"
	ErrorKindNotificationFailure ErrorKind = "NotificationFailure"
	ErrorKindInstanceTimeout     ErrorKind = "InstanceTimeout"
	ErrorKindTaskTimeout         ErrorKind = "TaskTimeout"
)

// EntryError describes a failure recorded in history.
type EntryError struct {
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// HistoryEntry is one immutable event in an instance history.
type HistoryEntry struct {
	Seq       int              `json:"seq"`
	NodeID    string           `json:"node_id"`
	Action    HistoryAction    `json:"action"`
	Timestamp time.Time        `json:"timestamp"`
	Actor     string           `json:"actor,omitempty"`
	Branch    string           `json:"branch,omitempty"`
	From      string           `json:"from,omitempty"`
	Status    InstanceStatus   `json:"status,omitempty"`
	Comment   string           `json:"comment,omitempty"`
	Variables map[string]any   `json:"variables,omitempty"`
	Details   map[string]any   `json:"details,omitempty"`
	JoinID    string           `json:"join_id,omitempty"`
	Policy    JoinPolicy       `json:"policy,omitempty"`
	Spawned   []Token          `json:"spawned,omitempty"`
	Edges     []string         `json:"edges,omitempty"`
	Tokens    []string         `json:"tokens,omitempty"`
	Approval  *ApprovalRequest `json:"approval,omitempty"`
	Outcome   ApprovalStatus   `json:"outcome,omitempty"`
	Approvers []string         `json:"approvers,omitempty"`
	DueAt     *time.Time       `json:"due_at,omitempty"`
	Assignee  string           `json:"assignee,omitempty"`
	Replaced  string           `json:"replaced,omitempty"`
	Wait      *TaskWait        `json:"wait,omitempty"`
	Error     *EntryError      `json:"error,omitempty"`
}

// Clone returns a deep copy of the instance.
func (i *WorkflowInstance) Clone() *WorkflowInstance {
	clone := *i
	clone.Context = maps.Clone(i.Context)
	clone.History = slices.Clone(i.History)
	clone.InstanceState = i.InstanceState.Clone()

	return &clone
}

// Clone returns a copy of the state that shares no mutable data with s.
func (s InstanceState) Clone() InstanceState {
	clone := s
	clone.Tokens = slices.Clone(s.Tokens)
	clone.Variables = maps.Clone(s.Variables)
	clone.Visits = maps.Clone(s.Visits)
	clone.Waits = slices.Clone(s.Waits)
	clone.Approvals = make(map[string]*ApprovalRequest, len(s.Approvals))
	clone.Branches = make(map[string]*Branch, len(s.Branches))

	for key, gate := range s.Approvals {
		clone.Approvals[key] = gate.Clone()
	}

	for key, branch := range s.Branches {
		copied := *branch
		clone.Branches[key] = &copied
	}

	clone.Joins = make(map[string]*BranchJoin, len(s.Joins))
	for key, barrier := range s.Joins {
		clone.Joins[key] = barrier.Clone()
	}

	if s.LastError != nil {
		failure := *s.LastError
		clone.LastError = &failure
	}

	return clone
}
