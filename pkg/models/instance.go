package models

import (
	"maps"
	"slices"
	"time"
)

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusRunning         InstanceStatus = "running"
	InstanceStatusWaitingApproval InstanceStatus = "waiting_approval"
	InstanceStatusCompleted       InstanceStatus = "completed"
	InstanceStatusFailed          InstanceStatus = "failed"
	InstanceStatusCancelled       InstanceStatus = "cancelled"
	InstanceStatusTimedOut        InstanceStatus = "timed_out"
)

// InstanceStatuses lists every instance status.
var InstanceStatuses = []InstanceStatus{
	InstanceStatusRunning,
	InstanceStatusWaitingApproval,
	InstanceStatusCompleted,
	InstanceStatusFailed,
	InstanceStatusCancelled,
	InstanceStatusTimedOut,
}

// IsTerminal reports whether the status has no outgoing transitions.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceStatusCompleted, InstanceStatusFailed, InstanceStatusCancelled, InstanceStatusTimedOut:
		return true
	default:
		return false
	}
}

// Priority orders instances for the people working on them.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Token is an active position in the graph. Branch is empty on the main path and
// holds the branch token inside a parallel region.
type Token struct {
	NodeID string `json:"node_id"`
	Branch string `json:"branch,omitempty"`
}

// Branch links a branch token to the join barrier it must settle on. A new branch
// waits on its parallel node until a worker follows EdgeID.
type Branch struct {
	Token          string `json:"token"`
	JoinID         string `json:"join_id"`
	Parent         string `json:"parent,omitempty"`
	ParallelNodeID string `json:"parallel_node_id"`
	EdgeID         string `json:"edge_id"`
}

// TaskWait is the due time of the task a token is suspended on.
type TaskWait struct {
	NodeID string    `json:"node_id"`
	Branch string    `json:"branch,omitempty"`
	DueAt  time.Time `json:"due_at"`
}

func (w TaskWait) Token() Token {
	return Token{NodeID: w.NodeID, Branch: w.Branch}
}

// InstanceState is the projection folded from an instance history.
type InstanceState struct {
	Status      InstanceStatus              `json:"status"`
	Tokens      []Token                     `json:"tokens"`
	Variables   map[string]any              `json:"variables"`
	AssignedTo  string                      `json:"assigned_to,omitempty"`
	Deadline    *time.Time                  `json:"deadline,omitempty"`
	CompletedAt *time.Time                  `json:"completed_at,omitempty"`
	Approvals   map[string]*ApprovalRequest `json:"approvals"`
	Branches    map[string]*Branch          `json:"branches"`
	Joins       map[string]*BranchJoin      `json:"joins,omitempty"`
	Visits      map[string]int              `json:"visits"`
	Waits       []TaskWait                  `json:"waits,omitempty"`
	LastError   *EntryError                 `json:"last_error,omitempty"`
}

// WorkflowInstance is one run of a published definition.
type WorkflowInstance struct {
	ID                string         `json:"id"`
	DefinitionID      string         `json:"definition_id"`
	DefinitionVersion int            `json:"definition_version"`
	Title             string         `json:"title"`
	Context           map[string]any `json:"context,omitempty"`
	Priority          Priority       `json:"priority"`
	InitiatedBy       string         `json:"initiated_by"`
	History           []HistoryEntry `json:"history"`
	Version           int64          `json:"version"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`

	InstanceState
}

// NewInstanceState returns an empty projection.
func NewInstanceState() InstanceState {
	return InstanceState{
		Variables: map[string]any{},
		Approvals: map[string]*ApprovalRequest{},
		Branches:  map[string]*Branch{},
		Joins:     map[string]*BranchJoin{},
		Visits:    map[string]int{},
	}
}

// Record appends an entry to the history and folds it into the projection.
// The entry gets the next sequence number and, when the status changed, the new status.
func (i *WorkflowInstance) Record(entry HistoryEntry) HistoryEntry {
	before := i.Status

	entry.Seq = len(i.History) + 1
	i.InstanceState.Apply(entry)

	if i.Status != before {
		entry.Status = i.Status
	}

	i.History = append(i.History, entry)

	return entry
}

// Replay rebuilds the projection from the history alone.
func Replay(history []HistoryEntry) InstanceState {
	state := NewInstanceState()

	for _, entry := range history {
		state.Apply(entry)
	}

	return state
}

// Apply folds a single history entry into the state.
func (s *InstanceState) Apply(entry HistoryEntry) {
	s.ensureMaps()

	maps.Copy(s.Variables, entry.Variables)

	switch entry.Action {
	case ActionStart:
		s.Tokens = []Token{{NodeID: entry.NodeID, Branch: entry.Branch}}
		s.Visits[entry.NodeID]++

		if entry.Assignee != "" {
			s.AssignedTo = entry.Assignee
		}

		if entry.DueAt != nil {
			due := *entry.DueAt
			s.Deadline = &due
		}
	case ActionAdvance:
		s.removeToken(entry.From, entry.Branch)
		s.Tokens = append(s.Tokens, Token{NodeID: entry.NodeID, Branch: entry.Branch})
		s.Visits[entry.NodeID]++
	case ActionFork:
		s.removeToken(entry.NodeID, entry.Branch)

		barrier := &BranchJoin{
			ID:             entry.JoinID,
			ParallelNodeID: entry.NodeID,
			ParentBranch:   entry.Branch,
			Expected:       make([]string, 0, len(entry.Spawned)),
			Arrived:        []string{},
			Failed:         []string{},
			Policy:         entry.Policy,
			CreatedAt:      entry.Timestamp,
		}

		for index, spawned := range entry.Spawned {
			branch := &Branch{
				Token:          spawned.Branch,
				JoinID:         entry.JoinID,
				Parent:         entry.Branch,
				ParallelNodeID: entry.NodeID,
			}

			if index < len(entry.Edges) {
				branch.EdgeID = entry.Edges[index]
			}

			s.Tokens = append(s.Tokens, spawned)
			s.Branches[spawned.Branch] = branch
			barrier.Expected = append(barrier.Expected, spawned.Branch)
		}

		if entry.JoinID != "" {
			s.Joins[entry.JoinID] = barrier
		}
	case ActionArrive:
		if barrier := s.Joins[entry.JoinID]; barrier != nil {
			barrier.Arrive(entry.Branch)
		}
	case ActionRelease:
		for _, token := range entry.Tokens {
			s.Tokens = slices.DeleteFunc(s.Tokens, func(t Token) bool { return t.Branch == token })
			delete(s.Branches, token)
		}

		delete(s.Joins, entry.JoinID)
		s.Tokens = append(s.Tokens, Token{NodeID: entry.NodeID, Branch: entry.Branch})
	case ActionBranchFailed:
		// Tokens lists nested branches that die with the failed one.
		dead := append([]string{entry.Branch}, entry.Tokens...)
		s.Tokens = slices.DeleteFunc(s.Tokens, func(t Token) bool { return slices.Contains(dead, t.Branch) })

		if barrier := s.Joins[entry.JoinID]; barrier != nil {
			barrier.Fail(entry.Branch)
		}

		for _, token := range dead {
			delete(s.Branches, token)
		}

		for id, barrier := range s.Joins {
			if slices.Contains(dead, barrier.ParentBranch) {
				delete(s.Joins, id)
			}
		}
	case ActionApprovalRequested:
		if entry.Approval != nil {
			s.Approvals[entry.NodeID] = entry.Approval.Clone()
		}
	case ActionApprove, ActionReject:
		if gate := s.Approvals[entry.NodeID]; gate != nil {
			decision := DecisionApprove
			if entry.Action == ActionReject {
				decision = DecisionReject
			}

			gate.Responses = append(gate.Responses, ApprovalResponse{
				Approver:  entry.Actor,
				Decision:  decision,
				Comment:   entry.Comment,
				Timestamp: entry.Timestamp,
			})
		}
	case ActionApprovalResolved:
		if gate := s.Approvals[entry.NodeID]; gate != nil {
			resolvedAt := entry.Timestamp
			gate.Status = entry.Outcome
			gate.ResolvedAt = &resolvedAt
		}
	case ActionEscalate:
		if gate := s.Approvals[entry.NodeID]; gate != nil {
			for _, approver := range entry.Approvers {
				if !slices.Contains(gate.Approvers, approver) {
					gate.Approvers = append(gate.Approvers, approver)
				}
			}

			if entry.DueAt != nil {
				due := *entry.DueAt
				gate.DueAt = &due
			}

			gate.Escalated = true
		}
	case ActionReassign:
		// Replaced names an approver handing over a gate; otherwise the task assignee changes.
		if gate := s.Approvals[entry.NodeID]; gate != nil && gate.IsPending() && entry.Replaced != "" {
			index := slices.Index(gate.Approvers, entry.Replaced)
			if index >= 0 && !slices.Contains(gate.Approvers, entry.Assignee) {
				gate.Approvers[index] = entry.Assignee
			}
		} else if entry.Assignee != "" {
			s.AssignedTo = entry.Assignee
		}
	case ActionEnd:
		s.terminate(InstanceStatusCompleted, entry)
	case ActionFail:
		s.terminate(InstanceStatusFailed, entry)
	case ActionCancel:
		s.terminate(InstanceStatusCancelled, entry)
	case ActionTimeout:
		s.terminate(InstanceStatusTimedOut, entry)
	case ActionComplete, ActionSkip, ActionNotify, ActionInvoke, ActionRetry:
	}

	if entry.Wait != nil {
		s.AddWait(*entry.Wait)
	}

	// A wait lasts as long as its token.
	s.Waits = slices.DeleteFunc(s.Waits, func(w TaskWait) bool { return !s.HasToken(w.Token()) })

	if !s.Status.IsTerminal() {
		s.Status = InstanceStatusRunning
		if s.hasPendingApproval() {
			s.Status = InstanceStatusWaitingApproval
		}
	}
}

func (s *InstanceState) terminate(status InstanceStatus, entry HistoryEntry) {
	completedAt := entry.Timestamp

	s.Status = status
	s.Tokens = nil
	s.CompletedAt = &completedAt
	clear(s.Branches)
	clear(s.Joins)

	if entry.Error != nil {
		failure := *entry.Error
		s.LastError = &failure
	}

	for _, gate := range s.Approvals {
		if gate.IsPending() {
			gate.Status = ApprovalStatusExpired
			gate.ResolvedAt = &completedAt
		}
	}
}

func (s *InstanceState) removeToken(nodeID, branch string) {
	index := slices.Index(s.Tokens, Token{NodeID: nodeID, Branch: branch})
	if index >= 0 {
		s.Tokens = slices.Delete(s.Tokens, index, index+1)
	}
}

func (s *InstanceState) hasPendingApproval() bool {
	for _, gate := range s.Approvals {
		if gate.IsPending() {
			return true
		}
	}

	return false
}

func (s *InstanceState) ensureMaps() {
	if s.Variables == nil {
		s.Variables = map[string]any{}
	}

	if s.Approvals == nil {
		s.Approvals = map[string]*ApprovalRequest{}
	}

	if s.Branches == nil {
		s.Branches = map[string]*Branch{}
	}

	if s.Visits == nil {
		s.Visits = map[string]int{}
	}

	if s.Joins == nil {
		s.Joins = map[string]*BranchJoin{}
	}
}

// ActiveNodes returns the distinct node ids holding a token.
func (s *InstanceState) ActiveNodes() []string {
	nodes := make([]string, 0, len(s.Tokens))

	for _, token := range s.Tokens {
		if !slices.Contains(nodes, token.NodeID) {
			nodes = append(nodes, token.NodeID)
		}
	}

	return nodes
}

// PendingBranches returns the sorted branch tokens that have not left their
// parallel node yet.
func (s *InstanceState) PendingBranches() []string {
	var pending []string

	for token, branch := range s.Branches {
		if s.HasToken(Token{NodeID: branch.ParallelNodeID, Branch: token}) {
			pending = append(pending, token)
		}
	}

	slices.Sort(pending)

	return pending
}

// HasToken reports whether the exact token is active.
func (s *InstanceState) HasToken(token Token) bool {
	return slices.Contains(s.Tokens, token)
}

// TokensAt returns the tokens positioned on a node.
func (s *InstanceState) TokensAt(nodeID string) []Token {
	tokens := make([]Token, 0, 1)

	for _, token := range s.Tokens {
		if token.NodeID == nodeID {
			tokens = append(tokens, token)
		}
	}

	return tokens
}

// Descendants returns the branches nested, at any depth, under branch.
func (s *InstanceState) Descendants(branch string) []string {
	found := make([]string, 0)
	queue := []string{branch}

	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]

		for token, candidate := range s.Branches {
			if candidate.Parent == parent && !slices.Contains(found, token) {
				found = append(found, token)
				queue = append(queue, token)
			}
		}
	}

	slices.Sort(found)

	return found
}

// BranchTokens returns the tokens belonging to a branch.
func (s *InstanceState) BranchTokens(branch string) []Token {
	tokens := make([]Token, 0, 1)

	for _, token := range s.Tokens {
		if token.Branch == branch {
			tokens = append(tokens, token)
		}
	}

	return tokens
}

// PendingApproval returns the open approval gate of a node or nil.
func (s *InstanceState) PendingApproval(nodeID string) *ApprovalRequest {
	gate := s.Approvals[nodeID]
	if gate == nil || !gate.IsPending() {
		return nil
	}

	return gate
}

// PendingApprovals returns every open approval gate.
func (s *InstanceState) PendingApprovals() []*ApprovalRequest {
	gates := make([]*ApprovalRequest, 0, len(s.Approvals))

	for _, gate := range s.Approvals {
		if gate.IsPending() {
			gates = append(gates, gate)
		}
	}

	slices.SortFunc(gates, func(a, b *ApprovalRequest) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	return gates
}

// AddWait sets the due time of the task a token waits on, replacing an earlier one.
func (s *InstanceState) AddWait(wait TaskWait) {
	s.Waits = slices.DeleteFunc(s.Waits, func(w TaskWait) bool { return w.Token() == wait.Token() })
	s.Waits = append(s.Waits, wait)
}

// NextDueAt returns the earliest deadline the timeout sweeper must act on.
func (s *InstanceState) NextDueAt() *time.Time {
	if s.Status.IsTerminal() {
		return nil
	}

	next := s.Deadline

	for index := range s.Waits {
		if next == nil || s.Waits[index].DueAt.Before(*next) {
			next = &s.Waits[index].DueAt
		}
	}

	for _, gate := range s.Approvals {
		if gate.IsPending() && gate.DueAt != nil && (next == nil || gate.DueAt.Before(*next)) {
			next = gate.DueAt
		}
	}

	if next == nil {
		return nil
	}

	due := *next

	return &due
}

// IsParticipant reports whether the user started, is assigned to, or may approve on the instance.
func (i *WorkflowInstance) IsParticipant(userID string) bool {
	if userID == "" {
		return false
	}

	if i.InitiatedBy == userID || i.AssignedTo == userID {
		return true
	}

	for _, gate := range i.Approvals {
		if gate.IsEligible(userID) {
			return true
		}
	}

	return false
}

// Participants returns the users who may see the instance without the manage_all capability.
func (i *WorkflowInstance) Participants() []string {
	participants := make([]string, 0, 4)

	add := func(id string) {
		if id != "" && !slices.Contains(participants, id) {
			participants = append(participants, id)
		}
	}

	add(i.InitiatedBy)
	add(i.AssignedTo)

	for _, gate := range i.Approvals {
		for _, approver := range gate.Approvers {
			add(approver)
		}
	}

	slices.Sort(participants)

	return participants
}

// Duration is the wall time between creation and completion.
func (i *WorkflowInstance) Duration() time.Duration {
	if i.CompletedAt == nil {
		return 0
	}

	return i.CompletedAt.Sub(i.CreatedAt)
}
