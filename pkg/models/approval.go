package models

import (
	"slices"
	"time"
)

// ApprovalType is the resolution rule of an approval gate.
type ApprovalType string

const (
	ApprovalTypeAny      ApprovalType = "any"
	ApprovalTypeAll      ApprovalType = "all"
	ApprovalTypeMajority ApprovalType = "majority"
)

// ApprovalStatus is the state of an approval gate.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
	ApprovalStatusExpired  ApprovalStatus = "expired"
)

// Decision is a single approver's verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ApprovalResponse is one recorded verdict on an approval gate.
type ApprovalResponse struct {
	Approver  string    `json:"approver"`
	Decision  Decision  `json:"decision"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ApprovalRequest is an approval gate opened when an instance enters an approval node.
type ApprovalRequest struct {
	ID            string             `json:"id"`
	InstanceID    string             `json:"instance_id"`
	DefinitionID  string             `json:"definition_id"`
	NodeID        string             `json:"node_id"`
	Branch        string             `json:"branch,omitempty"`
	Approvers     []string           `json:"approvers"`
	ApprovalType  ApprovalType       `json:"approval_type"`
	MinApprovals  int                `json:"min_approvals"`
	RejectOnFirst bool               `json:"reject_on_first"`
	Responses     []ApprovalResponse `json:"responses"`
	Status        ApprovalStatus     `json:"status"`
	OnTimeout     TimeoutPolicy      `json:"on_timeout,omitempty"`
	EscalateTo    []string           `json:"escalate_to,omitempty"`
	Escalated     bool               `json:"escalated"`
	DueAt         *time.Time         `json:"due_at,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	ResolvedAt    *time.Time         `json:"resolved_at,omitempty"`
}

// IsPending reports whether the gate still accepts responses.
func (r *ApprovalRequest) IsPending() bool {
	return r.Status == ApprovalStatusPending
}

// IsEligible reports whether the approver may respond to the gate.
func (r *ApprovalRequest) IsEligible(approver string) bool {
	return slices.Contains(r.Approvers, approver)
}

// HasResponded reports whether the approver already recorded a verdict.
func (r *ApprovalRequest) HasResponded(approver string) bool {
	for _, response := range r.Responses {
		if response.Approver == approver {
			return true
		}
	}

	return false
}

// Tally counts approvals and rejections.
func (r *ApprovalRequest) Tally() (approvals, rejections int) {
	for _, response := range r.Responses {
		switch response.Decision {
		case DecisionApprove:
			approvals++
		case DecisionReject:
			rejections++
		}
	}

	return approvals, rejections
}

// Clone returns a copy that shares no slices with r.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	clone := *r
	clone.Approvers = slices.Clone(r.Approvers)
	clone.Responses = slices.Clone(r.Responses)
	clone.EscalateTo = slices.Clone(r.EscalateTo)

	return &clone
}
