// Package approval decides when an approval gate resolves under any/all/majority rules.
package approval

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dukex/procflow/pkg/models"
)

var (
	// ErrNotPending indicates the gate already resolved or expired.
	ErrNotPending = errors.New("approval request is not pending")

	// ErrNotEligible indicates the approver is not listed on the gate.
	ErrNotEligible = errors.New("approver is not eligible for this request")

	// ErrAlreadyResponded indicates the approver already recorded a verdict.
	ErrAlreadyResponded = errors.New("approver already responded")

	// ErrInvalidDecision indicates the decision is neither approve nor reject.
	ErrInvalidDecision = errors.New("invalid approval decision")
)

// Outcome is the gate state after a response was applied.
type Outcome struct {
	Response models.ApprovalResponse
	Status   models.ApprovalStatus
}

// Resolved reports whether the response settled the gate.
func (o Outcome) Resolved() bool {
	return o.Status != models.ApprovalStatusPending
}

// NewRequest builds a pending gate from an approval node configuration and the resolved approvers.
func NewRequest(cfg models.ApprovalConfig, approvers []string, now time.Time) *models.ApprovalRequest {
	rejectOnFirst := true
	if cfg.RejectOnFirst != nil {
		rejectOnFirst = *cfg.RejectOnFirst
	}

	request := &models.ApprovalRequest{
		Approvers:     unique(approvers),
		ApprovalType:  cfg.ApprovalType,
		MinApprovals:  max(cfg.MinApprovals, 1),
		RejectOnFirst: rejectOnFirst,
		Responses:     []models.ApprovalResponse{},
		Status:        models.ApprovalStatusPending,
		OnTimeout:     cfg.OnTimeout,
		EscalateTo:    slices.Clone(cfg.EscalateTo),
		CreatedAt:     now,
	}

	if request.ApprovalType == "" {
		request.ApprovalType = models.ApprovalTypeAny
	}

	if cfg.TimeoutMinutes > 0 {
		due := now.Add(time.Duration(cfg.TimeoutMinutes) * time.Minute)
		request.DueAt = &due
	}

	return request
}

// Respond checks the response against the gate and returns the state the gate would reach.
// The request itself is not modified.
func Respond(request *models.ApprovalRequest, approver string, decision models.Decision, comment string, now time.Time) (Outcome, error) {
	if !request.IsPending() {
		return Outcome{}, fmt.Errorf("%w: status is %s", ErrNotPending, request.Status)
	}

	if decision != models.DecisionApprove && decision != models.DecisionReject {
		return Outcome{}, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	if !request.IsEligible(approver) {
		return Outcome{}, fmt.Errorf("%w: %s", ErrNotEligible, approver)
	}

	if request.HasResponded(approver) {
		return Outcome{}, fmt.Errorf("%w: %s", ErrAlreadyResponded, approver)
	}

	response := models.ApprovalResponse{
		Approver:  approver,
		Decision:  decision,
		Comment:   comment,
		Timestamp: now,
	}

	next := request.Clone()
	next.Responses = append(next.Responses, response)

	return Outcome{Response: response, Status: Decide(next)}, nil
}

// Decide evaluates the resolution rule over the responses recorded so far.
func Decide(request *models.ApprovalRequest) models.ApprovalStatus {
	approvals, rejections := request.Tally()
	eligible := len(request.Approvers)

	switch request.ApprovalType {
	case models.ApprovalTypeAll:
		if rejections > 0 {
			return models.ApprovalStatusRejected
		}

		if approvals >= eligible {
			return models.ApprovalStatusApproved
		}
	case models.ApprovalTypeMajority:
		responded := approvals + rejections
		if responded*2 <= eligible && responded < eligible {
			return models.ApprovalStatusPending
		}

		switch {
		case approvals > rejections:
			return models.ApprovalStatusApproved
		case rejections > approvals:
			return models.ApprovalStatusRejected
		case responded == eligible:
			return models.ApprovalStatusRejected
		}
	default:
		required := min(max(request.MinApprovals, 1), max(eligible, 1))

		if approvals >= required {
			return models.ApprovalStatusApproved
		}

		if rejections > 0 && request.RejectOnFirst {
			return models.ApprovalStatusRejected
		}

		if eligible-rejections < required {
			return models.ApprovalStatusRejected
		}
	}

	return models.ApprovalStatusPending
}

// Expiry is the action to take for a gate whose due date passed.
type Expiry struct {
	Escalate  bool
	Approvers []string
	DueAt     *time.Time
}

// Expire decides what happens to an overdue gate. The first expiry of a gate
// configured to escalate adds the escalation approvers and restarts the timer;
// every other expiry rejects.
func Expire(request *models.ApprovalRequest, fallback models.TimeoutPolicy, extension time.Duration, now time.Time) Expiry {
	policy := request.OnTimeout
	if policy == "" {
		policy = fallback
	}

	if policy != models.TimeoutPolicyEscalate || request.Escalated || len(request.EscalateTo) == 0 {
		return Expiry{}
	}

	if extension <= 0 && request.DueAt != nil {
		extension = request.DueAt.Sub(request.CreatedAt)
	}

	if extension <= 0 {
		extension = 24 * time.Hour
	}

	due := now.Add(extension)

	return Expiry{
		Escalate:  true,
		Approvers: slices.Clone(request.EscalateTo),
		DueAt:     &due,
	}
}

// IsOverdue reports whether a pending gate passed its due date.
func IsOverdue(request *models.ApprovalRequest, now time.Time) bool {
	return request.IsPending() && request.DueAt != nil && !now.Before(*request.DueAt)
}

func unique(values []string) []string {
	result := make([]string, 0, len(values))

	for _, value := range values {
		if value != "" && !slices.Contains(result, value) {
			result = append(result, value)
		}
	}

	return result
}
