package approval_test

import (
	"testing"
	"time"

	"github.com/dukex/procflow/pkg/approval"
	"github.com/dukex/procflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newRequest(approvalType models.ApprovalType, approvers ...string) *models.ApprovalRequest {
	return approval.NewRequest(models.ApprovalConfig{ApprovalType: approvalType}, approvers, now)
}

// respond applies a response the way the instance history fold does.
func respond(t *testing.T, request *models.ApprovalRequest, approver string, decision models.Decision) approval.Outcome {
	t.Helper()

	outcome, err := approval.Respond(request, approver, decision, "", now)
	require.NoError(t, err)

	request.Responses = append(request.Responses, outcome.Response)
	request.Status = outcome.Status

	return outcome
}

func TestRespond_All(t *testing.T) {
	t.Parallel()

	request := newRequest(models.ApprovalTypeAll, "A", "B", "C")

	assert.False(t, respond(t, request, "A", models.DecisionApprove).Resolved())
	assert.False(t, respond(t, request, "B", models.DecisionApprove).Resolved())

	outcome := respond(t, request, "C", models.DecisionApprove)
	assert.True(t, outcome.Resolved())
	assert.Equal(t, models.ApprovalStatusApproved, outcome.Status)

	_, err := approval.Respond(request, "A", models.DecisionApprove, "", now)
	assert.ErrorIs(t, err, approval.ErrNotPending)
}

func TestRespond_AllRejectsOnAnyRejection(t *testing.T) {
	t.Parallel()

	request := newRequest(models.ApprovalTypeAll, "A", "B")

	respond(t, request, "A", models.DecisionApprove)
	outcome := respond(t, request, "B", models.DecisionReject)

	assert.Equal(t, models.ApprovalStatusRejected, outcome.Status)
}

func TestRespond_AnyRejectOnFirst(t *testing.T) {
	t.Parallel()

	request := newRequest(models.ApprovalTypeAny, "A", "B")

	outcome := respond(t, request, "B", models.DecisionReject)
	assert.Equal(t, models.ApprovalStatusRejected, outcome.Status)

	_, err := approval.Respond(request, "A", models.DecisionApprove, "", now)
	assert.ErrorIs(t, err, approval.ErrNotPending)
}

func TestRespond_AnyWithoutRejectOnFirst(t *testing.T) {
	t.Parallel()

	rejectOnFirst := false
	request := approval.NewRequest(models.ApprovalConfig{
		ApprovalType:  models.ApprovalTypeAny,
		MinApprovals:  2,
		RejectOnFirst: &rejectOnFirst,
	}, []string{"A", "B", "C"}, now)

	assert.Equal(t, models.ApprovalStatusPending, respond(t, request, "A", models.DecisionReject).Status)
	assert.Equal(t, models.ApprovalStatusPending, respond(t, request, "B", models.DecisionApprove).Status)
	assert.Equal(t, models.ApprovalStatusApproved, respond(t, request, "C", models.DecisionApprove).Status)
}

func TestRespond_AnyCannotReachThreshold(t *testing.T) {
	t.Parallel()

	rejectOnFirst := false
	request := approval.NewRequest(models.ApprovalConfig{
		ApprovalType:  models.ApprovalTypeAny,
		MinApprovals:  2,
		RejectOnFirst: &rejectOnFirst,
	}, []string{"A", "B"}, now)

	assert.Equal(t, models.ApprovalStatusRejected, respond(t, request, "A", models.DecisionReject).Status)
}

func TestRespond_Majority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		approvers []string
		responses []models.Decision
		expected  []models.ApprovalStatus
	}{
		{
			name:      "two of three approve",
			approvers: []string{"A", "B", "C"},
			responses: []models.Decision{models.DecisionApprove, models.DecisionApprove},
			expected:  []models.ApprovalStatus{models.ApprovalStatusPending, models.ApprovalStatusApproved},
		},
		{
			name:      "split waits for the deciding vote",
			approvers: []string{"A", "B", "C"},
			responses: []models.Decision{models.DecisionApprove, models.DecisionReject, models.DecisionReject},
			expected:  []models.ApprovalStatus{models.ApprovalStatusPending, models.ApprovalStatusPending, models.ApprovalStatusRejected},
		},
		{
			name:      "tie with everyone responded rejects",
			approvers: []string{"A", "B"},
			responses: []models.Decision{models.DecisionApprove, models.DecisionReject},
			expected:  []models.ApprovalStatus{models.ApprovalStatusPending, models.ApprovalStatusRejected},
		},
		{
			name:      "half is not a majority",
			approvers: []string{"A", "B", "C", "D"},
			responses: []models.Decision{models.DecisionApprove, models.DecisionApprove, models.DecisionApprove},
			expected:  []models.ApprovalStatus{models.ApprovalStatusPending, models.ApprovalStatusPending, models.ApprovalStatusApproved},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			request := newRequest(models.ApprovalTypeMajority, tt.approvers...)

			for index, decision := range tt.responses {
				outcome := respond(t, request, tt.approvers[index], decision)
				assert.Equal(t, tt.expected[index], outcome.Status, "after response %d", index+1)
			}
		})
	}
}

func TestRespond_Rejections(t *testing.T) {
	t.Parallel()

	request := newRequest(models.ApprovalTypeAll, "A", "B")
	respond(t, request, "A", models.DecisionApprove)

	_, err := approval.Respond(request, "A", models.DecisionApprove, "", now)
	assert.ErrorIs(t, err, approval.ErrAlreadyResponded)

	_, err = approval.Respond(request, "mallory", models.DecisionApprove, "", now)
	assert.ErrorIs(t, err, approval.ErrNotEligible)

	_, err = approval.Respond(request, "B", models.Decision("maybe"), "", now)
	assert.ErrorIs(t, err, approval.ErrInvalidDecision)

	assert.Len(t, request.Responses, 1)
}

func TestNewRequest_Defaults(t *testing.T) {
	t.Parallel()

	request := approval.NewRequest(models.ApprovalConfig{TimeoutMinutes: 30}, []string{"A", "A", "", "B"}, now)

	assert.Equal(t, []string{"A", "B"}, request.Approvers)
	assert.Equal(t, models.ApprovalTypeAny, request.ApprovalType)
	assert.Equal(t, 1, request.MinApprovals)
	assert.True(t, request.RejectOnFirst)
	assert.Equal(t, models.ApprovalStatusPending, request.Status)
	require.NotNil(t, request.DueAt)
	assert.Equal(t, now.Add(30*time.Minute), *request.DueAt)
}

func TestExpire(t *testing.T) {
	t.Parallel()

	rejecting := approval.NewRequest(models.ApprovalConfig{TimeoutMinutes: 10}, []string{"A"}, now)
	assert.False(t, approval.Expire(rejecting, models.TimeoutPolicyReject, 0, now).Escalate)

	escalating := approval.NewRequest(models.ApprovalConfig{
		TimeoutMinutes: 10,
		OnTimeout:      models.TimeoutPolicyEscalate,
		EscalateTo:     []string{"manager"},
	}, []string{"A"}, now)

	later := now.Add(11 * time.Minute)
	assert.True(t, approval.IsOverdue(escalating, later))

	expiry := approval.Expire(escalating, "", 0, later)
	assert.True(t, expiry.Escalate)
	assert.Equal(t, []string{"manager"}, expiry.Approvers)
	require.NotNil(t, expiry.DueAt)
	assert.Equal(t, later.Add(10*time.Minute), *expiry.DueAt)

	escalating.Escalated = true
	assert.False(t, approval.Expire(escalating, "", 0, later).Escalate)

	fromSettings := approval.NewRequest(models.ApprovalConfig{EscalateTo: []string{"manager"}}, []string{"A"}, now)
	assert.True(t, approval.Expire(fromSettings, models.TimeoutPolicyEscalate, time.Hour, later).Escalate)
}
