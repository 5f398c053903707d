package models

import (
	"slices"
	"time"
)

// JoinResult is the outcome of a branch settling on a join barrier.
type JoinResult string

const (
	// JoinWaiting means other branches are still outstanding.
	JoinWaiting JoinResult = "waiting"
	// JoinReleased means the caller's token released the barrier.
	JoinReleased JoinResult = "released"
	// JoinFailed means the caller's token settled the barrier as failed.
	JoinFailed JoinResult = "failed"
	// JoinIgnored means the call had no effect: unknown token, or the barrier was settled by another token.
	JoinIgnored JoinResult = "ignored"
)

// BranchJoin is the durable barrier between a parallel node and its merge.
type BranchJoin struct {
	ID             string     `json:"id"`
	InstanceID     string     `json:"instance_id"`
	ParallelNodeID string     `json:"parallel_node_id"`
	ParentBranch   string     `json:"parent_branch,omitempty"`
	Expected       []string   `json:"expected"`
	Arrived        []string   `json:"arrived"`
	Failed         []string   `json:"failed"`
	Policy         JoinPolicy `json:"policy"`
	Released       bool       `json:"released"`
	Settled        bool       `json:"settled"`
	SettledBy      string     `json:"settled_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Arrive records the token at the barrier. It returns the result for this call and
// whether the join changed and has to be persisted. Only one token ever gets
// JoinReleased, and it gets it again if it retries before the join is removed.
func (j *BranchJoin) Arrive(token string) (JoinResult, bool) {
	if result, done := j.settledResult(token); done {
		return result, false
	}

	if slices.Contains(j.Arrived, token) || slices.Contains(j.Failed, token) {
		return JoinWaiting, false
	}

	j.Arrived = append(j.Arrived, token)

	if len(j.Arrived) == len(j.Expected) {
		j.Released = true
		j.Settled = true
		j.SettledBy = token

		return JoinReleased, true
	}

	if len(j.Arrived)+len(j.Failed) == len(j.Expected) {
		j.Settled = true
		j.SettledBy = token

		return JoinFailed, true
	}

	return JoinWaiting, true
}

// Fail records a failed branch. Under fail_fast the first failure settles the
// barrier; under wait_all it settles once every branch arrived or failed.
func (j *BranchJoin) Fail(token string) (JoinResult, bool) {
	if result, done := j.settledResult(token); done {
		return result, false
	}

	if slices.Contains(j.Arrived, token) || slices.Contains(j.Failed, token) {
		return JoinWaiting, false
	}

	j.Failed = append(j.Failed, token)

	if j.Policy != JoinPolicyWaitAll || len(j.Arrived)+len(j.Failed) == len(j.Expected) {
		j.Settled = true
		j.SettledBy = token

		return JoinFailed, true
	}

	return JoinWaiting, true
}

func (j *BranchJoin) settledResult(token string) (JoinResult, bool) {
	if !slices.Contains(j.Expected, token) {
		return JoinIgnored, true
	}

	if !j.Settled {
		return "", false
	}

	if j.SettledBy != token {
		return JoinIgnored, true
	}

	if j.Released {
		return JoinReleased, true
	}

	return JoinFailed, true
}

// Clone returns a copy that shares no slices with j.
func (j *BranchJoin) Clone() *BranchJoin {
	clone := *j
	clone.Expected = slices.Clone(j.Expected)
	clone.Arrived = slices.Clone(j.Arrived)
	clone.Failed = slices.Clone(j.Failed)

	return &clone
}
