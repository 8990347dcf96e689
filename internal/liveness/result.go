package liveness

import "time"

// ChallengeResult is the outcome of one attempted challenge.
type ChallengeResult struct {
	Challenge Challenge     `json:"challenge"`
	Passed    bool          `json:"passed"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Summary is the final verdict of a session. It is built once, when the session
// reaches a terminal state, and never changed afterwards.
type Summary struct {
	OverallPassed   bool              `json:"overall_passed"`
	FailedChallenge *Challenge        `json:"failed_challenge,omitempty"`
	Reason          FailureReason     `json:"reason,omitempty"`
	Results         []ChallengeResult `json:"results"`
	ChallengeCount  int               `json:"challenge_count"`
	StartedAt       time.Time         `json:"started_at"`
	CompletedAt     time.Time         `json:"completed_at"`
}

// Duration is the wall time between start and completion.
func (s Summary) Duration() time.Duration {
	return s.CompletedAt.Sub(s.StartedAt)
}

// PassedCount counts passed challenge results.
func (s Summary) PassedCount() int {
	n := 0
	for _, r := range s.Results {
		if r.Passed {
			n++
		}
	}
	return n
}

// Finalize aggregates per-challenge results. The session passes only when every
// challenge in the list has a passed result.
func Finalize(results []ChallengeResult, challengeCount int, reason FailureReason, startedAt, completedAt time.Time) Summary {
	summary := Summary{
		Results:        append([]ChallengeResult(nil), results...),
		ChallengeCount: challengeCount,
		Reason:         reason,
		StartedAt:      startedAt,
		CompletedAt:    completedAt,
	}

	allPassed := true
	for i := range summary.Results {
		if !summary.Results[i].Passed {
			allPassed = false
			if summary.FailedChallenge == nil {
				c := summary.Results[i].Challenge
				summary.FailedChallenge = &c
			}
		}
	}
	summary.OverallPassed = allPassed && reason == ReasonNone && len(results) == challengeCount
	return summary
}
