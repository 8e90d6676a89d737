// Package review holds merge candidate pairs whose confidence fell between
// the manual-review and auto-merge thresholds, pending a human decision.
package review

import (
	"time"

	id "unify/pkg/domain"
)

// Candidate is a profile pair flagged for human review. The pair is ordered
// the way the scorer compared it; neither side is a presumed survivor.
type Candidate struct {
	ProfileA   id.ProfileID `json:"profile_a"`
	ProfileB   id.ProfileID `json:"profile_b"`
	Confidence float64      `json:"confidence"`
	CreatedAt  time.Time    `json:"created_at"`
}
