// Package progress contains per-user challenge progress, the completion state
// machine, the requirement evaluator and the XP level calculator.
package progress

import (
	"fmt"
	"time"

	"github.com/stamptrail/progression-engine/internal/domain/shared"
)

// State is the lifecycle position of one (user, challenge) pair.
type State string

const (
	StateNotStarted State = "not_started"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateRewarded   State = "rewarded"
)

// Count is what the evaluator reports for one requirement.
type Count struct {
	Current  int
	Required int
}

// Percentage returns clamp(100*current/required, 0, 100), rounded down.
// Required must be positive.
func Percentage(current, required int) int {
	if required <= 0 {
		return 0
	}
	pct := 100 * current / required
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return pct
}

// Aggregate turns an evaluator result into a percentage. Challenges carry a
// single requirement, so aggregation is the percentage of that requirement.
func Aggregate(c Count) (int, error) {
	if c.Required <= 0 {
		return 0, shared.NewDomainError("progress", "Aggregate", shared.ErrConfiguration,
			fmt.Sprintf("required must be positive, got %d", c.Required))
	}
	if c.Current < 0 {
		return 0, shared.NewDomainError("progress", "Aggregate", shared.ErrInvariantViolation,
			fmt.Sprintf("current must not be negative, got %d", c.Current))
	}
	return Percentage(c.Current, c.Required), nil
}

// Progress is the stored state of one user against one challenge.
type Progress struct {
	UserID          string
	ChallengeID     string
	Current         int
	Required        int
	Percentage      int
	CompletedAt     *time.Time
	RewardGrantedAt *time.Time
	Version         int // 0 until first stored
	UpdatedAt       time.Time
}

// New creates an unsaved progress row in the NotStarted state.
func New(userID, challengeID string) *Progress {
	return &Progress{UserID: userID, ChallengeID: challengeID}
}

// State derives the lifecycle state from the stored fields.
func (p *Progress) State() State {
	switch {
	case p == nil || p.Version == 0:
		return StateNotStarted
	case p.RewardGrantedAt != nil:
		return StateRewarded
	case p.CompletedAt != nil:
		return StateCompleted
	default:
		return StateInProgress
	}
}

// IsCompleted reports whether completion has been recorded.
func (p *Progress) IsCompleted() bool {
	return p != nil && p.CompletedAt != nil
}

// IsRewardPending reports a completed row whose reward has not been dispensed.
func (p *Progress) IsRewardPending() bool {
	return p.IsCompleted() && p.RewardGrantedAt == nil
}

// Clone returns a copy that shares no pointers with p.
func (p *Progress) Clone() *Progress {
	cp := *p
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		cp.CompletedAt = &t
	}
	if p.RewardGrantedAt != nil {
		t := *p.RewardGrantedAt
		cp.RewardGrantedAt = &t
	}
	return &cp
}

// Transition describes what Apply did.
type Transition struct {
	From      State
	To        State
	Changed   bool // the row needs to be written
	Completed bool // this application moved the row into Completed
}

// Apply folds a fresh evaluation into the row.
//
// A completed row is frozen: later evaluations never change its counts or
// clear CompletedAt. For an unchanged Required, a lower percentage than the
// stored one is an invariant violation and the row is left untouched.
func (p *Progress) Apply(c Count, now time.Time) (Transition, error) {
	pct, err := Aggregate(c)
	if err != nil {
		return Transition{}, err
	}

	from := p.State()
	tr := Transition{From: from, To: from}

	if p.Version > 0 && c.Required == p.Required && pct < p.Percentage {
		return tr, shared.WrapError("progress", "Apply", shared.ErrInvariantViolation,
			fmt.Sprintf("user %s challenge %s: percentage %d -> %d", p.UserID, p.ChallengeID, p.Percentage, pct),
			shared.ErrPercentageRegression)
	}

	if p.CompletedAt != nil {
		return tr, nil
	}

	if p.Version > 0 && c.Current == p.Current && c.Required == p.Required {
		return tr, nil
	}

	now = now.UTC()
	p.Current = c.Current
	p.Required = c.Required
	p.Percentage = pct
	p.UpdatedAt = now
	tr.Changed = true

	if c.Current >= c.Required {
		p.CompletedAt = &now
		p.Percentage = 100
		tr.Completed = true
		tr.To = StateCompleted
	} else {
		tr.To = StateInProgress
	}
	return tr, nil
}

// CheckSuccessor verifies that next may replace prev in storage: completion
// and reward markers never disappear and percentage never drops for the same
// Required.
func CheckSuccessor(prev, next *Progress) error {
	if prev == nil {
		return nil
	}
	if prev.CompletedAt != nil && next.CompletedAt == nil {
		return shared.ErrCompletionRegression
	}
	if prev.RewardGrantedAt != nil && next.RewardGrantedAt == nil {
		return shared.WrapError("progress", "Save", shared.ErrInvariantViolation, "reward marker would be cleared", nil)
	}
	if prev.Required == next.Required && next.Percentage < prev.Percentage {
		return shared.ErrPercentageRegression
	}
	return nil
}
