package progress

import (
	"slices"
	"time"
)

// Progression is a user's cumulative XP and badge set. The level is never
// stored; it is derived from XP on every read.
type Progression struct {
	UserID    string
	XP        int
	Badges    []string
	UpdatedAt time.Time
}

// NewProgression returns the starting progression for a user.
func NewProgression(userID string) *Progression {
	return &Progression{UserID: userID}
}

// Level returns the derived status level.
func (p *Progression) Level() int {
	return LevelFor(p.XP)
}

// NextLevelXP returns the XP threshold of the next level, false at the top.
func (p *Progression) NextLevelXP() (int, bool) {
	return NextLevelXP(p.XP)
}

// ProgressToNextLevel returns the percentage through the current level.
func (p *Progression) ProgressToNextLevel() int {
	return ProgressToNextLevel(p.XP)
}

// HasBadge reports whether the badge is held.
func (p *Progression) HasBadge(badge string) bool {
	return slices.Contains(p.Badges, badge)
}

// AddBadge adds a badge with set semantics. It returns false if already held.
func (p *Progression) AddBadge(badge string) bool {
	if badge == "" || p.HasBadge(badge) {
		return false
	}
	p.Badges = append(p.Badges, badge)
	return true
}

// GrantReceipt is what one ledger grant did to a progression.
type GrantReceipt struct {
	// XPBefore is the stored XP the increment was applied to, read in the
	// same atomic unit as the increment.
	XPBefore    int
	Progression *Progression
}

// LevelBefore returns the level derived from XPBefore.
func (r *GrantReceipt) LevelBefore() int {
	return LevelFor(r.XPBefore)
}

// Clone returns a deep copy.
func (p *Progression) Clone() *Progression {
	cp := *p
	cp.Badges = slices.Clone(p.Badges)
	return &cp
}
