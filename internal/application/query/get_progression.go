package query

import (
	"context"
	"fmt"
	"time"

	"github.com/stamptrail/progression-engine/internal/domain/progress"
	"github.com/stamptrail/progression-engine/internal/domain/reward"
	"github.com/stamptrail/progression-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET PROGRESSION QUERY
// Returns a user's XP, derived level and badges, and the reward audit log.
// ══════════════════════════════════════════════════════════════════════════════

// ProgressionDTO is a user's status.
type ProgressionDTO struct {
	UserID string `json:"user_id"`
	XP     int    `json:"xp"`

	// Level is derived from XP on every read.
	Level int `json:"level"`

	// NextLevelXP is absent at the top level.
	NextLevelXP *int `json:"next_level_xp,omitempty"`

	// LevelProgress is how far XP is through the current level, 0-100.
	LevelProgress int `json:"level_progress"`

	Badges []string `json:"badges"`
}

// RewardGrantDTO is one entry of the reward audit log.
type RewardGrantDTO struct {
	ChallengeID string    `json:"challenge_id"`
	XP          int       `json:"xp"`
	Badge       string    `json:"badge,omitempty"`
	RewardKind  string    `json:"reward_kind,omitempty"`
	RewardValue string    `json:"reward_value,omitempty"`
	ExternalID  string    `json:"external_id,omitempty"`
	GrantedAt   time.Time `json:"granted_at"`
}

// GetProgressionHandler serves progression reads.
type GetProgressionHandler struct {
	ledger progress.Ledger
}

// NewGetProgressionHandler creates the handler.
func NewGetProgressionHandler(ledger progress.Ledger) *GetProgressionHandler {
	return &GetProgressionHandler{ledger: ledger}
}

// Handle returns the user's progression. Users without any grant are at
// level 1 with zero XP.
func (h *GetProgressionHandler) Handle(ctx context.Context, userID string) (*ProgressionDTO, error) {
	if userID == "" {
		return nil, shared.NewDomainError("query", "GetProgression", shared.ErrValidation, "user_id is required")
	}

	p, err := h.ledger.GetProgression(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get progression: %w", err)
	}

	dto := &ProgressionDTO{
		UserID:        userID,
		XP:            p.XP,
		Level:         p.Level(),
		LevelProgress: p.ProgressToNextLevel(),
		Badges:        append([]string{}, p.Badges...),
	}
	if next, ok := p.NextLevelXP(); ok {
		dto.NextLevelXP = &next
	}
	return dto, nil
}

// Rewards returns the user's reward audit log, newest first.
func (h *GetProgressionHandler) Rewards(ctx context.Context, userID string) ([]RewardGrantDTO, error) {
	if userID == "" {
		return nil, shared.NewDomainError("query", "GetRewards", shared.ErrValidation, "user_id is required")
	}

	grants, err := h.ledger.ListGrants(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}

	out := make([]RewardGrantDTO, 0, len(grants))
	for _, g := range grants {
		out = append(out, grantDTO(g))
	}
	return out, nil
}

func grantDTO(g *reward.Grant) RewardGrantDTO {
	return RewardGrantDTO{
		ChallengeID: g.ChallengeID,
		XP:          g.XP,
		Badge:       g.Badge,
		RewardKind:  string(g.Reward.Kind),
		RewardValue: g.Reward.Value,
		ExternalID:  g.ExternalID,
		GrantedAt:   g.GrantedAt,
	}
}
