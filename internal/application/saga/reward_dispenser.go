package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stamptrail/progression-engine/internal/domain/challenge"
	"github.com/stamptrail/progression-engine/internal/domain/progress"
	"github.com/stamptrail/progression-engine/internal/domain/reward"
	"github.com/stamptrail/progression-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// REWARD DISPENSER
// Flow: Issue External Reward (idempotency key) → Grant In Ledger (CAS on
//
//	reward_granted_at, XP increment, badge, audit row) → Publish Events
//
// Safe to call repeatedly for the same (user, challenge): the issuer dedupes
// on the key and the ledger refuses a second grant.
// ══════════════════════════════════════════════════════════════════════════════

// DispenseResult describes one dispensing attempt.
type DispenseResult struct {
	UserID         string
	ChallengeID    string
	XPAwarded      int
	Badge          string
	AlreadyGranted bool
	Progression    *progress.Progression
	LevelBefore    int
	LevelAfter     int
}

// LeveledUp reports whether the grant raised the derived level.
func (r *DispenseResult) LeveledUp() bool {
	return r.LevelAfter > r.LevelBefore
}

// RewardDispenser applies the payout of a completed challenge exactly once.
type RewardDispenser struct {
	issuer   reward.Issuer
	ledger   progress.Ledger
	eventBus shared.EventPublisher
	clock    shared.Clock
	logger   *slog.Logger
}

// NewRewardDispenser creates a RewardDispenser.
func NewRewardDispenser(
	issuer reward.Issuer,
	ledger progress.Ledger,
	eventBus shared.EventPublisher,
	clock shared.Clock,
	logger *slog.Logger,
) *RewardDispenser {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RewardDispenser{
		issuer:   issuer,
		ledger:   ledger,
		eventBus: eventBus,
		clock:    clock,
		logger:   logger.With("component", "reward_dispenser"),
	}
}

// Dispense issues and records the reward of c for userID. An issuer failure
// returns an error matching shared.ErrTransientDependency and leaves the
// reward marker null so the call can be repeated.
func (d *RewardDispenser) Dispense(ctx context.Context, userID string, c *challenge.Challenge) (*DispenseResult, error) {
	result := &DispenseResult{
		UserID:      userID,
		ChallengeID: c.ID,
		XPAwarded:   c.XPReward,
		Badge:       c.Badge(),
	}

	var externalID string
	if !c.Reward.IsZero() && d.issuer != nil {
		receipt, err := d.issuer.Issue(ctx, reward.IssueRequest{
			IdempotencyKey: reward.IdempotencyKey(userID, c.ID),
			UserID:         userID,
			ChallengeID:    c.ID,
			XP:             c.XPReward,
			Reward:         c.Reward,
		})
		if err != nil {
			return nil, shared.WrapError("reward", "Issue", shared.ErrTransientDependency,
				fmt.Sprintf("issue reward for %s", c.ID), err)
		}
		externalID = receipt.ExternalID
	}

	grant := &reward.Grant{
		ID:          shared.NewID(),
		UserID:      userID,
		ChallengeID: c.ID,
		XP:          c.XPReward,
		Badge:       c.Badge(),
		Reward:      c.Reward,
		ExternalID:  externalID,
		GrantedAt:   d.clock.Now(),
	}

	receipt, err := d.ledger.GrantReward(ctx, grant)
	if err != nil {
		if errors.Is(err, shared.ErrRewardAlreadyGranted) {
			result.AlreadyGranted = true
			result.XPAwarded = 0
			return result, nil
		}
		return nil, fmt.Errorf("grant reward: %w", err)
	}

	pr := receipt.Progression
	result.Progression = pr
	result.LevelAfter = pr.Level()
	result.LevelBefore = receipt.LevelBefore()

	d.logger.Info("reward granted",
		"user_id", userID,
		"challenge_id", c.ID,
		"xp", c.XPReward,
		"total_xp", pr.XP,
		"level", result.LevelAfter,
	)

	d.publish(shared.NewRewardGrantedEvent(userID, c.ID, c.XPReward, pr.XP, result.Badge))
	if result.LeveledUp() {
		d.publish(shared.NewLevelUpEvent(userID, result.LevelBefore, result.LevelAfter, pr.XP))
	}

	return result, nil
}

func (d *RewardDispenser) publish(event shared.Event) {
	if d.eventBus == nil {
		return
	}
	if err := d.eventBus.Publish(event); err != nil {
		d.logger.Warn("failed to publish event", "event_type", event.EventType(), "error", err)
	}
}
