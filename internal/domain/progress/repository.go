package progress

import (
	"context"
	"time"

	"github.com/stamptrail/progression-engine/internal/domain/reward"
)

// Repository persists per-user challenge progress.
type Repository interface {
	// Get returns the row or shared.ErrProgressNotFound.
	Get(ctx context.Context, userID, challengeID string) (*Progress, error)

	// Save writes p if the stored version still equals p.Version, then bumps
	// p.Version. Version 0 inserts. A lost race returns an error matching
	// shared.ErrConcurrencyConflict and leaves storage unchanged.
	Save(ctx context.Context, p *Progress) error

	// ListByUser returns every row of a user.
	ListByUser(ctx context.Context, userID string) ([]*Progress, error)

	// CompletedAt returns completion times for the given challenges. Challenges
	// without completion are absent from the map.
	CompletedAt(ctx context.Context, userID string, challengeIDs []string) (map[string]time.Time, error)

	// ListUsersCompleted returns the distinct users that completed at least
	// one of the given challenges.
	ListUsersCompleted(ctx context.Context, challengeIDs []string) ([]string, error)

	// ListRewardPending returns completed, unrewarded rows completed before cutoff.
	ListRewardPending(ctx context.Context, cutoff time.Time, limit int) ([]*Progress, error)
}

// Ledger applies reward grants. GrantReward runs as one atomic unit: it sets
// the reward marker only if it is still null on a completed row, increments
// XP in storage, adds the badge with set semantics and appends the audit grant.
// A second call for the same pair returns shared.ErrRewardAlreadyGranted and
// changes nothing.
type Ledger interface {
	GrantReward(ctx context.Context, g *reward.Grant) (*GrantReceipt, error)

	// GetProgression returns the user's progression, a zero one if none exists.
	GetProgression(ctx context.Context, userID string) (*Progression, error)

	// ListGrants returns a user's grants, newest first.
	ListGrants(ctx context.Context, userID string) ([]*reward.Grant, error)
}
