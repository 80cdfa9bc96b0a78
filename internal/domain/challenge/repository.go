package challenge

import (
	"context"
	"time"

	"github.com/stamptrail/progression-engine/internal/domain/activity"
)

// Flag marks a challenge excluded from evaluation until it is fixed.
type Flag struct {
	ChallengeID string
	Reason      string
	FlaggedAt   time.Time
}

// Repository defines the interface for challenge persistence.
// Listing methods never return flagged challenges.
type Repository interface {
	// Get returns a challenge by ID, flagged or not.
	Get(ctx context.Context, id string) (*Challenge, error)

	// Save creates or replaces a challenge definition.
	Save(ctx context.Context, c *Challenge) error

	// ListActive returns every unflagged challenge.
	ListActive(ctx context.Context) ([]*Challenge, error)

	// ListTriggeredBy returns unflagged challenges an activity type can move.
	ListTriggeredBy(ctx context.Context, t activity.Type) ([]*Challenge, error)

	// ListDependents returns unflagged combos that reference challengeID.
	ListDependents(ctx context.Context, challengeID string) ([]*Challenge, error)

	// Flag records a configuration problem. Flagging twice keeps the latest reason.
	Flag(ctx context.Context, id, reason string) error

	// Unflag clears a flag after the challenge was corrected.
	Unflag(ctx context.Context, id string) error

	// IsFlagged reports whether the challenge is excluded.
	IsFlagged(ctx context.Context, id string) (bool, error)

	// ListFlags returns every flagged challenge.
	ListFlags(ctx context.Context) ([]Flag, error)
}
