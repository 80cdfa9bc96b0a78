package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/stamptrail/progression-engine/internal/domain/activity"
	"github.com/stamptrail/progression-engine/internal/domain/catalog"
	"github.com/stamptrail/progression-engine/internal/domain/challenge"
	"github.com/stamptrail/progression-engine/internal/domain/shared"
)

// Evaluator computes {current, required} for one challenge and one user from
// the user's append-only activity history and completed progress.
type Evaluator struct {
	activities activity.Repository
	progress   Repository
	catalog    catalog.Catalog
	challenges challenge.Lookup
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(activities activity.Repository, progress Repository, cat catalog.Catalog, challenges challenge.Lookup) *Evaluator {
	return &Evaluator{
		activities: activities,
		progress:   progress,
		catalog:    cat,
		challenges: challenges,
	}
}

// Evaluate returns the counts for c. Malformed or dangling requirements return
// an ErrConfiguration error; they never produce Required == 0. Catalog outages
// surface as transient errors.
func (e *Evaluator) Evaluate(ctx context.Context, userID string, c *challenge.Challenge) (Count, error) {
	if err := challenge.Validate(c); err != nil {
		return Count{}, err
	}

	from, to := c.Window.Bounds()

	switch r := c.Requirement.(type) {
	case challenge.Count:
		return e.count(ctx, userID, r, from, to)
	case challenge.RequiredVenues:
		return e.venues(ctx, userID, c.ID, r, from, to)
	case challenge.MenuCombo:
		return e.menuCombo(ctx, userID, c.ID, r, from, to)
	case challenge.Combo:
		return e.combo(ctx, userID, c, r)
	default:
		return Count{}, shared.ConfigError(c.ID, "unsupported requirement %T", c.Requirement)
	}
}

func (e *Evaluator) count(ctx context.Context, userID string, r challenge.Count, from, to time.Time) (Count, error) {
	acts, err := e.activities.ListByUser(ctx, userID, activity.Filter{
		Types: []activity.Type{r.ActivityType},
		From:  from,
		To:    to,
	})
	if err != nil {
		return Count{}, fmt.Errorf("list %s activities: %w", r.ActivityType, err)
	}
	return Count{Current: len(acts), Required: r.Target}, nil
}

func (e *Evaluator) venues(ctx context.Context, userID, challengeID string, r challenge.RequiredVenues, from, to time.Time) (Count, error) {
	required := make(map[string]struct{}, len(r.VenueIDs))
	for _, id := range r.VenueIDs {
		ok, err := e.catalog.VenueExists(ctx, id)
		if err != nil {
			return Count{}, err
		}
		if !ok {
			return Count{}, shared.ConfigError(challengeID, "venue %q does not exist", id)
		}
		required[id] = struct{}{}
	}

	stamps, err := e.activities.ListByUser(ctx, userID, activity.Filter{
		Types: []activity.Type{activity.TypeCheckIn, activity.TypeScan},
		From:  from,
		To:    to,
	})
	if err != nil {
		return Count{}, fmt.Errorf("list stamps: %w", err)
	}

	visited := make(map[string]struct{}, len(required))
	for _, a := range stamps {
		if _, ok := required[a.VenueID]; ok {
			visited[a.VenueID] = struct{}{}
		}
	}
	return Count{Current: len(visited), Required: len(required)}, nil
}

func (e *Evaluator) menuCombo(ctx context.Context, userID, challengeID string, r challenge.MenuCombo, from, to time.Time) (Count, error) {
	wanted := make(map[string]struct{}, len(r.Items))
	for _, item := range r.Items {
		id := shared.NormalizeRef(item)
		ok, err := e.catalog.MenuItemExists(ctx, id)
		if err != nil {
			return Count{}, err
		}
		if !ok {
			return Count{}, shared.ConfigError(challengeID, "menu item %q does not exist", id)
		}
		wanted[id] = struct{}{}
	}
	if r.RequiredCount > len(wanted) {
		return Count{}, shared.ConfigError(challengeID, "required count %d exceeds %d distinct items", r.RequiredCount, len(wanted))
	}

	orders, err := e.activities.ListByUser(ctx, userID, activity.Filter{
		Types: []activity.Type{activity.TypeMenuOrder},
		From:  from,
		To:    to,
	})
	if err != nil {
		return Count{}, fmt.Errorf("list menu orders: %w", err)
	}

	ordered := make(map[string]struct{}, len(wanted))
	for _, a := range orders {
		for _, item := range a.MenuItems {
			id := shared.NormalizeRef(item)
			if _, ok := wanted[id]; ok {
				ordered[id] = struct{}{}
			}
		}
	}
	return Count{Current: len(ordered), Required: r.RequiredCount}, nil
}

func (e *Evaluator) combo(ctx context.Context, userID string, c *challenge.Challenge, r challenge.Combo) (Count, error) {
	for _, id := range r.ChallengeIDs {
		if _, err := e.challenges.Get(ctx, id); err != nil {
			if shared.IsNotFound(err) {
				return Count{}, shared.ConfigError(c.ID, "referenced challenge %q does not exist", id)
			}
			return Count{}, fmt.Errorf("load dependency %s: %w", id, err)
		}
	}

	completed, err := e.progress.CompletedAt(ctx, userID, r.ChallengeIDs)
	if err != nil {
		return Count{}, fmt.Errorf("load dependency completion: %w", err)
	}

	current := 0
	for _, id := range r.ChallengeIDs {
		at, ok := completed[id]
		if ok && c.Window.Contains(at) {
			current++
		}
	}
	return Count{Current: current, Required: len(r.ChallengeIDs)}, nil
}
