package command

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stamptrail/progression-engine/internal/domain/activity"
	"github.com/stamptrail/progression-engine/internal/domain/catalog"
	"github.com/stamptrail/progression-engine/internal/domain/challenge"
	"github.com/stamptrail/progression-engine/internal/domain/reward"
	"github.com/stamptrail/progression-engine/internal/domain/shared"
)

func TestPublishChallenge_ValidIsStoredAndClassified(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	res, err := e.publish.Handle(ctx, PublishChallengeCommand{Challenge: &challenge.Challenge{
		ID:          " museum-week ",
		Requirement: challenge.RequiredVenues{VenueIDs: []string{"Louvre", "orsay"}},
		IsSpecial:   true,
		EventType:   "festival",
	}})
	require.NoError(t, err)
	assert.Equal(t, "museum-week", res.ChallengeID)
	assert.Equal(t, challenge.CategorySpecial, res.Category)
	assert.False(t, res.Flagged)

	stored, err := e.store.Challenges.Get(ctx, "museum-week")
	require.NoError(t, err)
	assert.Equal(t, t0, stored.PublishedAt)
}

func TestPublishChallenge_DanglingReferenceIsFlagged(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	res, err := e.publish.Handle(ctx, PublishChallengeCommand{Challenge: &challenge.Challenge{
		ID:          "tour",
		Requirement: challenge.RequiredVenues{VenueIDs: []string{"louvre", "tate"}},
	}})
	require.Error(t, err)
	assert.True(t, shared.IsConfiguration(err))
	require.NotNil(t, res)
	assert.True(t, res.Flagged)
	assert.Contains(t, res.FlagReason, "tate")

	active, err := e.store.Challenges.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	// Once the venue exists the audit clears the flag.
	require.NoError(t, e.store.Catalog.UpsertVenue(ctx, catalog.Venue{ID: "tate"}))
	audit, err := e.publish.Audit(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"tour"}, audit.Unflagged)

	flagged, err := e.store.Challenges.IsFlagged(ctx, "tour")
	require.NoError(t, err)
	assert.False(t, flagged)
}

func TestPublishChallenge_RejectsComboCycle(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.define(t, &challenge.Challenge{ID: "a", Requirement: challenge.Count{ActivityType: activity.TypeScan, Target: 1}})
	e.define(t, &challenge.Challenge{ID: "b", Requirement: challenge.Combo{ChallengeIDs: []string{"a"}}})

	_, err := e.publish.Handle(ctx, PublishChallengeCommand{Challenge: &challenge.Challenge{
		ID:          "a",
		Requirement: challenge.Combo{ChallengeIDs: []string{"b"}},
	}})
	require.Error(t, err)
	assert.True(t, shared.IsConfiguration(err))
	assert.Contains(t, err.Error(), "cycle")
}

func TestPublishChallenge_CatalogOutageDoesNotFlag(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.store.Catalog.SetUnavailable(true)

	_, err := e.publish.Handle(ctx, PublishChallengeCommand{Challenge: &challenge.Challenge{
		ID:          "tour",
		Requirement: challenge.RequiredVenues{VenueIDs: []string{"louvre"}},
	}})
	require.Error(t, err)
	assert.True(t, shared.IsTransient(err))

	_, err = e.store.Challenges.Get(ctx, "tour")
	assert.True(t, shared.IsNotFound(err))
}

func TestPublishChallenge_RejectsBadEnvelope(t *testing.T) {
	e := newEngine(t)

	_, err := e.publish.Handle(context.Background(), PublishChallengeCommand{})
	assert.True(t, shared.IsValidation(err))

	_, err = e.publish.Handle(context.Background(), PublishChallengeCommand{Challenge: &challenge.Challenge{
		ID:          "x",
		Requirement: challenge.Count{ActivityType: activity.TypeScan, Target: 1},
		Reward:      reward.Descriptor{Kind: "lottery"},
	}})
	assert.True(t, shared.IsValidation(err))
}

func TestDispenseReward_HandlePendingIsIdempotent(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.define(t, &challenge.Challenge{ID: "one", Requirement: challenge.Count{ActivityType: activity.TypeReview, Target: 1}, XPReward: 50})

	_, err := e.record.Handle(ctx, RecordActivityCommand{UserID: "u1", Type: "review"})
	require.NoError(t, err)

	// Rewarded inline, so nothing is pending.
	res, err := e.dispense.HandlePending(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Found)

	out, err := e.dispense.Handle(ctx, DispenseRewardCommand{UserID: "u1", ChallengeID: "one"})
	require.NoError(t, err)
	assert.True(t, out.AlreadyGranted)

	_, err = e.dispense.Handle(ctx, DispenseRewardCommand{UserID: "u1", ChallengeID: "missing"})
	assert.True(t, shared.IsNotFound(err))

	e.clock.Advance(time.Hour)
	pr, err := e.store.Progress.GetProgression(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 50, pr.XP)
}
