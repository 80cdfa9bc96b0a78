package query

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stamptrail/progression-engine/internal/domain/activity"
	"github.com/stamptrail/progression-engine/internal/domain/challenge"
	"github.com/stamptrail/progression-engine/internal/domain/progress"
	"github.com/stamptrail/progression-engine/internal/domain/reward"
	"github.com/stamptrail/progression-engine/internal/domain/shared"
	"github.com/stamptrail/progression-engine/internal/infrastructure/persistence/memory"
	"github.com/stamptrail/progression-engine/pkg/logger"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type mapCache struct {
	mu    sync.Mutex
	views map[string]*UserChallengesDTO
	hits  int
}

func newMapCache() *mapCache { return &mapCache{views: map[string]*UserChallengesDTO{}} }

func (c *mapCache) Get(_ context.Context, userID string) (*UserChallengesDTO, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.views[userID]
	if ok {
		c.hits++
	}
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, userID string, views *UserChallengesDTO) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.views[userID] = views
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.views, userID)
	return nil
}

func seed(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	store := memory.New()

	for _, c := range []*challenge.Challenge{
		{ID: "walker", Title: "Walker", Requirement: challenge.Count{ActivityType: activity.TypeCheckIn, Target: 4}, XPReward: 10},
		{ID: "louvre-orsay", Requirement: challenge.RequiredVenues{VenueIDs: []string{"louvre", "orsay"}}},
		{ID: "brunch", Requirement: challenge.MenuCombo{Items: []string{"eggs", "coffee"}, RequiredCount: 2}},
		{ID: "fest", IsSpecial: true, Requirement: challenge.Count{ActivityType: activity.TypeScan, Target: 1},
			Window: &challenge.EventWindow{Start: now, End: now.Add(48 * time.Hour)}, Reward: reward.Descriptor{Kind: reward.KindBadge, Value: "festival"}},
		{ID: "broken", Requirement: challenge.Count{ActivityType: activity.TypeReview, Target: 1}},
	} {
		require.NoError(t, store.Challenges.Save(ctx, c))
	}
	require.NoError(t, store.Challenges.Flag(ctx, "broken", "venue gone"))

	p := progress.New("u1", "walker")
	_, err := p.Apply(progress.Count{Current: 2, Required: 4}, now)
	require.NoError(t, err)
	require.NoError(t, store.Progress.Save(ctx, p))

	done := progress.New("u1", "fest")
	_, err = done.Apply(progress.Count{Current: 1, Required: 1}, now)
	require.NoError(t, err)
	require.NoError(t, store.Progress.Save(ctx, done))
	return store
}

func TestGetUserChallenges_MergesProgressAndHidesFlagged(t *testing.T) {
	store := seed(t)
	h := NewGetUserChallengesHandler(store.Challenges, store.Progress, nil, nil, shared.NewManualClock(now), logger.Discard())

	res, err := h.Handle(context.Background(), GetUserChallengesQuery{UserID: "u1", IncludeCompleted: true})
	require.NoError(t, err)

	byID := map[string]ChallengeViewDTO{}
	for _, v := range res.Challenges {
		byID[v.ChallengeID] = v
	}
	assert.NotContains(t, byID, "broken")
	require.Len(t, byID, 4)

	walker := byID["walker"]
	assert.Equal(t, challenge.CategoryRegular, walker.Category)
	assert.Equal(t, 50, walker.Percentage)
	assert.Equal(t, progress.StateInProgress, walker.State)

	venues := byID["louvre-orsay"]
	assert.Equal(t, challenge.CategoryVenue, venues.Category)
	assert.Equal(t, progress.StateNotStarted, venues.State)
	assert.Equal(t, 2, venues.Required)

	fest := byID["fest"]
	assert.Equal(t, challenge.CategorySpecial, fest.Category)
	assert.Equal(t, "festival", fest.Badge)
	require.NotNil(t, fest.EndsAt)
	assert.NotNil(t, fest.CompletedAt)

	assert.Equal(t, challenge.CategoryMenuCombo, byID["brunch"].Category)
}

func TestGetUserChallenges_Filters(t *testing.T) {
	store := seed(t)
	h := NewGetUserChallengesHandler(store.Challenges, store.Progress, nil, nil, nil, logger.Discard())
	ctx := context.Background()

	open, err := h.Handle(ctx, GetUserChallengesQuery{UserID: "u1"})
	require.NoError(t, err)
	for _, v := range open.Challenges {
		assert.Nil(t, v.CompletedAt, v.ChallengeID)
	}
	assert.Len(t, open.Challenges, 3)

	venues, err := h.Handle(ctx, GetUserChallengesQuery{UserID: "u1", Category: challenge.CategoryVenue})
	require.NoError(t, err)
	require.Len(t, venues.Challenges, 1)
	assert.Equal(t, "louvre-orsay", venues.Challenges[0].ChallengeID)

	_, err = h.Handle(ctx, GetUserChallengesQuery{UserID: "u1", Category: "weird"})
	assert.True(t, shared.IsValidation(err))
	_, err = h.Handle(ctx, GetUserChallengesQuery{})
	assert.True(t, shared.IsValidation(err))
}

func TestGetUserChallenges_UsesCache(t *testing.T) {
	store := seed(t)
	cache := newMapCache()
	h := NewGetUserChallengesHandler(store.Challenges, store.Progress, nil, cache, nil, logger.Discard())
	ctx := context.Background()

	_, err := h.Handle(ctx, GetUserChallengesQuery{UserID: "u1"})
	require.NoError(t, err)
	_, err = h.Handle(ctx, GetUserChallengesQuery{UserID: "u1", Category: challenge.CategoryVenue})
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)

	require.NoError(t, cache.Invalidate(ctx, "u1"))
	_, err = h.Handle(ctx, GetUserChallengesQuery{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)
}

func TestGroupByCategory_EveryCategoryPresent(t *testing.T) {
	groups := GroupByCategory([]ChallengeViewDTO{
		{ChallengeID: "a", Category: challenge.CategoryCombo},
		{ChallengeID: "b", Category: challenge.CategoryCombo},
	})
	assert.Len(t, groups, len(challenge.Categories))
	assert.Len(t, groups[challenge.CategoryCombo], 2)
	assert.Empty(t, groups[challenge.CategorySpecial])
}

func TestGetProgression_DerivesLevel(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	h := NewGetProgressionHandler(store.Progress)

	empty, err := h.Handle(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.XP)
	assert.Equal(t, 1, empty.Level)
	require.NotNil(t, empty.NextLevelXP)
	assert.Equal(t, 50, *empty.NextLevelXP)

	p := progress.New("u1", "walker")
	_, err = p.Apply(progress.Count{Current: 1, Required: 1}, now)
	require.NoError(t, err)
	require.NoError(t, store.Progress.Save(ctx, p))
	_, err = store.Progress.GrantReward(ctx, &reward.Grant{ID: "g1", UserID: "u1", ChallengeID: "walker", XP: 160, Badge: "regular", GrantedAt: now})
	require.NoError(t, err)

	got, err := h.Handle(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 160, got.XP)
	assert.Equal(t, 3, got.Level)
	assert.Equal(t, []string{"regular"}, got.Badges)

	grants, err := h.Rewards(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, "walker", grants[0].ChallengeID)

	_, err = h.Handle(ctx, "")
	assert.True(t, shared.IsValidation(err))
}
