package saga

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/stamptrail/progression-engine/internal/domain/activity"
	"github.com/stamptrail/progression-engine/internal/domain/catalog"
	"github.com/stamptrail/progression-engine/internal/domain/challenge"
	"github.com/stamptrail/progression-engine/internal/domain/progress"
	"github.com/stamptrail/progression-engine/internal/domain/reward"
	"github.com/stamptrail/progression-engine/internal/domain/shared"
	"github.com/stamptrail/progression-engine/internal/infrastructure/persistence/memory"
	"github.com/stamptrail/progression-engine/pkg/logger"
)

var start = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []shared.Event
}

func (r *recorder) Publish(e shared.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) count(t shared.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType() == t {
			n++
		}
	}
	return n
}

type mockIssuer struct {
	mock.Mock
}

func (m *mockIssuer) Issue(ctx context.Context, req reward.IssueRequest) (reward.Receipt, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(reward.Receipt), args.Error(1)
}

type harness struct {
	store  *memory.Store
	events *recorder
	issuer *mockIssuer
	flow   *CompletionFlow
	clock  *shared.ManualClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.New()
	ctx := context.Background()
	for _, v := range []string{"v1", "v2"} {
		require.NoError(t, store.Catalog.UpsertVenue(ctx, catalog.Venue{ID: v}))
	}

	h := &harness{
		store:  store,
		events: &recorder{},
		issuer: &mockIssuer{},
		clock:  shared.NewManualClock(start),
	}
	eval := progress.NewEvaluator(store.Activities, store.Progress, store.Catalog, store.Challenges)
	dispenser := NewRewardDispenser(h.issuer, store.Progress, h.events, h.clock, logger.Discard())
	h.flow = NewCompletionFlow(eval, store.Progress, store.Challenges, dispenser, h.events, h.clock,
		CompletionFlowConfig{ContentionAttempts: 500, ContentionDelay: time.Millisecond, ContentionMaxDelay: 2 * time.Millisecond},
		logger.Discard())
	return h
}

func (h *harness) publish(t *testing.T, c *challenge.Challenge) *challenge.Challenge {
	t.Helper()
	require.NoError(t, h.store.Challenges.Save(context.Background(), c))
	return c
}

func (h *harness) checkIn(t *testing.T, userID, venue string) {
	t.Helper()
	a, err := activity.New(shared.NewID(), userID, activity.TypeCheckIn, venue, nil, h.clock.Now())
	require.NoError(t, err)
	_, err = h.store.Activities.Append(context.Background(), a)
	require.NoError(t, err)
}

func TestExecute_ConcurrentCompletionRewardsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.publish(t, &challenge.Challenge{
		ID:          "regular",
		Requirement: challenge.Count{ActivityType: activity.TypeCheckIn, Target: 3},
		XPReward:    20,
		Reward:      reward.Descriptor{Badge: "regular"},
	})
	for i := 0; i < 3; i++ {
		h.checkIn(t, "u1", "v1")
	}
	h.issuer.On("Issue", mock.Anything, mock.Anything).Return(reward.Receipt{ExternalID: "badge-1"}, nil)

	var wg sync.WaitGroup
	var completions atomic.Int32
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.flow.Execute(ctx, "u1", c)
			if assert.NoError(t, err) && res.Completed() {
				completions.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), completions.Load())

	pr, err := h.store.Progress.GetProgression(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 20, pr.XP)
	assert.Equal(t, []string{"regular"}, pr.Badges)

	grants, err := h.store.Progress.ListGrants(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, grants, 1)
	assert.Equal(t, 1, h.events.count(shared.EventChallengeCompleted))
	assert.Equal(t, 1, h.events.count(shared.EventRewardGranted))
	h.issuer.AssertNumberOfCalls(t, "Issue", 1)
}

func TestExecute_XPAccumulatesAcrossChallengesAndLevelsUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.publish(t, &challenge.Challenge{ID: "first", Requirement: challenge.Count{ActivityType: activity.TypeCheckIn, Target: 1}, XPReward: 20})
	second := h.publish(t, &challenge.Challenge{ID: "second", Requirement: challenge.Count{ActivityType: activity.TypeCheckIn, Target: 2}, XPReward: 40})

	h.checkIn(t, "u1", "v1")
	res, err := h.flow.Execute(ctx, "u1", first)
	require.NoError(t, err)
	require.NotNil(t, res.Reward)
	assert.Equal(t, 20, res.Reward.Progression.XP)
	assert.Equal(t, 1, res.Reward.LevelAfter)

	h.checkIn(t, "u1", "v2")
	res, err = h.flow.Execute(ctx, "u1", second)
	require.NoError(t, err)
	require.NotNil(t, res.Reward)
	assert.Equal(t, 60, res.Reward.Progression.XP)
	assert.Equal(t, 2, res.Reward.LevelAfter)
	assert.True(t, res.Reward.LeveledUp())
	assert.Equal(t, 1, h.events.count(shared.EventLevelUp))

	// Re-running a completed challenge is a no-op.
	res, err = h.flow.Execute(ctx, "u1", first)
	require.NoError(t, err)
	assert.False(t, res.Transition.Changed)

	pr, err := h.store.Progress.GetProgression(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 60, pr.XP)
}

func TestExecute_IssuerFailureLeavesRewardPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.publish(t, &challenge.Challenge{
		ID:          "coffee",
		Requirement: challenge.Count{ActivityType: activity.TypeCheckIn, Target: 1},
		XPReward:    30,
		Reward:      reward.Descriptor{Kind: reward.KindVoucher, Value: "free-coffee"},
	})
	h.checkIn(t, "u1", "v1")

	h.issuer.On("Issue", mock.Anything, mock.Anything).Return(reward.Receipt{}, errors.New("issuer down")).Once()

	res, err := h.flow.Execute(ctx, "u1", c)
	require.NoError(t, err)
	assert.True(t, res.Completed())
	assert.True(t, res.RewardPending)
	assert.Equal(t, 1, h.events.count(shared.EventRewardPending))

	stored, err := h.store.Progress.Get(ctx, "u1", "coffee")
	require.NoError(t, err)
	assert.True(t, stored.IsRewardPending())

	pending, err := h.store.Progress.ListRewardPending(ctx, start.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	h.issuer.On("Issue", mock.Anything, mock.MatchedBy(func(req reward.IssueRequest) bool {
		return req.IdempotencyKey == reward.IdempotencyKey("u1", "coffee")
	})).Return(reward.Receipt{ExternalID: "ext-1"}, nil).Once()

	dispensed, err := h.flow.RetryReward(ctx, pending[0])
	require.NoError(t, err)
	assert.Equal(t, 30, dispensed.Progression.XP)

	stored, err = h.store.Progress.Get(ctx, "u1", "coffee")
	require.NoError(t, err)
	assert.Equal(t, progress.StateRewarded, stored.State())

	_, err = h.flow.RetryReward(ctx, stored)
	assert.ErrorIs(t, err, shared.ErrRewardAlreadyGranted)
	h.issuer.AssertExpectations(t)
}

func TestExecute_MisconfiguredChallengeIsFlagged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.publish(t, &challenge.Challenge{ID: "ghost", Requirement: challenge.RequiredVenues{VenueIDs: []string{"v1", "closed-venue"}}})
	h.checkIn(t, "u1", "v1")

	_, err := h.flow.Execute(ctx, "u1", c)
	require.Error(t, err)
	assert.True(t, shared.IsConfiguration(err))

	var flowErr *CompletionFlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, StepEvaluate, flowErr.Step)

	flagged, err := h.store.Challenges.IsFlagged(ctx, "ghost")
	require.NoError(t, err)
	assert.True(t, flagged)
	assert.Equal(t, 1, h.events.count(shared.EventChallengeMisconfigured))

	_, err = h.store.Progress.Get(ctx, "u1", "ghost")
	assert.True(t, shared.IsNotFound(err))
}

func TestExecute_CatalogOutageWritesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.publish(t, &challenge.Challenge{ID: "tour", Requirement: challenge.RequiredVenues{VenueIDs: []string{"v1", "v2"}}})
	h.checkIn(t, "u1", "v1")
	h.store.Catalog.SetUnavailable(true)

	_, err := h.flow.Execute(ctx, "u1", c)
	require.Error(t, err)
	assert.True(t, shared.IsTransient(err))

	flagged, err := h.store.Challenges.IsFlagged(ctx, "tour")
	require.NoError(t, err)
	assert.False(t, flagged)

	_, err = h.store.Progress.Get(ctx, "u1", "tour")
	assert.True(t, shared.IsNotFound(err))
}

func TestExecute_ProgressEventsOnlyOnChange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.publish(t, &challenge.Challenge{ID: "five", Requirement: challenge.Count{ActivityType: activity.TypeCheckIn, Target: 5}})

	h.checkIn(t, "u1", "v1")
	res, err := h.flow.Execute(ctx, "u1", c)
	require.NoError(t, err)
	assert.Equal(t, 20, res.Progress.Percentage)

	res, err = h.flow.Execute(ctx, "u1", c)
	require.NoError(t, err)
	assert.False(t, res.Transition.Changed)
	assert.Equal(t, 1, h.events.count(shared.EventChallengeProgressed))
}

func TestCommit_StaleCountLeavesFresherRow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.publish(t, &challenge.Challenge{ID: "walker", Requirement: challenge.Count{ActivityType: activity.TypeCheckIn, Target: 3}, XPReward: 10})

	stale, err := h.flow.Preflight(ctx, "u1", c)
	require.NoError(t, err)
	assert.Equal(t, 0, stale.Current)

	h.checkIn(t, "u1", "v1")
	h.checkIn(t, "u1", "v2")
	_, err = h.flow.Execute(ctx, "u1", c)
	require.NoError(t, err)

	res, err := h.flow.Commit(ctx, "u1", c, stale)
	require.NoError(t, err)
	assert.False(t, res.Transition.Changed)
	assert.Equal(t, 2, res.Progress.Current)
}

func TestCommit_AppliesWithoutEvaluating(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.publish(t, &challenge.Challenge{
		ID:          "tour",
		Requirement: challenge.RequiredVenues{VenueIDs: []string{"v1", "v2"}},
		XPReward:    30,
	})
	h.checkIn(t, "u1", "v1")
	h.checkIn(t, "u1", "v2")

	count, err := h.flow.Preflight(ctx, "u1", c)
	require.NoError(t, err)

	h.store.Catalog.SetUnavailable(true)
	res, err := h.flow.Commit(ctx, "u1", c, count)
	require.NoError(t, err)
	assert.True(t, res.Completed())
	require.NotNil(t, res.Reward)
	assert.Equal(t, 30, res.Reward.XPAwarded)
}

func TestReject_FlagsChallenge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.publish(t, &challenge.Challenge{ID: "tour", Requirement: challenge.RequiredVenues{VenueIDs: []string{"v1", "gone"}}})

	_, cause := h.flow.Preflight(ctx, "u1", c)
	require.True(t, shared.IsConfiguration(cause))

	err := h.flow.Reject(ctx, "u1", c, cause)
	assert.True(t, shared.IsConfiguration(err))
	flagged, ferr := h.store.Challenges.IsFlagged(ctx, "tour")
	require.NoError(t, ferr)
	assert.True(t, flagged)
	assert.Equal(t, 1, h.events.count(shared.EventChallengeMisconfigured))
}

func TestBackfill_ReachesUsersWithEarlierCompletions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	museum := h.publish(t, &challenge.Challenge{ID: "museum", Requirement: challenge.Count{ActivityType: activity.TypeCheckIn, Target: 1}, XPReward: 20})
	h.issuer.On("Issue", mock.Anything, mock.Anything).Return(reward.Receipt{}, nil).Maybe()

	for _, u := range []string{"u1", "u2"} {
		h.checkIn(t, u, "v1")
		_, err := h.flow.Execute(ctx, u, museum)
		require.NoError(t, err)
	}
	combo := h.publish(t, &challenge.Challenge{ID: "culture", Requirement: challenge.Combo{ChallengeIDs: []string{"museum"}}, XPReward: 25})

	res, err := h.flow.Backfill(ctx, combo)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Users)
	assert.Equal(t, 2, res.Completed)

	res, err = h.flow.Backfill(ctx, combo)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Changed)

	pr, err := h.store.Progress.GetProgression(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, 45, pr.XP)

	res, err = h.flow.Backfill(ctx, museum)
	require.NoError(t, err)
	assert.Zero(t, res.Users, "non-combos have nothing to backfill")
}
