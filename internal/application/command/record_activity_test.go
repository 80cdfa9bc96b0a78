package command

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stamptrail/progression-engine/internal/application/eventhandler"
	"github.com/stamptrail/progression-engine/internal/application/saga"
	"github.com/stamptrail/progression-engine/internal/domain/activity"
	"github.com/stamptrail/progression-engine/internal/domain/catalog"
	"github.com/stamptrail/progression-engine/internal/domain/challenge"
	"github.com/stamptrail/progression-engine/internal/domain/progress"
	"github.com/stamptrail/progression-engine/internal/domain/shared"
	"github.com/stamptrail/progression-engine/internal/infrastructure/messaging"
	"github.com/stamptrail/progression-engine/internal/infrastructure/persistence/memory"
	"github.com/stamptrail/progression-engine/pkg/logger"
)

var t0 = time.Date(2026, 7, 4, 10, 0, 0, 0, time.UTC)

type engine struct {
	store    *memory.Store
	bus      *messaging.InMemoryEventBus
	clock    *shared.ManualClock
	flow     *saga.CompletionFlow
	record   *RecordActivityHandler
	publish  *PublishChallengeHandler
	dispense *DispenseRewardHandler
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	for _, v := range []string{"louvre", "orsay", "pompidou"} {
		require.NoError(t, store.Catalog.UpsertVenue(ctx, catalog.Venue{ID: v}))
	}
	for _, item := range []string{"latte", "croissant", "mocha"} {
		require.NoError(t, store.Catalog.UpsertMenuItem(ctx, catalog.MenuItem{ID: item}))
	}

	log := logger.Discard()
	clock := shared.NewManualClock(t0)
	bus := messaging.NewInMemoryEventBus(messaging.InMemoryEventBusConfig{Logger: log})
	t.Cleanup(func() { _ = bus.Close() })

	eval := progress.NewEvaluator(store.Activities, store.Progress, store.Catalog, store.Challenges)
	dispenser := saga.NewRewardDispenser(nil, store.Progress, bus, clock, log)
	flow := saga.NewCompletionFlow(eval, store.Progress, store.Challenges, dispenser, bus, clock, saga.DefaultCompletionFlowConfig(), log)

	require.NoError(t, eventhandler.Register(bus, eventhandler.Handlers{Completed: eventhandler.NewOnChallengeCompletedHandler(store.Challenges, flow, log)}))

	return &engine{
		store:    store,
		bus:      bus,
		clock:    clock,
		flow:     flow,
		record:   NewRecordActivityHandler(store.Activities, store.Parking, store.Challenges, flow, bus, clock, DefaultRecordActivityHandlerConfig(), log),
		publish:  NewPublishChallengeHandler(store.Challenges, store.Catalog, nil, flow, bus, clock, log),
		dispense: NewDispenseRewardHandler(store.Progress, flow, clock, log),
	}
}

func (e *engine) define(t *testing.T, c *challenge.Challenge) {
	t.Helper()
	_, err := e.publish.Handle(context.Background(), PublishChallengeCommand{Challenge: c})
	require.NoError(t, err)
}

func (e *engine) progressOf(t *testing.T, userID, challengeID string) *progress.Progress {
	t.Helper()
	p, err := e.store.Progress.Get(context.Background(), userID, challengeID)
	require.NoError(t, err)
	return p
}

func TestRecordActivity_ComboGating(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.define(t, &challenge.Challenge{ID: "museum", Requirement: challenge.Count{ActivityType: activity.TypeCheckIn, Target: 1}, XPReward: 20})
	e.define(t, &challenge.Challenge{ID: "critic", Requirement: challenge.Count{ActivityType: activity.TypeReview, Target: 1}, XPReward: 10})
	e.define(t, &challenge.Challenge{ID: "culture", Requirement: challenge.Combo{ChallengeIDs: []string{"museum", "critic"}}, XPReward: 25})

	res, err := e.record.Handle(ctx, RecordActivityCommand{UserID: "u1", Type: "check_in", VenueID: "louvre"})
	require.NoError(t, err)
	assert.Equal(t, []string{"museum"}, res.CompletedChallenges())

	combo := e.progressOf(t, "u1", "culture")
	assert.Equal(t, 1, combo.Current)
	assert.Equal(t, 50, combo.Percentage)
	assert.False(t, combo.IsCompleted())

	_, err = e.record.Handle(ctx, RecordActivityCommand{UserID: "u1", Type: "review"})
	require.NoError(t, err)

	combo = e.progressOf(t, "u1", "culture")
	assert.True(t, combo.IsCompleted())
	assert.Equal(t, progress.StateRewarded, combo.State())

	pr, err := e.store.Progress.GetProgression(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 55, pr.XP)
	assert.Equal(t, 2, pr.Level())
}

func TestRecordActivity_OutageParksWithoutPartialCredit(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.define(t, &challenge.Challenge{ID: "first-stamp", Requirement: challenge.Count{ActivityType: activity.TypeCheckIn, Target: 1}, XPReward: 20})
	e.define(t, &challenge.Challenge{ID: "art-tour", Requirement: challenge.RequiredVenues{VenueIDs: []string{"louvre", "orsay"}}, XPReward: 40})

	e.store.Catalog.SetUnavailable(true)
	_, err := e.record.Handle(ctx, RecordActivityCommand{ActivityID: "act-1", UserID: "u1", Type: "check_in", VenueID: "louvre"})
	require.Error(t, err)
	assert.True(t, shared.IsTryAgainLater(err))
	assert.Equal(t, 1, e.store.Parking.Len())

	rows, err := e.store.Progress.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, rows, "no challenge may be credited while another is unevaluable")

	e.store.Catalog.SetUnavailable(false)
	e.clock.Advance(time.Minute)

	due, err := e.store.Parking.ListDue(ctx, e.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "act-1", due[0].ActivityID)

	res, err := e.record.Reprocess(ctx, due[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"first-stamp"}, res.CompletedChallenges())
	assert.Equal(t, 0, e.store.Parking.Len())
	assert.Equal(t, 50, e.progressOf(t, "u1", "art-tour").Percentage)
}

func TestRecordActivity_ReprocessReschedulesOnOutage(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.define(t, &challenge.Challenge{ID: "art-tour", Requirement: challenge.RequiredVenues{VenueIDs: []string{"louvre", "orsay"}}})

	e.store.Catalog.SetUnavailable(true)
	_, err := e.record.Handle(ctx, RecordActivityCommand{UserID: "u1", Type: "scan", VenueID: "orsay"})
	require.True(t, shared.IsTryAgainLater(err))

	e.clock.Advance(time.Minute)
	due, err := e.store.Parking.ListDue(ctx, e.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	_, err = e.record.Reprocess(ctx, due[0])
	assert.True(t, shared.IsTryAgainLater(err))
	assert.Equal(t, 1, due[0].Attempts)

	due, err = e.store.Parking.ListDue(ctx, e.clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "rescheduled record is not due yet")
}

func TestRecordActivity_MenuComboCountsDistinctItems(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.define(t, &challenge.Challenge{ID: "cafe-crawl", Requirement: challenge.MenuCombo{Items: []string{"latte", "croissant", "mocha"}, RequiredCount: 2}, XPReward: 15})

	for i := 0; i < 3; i++ {
		_, err := e.record.Handle(ctx, RecordActivityCommand{UserID: "u1", Type: "menu_order", VenueID: "cafe", MenuItems: []string{"Latte"}})
		require.NoError(t, err)
	}
	p := e.progressOf(t, "u1", "cafe-crawl")
	assert.Equal(t, 1, p.Current)
	assert.False(t, p.IsCompleted())

	res, err := e.record.Handle(ctx, RecordActivityCommand{UserID: "u1", Type: "menu_order", MenuItems: []string{"mocha "}})
	require.NoError(t, err)
	assert.Equal(t, []string{"cafe-crawl"}, res.CompletedChallenges())
}

func TestRecordActivity_DuplicateIsIgnored(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.define(t, &challenge.Challenge{ID: "three", Requirement: challenge.Count{ActivityType: activity.TypeCheckIn, Target: 3}})

	cmd := RecordActivityCommand{ActivityID: "dup", UserID: "u1", Type: "check_in", VenueID: "louvre"}
	first, err := e.record.Handle(ctx, cmd)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := e.record.Handle(ctx, cmd)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)

	assert.Equal(t, 1, e.progressOf(t, "u1", "three").Current)
}

func TestRecordActivity_RejectsInvalidCommands(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	cases := map[string]RecordActivityCommand{
		"missing user":      {Type: "check_in", VenueID: "louvre"},
		"unknown type":      {UserID: "u1", Type: "teleport"},
		"check-in no venue": {UserID: "u1", Type: "check_in"},
		"order no items":    {UserID: "u1", Type: "menu_order"},
	}
	for name, cmd := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.record.Handle(ctx, cmd)
			require.Error(t, err)
			assert.True(t, shared.IsValidation(err))
		})
	}
}

func TestRecordActivity_FlaggedChallengeIsSkipped(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.define(t, &challenge.Challenge{ID: "tour", Requirement: challenge.RequiredVenues{VenueIDs: []string{"louvre", "orsay"}}})

	// The venue disappears from the catalog after publication.
	e.store.Catalog.RemoveVenue("orsay")

	res, err := e.record.Handle(ctx, RecordActivityCommand{UserID: "u1", Type: "check_in", VenueID: "louvre"})
	require.NoError(t, err)
	assert.Equal(t, []string{"tour"}, res.Skipped)

	flagged, err := e.store.Challenges.IsFlagged(ctx, "tour")
	require.NoError(t, err)
	assert.True(t, flagged)

	res, err = e.record.Handle(ctx, RecordActivityCommand{UserID: "u1", Type: "check_in", VenueID: "louvre"})
	require.NoError(t, err)
	assert.Empty(t, res.Skipped)
	assert.Empty(t, res.Outcomes)
}

func TestRecordActivity_CatalogLossAfterEvaluationDoesNotSplitCredit(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.define(t, &challenge.Challenge{ID: "a-first", Requirement: challenge.Count{ActivityType: activity.TypeCheckIn, Target: 1}, XPReward: 20})
	e.define(t, &challenge.Challenge{ID: "b-tour", Requirement: challenge.RequiredVenues{VenueIDs: []string{"louvre", "orsay"}}, XPReward: 40})

	// Evaluating b-tour needs two lookups; any later lookup fails.
	e.store.Catalog.FailAfter(2)
	before := e.store.Catalog.Lookups()

	res, err := e.record.Handle(ctx, RecordActivityCommand{UserID: "u1", Type: "check_in", VenueID: "louvre"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a-first"}, res.CompletedChallenges())
	assert.Equal(t, 2, e.store.Catalog.Lookups()-before, "commits must not consult the catalog")
	assert.Equal(t, 0, e.store.Parking.Len())
	assert.Equal(t, 50, e.progressOf(t, "u1", "b-tour").Percentage)

	pr, err := e.store.Progress.GetProgression(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 20, pr.XP)
}

func TestRecordActivity_StoreOutageBeforeFirstCommitParks(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.define(t, &challenge.Challenge{ID: "a-first", Requirement: challenge.Count{ActivityType: activity.TypeCheckIn, Target: 1}, XPReward: 20})
	e.define(t, &challenge.Challenge{ID: "b-second", Requirement: challenge.Count{ActivityType: activity.TypeCheckIn, Target: 2}, XPReward: 30})

	var down atomic.Bool
	down.Store(true)
	e.store.Progress.SaveHook = func(*progress.Progress) error {
		if down.Load() {
			return shared.WrapError("progress", "Save", shared.ErrTransientDependency, "database unavailable", nil)
		}
		return nil
	}

	_, err := e.record.Handle(ctx, RecordActivityCommand{ActivityID: "act-1", UserID: "u1", Type: "check_in", VenueID: "louvre"})
	require.True(t, shared.IsTryAgainLater(err))
	assert.Equal(t, 1, e.store.Parking.Len())

	rows, err := e.store.Progress.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, rows)

	down.Store(false)
	e.clock.Advance(time.Minute)
	due, err := e.store.Parking.ListDue(ctx, e.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	res, err := e.record.Reprocess(ctx, due[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"a-first"}, res.CompletedChallenges())
	assert.Equal(t, 50, e.progressOf(t, "u1", "b-second").Percentage)
}

func TestPublishChallenge_ComboBackfillsEarlierCompletions(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.define(t, &challenge.Challenge{ID: "museum", Requirement: challenge.Count{ActivityType: activity.TypeCheckIn, Target: 1}, XPReward: 20})
	e.define(t, &challenge.Challenge{ID: "critic", Requirement: challenge.Count{ActivityType: activity.TypeReview, Target: 1}, XPReward: 10})

	_, err := e.record.Handle(ctx, RecordActivityCommand{UserID: "u1", Type: "check_in", VenueID: "louvre"})
	require.NoError(t, err)
	_, err = e.record.Handle(ctx, RecordActivityCommand{UserID: "u1", Type: "review"})
	require.NoError(t, err)
	_, err = e.record.Handle(ctx, RecordActivityCommand{UserID: "u2", Type: "review"})
	require.NoError(t, err)

	res, err := e.publish.Handle(ctx, PublishChallengeCommand{Challenge: &challenge.Challenge{
		ID:          "culture",
		Requirement: challenge.Combo{ChallengeIDs: []string{"museum", "critic"}},
		XPReward:    25,
	}})
	require.NoError(t, err)
	require.NotNil(t, res.Backfill)
	assert.Equal(t, 2, res.Backfill.Users)
	assert.Equal(t, 1, res.Backfill.Completed)

	assert.Equal(t, progress.StateRewarded, e.progressOf(t, "u1", "culture").State())
	assert.Equal(t, 50, e.progressOf(t, "u2", "culture").Percentage)

	pr, err := e.store.Progress.GetProgression(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 55, pr.XP)
}

func TestReconcileCombos_RecoversLostCompletionReaction(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.define(t, &challenge.Challenge{ID: "museum", Requirement: challenge.Count{ActivityType: activity.TypeCheckIn, Target: 4}, XPReward: 20})
	e.define(t, &challenge.Challenge{ID: "culture", Requirement: challenge.Combo{ChallengeIDs: []string{"museum"}}, XPReward: 25})

	var failed atomic.Bool
	e.store.Challenges.DependentsHook = func(string) error {
		if failed.CompareAndSwap(false, true) {
			return shared.WrapError("challenge", "ListDependents", shared.ErrTransientDependency, "database unavailable", nil)
		}
		return nil
	}

	var res *RecordActivityResult
	for i := 0; i < 4; i++ {
		var err error
		res, err = e.record.Handle(ctx, RecordActivityCommand{UserID: "u1", Type: "check_in", VenueID: "louvre"})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"museum"}, res.CompletedChallenges())
	assert.Equal(t, 0, e.store.Parking.Len())

	_, err := e.store.Progress.Get(ctx, "u1", "culture")
	require.True(t, shared.IsNotFound(err), "the failed reaction left the combo untouched")

	rec, err := e.flow.ReconcileCombos(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Combos)
	assert.Equal(t, 1, rec.Completed)
	assert.Equal(t, progress.StateRewarded, e.progressOf(t, "u1", "culture").State())

	rec, err = e.flow.ReconcileCombos(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Changed, "a second pass is a no-op")
}
