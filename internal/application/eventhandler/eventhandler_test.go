package eventhandler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stamptrail/progression-engine/internal/application/query"
	"github.com/stamptrail/progression-engine/internal/domain/shared"
	"github.com/stamptrail/progression-engine/internal/infrastructure/messaging"
	"github.com/stamptrail/progression-engine/pkg/logger"
)

type fakeViews struct {
	mu          sync.Mutex
	invalidated []string
	flushes     int
	flushErr    error
}

func (f *fakeViews) Get(context.Context, string) (*query.UserChallengesDTO, bool, error) {
	return nil, false, nil
}

func (f *fakeViews) Set(context.Context, string, *query.UserChallengesDTO) error { return nil }

func (f *fakeViews) Invalidate(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, userID)
	return nil
}

func (f *fakeViews) InvalidateAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return f.flushErr
}

func TestRegister_DefinitionChangesFlushEveryListing(t *testing.T) {
	log := logger.Discard()
	views := &fakeViews{}
	bus := messaging.NewInMemoryEventBus(messaging.InMemoryEventBusConfig{Logger: log})
	t.Cleanup(func() { _ = bus.Close() })

	require.NoError(t, Register(bus, Handlers{
		Changed:     NewOnProgressChangedHandler(views, log),
		Definitions: NewOnChallengesChangedHandler(views, log),
	}))

	require.NoError(t, bus.Publish(shared.NewChallengePublishedEvent("culture", false)))
	require.NoError(t, bus.Publish(shared.NewChallengeMisconfiguredEvent("tour", "venue \"orsay\" does not exist")))
	require.NoError(t, bus.Publish(shared.NewChallengeProgressedEvent("u1", "walker", 1, 2, 50)))

	views.mu.Lock()
	defer views.mu.Unlock()
	assert.Equal(t, 2, views.flushes)
	assert.Equal(t, []string{"u1"}, views.invalidated)
}

func TestOnChallengesChangedHandler_ReportsFlushFailure(t *testing.T) {
	views := &fakeViews{flushErr: errors.New("redis down")}
	h := NewOnChallengesChangedHandler(views, logger.Discard())

	err := h.Handle(shared.NewChallengePublishedEvent("culture", true))
	assert.Error(t, err)
	assert.Equal(t, 1, views.flushes)
}
