package messaging

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stamptrail/progression-engine/internal/domain/shared"
	"github.com/stamptrail/progression-engine/pkg/logger"
)

func TestInMemoryEventBus_SyncDeliversBeforeReturn(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{Logger: logger.Discard(), EnableMetrics: true})
	defer bus.Close()

	var got []string
	require.NoError(t, bus.Subscribe(shared.EventChallengeCompleted, func(e shared.Event) error {
		got = append(got, shared.PayloadString(e, "challenge_id"))
		return nil
	}))
	var all int
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		all++
		return nil
	}))

	require.NoError(t, bus.Publish(shared.NewChallengeCompletedEvent("u1", "museum", time.Now())))
	require.NoError(t, bus.Publish(shared.NewActivityRecordedEvent("u1", "a1", "scan")))

	assert.Equal(t, []string{"museum"}, got)
	assert.Equal(t, 2, all)
	assert.Equal(t, int64(1), bus.Metrics().Published(shared.EventChallengeCompleted))
	assert.Equal(t, int64(3), bus.Metrics().Snapshot().TotalHandlerExecs)
}

func TestInMemoryEventBus_AsyncDrain(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: true, WorkerPoolSize: 2, Logger: logger.Discard()})

	var n atomic.Int32
	require.NoError(t, bus.Subscribe(shared.EventRewardGranted, func(shared.Event) error {
		n.Add(1)
		return nil
	}))
	for i := 0; i < 20; i++ {
		require.NoError(t, bus.Publish(shared.NewRewardGrantedEvent("u1", "c", 10, 10, "")))
	}
	bus.Drain()
	assert.Equal(t, int32(20), n.Load())

	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(shared.NewLevelUpEvent("u1", 1, 2, 60)), ErrEventBusClosed)
	assert.ErrorIs(t, bus.Subscribe(shared.EventLevelUp, func(shared.Event) error { return nil }), ErrEventBusClosed)
}

func TestInMemoryEventBus_RecoversPanics(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{Logger: logger.Discard(), EnableMetrics: true})
	defer bus.Close()

	var after bool
	require.NoError(t, bus.Subscribe(shared.EventLevelUp, func(shared.Event) error { panic("boom") }))
	require.NoError(t, bus.Subscribe(shared.EventLevelUp, func(shared.Event) error {
		after = true
		return nil
	}))

	require.NoError(t, bus.Publish(shared.NewLevelUpEvent("u1", 1, 2, 60)))
	assert.True(t, after, "a panicking handler must not stop the others")
	assert.InDelta(t, 0.5, bus.Metrics().Snapshot().HandlerSuccessRate, 0.001)
}

func TestInMemoryEventBus_LogHandlers(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(logger.Options{Output: &buf, Level: "debug", Format: "json"})
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{Logger: log, LogHandlers: true})
	defer bus.Close()

	require.NoError(t, bus.Subscribe(shared.EventLevelUp, func(shared.Event) error { return errors.New("issuer down") }))
	require.NoError(t, bus.Subscribe(shared.EventLevelUp, func(shared.Event) error { return nil }))
	_ = bus.Publish(shared.NewLevelUpEvent("u1", 1, 2, 60))

	assert.Contains(t, buf.String(), "handler failed")
	assert.Contains(t, buf.String(), "handler completed")
	assert.Contains(t, buf.String(), "issuer down")
}

func TestMiddleware_OrderAndPanicError(t *testing.T) {
	var trace []string
	mark := func(name string) Middleware {
		return func(next shared.EventHandler) shared.EventHandler {
			return func(e shared.Event) error {
				trace = append(trace, name)
				return next(e)
			}
		}
	}
	h := chain(func(shared.Event) error { panic("x") }, []Middleware{
		mark("outer"),
		RecoveryMiddleware(logger.Discard()),
		mark("inner"),
		LoggingMiddleware(logger.Discard()),
	})

	err := h(shared.NewActivityRecordedEvent("u1", "a1", "scan"))
	assert.True(t, errors.Is(err, ErrHandlerPanic))
	assert.Equal(t, []string{"outer", "inner"}, trace)
}

// ──────────────────────────────────────────────────────────────────────────────
// Redis bus over an in-process hub
// ──────────────────────────────────────────────────────────────────────────────

type hub struct {
	mu   sync.Mutex
	subs []chan PubSubMessage
	fail bool
}

func (h *hub) Publish(_ context.Context, _ string, message string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		return errors.New("connection refused")
	}
	for _, s := range h.subs {
		s <- PubSubMessage{Payload: message}
	}
	return nil
}

func (h *hub) Subscribe(_ context.Context, _ string) (<-chan PubSubMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan PubSubMessage, 64)
	h.subs = append(h.subs, ch)
	return ch, nil
}

func TestRedisEventBus_FansOutToOtherInstances(t *testing.T) {
	h := &hub{}
	newBus := func(id string) *RedisEventBus {
		bus, err := NewRedisEventBus(RedisEventBusConfig{PubSub: h, InstanceID: id, Logger: logger.Discard()})
		require.NoError(t, err)
		t.Cleanup(func() { _ = bus.Close() })
		return bus
	}
	a, b := newBus("a"), newBus("b")

	var localA atomic.Int32
	require.NoError(t, a.Subscribe(shared.EventChallengeProgressed, func(shared.Event) error {
		localA.Add(1)
		return nil
	}))
	received := make(chan string, 1)
	require.NoError(t, b.Subscribe(shared.EventChallengeProgressed, func(e shared.Event) error {
		received <- shared.PayloadString(e, "user_id")
		return nil
	}))

	require.NoError(t, a.Publish(shared.NewChallengeProgressedEvent("u7", "walker", 1, 4, 25)))

	select {
	case user := <-received:
		assert.Equal(t, "u7", user)
	case <-time.After(2 * time.Second):
		t.Fatal("remote instance never saw the event")
	}
	assert.Equal(t, int32(1), localA.Load(), "own broadcast must not be handled twice")
}

func TestRedisEventBus_BroadcastFailureStillHandlesLocally(t *testing.T) {
	h := &hub{fail: true}
	bus, err := NewRedisEventBus(RedisEventBusConfig{PubSub: h, Logger: logger.Discard()})
	require.NoError(t, err)
	defer bus.Close()

	var handled bool
	require.NoError(t, bus.Subscribe(shared.EventRewardPending, func(shared.Event) error {
		handled = true
		return nil
	}))
	require.NoError(t, bus.Publish(shared.NewRewardPendingEvent("u1", "c1", "issuer down")))
	assert.True(t, handled)
}

func TestNewRedisEventBus_RequiresPubSub(t *testing.T) {
	_, err := NewRedisEventBus(RedisEventBusConfig{})
	assert.Error(t, err)
}
