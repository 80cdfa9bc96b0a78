// Package service holds infrastructure adapters that compose stores, caches
// and resilience primitives into the ports the domain depends on.
package service

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/stamptrail/progression-engine/internal/domain/catalog"
	"github.com/stamptrail/progression-engine/internal/domain/shared"
	"github.com/stamptrail/progression-engine/pkg/circuitbreaker"
	"github.com/stamptrail/progression-engine/pkg/retry"
)

// ExistenceCache remembers catalog answers. *redis.CatalogCache satisfies it.
type ExistenceCache interface {
	Venue(ctx context.Context, venueID string) (exists, ok bool, err error)
	SetVenue(ctx context.Context, venueID string, exists bool) error
	MenuItem(ctx context.Context, itemID string) (exists, ok bool, err error)
	SetMenuItem(ctx context.Context, itemID string, exists bool) error
}

// CatalogService answers catalog lookups from the cache first and falls back
// to the backing store behind a circuit breaker and a retrier. Concurrent
// lookups of the same reference share one backend call.
type CatalogService struct {
	store   catalog.Store
	cache   ExistenceCache
	breaker *circuitbreaker.CircuitBreaker
	retrier *retry.Retrier
	group   singleflight.Group
	logger  *slog.Logger
}

var _ catalog.Store = (*CatalogService)(nil)

// NewCatalogService creates the service. cache may be nil.
func NewCatalogService(store catalog.Store, cache ExistenceCache, logger *slog.Logger) *CatalogService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &CatalogService{
		store:  store,
		cache:  cache,
		logger: logger.With("component", "catalog"),
	}
	s.breaker = circuitbreaker.CatalogBreaker(func(name string, from, to circuitbreaker.State) {
		s.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
	})
	s.retrier = retry.CatalogRetrier(func(err error) bool {
		return !errors.Is(err, circuitbreaker.ErrCircuitOpen) &&
			!errors.Is(err, circuitbreaker.ErrTooManyRequests) &&
			!errors.Is(err, context.Canceled)
	})
	return s
}

// VenueExists reports whether venueID is in the catalog.
func (s *CatalogService) VenueExists(ctx context.Context, venueID string) (bool, error) {
	return s.lookup(ctx, "venue:"+venueID, "VenueExists",
		func(ctx context.Context) (bool, bool, error) { return s.cache.Venue(ctx, venueID) },
		func(ctx context.Context, v bool) error { return s.cache.SetVenue(ctx, venueID, v) },
		func(ctx context.Context) (bool, error) { return s.store.VenueExists(ctx, venueID) },
	)
}

// MenuItemExists reports whether itemID is in the catalog.
func (s *CatalogService) MenuItemExists(ctx context.Context, itemID string) (bool, error) {
	return s.lookup(ctx, "menu:"+itemID, "MenuItemExists",
		func(ctx context.Context) (bool, bool, error) { return s.cache.MenuItem(ctx, itemID) },
		func(ctx context.Context, v bool) error { return s.cache.SetMenuItem(ctx, itemID, v) },
		func(ctx context.Context) (bool, error) { return s.store.MenuItemExists(ctx, itemID) },
	)
}

// UpsertVenue writes through to the store and refreshes the cached answer.
func (s *CatalogService) UpsertVenue(ctx context.Context, v catalog.Venue) error {
	if err := s.store.UpsertVenue(ctx, v); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.SetVenue(ctx, v.ID, true); err != nil {
			s.logger.Warn("failed to refresh catalog cache", "venue_id", v.ID, "error", err)
		}
	}
	return nil
}

// UpsertMenuItem writes through to the store and refreshes the cached answer.
func (s *CatalogService) UpsertMenuItem(ctx context.Context, item catalog.MenuItem) error {
	if err := s.store.UpsertMenuItem(ctx, item); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.SetMenuItem(ctx, item.ID, true); err != nil {
			s.logger.Warn("failed to refresh catalog cache", "item_id", item.ID, "error", err)
		}
	}
	return nil
}

// BreakerState reports the state of the breaker guarding the store.
func (s *CatalogService) BreakerState() circuitbreaker.State {
	return s.breaker.State()
}

func (s *CatalogService) lookup(
	ctx context.Context,
	key, op string,
	cached func(context.Context) (bool, bool, error),
	remember func(context.Context, bool) error,
	load func(context.Context) (bool, error),
) (bool, error) {
	if s.cache != nil {
		exists, ok, err := cached(ctx)
		if err != nil {
			s.logger.Debug("catalog cache read failed", "key", key, "error", err)
		} else if ok {
			return exists, nil
		}
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		return retry.DoWithData(ctx, s.retrier, func(ctx context.Context) (bool, error) {
			var exists bool
			err := s.breaker.Execute(ctx, func(ctx context.Context) error {
				var err error
				exists, err = load(ctx)
				return err
			})
			return exists, err
		})
	})
	if err != nil {
		return false, shared.WrapError("catalog", op, shared.ErrTransientDependency, "catalog lookup failed", err)
	}

	exists := v.(bool)
	if s.cache != nil {
		if err := remember(ctx, exists); err != nil {
			s.logger.Debug("catalog cache write failed", "key", key, "error", err)
		}
	}
	return exists, nil
}
