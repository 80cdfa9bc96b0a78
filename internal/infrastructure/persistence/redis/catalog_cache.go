package redis

import (
	"context"
	"errors"
)

// CatalogCache remembers venue and menu item existence answers. Hits and
// misses get different TTLs.
type CatalogCache struct {
	cache *Cache
}

// NewCatalogCache creates the cache.
func NewCatalogCache(cache *Cache) *CatalogCache {
	return &CatalogCache{cache: cache}
}

// Venue returns the cached answer for venueID; ok is false on a miss.
func (c *CatalogCache) Venue(ctx context.Context, venueID string) (exists, ok bool, err error) {
	return c.get(ctx, VenueKey(venueID))
}

// SetVenue caches the answer for venueID.
func (c *CatalogCache) SetVenue(ctx context.Context, venueID string, exists bool) error {
	return c.set(ctx, VenueKey(venueID), exists)
}

// MenuItem returns the cached answer for itemID; ok is false on a miss.
func (c *CatalogCache) MenuItem(ctx context.Context, itemID string) (exists, ok bool, err error) {
	return c.get(ctx, MenuItemKey(itemID))
}

// SetMenuItem caches the answer for itemID.
func (c *CatalogCache) SetMenuItem(ctx context.Context, itemID string, exists bool) error {
	return c.set(ctx, MenuItemKey(itemID), exists)
}

func (c *CatalogCache) get(ctx context.Context, key string) (bool, bool, error) {
	var exists bool
	if err := c.cache.Get(ctx, key, &exists); err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return false, false, nil
		}
		return false, false, err
	}
	return exists, true, nil
}

func (c *CatalogCache) set(ctx context.Context, key string, exists bool) error {
	ttl := TTLCatalogMiss
	if exists {
		ttl = TTLCatalogHit
	}
	return c.cache.Set(ctx, key, exists, ttl)
}
