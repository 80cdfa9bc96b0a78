package redis

import (
	"context"
	"errors"
	"time"

	"github.com/stamptrail/progression-engine/internal/application/query"
)

// ChallengeViewCache stores users' challenge listings. It implements
// query.ChallengeViewCache.
type ChallengeViewCache struct {
	cache *Cache
	ttl   time.Duration
}

// NewChallengeViewCache creates the cache. A non-positive ttl uses TTLChallengeViews.
func NewChallengeViewCache(cache *Cache, ttl time.Duration) *ChallengeViewCache {
	if ttl <= 0 {
		ttl = TTLChallengeViews
	}
	return &ChallengeViewCache{cache: cache, ttl: ttl}
}

// Get implements query.ChallengeViewCache.
func (v *ChallengeViewCache) Get(ctx context.Context, userID string) (*query.UserChallengesDTO, bool, error) {
	var dto query.UserChallengesDTO
	if err := v.cache.Get(ctx, ChallengeViewsKey(userID), &dto); err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &dto, true, nil
}

// Set implements query.ChallengeViewCache.
func (v *ChallengeViewCache) Set(ctx context.Context, userID string, views *query.UserChallengesDTO) error {
	if views == nil {
		return nil
	}
	return v.cache.Set(ctx, ChallengeViewsKey(userID), views, v.ttl)
}

// Invalidate implements query.ChallengeViewCache.
func (v *ChallengeViewCache) Invalidate(ctx context.Context, userID string) error {
	return v.cache.Delete(ctx, ChallengeViewsKey(userID))
}

// InvalidateAll drops every cached listing, used after a challenge is
// published or flagged.
func (v *ChallengeViewCache) InvalidateAll(ctx context.Context) error {
	return v.cache.DeleteByPattern(ctx, prefixViews+"*")
}
