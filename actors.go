package apiviews

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type cachedActor struct {
	userID int64
	ok     bool
}

// ActorCache memoises an ActorResolver so the filter does not hit the
// database for every API request. Lookup errors are not cached. A revoked key
// keeps resolving until its entry expires.
type ActorCache struct {
	next  ActorResolver
	cache *expirable.LRU[Credentials, cachedActor]
}

// NewActorCache caches up to size resolutions of next for ttl.
func NewActorCache(next ActorResolver, size int, ttl time.Duration) *ActorCache {
	return &ActorCache{
		next:  next,
		cache: expirable.NewLRU[Credentials, cachedActor](size, nil, ttl),
	}
}

// ResolveActor implements ActorResolver.
func (c *ActorCache) ResolveActor(ctx context.Context, creds Credentials) (int64, bool, error) {
	if v, ok := c.cache.Get(creds); ok {
		return v.userID, v.ok, nil
	}
	userID, ok, err := c.next.ResolveActor(ctx, creds)
	if err != nil {
		return 0, false, err
	}
	c.cache.Add(creds, cachedActor{userID: userID, ok: ok})
	return userID, ok, nil
}

// Purge drops every cached resolution.
func (c *ActorCache) Purge() {
	c.cache.Purge()
}
