package permissions

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/fieldmesh/iotaccess/pkg/observability"
)

type cachedSet struct {
	set      *PermissionSet
	revision int64
}

// CachedResolver memoizes resolved sets per principal for at most ttl, and
// only while the grant revision they were computed at is still current
type CachedResolver struct {
	next      Resolver
	revisions RevisionSource
	cache     *lru.LRU[Principal, cachedSet]
	metrics   *observability.Metrics
}

// NewCachedResolver wraps next with an expirable LRU of size entries
func NewCachedResolver(next Resolver, revisions RevisionSource, size int, ttl time.Duration, metrics *observability.Metrics) *CachedResolver {
	if size <= 0 {
		size = 1024
	}
	return &CachedResolver{
		next:      next,
		revisions: revisions,
		cache:     lru.NewLRU[Principal, cachedSet](size, nil, ttl),
		metrics:   metrics,
	}
}

// Resolve returns a cached set when it is still valid, otherwise resolves
// through the wrapped resolver. When the revision cannot be read the cache
// is bypassed.
func (c *CachedResolver) Resolve(ctx context.Context, p Principal) (*PermissionSet, error) {
	rev, err := c.revisions.Current(ctx)
	if err != nil {
		observability.FromContext(ctx).WithError(err).Warn("grant revision unavailable, resolving without cache")
		return c.next.Resolve(ctx, p)
	}

	if entry, ok := c.cache.Get(p); ok && entry.revision == rev {
		c.metrics.RecordPermissionCache(true)
		return entry.set, nil
	}
	c.metrics.RecordPermissionCache(false)

	set, err := c.next.Resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	c.cache.Add(p, cachedSet{set: set, revision: rev})
	return set, nil
}

// Purge drops every cached set
func (c *CachedResolver) Purge() {
	c.cache.Purge()
}

// Len returns the number of cached sets
func (c *CachedResolver) Len() int {
	return c.cache.Len()
}
