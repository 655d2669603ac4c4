package catalog

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/juju/clock"
	"golang.org/x/sync/singleflight"

	"github.com/desertthunder/pmx/internal/models"
)

const (
	defaultCacheMaxSize = 512
	defaultCacheTTL     = 10 * time.Minute
)

// CacheConfig configures the catalog lookup cache.
type CacheConfig struct {
	// MaxSize is the maximum number of entries per lookup kind.
	MaxSize int
	// TTL is how long a lookup remains valid.
	TTL time.Duration
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

type cacheEntry[T any] struct {
	value    T
	storedAt time.Time
}

// Cached wraps a [Catalog] with an LRU cache of successful lookups.
//
// Concurrent misses for the same key share one delegate call. Errors are never cached.
type Cached struct {
	delegate Catalog
	services *lru.Cache[string, cacheEntry[[]models.Service]]
	risk     *lru.Cache[string, cacheEntry[bool]]
	formats  *lru.Cache[string, cacheEntry[models.Format]]
	byID     *lru.Cache[string, cacheEntry[models.Service]]
	ttl      time.Duration
	clock    clock.Clock
	group    singleflight.Group
}

// NewCached wraps delegate. Zero config values fall back to defaults.
func NewCached(delegate Catalog, config CacheConfig) (*Cached, error) {
	if config.MaxSize <= 0 {
		config.MaxSize = defaultCacheMaxSize
	}
	if config.TTL <= 0 {
		config.TTL = defaultCacheTTL
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}

	c := &Cached{delegate: delegate, ttl: config.TTL, clock: config.Clock}
	var err error
	if c.services, err = lru.New[string, cacheEntry[[]models.Service]](config.MaxSize); err != nil {
		return nil, err
	}
	if c.risk, err = lru.New[string, cacheEntry[bool]](config.MaxSize); err != nil {
		return nil, err
	}
	if c.formats, err = lru.New[string, cacheEntry[models.Format]](config.MaxSize); err != nil {
		return nil, err
	}
	if c.byID, err = lru.New[string, cacheEntry[models.Service]](config.MaxSize); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cached) LookupServicesAccepting(ctx context.Context, formatID string) ([]models.Service, error) {
	return cached(ctx, c, c.services, "services:"+formatID, func(ctx context.Context) ([]models.Service, error) {
		return c.delegate.LookupServicesAccepting(ctx, formatID)
	})
}

func (c *Cached) IsAtRisk(ctx context.Context, formatID string) (bool, error) {
	return cached(ctx, c, c.risk, "risk:"+formatID, func(ctx context.Context) (bool, error) {
		return c.delegate.IsAtRisk(ctx, formatID)
	})
}

func (c *Cached) Format(ctx context.Context, id string) (models.Format, error) {
	return cached(ctx, c, c.formats, "format:"+id, func(ctx context.Context) (models.Format, error) {
		return c.delegate.Format(ctx, id)
	})
}

func (c *Cached) Service(ctx context.Context, id string) (models.Service, error) {
	return cached(ctx, c, c.byID, "service:"+id, func(ctx context.Context) (models.Service, error) {
		return c.delegate.Service(ctx, id)
	})
}

// Purge drops every cached entry.
func (c *Cached) Purge() {
	c.services.Purge()
	c.risk.Purge()
	c.formats.Purge()
	c.byID.Purge()
}

// cached serves key from cache or from one shared fetch. The fetch is detached from the
// caller's cancellation; each caller stops waiting when its own ctx ends.
func cached[T any](ctx context.Context, c *Cached, cache *lru.Cache[string, cacheEntry[T]], key string, fetch func(context.Context) (T, error)) (T, error) {
	var zero T
	if entry, ok := cache.Get(key); ok {
		if c.clock.Now().Sub(entry.storedAt) < c.ttl {
			return entry.value, nil
		}
		cache.Remove(key)
	}

	ch := c.group.DoChan(key, func() (any, error) {
		value, err := fetch(context.WithoutCancel(ctx))
		if err != nil {
			return value, err
		}
		cache.Add(key, cacheEntry[T]{value: value, storedAt: c.clock.Now()})
		return value, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
