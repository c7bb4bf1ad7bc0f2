package taxonomy

import (
	"context"
	"time"
)

// Cache is an explicit TTL-cached value. It replaces module-level
// mutable caches: instances are injected so tests can supply
// deterministic snapshots.
type Cache[T any] struct {
	Data      T
	FetchedAt time.Time
	TTL       time.Duration
}

// NewCache returns a cache holding data fetched now.
func NewCache[T any](data T, now time.Time, ttl time.Duration) Cache[T] {
	return Cache[T]{Data: data, FetchedAt: now, TTL: ttl}
}

// Fresh reports whether the cached value is still within its TTL.
func (c Cache[T]) Fresh(now time.Time) bool {
	return !c.FetchedAt.IsZero() && now.Sub(c.FetchedAt) < c.TTL
}

// GetOrRefresh returns the cached value when fresh, otherwise fetches a
// new one and returns the updated cache. On fetch failure the previous
// cache is returned unchanged alongside the error, so callers holding a
// stale value may keep serving it.
func GetOrRefresh[T any](ctx context.Context, c Cache[T], fetch func(ctx context.Context) (T, error)) (T, Cache[T], error) {
	now := time.Now()
	if c.Fresh(now) {
		return c.Data, c, nil
	}
	data, err := fetch(ctx)
	if err != nil {
		return c.Data, c, err
	}
	return data, Cache[T]{Data: data, FetchedAt: now, TTL: c.TTL}, nil
}
