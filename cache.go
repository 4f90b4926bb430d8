package accessctl

import (
	"context"
	"sync"
	"sync/atomic"
)

// Cache is a read-through, compute-once cache of a materialized view. Its
// value is rebuilt whenever the freshness token changes. At most one rebuild
// runs at a time; readers arriving during a rebuild are served the previous
// snapshot (stale but internally consistent) without blocking, and only the
// first-ever access blocks every caller until the initial build completes.
type Cache[V any] struct {
	rebuild func(ctx context.Context) (V, error)
	fresh   func(ctx context.Context) (string, error)

	mu   sync.Mutex // gates rebuilds
	snap atomic.Pointer[cacheSnapshot[V]]
}

type cacheSnapshot[V any] struct {
	value V
	token string
}

// NewCache builds a cache from a rebuild function and a freshness-token
// function. The token must be cheap to compute relative to the rebuild.
func NewCache[V any](rebuild func(ctx context.Context) (V, error), fresh func(ctx context.Context) (string, error)) *Cache[V] {
	return &Cache[V]{rebuild: rebuild, fresh: fresh}
}

// Get returns the materialized value, rebuilding it first when the freshness
// token has moved. A freshness probe failure is served from the last snapshot
// when one exists (reads tolerate staleness; only a cold cache propagates the
// error).
func (c *Cache[V]) Get(ctx context.Context) (V, error) {
	snap := c.snap.Load()
	token, err := c.fresh(ctx)
	if err != nil {
		if snap != nil {
			return snap.value, nil
		}
		var zero V
		return zero, err
	}
	if snap != nil && snap.token == token {
		return snap.value, nil
	}

	if c.mu.TryLock() {
		defer c.mu.Unlock()
		return c.rebuildLocked(ctx, token)
	}

	// a rebuild is in flight; serve the stale snapshot when we have one
	if snap != nil {
		return snap.value, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if snap = c.snap.Load(); snap != nil && snap.token == token {
		return snap.value, nil
	}
	return c.rebuildLocked(ctx, token)
}

func (c *Cache[V]) rebuildLocked(ctx context.Context, token string) (V, error) {
	if snap := c.snap.Load(); snap != nil && snap.token == token {
		return snap.value, nil
	}
	value, err := c.rebuild(ctx)
	if err != nil {
		if snap := c.snap.Load(); snap != nil {
			return snap.value, err
		}
		var zero V
		return zero, err
	}
	c.snap.Store(&cacheSnapshot[V]{value: value, token: token})
	return value, nil
}

// Invalidate drops the snapshot; the next Get rebuilds unconditionally.
func (c *Cache[V]) Invalidate() {
	c.snap.Store(nil)
}
