// Package cache provides the run-scoped response cache shared by the checks
// of one audit scope.
//
// A ResponseCache guarantees at-most-one successful fetch per key: the first
// caller for a key runs the fetch function, concurrent callers for the same
// key wait for that single in-flight fetch, and later callers get the stored
// value. Failed fetches are never stored, so a later call may try again.
//
// A cache lives exactly as long as one run over one (account, region,
// partition) scope. It has no eviction and must never be shared across
// scopes.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// ErrTypeMismatch is returned by Fetch when the cached value for a key is
// not of the requested type.
var ErrTypeMismatch = errors.New("cached value has unexpected type")

// FetchFunc performs the upstream call for a cache miss.
type FetchFunc func(ctx context.Context) (any, error)

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	Fetches  int64 `json:"fetches"`
	Failures int64 `json:"failures"`
}

// ResponseCache is a key to value store with single-flight population.
// The zero value is not usable; call New.
type ResponseCache struct {
	mu      sync.RWMutex
	entries map[string]any
	group   singleflight.Group

	hits     atomic.Int64
	misses   atomic.Int64
	fetches  atomic.Int64
	failures atomic.Int64
}

// New returns an empty cache.
func New() *ResponseCache {
	return &ResponseCache{entries: make(map[string]any)}
}

// GetOrFetch returns the value stored under key. On a miss it invokes fetch
// exactly once across all concurrent callers, stores the result on success
// and returns it. When fetch fails the key stays unpopulated and every caller
// waiting on that fetch receives the error.
//
// A panic inside fetch propagates to the callers.
func (c *ResponseCache) GetOrFetch(ctx context.Context, key string, fetch FetchFunc) (any, error) {
	if v, ok := c.lookup(key); ok {
		c.hits.Add(1)
		return v, nil
	}
	c.misses.Add(1)

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Another flight may have stored the key between lookup and Do.
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		c.fetches.Add(1)
		v, err := fetch(ctx)
		if err != nil {
			c.failures.Add(1)
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = v
		c.mu.Unlock()
		return v, nil
	})
	return v, err
}

// Get returns the stored value for key without fetching.
func (c *ResponseCache) Get(key string) (any, bool) {
	return c.lookup(key)
}

// Len returns the number of populated keys.
func (c *ResponseCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *ResponseCache) Stats() Stats {
	return Stats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Fetches:  c.fetches.Load(),
		Failures: c.failures.Load(),
	}
}

func (c *ResponseCache) lookup(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

// Fetch is the typed form of GetOrFetch. Checks use it to share a typed view
// of an upstream response under a scope-local key.
func Fetch[T any](ctx context.Context, c *ResponseCache, key string, fetch func(context.Context) (T, error)) (T, error) {
	var zero T
	v, err := c.GetOrFetch(ctx, key, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	})
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: key %q holds %T, want %T", ErrTypeMismatch, key, v, zero)
	}
	return typed, nil
}
