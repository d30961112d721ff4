// Package cache is a keyed TTL cache that coalesces concurrent fetches for the
// same key into a single call.
//
// A Cache is created once at startup and handed to every fetcher that needs
// it. Entries live until they are replaced by a newer fetch, cleared, or the
// process exits; a restored snapshot seeds entries that are already stale.
package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lox/riverwatch/internal/log"
	"github.com/lox/riverwatch/internal/metrics"
)

const DefaultFetchTimeout = 20 * time.Second

// FetchFunc loads the value for a key. The context carries the fetch timeout.
type FetchFunc[V any] func(ctx context.Context) (V, error)

// Entry is a cached value and the time it was fetched.
type Entry[V any] struct {
	Value     V
	FetchedAt time.Time
	TTL       time.Duration
}

// FreshAt reports whether the entry is fresh at now. An entry fetched at t0
// with ttl T is fresh for [t0, t0+T).
func (e Entry[V]) FreshAt(now time.Time) bool {
	d := now.Sub(e.FetchedAt)
	return d >= 0 && d < e.TTL
}

// Result is the outcome of a lookup that may fall back to stale data.
type Result[V any] struct {
	Value     V
	FetchedAt time.Time
	Stale     bool
	Err       error // the fetch failure behind a stale result
}

type Options[V any] struct {
	// Name labels metrics and log lines.
	Name string
	// FetchTimeout bounds every fetch. Zero means DefaultFetchTimeout.
	FetchTimeout time.Duration
	// Clone copies values on their way out so callers never share the
	// cached instance. Nil returns values as stored.
	Clone func(V) V
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type Cache[V any] struct {
	name    string
	timeout time.Duration
	clone   func(V) V
	now     func() time.Time
	logger  *zap.SugaredLogger

	mu       sync.Mutex
	entries  map[string]Entry[V]
	inflight map[string]time.Time
	group    singleflight.Group
}

func New[V any](opts Options[V]) *Cache[V] {
	c := &Cache[V]{
		name:     opts.Name,
		timeout:  opts.FetchTimeout,
		clone:    opts.Clone,
		now:      opts.Now,
		logger:   log.Logger("cache").With("cache", opts.Name),
		entries:  make(map[string]Entry[V]),
		inflight: make(map[string]time.Time),
	}
	if c.timeout <= 0 {
		c.timeout = DefaultFetchTimeout
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

func (c *Cache[V]) Name() string { return c.name }

// Get returns a fresh value for key, fetching it when needed. When the fetch
// fails and only a stale entry exists, Get returns a *StaleOnlyError wrapping
// the fetch error rather than the stale value.
func (c *Cache[V]) Get(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc[V]) (V, error) {
	res, err := c.lookup(ctx, key, ttl, fetch, false)
	return res.Value, err
}

// GetOrStale is Get with stale-on-error: when the fetch fails and an expired
// entry exists, it is returned with Stale set and the fetch error in Err.
func (c *Cache[V]) GetOrStale(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc[V]) (Result[V], error) {
	return c.lookup(ctx, key, ttl, fetch, true)
}

func (c *Cache[V]) lookup(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc[V], allowStale bool) (Result[V], error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && e.FreshAt(c.now()) {
		c.mu.Unlock()
		metrics.CacheLookupsTotal.WithLabelValues(c.name, "hit").Inc()
		return c.result(e, false, nil), nil
	}
	c.mu.Unlock()

	ch := c.group.DoChan(key, func() (interface{}, error) {
		return c.fill(ctx, key, ttl, fetch)
	})

	var r singleflight.Result
	select {
	case r = <-ch:
	case <-ctx.Done():
		return Result[V]{}, ctx.Err()
	}
	if r.Shared {
		metrics.CacheLookupsTotal.WithLabelValues(c.name, "coalesced").Inc()
	}
	if r.Err == nil {
		return c.result(r.Val.(Entry[V]), false, nil), nil
	}

	c.mu.Lock()
	stale, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return Result[V]{}, r.Err
	}
	if !allowStale {
		return Result[V]{}, &StaleOnlyError{Cache: c.name, Key: key, FetchedAt: stale.FetchedAt, Err: r.Err}
	}
	metrics.CacheLookupsTotal.WithLabelValues(c.name, "stale").Inc()
	c.logger.Warnw("serving stale entry", "key", key, "fetched_at", stale.FetchedAt, "error", r.Err)
	return c.result(stale, true, r.Err), nil
}

// fill runs once per in-flight key. It re-checks freshness first: a caller
// that missed the entry may arrive here just after the previous fetch for the
// same key stored its result.
func (c *Cache[V]) fill(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc[V]) (Entry[V], error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && e.FreshAt(c.now()) {
		c.mu.Unlock()
		return e, nil
	}
	c.inflight[key] = c.now()
	c.mu.Unlock()

	metrics.CacheLookupsTotal.WithLabelValues(c.name, "miss").Inc()

	// Waiters share this fetch, so it must not die with the first caller.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	value, err := fetch(fctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, key)
	if err != nil {
		metrics.CacheFetchErrorsTotal.WithLabelValues(c.name).Inc()
		c.logger.Debugw("fetch failed", "key", key, "error", err)
		return Entry[V]{}, err
	}
	e := Entry[V]{Value: value, FetchedAt: c.now(), TTL: ttl}
	c.entries[key] = e
	return e, nil
}

func (c *Cache[V]) result(e Entry[V], stale bool, err error) Result[V] {
	v := e.Value
	if c.clone != nil {
		v = c.clone(v)
	}
	return Result[V]{Value: v, FetchedAt: e.FetchedAt, Stale: stale, Err: err}
}

// Peek returns the entry for key without fetching, fresh or not.
func (c *Cache[V]) Peek(key string) (Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok && c.clone != nil {
		e.Value = c.clone(e.Value)
	}
	return e, ok
}

// InFlight reports whether a fetch for key is running.
func (c *Cache[V]) InFlight(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[key]
	return ok
}

// Seed stores value as an already-stale entry unless key has an entry. It is
// used to pre-populate the cache from persisted state.
func (c *Cache[V]) Seed(key string, value V, fetchedAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return false
	}
	c.entries[key] = Entry[V]{Value: value, FetchedAt: fetchedAt}
	return true
}

// Clear removes the entry for key. A fetch in flight for key is not
// cancelled and stores its result when it completes.
func (c *Cache[V]) Clear(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// ClearMatching removes every entry whose key satisfies match and returns how
// many were removed. In-flight fetches are not cancelled.
func (c *Cache[V]) ClearMatching(match func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if match(k) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// ClearAll removes every entry. In-flight fetches are not cancelled.
func (c *Cache[V]) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry[V])
}

// Entries returns a copy of every stored entry.
func (c *Cache[V]) Entries() map[string]Entry[V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Entry[V], len(c.entries))
	for k, e := range c.entries {
		if c.clone != nil {
			e.Value = c.clone(e.Value)
		}
		out[k] = e
	}
	return out
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
