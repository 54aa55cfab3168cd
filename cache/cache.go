// Package cache implements a string-keyed TTL cache whose misses are
// resolved through a single in-flight load per key.
//
// Entries expire a fixed duration after they were computed; reading an entry
// never extends its lifetime. Expired entries are dropped lazily when they
// are looked up. When several goroutines miss the same key at once, exactly
// one of them runs the loader and all of them observe its result. Load errors
// are returned to every waiter and are never cached.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ggoodman/dispatch-go/storage"
	"golang.org/x/sync/singleflight"
)

// Loader computes the value for key on a cache miss.
type Loader[V any] func(ctx context.Context, key string) (V, error)

// Observer receives cache events. *metrics.Metrics satisfies it.
type Observer interface {
	CacheLookup(cache string, hit bool)
	// CacheLoad reports one loader invocation.
	CacheLoad(cache string, err error)
	// CacheSharedHit reports a miss answered by the shared storage tier
	// without running the loader.
	CacheSharedHit(cache string)
}

type options struct {
	now         func() time.Time
	observer    Observer
	store       storage.Storage
	scope       []storage.Option
	loadTimeout time.Duration
}

// Option configures a Cache.
type Option func(*options)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithObserver reports lookups and loads to obs.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithStorage mirrors loaded values into store as JSON so that other
// processes sharing the store can skip the loader. Values read back from the
// store keep their original computation time. Entries live in the cache's
// own namespace unless scope names another one, such as
// storage.WithProvider.
func WithStorage(store storage.Storage, scope ...storage.Option) Option {
	return func(o *options) {
		o.store = store
		o.scope = scope
	}
}

// WithLoadTimeout bounds every loader invocation.
func WithLoadTimeout(d time.Duration) Option {
	return func(o *options) { o.loadTimeout = d }
}

type entry[V any] struct {
	value      V
	computedAt time.Time
}

// Cache is safe for concurrent use.
type Cache[V any] struct {
	name string
	ttl  time.Duration
	opts options

	mu      sync.RWMutex
	entries map[string]entry[V]
	// gens and epoch advance on Set, Invalidate and Purge so that a load
	// started before them does not store its older result.
	gens    map[string]uint64
	epoch   uint64
	flights singleflight.Group
}

type generation struct{ epoch, key uint64 }

// New returns an empty cache. A ttl <= 0 keeps entries until they are
// invalidated.
func New[V any](name string, ttl time.Duration, opts ...Option) *Cache[V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[V]{
		name:    name,
		ttl:     ttl,
		opts:    o,
		entries: make(map[string]entry[V]),
		gens:    make(map[string]uint64),
	}
}

// Name returns the cache name used for metrics and storage namespacing.
func (c *Cache[V]) Name() string { return c.name }

// Get returns the cached value for key or loads it. The loader runs detached
// from ctx cancellation so a departing caller does not fail the other
// waiters; Get itself returns ctx.Err() as soon as ctx is done.
func (c *Cache[V]) Get(ctx context.Context, key string, load Loader[V]) (V, error) {
	if v, ok := c.Peek(key); ok {
		c.observeLookup(true)
		return v, nil
	}
	c.observeLookup(false)

	ch := c.flights.DoChan(key, func() (any, error) {
		// A previous flight may have stored the value after our Peek.
		if v, ok := c.Peek(key); ok {
			return v, nil
		}

		c.mu.RLock()
		gen := c.generation(key)
		c.mu.RUnlock()

		loadCtx := context.WithoutCancel(ctx)
		if c.opts.loadTimeout > 0 {
			var cancel context.CancelFunc
			loadCtx, cancel = context.WithTimeout(loadCtx, c.opts.loadTimeout)
			defer cancel()
		}

		v, computedAt, err := c.load(loadCtx, key, load)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.generation(key) == gen {
			c.entries[key] = entry[V]{value: v, computedAt: computedAt}
		}
		c.mu.Unlock()
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// generation must be called with c.mu held.
func (c *Cache[V]) generation(key string) generation {
	return generation{epoch: c.epoch, key: c.gens[key]}
}

func (c *Cache[V]) load(ctx context.Context, key string, load Loader[V]) (V, time.Time, error) {
	if c.opts.store != nil {
		if v, computedAt, ok := c.loadShared(ctx, key); ok {
			if c.opts.observer != nil {
				c.opts.observer.CacheSharedHit(c.name)
			}
			return v, computedAt, nil
		}
	}

	v, err := load(ctx, key)
	if c.opts.observer != nil {
		c.opts.observer.CacheLoad(c.name, err)
	}
	if err != nil {
		return v, time.Time{}, err
	}
	computedAt := c.opts.now()

	if c.opts.store != nil {
		c.storeShared(ctx, key, v, computedAt)
	}
	return v, computedAt, nil
}

// loadShared treats any storage failure as a miss; the loader is the source
// of truth.
func (c *Cache[V]) loadShared(ctx context.Context, key string) (V, time.Time, bool) {
	var zero V
	item, err := c.opts.store.Get(ctx, key, c.storeScope()...)
	if err != nil || item == nil {
		return zero, time.Time{}, false
	}
	var v V
	if err := json.Unmarshal(item.Data, &v); err != nil {
		return zero, time.Time{}, false
	}
	if c.expired(item.CreatedAt) {
		return zero, time.Time{}, false
	}
	return v, item.CreatedAt, true
}

func (c *Cache[V]) storeShared(ctx context.Context, key string, v V, computedAt time.Time) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	opts := append(c.storeScope(), storage.WithCreatedAt(computedAt))
	if c.ttl > 0 {
		opts = append(opts, storage.WithTTL(c.ttl))
	}
	_ = c.opts.store.Set(ctx, key, data, opts...)
}

func (c *Cache[V]) storeScope() []storage.Option {
	if len(c.opts.scope) > 0 {
		return append([]storage.Option(nil), c.opts.scope...)
	}
	return []storage.Option{storage.WithCache(c.name)}
}

// Peek returns the live entry for key without loading. An expired entry is
// removed.
func (c *Cache[V]) Peek(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if c.expired(e.computedAt) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur.computedAt.Equal(e.computedAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return e.value, true
}

// Set stores v for key as if it had just been loaded, mirroring it to the
// shared tier when one is configured. A load already in flight for key does
// not overwrite it.
func (c *Cache[V]) Set(ctx context.Context, key string, v V) {
	computedAt := c.opts.now()
	c.mu.Lock()
	c.gens[key]++
	c.entries[key] = entry[V]{value: v, computedAt: computedAt}
	c.mu.Unlock()

	if c.opts.store != nil {
		c.storeShared(ctx, key, v, computedAt)
	}
}

// Invalidate drops the entry for key, locally and in the shared tier. A load
// already in flight still returns its result to its waiters but does not
// store it.
func (c *Cache[V]) Invalidate(ctx context.Context, key string) error {
	c.mu.Lock()
	c.gens[key]++
	delete(c.entries, key)
	c.mu.Unlock()

	if c.opts.store == nil {
		return nil
	}
	return c.opts.store.Delete(ctx, append(c.storeScope(), storage.WithKey(key))...)
}

// Purge drops every entry, locally and in the cache's shared namespace.
func (c *Cache[V]) Purge(ctx context.Context) error {
	c.mu.Lock()
	c.epoch++
	clear(c.entries)
	clear(c.gens)
	c.mu.Unlock()

	if c.opts.store == nil {
		return nil
	}
	return c.opts.store.Delete(ctx, c.storeScope()...)
}

// Len reports the number of stored entries, including expired ones not yet
// evicted.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache[V]) expired(computedAt time.Time) bool {
	return c.ttl > 0 && c.opts.now().After(computedAt.Add(c.ttl))
}

func (c *Cache[V]) observeLookup(hit bool) {
	if c.opts.observer != nil {
		c.opts.observer.CacheLookup(c.name, hit)
	}
}
