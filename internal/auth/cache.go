package auth

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/tjfontaine/camgate/internal/metrics"
)

// DefaultCacheTTL bounds how long an introspection answer is reused.
const DefaultCacheTTL = 60 * time.Second

// DefaultCacheSize bounds the number of cached tokens.
const DefaultCacheSize = 10000

// CachingIntrospector caches introspection results per token for a short TTL
// and collapses concurrent lookups of the same token into one call.
// Errors are never cached.
type CachingIntrospector struct {
	next    Introspector
	entries *expirable.LRU[string, *Result]
	group   singleflight.Group
	metrics *metrics.Metrics
	now     func() time.Time

	// mu guards inflight and orders cache fills against Evict.
	mu       sync.Mutex
	inflight map[string]*flight
}

// flight tracks one running introspection. An Evict that lands while it
// runs marks it so its answer is not cached.
type flight struct {
	evicted bool
}

// CacheOption configures a CachingIntrospector.
type CacheOption func(*cacheOptions)

type cacheOptions struct {
	ttl     time.Duration
	size    int
	metrics *metrics.Metrics
	now     func() time.Time
}

// WithCacheTTL sets the entry lifetime.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(o *cacheOptions) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithCacheSize sets the maximum number of entries.
func WithCacheSize(size int) CacheOption {
	return func(o *cacheOptions) {
		if size > 0 {
			o.size = size
		}
	}
}

// WithCacheMetrics records hits, misses and errors.
func WithCacheMetrics(m *metrics.Metrics) CacheOption {
	return func(o *cacheOptions) {
		o.metrics = m
	}
}

// NewCachingIntrospector wraps next with a TTL cache.
func NewCachingIntrospector(next Introspector, opts ...CacheOption) *CachingIntrospector {
	o := cacheOptions{ttl: DefaultCacheTTL, size: DefaultCacheSize, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	return &CachingIntrospector{
		next:     next,
		entries:  expirable.NewLRU[string, *Result](o.size, nil, o.ttl),
		metrics:  o.metrics,
		now:      o.now,
		inflight: make(map[string]*flight),
	}
}

// Introspect implements Introspector.
func (c *CachingIntrospector) Introspect(ctx context.Context, token string) (*Result, error) {
	key := HashToken(token)

	if res, ok := c.lookup(key); ok {
		c.metrics.Introspection("hit")
		return res, nil
	}

	// The shared call must not die with whichever caller arrived first.
	shared := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do(key, func() (any, error) {
		if res, ok := c.lookup(key); ok {
			return res, nil
		}
		c.metrics.Introspection("miss")
		f := c.begin(key)
		res, err := c.next.Introspect(shared, token)
		c.finish(key, f, res, err)
		if err != nil {
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		c.metrics.Introspection("error")
		return nil, err
	}
	return v.(*Result), nil
}

// Evict drops the cached answer for token, e.g. on logout.
// A lookup for token that is still running when Evict is called will not
// repopulate the cache.
func (c *CachingIntrospector) Evict(token string) {
	key := HashToken(token)

	c.mu.Lock()
	if f, ok := c.inflight[key]; ok {
		f.evicted = true
	}
	c.entries.Remove(key)
	c.mu.Unlock()

	c.group.Forget(key)
}

func (c *CachingIntrospector) begin(key string) *flight {
	f := &flight{}
	c.mu.Lock()
	c.inflight[key] = f
	c.mu.Unlock()
	return f
}

func (c *CachingIntrospector) finish(key string, f *flight, res *Result, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[key] == f {
		delete(c.inflight, key)
	}
	if err != nil || f.evicted || c.expired(res) {
		return
	}
	c.entries.Add(key, res)
}

// Len returns the number of cached entries.
func (c *CachingIntrospector) Len() int {
	return c.entries.Len()
}

func (c *CachingIntrospector) lookup(key string) (*Result, bool) {
	res, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	if c.expired(res) {
		c.entries.Remove(key)
		return nil, false
	}
	return res, true
}

// expired reports whether the token's own expiry has passed; such entries
// must not outlive the token even if the cache TTL has not run out.
func (c *CachingIntrospector) expired(res *Result) bool {
	return res.Active && !res.ExpiresAt.IsZero() && !c.now().Before(res.ExpiresAt)
}
