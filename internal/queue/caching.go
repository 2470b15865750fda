package queue

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/snehjoshi/epochdist/internal/metrics"
	"github.com/snehjoshi/epochdist/internal/types"
)

// DefaultStatusTTL is how long a cached queue status stays fresh.
const DefaultStatusTTL = 30 * time.Second

// StatusCache memoizes Queue.Status results per key for a short TTL.
// Create one per process and hand it to every CachingQueue; wrappers built
// with the same key share one entry.
//
// Expired entries are dropped lazily when the key is next read. There is no
// background sweep and no teardown.
type StatusCache struct {
	ttl     time.Duration
	clock   clockwork.Clock
	metrics *metrics.Registry

	mu      sync.Mutex
	entries map[string]cachedStatus
	// gens counts invalidations per key so that a load racing with an
	// Invalidate never stores the pre-invalidation result.
	gens map[string]uint64
}

type cachedStatus struct {
	status  types.QueueStatus
	expires time.Time
}

// NewStatusCache creates a cache whose entries live for ttl.
// ttl <= 0 uses DefaultStatusTTL.
func NewStatusCache(ttl time.Duration, opts ...Option) *StatusCache {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	o := buildOptions(opts)
	return &StatusCache{
		ttl:     ttl,
		clock:   o.clock,
		metrics: o.metrics,
		entries: make(map[string]cachedStatus),
		gens:    make(map[string]uint64),
	}
}

// Get returns the cached status for key, or calls load and caches its result.
// load runs without the cache lock held; errors are returned and not cached.
func (c *StatusCache) Get(key string, load func() (types.QueueStatus, error)) (types.QueueStatus, error) {
	now := c.clock.Now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if now.Before(e.expires) {
			c.mu.Unlock()
			c.observe(metrics.CacheHit)
			return e.status, nil
		}
		delete(c.entries, key)
	}
	gen := c.gens[key]
	c.mu.Unlock()

	c.observe(metrics.CacheMiss)
	st, err := load()
	if err != nil {
		return types.QueueStatus{}, err
	}

	c.mu.Lock()
	if c.gens[key] == gen {
		c.entries[key] = cachedStatus{status: st, expires: c.clock.Now().Add(c.ttl)}
	}
	c.mu.Unlock()
	return st, nil
}

// Invalidate drops the entry for key.
func (c *StatusCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.gens[key]++
	c.mu.Unlock()
}

// Len returns the number of entries currently held, expired ones included.
func (c *StatusCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *StatusCache) observe(result string) {
	if c.metrics != nil {
		c.metrics.StatusCache.WithLabelValues(result).Inc()
	}
}

// ─── CachingQueue ─────────────────────────────────────────────────────────────

// CachingQueue serves Status from a StatusCache. Add, Remove and
// RecordAttempt invalidate the entry before and after delegating: the first
// two change the count and the last one may turn the queue BLOCKED. The second
// invalidation discards any load that raced with the write.
type CachingQueue struct {
	Queue
	cache *StatusCache
	key   string
}

var (
	_ Wrapper         = (*CachingQueue)(nil)
	_ AttemptRecorder = (*CachingQueue)(nil)
)

// NewCachingQueue wraps q; key identifies the cache entry, typically
// agentName + "/" + queueName.
func NewCachingQueue(q Queue, cache *StatusCache, key string) *CachingQueue {
	return &CachingQueue{Queue: q, cache: cache, key: key}
}

func (c *CachingQueue) Status() (types.QueueStatus, error) {
	return c.cache.Get(c.key, c.Queue.Status)
}

func (c *CachingQueue) Add(item types.QueueItem) error {
	c.cache.Invalidate(c.key)
	defer c.cache.Invalidate(c.key)
	return c.Queue.Add(item)
}

func (c *CachingQueue) Remove(itemID string) (*types.QueueItem, error) {
	c.cache.Invalidate(c.key)
	defer c.cache.Invalidate(c.key)
	return c.Queue.Remove(itemID)
}

// RecordAttempt records the attempt on the wrapped chain.
func (c *CachingQueue) RecordAttempt(itemID string) (types.QueueItemStatus, error) {
	c.cache.Invalidate(c.key)
	defer c.cache.Invalidate(c.key)
	return RecordAttempt(c.Queue, itemID)
}

// Unwrap returns the wrapped queue.
func (c *CachingQueue) Unwrap() Queue { return c.Queue }
