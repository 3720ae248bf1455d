package cache

import (
	"sort"
	"sync"
	"time"

	"agentmesh/internal/logging"

	"go.uber.org/zap"
)

// =============================================================================
// PREDICTIVE CACHE
// =============================================================================
//
// Bounded keyed cache. Misses trigger a background prefetch of keys the
// access-pattern predictor expects next; eviction drops the keys with the
// lowest modelled re-access probability until size falls to 90% of capacity.

// DefaultCapacity bounds the cache when no capacity is configured.
const DefaultCapacity = 10000

// evictionTarget is the post-eviction fill fraction.
const evictionTarget = 0.9

// FetchFunc loads a missing key from backing storage during prefetch. A nil
// return means the key has no backing value and is skipped.
type FetchFunc func(key string) any

// EventFunc observes cache activity (hit, miss, evict). Wired to the event
// store by the memory manager; nil means unobserved.
type EventFunc func(kind, key string)

const (
	EventHit   = "hit"
	EventMiss  = "miss"
	EventEvict = "evict"
)

type entry struct {
	value      any
	hits       int
	lastAccess time.Time
	created    time.Time
}

// Cache is the predictive cache.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	capacity int

	// accessHistory keeps per-key access timestamps for the eviction
	// frequency feature; predictor keeps the cross-key order.
	accessHistory map[string][]time.Time
	predictor     *Predictor

	fetch   FetchFunc
	onEvent EventFunc

	totalHits     int64
	totalAccesses int64
	prefetches    int64

	wg  sync.WaitGroup
	log *zap.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithCapacity overrides the default capacity.
func WithCapacity(capacity int) Option {
	return func(c *Cache) {
		if capacity > 0 {
			c.capacity = capacity
		}
	}
}

// WithFetch installs the prefetch storage loader.
func WithFetch(fetch FetchFunc) Option {
	return func(c *Cache) { c.fetch = fetch }
}

// WithEventFunc installs the activity observer.
func WithEventFunc(fn EventFunc) Option {
	return func(c *Cache) { c.onEvent = fn }
}

// New creates a cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:       make(map[string]*entry),
		capacity:      DefaultCapacity,
		accessHistory: make(map[string][]time.Time),
		predictor:     NewPredictor(),
		log:           logging.Get(logging.CategoryCache),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get looks a key up, recording the access. On a miss a background task
// prefetches the keys the predictor ranks as likely follow-ups.
func (c *Cache) Get(key string) (any, bool) {
	now := time.Now()

	c.mu.Lock()
	c.totalAccesses++
	c.accessHistory[key] = append(c.accessHistory[key], now)
	c.predictor.Record(key)

	if e, ok := c.entries[key]; ok {
		e.hits++
		e.lastAccess = now
		c.totalHits++
		value := e.value
		c.mu.Unlock()
		c.emit(EventHit, key)
		return value, true
	}
	c.mu.Unlock()

	c.emit(EventMiss, key)
	if c.fetch != nil {
		c.wg.Add(1)
		go c.prefetchRelated(key)
	}
	return nil, false
}

// Set stores a value, evicting first when the cache is full.
func (c *Cache) Set(key string, value any) {
	now := time.Now()
	var evicted []string

	c.mu.Lock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		evicted = c.evictLocked(now)
	}
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.lastAccess = now
	} else {
		c.entries[key] = &entry{value: value, lastAccess: now, created: now}
	}
	c.mu.Unlock()

	for _, k := range evicted {
		c.emit(EventEvict, k)
	}
}

// Delete removes a key. Unknown keys are ignored.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Peek returns a value without recording an access or touching hit
// counters. Erasure scans use this to inspect entries non-destructively.
func (c *Cache) Peek(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Contains reports presence without recording an access.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns a snapshot of the cached keys.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// PredictRelated returns the keys most likely to be accessed after the
// given key, best first.
func (c *Cache) PredictRelated(key string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.predictor.Predict(key)
}

// Wait blocks until in-flight prefetch tasks finish. Tests use this.
func (c *Cache) Wait() {
	c.wg.Wait()
}

// CacheStats summarises utilisation and hit rate.
type CacheStats struct {
	Size          int     `json:"size"`
	Capacity      int     `json:"capacity"`
	Utilization   float64 `json:"utilization"`
	TotalHits     int64   `json:"total_hits"`
	TotalAccesses int64   `json:"total_accesses"`
	HitRate       float64 `json:"hit_rate"`
	Prefetches    int64   `json:"prefetches"`
}

// Stats returns a point-in-time view of the cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := CacheStats{
		Size:          len(c.entries),
		Capacity:      c.capacity,
		TotalHits:     c.totalHits,
		TotalAccesses: c.totalAccesses,
		Prefetches:    c.prefetches,
	}
	if c.capacity > 0 {
		stats.Utilization = float64(len(c.entries)) / float64(c.capacity)
	}
	if c.totalAccesses > 0 {
		stats.HitRate = float64(c.totalHits) / float64(c.totalAccesses)
	}
	return stats
}

// accessProbability models how likely a key is to be accessed again. Hits,
// recency and access frequency each contribute a weighted, clamped term.
func (c *Cache) accessProbability(key string, e *entry, now time.Time) float64 {
	recency := now.Sub(e.lastAccess).Seconds()
	freq := float64(len(c.accessHistory[key]))

	score := 0.4*minF(float64(e.hits)/10, 1) +
		0.3*maxF(0, 1-recency/3600) +
		0.3*minF(freq/20, 1)
	return minF(maxF(score, 0), 1)
}

// evictLocked drops the lowest-probability keys until size is at most 90%
// of capacity. Caller holds the lock. Returns the evicted keys.
func (c *Cache) evictLocked(now time.Time) []string {
	target := int(float64(c.capacity) * evictionTarget)

	type scored struct {
		key   string
		score float64
	}
	ranked := make([]scored, 0, len(c.entries))
	for k, e := range c.entries {
		ranked = append(ranked, scored{key: k, score: c.accessProbability(k, e, now)})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score < ranked[j].score })

	var evicted []string
	for _, s := range ranked {
		if len(c.entries) <= target {
			break
		}
		delete(c.entries, s.key)
		evicted = append(evicted, s.key)
	}
	c.log.Debug("evicted entries", zap.Int("count", len(evicted)))
	return evicted
}

// prefetchRelated loads predicted keys from storage in the background.
// Failures are swallowed.
func (c *Cache) prefetchRelated(key string) {
	defer c.wg.Done()
	defer func() { _ = recover() }()

	for _, predicted := range c.PredictRelated(key) {
		if c.Contains(predicted) {
			continue
		}
		if value := c.fetch(predicted); value != nil {
			c.Set(predicted, value)
			c.mu.Lock()
			c.prefetches++
			c.mu.Unlock()
		}
	}
}

func (c *Cache) emit(kind, key string) {
	if c.onEvent != nil {
		c.onEvent(kind, key)
	}
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
