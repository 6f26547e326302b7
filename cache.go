package vitracka

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ============================================================================
// Time-Bounded Cache
// ============================================================================

// CacheOptions configures the Cache.
type CacheOptions struct {
	// SweepInterval is how often the background sweep removes expired
	// entries. Default 5 minutes.
	SweepInterval time.Duration
	// HighWaterMark triggers age-based eviction when the entry count
	// exceeds it; eviction removes oldest-by-storedAt entries until the
	// count is back at TargetCount. Defaults 1000 / 800.
	HighWaterMark int
	TargetCount   int
	// Store, when set, persists a snapshot of the cache across restarts.
	Store  Store
	Logger logrus.FieldLogger
}

func (o *CacheOptions) defaults() {
	if o.SweepInterval == 0 {
		o.SweepInterval = 5 * time.Minute
	}
	if o.HighWaterMark == 0 {
		o.HighWaterMark = 1000
	}
	if o.TargetCount == 0 {
		o.TargetCount = 800
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

type cacheEntry struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	StoredAt   int64           `json:"storedAt"` // unix milliseconds
	TTLSeconds int             `json:"ttlSeconds"`
}

func (e *cacheEntry) expiredAt(nowMs int64) bool {
	return nowMs > e.StoredAt+int64(e.TTLSeconds)*1000
}

const cacheSnapshotKey = "cache_snapshot"

// Cache is an in-process key/value store with per-entry expiry. Expired
// entries are evicted lazily on lookup and periodically by a background
// sweep. Values are re-derivable from the origin, so writers simply
// overwrite; last write wins.
type Cache struct {
	mu        sync.RWMutex
	entries   map[string]*cacheEntry
	store     Store
	highWater int
	target    int
	interval  time.Duration
	log       logrus.FieldLogger
	now       func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCache creates a cache, restores the persisted snapshot when a store is
// configured, and starts the background sweep.
func NewCache(opts *CacheOptions) *Cache {
	var o CacheOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()

	c := &Cache{
		entries:   make(map[string]*cacheEntry),
		store:     o.Store,
		highWater: o.HighWaterMark,
		target:    o.TargetCount,
		interval:  o.SweepInterval,
		log:       o.Logger,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
	c.restore()
	go c.sweepLoop()
	return c
}

// Set stores or overwrites a value, resetting its expiry from now.
func (c *Cache) Set(key string, value any, ttlSeconds int) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	c.mu.Lock()
	c.entries[key] = &cacheEntry{
		Key:        key,
		Value:      data,
		StoredAt:   c.now().UnixMilli(),
		TTLSeconds: ttlSeconds,
	}
	c.mu.Unlock()
	return nil
}

// Get returns the cached value, or nil/false if absent or expired. An
// expired entry found here is deleted on the spot.
func (c *Cache) Get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if e.expiredAt(c.now().UnixMilli()) {
		delete(c.entries, key)
		return nil, false
	}
	return e.Value, true
}

// GetOrFetch returns the cached value when fresh; otherwise it invokes
// fetch, caches the result, and returns it. If fetch fails and any cached
// value exists, even an expired one, the stale value is served as degraded
// last-resort service with stale=true so callers can tell it apart from a
// live read; the error propagates only when the cache has nothing at all.
func (c *Cache) GetOrFetch(ctx context.Context, key string, ttlSeconds int, fetch func(context.Context) (json.RawMessage, error)) (value json.RawMessage, stale bool, err error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	var expired json.RawMessage
	if ok {
		if !e.expiredAt(c.now().UnixMilli()) {
			v := e.Value
			c.mu.RUnlock()
			return v, false, nil
		}
		expired = e.Value
	}
	c.mu.RUnlock()

	value, err = fetch(ctx)
	if err != nil {
		if expired != nil {
			c.log.WithField("key", key).Warn("origin fetch failed, serving stale cache value")
			return expired, true, nil
		}
		return nil, false, err
	}

	if serr := c.Set(key, value, ttlSeconds); serr != nil {
		return nil, false, serr
	}
	return value, false, nil
}

// Delete removes a key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the current entry count, expired entries included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes all expired entries and, when the entry count exceeds the
// high-water mark, evicts the oldest entries by storedAt until the target
// count is reached. Access recency is not tracked, so this is age-based
// eviction rather than LRU.
func (c *Cache) Sweep() {
	nowMs := c.now().UnixMilli()

	c.mu.Lock()
	for k, e := range c.entries {
		if e.expiredAt(nowMs) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) > c.highWater {
		byAge := make([]*cacheEntry, 0, len(c.entries))
		for _, e := range c.entries {
			byAge = append(byAge, e)
		}
		sort.Slice(byAge, func(i, j int) bool { return byAge[i].StoredAt < byAge[j].StoredAt })
		for _, e := range byAge[:len(byAge)-c.target] {
			delete(c.entries, e.Key)
		}
	}
	c.mu.Unlock()

	c.snapshot()
}

// Close stops the background sweep and persists a final snapshot.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.snapshot()
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

func (c *Cache) restore() {
	if c.store == nil {
		return
	}
	data, ok, err := c.store.Get(cacheSnapshotKey)
	if err != nil {
		c.log.WithError(err).Warn("failed to restore cache snapshot")
		return
	}
	if !ok {
		return
	}
	var entries []*cacheEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		c.log.WithError(err).Warn("discarding corrupt cache snapshot")
		return
	}
	c.mu.Lock()
	for _, e := range entries {
		c.entries[e.Key] = e
	}
	c.mu.Unlock()
}

func (c *Cache) snapshot() {
	if c.store == nil {
		return
	}
	c.mu.RLock()
	entries := make([]*cacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	data, err := json.Marshal(entries)
	if err != nil {
		c.log.WithError(err).Warn("failed to encode cache snapshot")
		return
	}
	if err := c.store.Set(cacheSnapshotKey, data); err != nil {
		c.log.WithError(err).Warn("failed to persist cache snapshot")
	}
}
