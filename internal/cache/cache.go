// Package cache provides a bounded in-memory cache with size and TTL eviction.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/jmylchreest/vtcast/internal/clock"
)

// Config configures a Cache.
type Config struct {
	// MaxEntries bounds the number of entries; the least recently used entry
	// is evicted first. Zero means unbounded.
	MaxEntries int
	// TTL is the lifetime of an entry from the moment it is stored.
	// Zero means entries never expire.
	TTL time.Duration
	// Clock supplies the current time. Defaults to clock.Real.
	Clock clock.Clock
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries   int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Expired   uint64
}

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// Cache is a concurrency-safe LRU cache whose entries also expire after a TTL.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	cfg     Config
	clock   clock.Clock
	order   *list.List
	entries map[K]*list.Element
	stats   Stats
}

// New creates a Cache.
func New[K comparable, V any](cfg Config) *Cache[K, V] {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Cache[K, V]{
		cfg:     cfg,
		clock:   clk,
		order:   list.New(),
		entries: make(map[K]*list.Element),
	}
}

// Get returns the value stored for key if present and not expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if c.expired(e) {
		c.removeElement(el)
		c.stats.Expired++
		c.stats.Misses++
		return zero, false
	}
	c.order.MoveToFront(el)
	c.stats.Hits++
	return e.value, true
}

// Set stores value for key, replacing any existing entry and resetting its TTL.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if c.cfg.TTL > 0 {
		expiresAt = c.clock.Now().Add(c.cfg.TTL)
	}

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry[K, V])
		e.value = value
		e.expiresAt = expiresAt
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&entry[K, V]{key: key, value: value, expiresAt: expiresAt})
	c.entries[key] = el

	if c.cfg.MaxEntries > 0 {
		for c.order.Len() > c.cfg.MaxEntries {
			c.removeElement(c.order.Back())
			c.stats.Evictions++
		}
	}
}

// GetOrLoad returns the cached value for key or stores the result of load.
// Errors from load are returned without caching.
func (c *Cache[K, V]) GetOrLoad(key K, load func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	c.Set(key, v)
	return v, nil
}

// Delete removes key.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeElement(el)
	}
}

// Purge removes every entry.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[K]*list.Element)
}

// PruneExpired removes all expired entries and returns how many were removed.
func (c *Cache[K, V]) PruneExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if c.expired(el.Value.(*entry[K, V])) {
			c.removeElement(el)
			removed++
		}
		el = prev
	}
	c.stats.Expired += uint64(removed)
	return removed
}

// Len returns the number of stored entries, including expired ones not yet pruned.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.order.Len()
	return s
}

func (c *Cache[K, V]) expired(e *entry[K, V]) bool {
	return !e.expiresAt.IsZero() && !c.clock.Now().Before(e.expiresAt)
}

func (c *Cache[K, V]) removeElement(el *list.Element) {
	e := c.order.Remove(el).(*entry[K, V])
	delete(c.entries, e.key)
}
