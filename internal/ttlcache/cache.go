// ABOUTME: Thread-safe bounded cache whose entries expire after a fixed TTL
// ABOUTME: Holds pending delivery statuses and dedupes provider re-deliveries

package ttlcache

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the value, write time and list element for a cached key.
type cacheEntry[V any] struct {
	value     V
	timestamp time.Time
	element   *list.Element
}

// Cache is a TTL-based, size-limited map. When full, the oldest write is
// evicted. Uses a doubly-linked list to maintain insertion order for O(1)
// eviction.
type Cache[V any] struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry[V]
	order   *list.List // keys in write order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the specified TTL and maximum size.
// A background goroutine periodically removes expired entries.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	return newWithClock[V](ttl, maxSize, time.Now)
}

func newWithClock[V any](ttl time.Duration, maxSize int, now func() time.Time) *Cache[V] {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache[V]{
		entries: make(map[string]*cacheEntry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns the live value stored under key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || c.expired(entry) {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Put stores value under key, refreshing its TTL.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, value)
}

// Merge atomically combines value with the live entry under key. merge
// receives the current value and whether one existed, and returns what to
// store.
func (c *Cache[V]) Merge(key string, value V, merge func(current V, exists bool, incoming V) V) V {
	c.mu.Lock()
	defer c.mu.Unlock()

	var current V
	exists := false
	if entry, ok := c.entries[key]; ok && !c.expired(entry) {
		current, exists = entry.value, true
	}
	merged := merge(current, exists, value)
	c.putLocked(key, merged)
	return merged
}

// Take removes and returns the live value under key. Only one caller can
// take a given entry.
func (c *Cache[V]) Take(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.order.Remove(entry.element)
	delete(c.entries, key)
	if c.expired(entry) {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// CheckAndMark atomically checks if a key has been seen and marks it if not.
// Returns true if the key was already seen (duplicate), false if it's new and now marked.
func (c *Cache[V]) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if ok && !c.expired(entry) {
		return true
	}

	var zero V
	c.putLocked(key, zero)
	return false
}

// Len reports the number of stored entries, including ones not yet swept.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// putLocked must be called with mu held.
func (c *Cache[V]) putLocked(key string, value V) {
	now := c.now()

	if entry, exists := c.entries[key]; exists {
		entry.value = value
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &cacheEntry[V]{
		value:     value,
		timestamp: now,
		element:   elem,
	}
}

func (c *Cache[V]) expired(entry *cacheEntry[V]) bool {
	return c.now().Sub(entry.timestamp) >= c.ttl
}

// evictOldest must be called with mu held.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache[V]) cleanup() {
	interval := time.Minute
	if c.ttl < interval {
		interval = c.ttl
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache[V]) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if c.expired(entry) {
			c.order.Remove(entry.element)
			delete(c.entries, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
