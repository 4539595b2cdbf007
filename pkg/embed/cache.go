package embed

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/mnemohq/mnemo/internal/observability"
)

// CacheKey derives the cache key from normalized input text.
func CacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

type cacheEntry struct {
	key        string
	vector     []float32
	createdAt  time.Time
	ttl        time.Duration
	accessed   int64
	lastAccess time.Time
}

// Cache is a bounded, TTL-aware embedding cache with access-order LRU
// eviction. It is constructed explicitly and injected into consumers;
// instances are independent and safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List // front = most recently used
	entries  map[string]*list.Element

	hits   uint64
	misses uint64
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Hits    uint64
	Misses  uint64
	Entries int
}

// NewCache creates a cache holding at most capacity entries, each expiring
// ttl after insertion. Non-positive capacity is clamped to 1 so eviction
// always has an entry to remove.
func NewCache(capacity int, ttl time.Duration) *Cache {
	observability.EnsureRegistered()
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Get returns the cached vector for key. Expired entries are removed and
// count as misses.
func (c *Cache) Get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		observability.RecordCacheMiss()
		return nil, false
	}

	entry := el.Value.(*cacheEntry)
	if time.Since(entry.createdAt) > entry.ttl {
		c.removeLocked(el)
		c.misses++
		observability.RecordCacheMiss()
		return nil, false
	}

	entry.accessed++
	entry.lastAccess = time.Now()
	c.order.MoveToFront(el)
	c.hits++
	observability.RecordCacheHit()
	return entry.vector, true
}

// Put inserts a vector under key with the given ttl (zero means the cache
// default). Inserting beyond capacity evicts the least-recently-used entry.
func (c *Cache) Put(key string, vector []float32, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.vector = vector
		entry.createdAt = now
		entry.ttl = ttl
		entry.lastAccess = now
		c.order.MoveToFront(el)
		return
	}

	for c.order.Len() >= c.capacity {
		c.removeLocked(c.order.Back())
	}

	el := c.order.PushFront(&cacheEntry{
		key:        key,
		vector:     vector,
		createdAt:  now,
		ttl:        ttl,
		lastAccess: now,
	})
	c.entries[key] = el
	observability.SetCacheEntries(len(c.entries))
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of hit/miss counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:    c.hits,
		Misses:  c.misses,
		Entries: len(c.entries),
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	entry := el.Value.(*cacheEntry)
	delete(c.entries, entry.key)
	c.order.Remove(el)
	observability.SetCacheEntries(len(c.entries))
}
