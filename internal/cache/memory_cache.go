// Package cache implements the Cache Engine: an in-process LRU+TTL
// store, a manager over several named instances, invalidation with
// exponential backoff, and a background refresher.
package cache

import (
    "container/list"
    "sync"
    "time"
)

type entry struct {
    key          string
    value        interface{}
    createdAt    time.Time
    expiresAt    time.Time
    ttl          time.Duration
    sizeBytes    int64
    accessCount  uint64
    lastAccessed time.Time
}

// MemoryCache is a single LRU+TTL cache instance: a mutex-guarded map
// indexing a container/list for O(1) get/set/evict, with lazy expiry
// on read and byte-budgeted eviction from the LRU tail.
type MemoryCache struct {
    mu          sync.Mutex
    ll          *list.List
    items       map[string]*list.Element
    maxEntries  int
    maxMemory   int64
    memoryBytes int64
    defaultTTL  time.Duration

    hits      uint64
    misses    uint64
    evictions uint64
}

func NewMemoryCache(maxEntries int, maxMemoryBytes int64, defaultTTL time.Duration) *MemoryCache {
    return &MemoryCache{
        ll:         list.New(),
        items:      make(map[string]*list.Element),
        maxEntries: maxEntries,
        maxMemory:  maxMemoryBytes,
        defaultTTL: defaultTTL,
    }
}

// Get returns the cached value and true if present and unexpired. A
// hit moves the entry to the front of the LRU list.
func (c *MemoryCache) Get(key string) (interface{}, bool) {
    c.mu.Lock()
    defer c.mu.Unlock()

    el, ok := c.items[key]
    if !ok {
        c.misses++
        return nil, false
    }

    e := el.Value.(*entry)
    if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
        c.removeElement(el)
        c.misses++
        return nil, false
    }

    c.ll.MoveToFront(el)
    c.hits++
    e.accessCount++
    e.lastAccessed = time.Now()
    return e.value, true
}

// Set stores a value with an explicit TTL; a zero TTL uses the
// instance's default TTL. It evicts from the LRU tail to make room and
// returns false when the entry cannot fit within the memory budget
// even after eviction, in which case the value is not retained.
func (c *MemoryCache) Set(key string, value interface{}, ttl time.Duration, sizeBytes int64) bool {
    c.mu.Lock()
    defer c.mu.Unlock()

    if ttl <= 0 {
        ttl = c.defaultTTL
    }
    var expiresAt time.Time
    if ttl > 0 {
        expiresAt = time.Now().Add(ttl)
    }

    now := time.Now()
    el, ok := c.items[key]
    if ok {
        old := el.Value.(*entry)
        c.memoryBytes -= old.sizeBytes
        old.value = value
        old.createdAt = now
        old.expiresAt = expiresAt
        old.ttl = ttl
        old.sizeBytes = sizeBytes
        c.memoryBytes += sizeBytes
        c.ll.MoveToFront(el)
    } else {
        e := &entry{key: key, value: value, createdAt: now, expiresAt: expiresAt, ttl: ttl, sizeBytes: sizeBytes}
        el = c.ll.PushFront(e)
        c.items[key] = el
        c.memoryBytes += sizeBytes
    }

    // Evict from the tail until within budget. If the tail reaches the
    // entry just written, the value cannot fit at all: drop it and
    // report failure rather than silently caching nothing.
    for (c.maxEntries > 0 && c.ll.Len() > c.maxEntries) || (c.maxMemory > 0 && c.memoryBytes > c.maxMemory) {
        back := c.ll.Back()
        if back == nil {
            return false
        }
        if back == el {
            c.removeElement(el)
            return false
        }
        c.removeElement(back)
        c.evictions++
    }
    return true
}

func (c *MemoryCache) removeElement(el *list.Element) {
    e := el.Value.(*entry)
    c.ll.Remove(el)
    delete(c.items, e.key)
    c.memoryBytes -= e.sizeBytes
}

// Delete removes a single key.
func (c *MemoryCache) Delete(key string) {
    c.mu.Lock()
    defer c.mu.Unlock()
    if el, ok := c.items[key]; ok {
        c.removeElement(el)
    }
}

// Keys returns a snapshot of all non-expired keys, used by
// pattern-based invalidation.
func (c *MemoryCache) Keys() []string {
    c.mu.Lock()
    defer c.mu.Unlock()

    now := time.Now()
    keys := make([]string, 0, len(c.items))
    for k, el := range c.items {
        e := el.Value.(*entry)
        if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
            continue
        }
        keys = append(keys, k)
    }
    return keys
}

// Stats reports the instance's current occupancy and hit ratio.
func (c *MemoryCache) Stats() (entries int, memoryBytes int64, hits, misses, evictions uint64) {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.ll.Len(), c.memoryBytes, c.hits, c.misses, c.evictions
}

// TTLRemaining reports how long until key expires. ok is false if the
// key is absent, already expired, or was stored without a TTL.
func (c *MemoryCache) TTLRemaining(key string) (time.Duration, bool) {
    c.mu.Lock()
    defer c.mu.Unlock()

    el, ok := c.items[key]
    if !ok {
        return 0, false
    }
    e := el.Value.(*entry)
    if e.expiresAt.IsZero() {
        return 0, false
    }
    remaining := time.Until(e.expiresAt)
    if remaining <= 0 {
        return 0, false
    }
    return remaining, true
}

// EntryMeta is a snapshot of one entry's refresh-relevant state, used
// by the background refresher to rank candidates.
type EntryMeta struct {
    Key          string
    Age          time.Duration
    TTL          time.Duration
    AccessCount  uint64
    LastAccessed time.Time
}

// Meta reports refresh-relevant metadata for a key without counting as
// an access or promoting the entry in LRU order. ok is false for
// absent or already-expired keys.
func (c *MemoryCache) Meta(key string) (EntryMeta, bool) {
    c.mu.Lock()
    defer c.mu.Unlock()

    el, ok := c.items[key]
    if !ok {
        return EntryMeta{}, false
    }
    e := el.Value.(*entry)
    now := time.Now()
    if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
        return EntryMeta{}, false
    }
    return EntryMeta{
        Key:          e.key,
        Age:          now.Sub(e.createdAt),
        TTL:          e.ttl,
        AccessCount:  e.accessCount,
        LastAccessed: e.lastAccessed,
    }, true
}

// RemoveExpired evicts every entry past its TTL and reports how many
// went. Reads already treat expired entries as misses; this sweep just
// reclaims their memory ahead of LRU pressure.
func (c *MemoryCache) RemoveExpired() int {
    c.mu.Lock()
    defer c.mu.Unlock()

    now := time.Now()
    removed := 0
    for el := c.ll.Back(); el != nil; {
        prev := el.Prev()
        e := el.Value.(*entry)
        if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
            c.removeElement(el)
            removed++
        }
        el = prev
    }
    return removed
}

// Clear empties the cache.
func (c *MemoryCache) Clear() {
    c.mu.Lock()
    defer c.mu.Unlock()
    c.ll.Init()
    c.items = make(map[string]*list.Element)
    c.memoryBytes = 0
}
