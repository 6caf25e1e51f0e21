package cache

import (
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
)

func TestMemoryCacheSetGet(t *testing.T) {
    c := NewMemoryCache(10, 1024, time.Minute)

    c.Set("k1", "v1", 0, 4)

    v, ok := c.Get("k1")
    assert.True(t, ok)
    assert.Equal(t, "v1", v)
}

func TestMemoryCacheMiss(t *testing.T) {
    c := NewMemoryCache(10, 1024, time.Minute)

    _, ok := c.Get("missing")
    assert.False(t, ok)
}

func TestMemoryCacheExpiry(t *testing.T) {
    c := NewMemoryCache(10, 1024, 0)

    c.Set("k1", "v1", time.Millisecond, 4)
    time.Sleep(5 * time.Millisecond)

    _, ok := c.Get("k1")
    assert.False(t, ok)
}

func TestMemoryCacheLRUEviction(t *testing.T) {
    c := NewMemoryCache(2, 1024, time.Minute)

    c.Set("a", "1", 0, 1)
    c.Set("b", "2", 0, 1)
    c.Get("a") // touch a so b is the least recently used
    c.Set("c", "3", 0, 1)

    _, ok := c.Get("b")
    assert.False(t, ok, "b should have been evicted as least recently used")

    _, ok = c.Get("a")
    assert.True(t, ok)
    _, ok = c.Get("c")
    assert.True(t, ok)
}

func TestMemoryCacheMemoryEviction(t *testing.T) {
    c := NewMemoryCache(100, 10, time.Minute)

    assert.True(t, c.Set("a", "1", 0, 6))
    assert.True(t, c.Set("b", "2", 0, 6)) // pushes total over the 10-byte budget, evicting a

    _, ok := c.Get("a")
    assert.False(t, ok)
    _, ok = c.Get("b")
    assert.True(t, ok)
}

func TestMemoryCacheRejectsEntryThatCannotFit(t *testing.T) {
    c := NewMemoryCache(100, 32, time.Minute)

    ok := c.Set("big", "x", 0, 64)
    assert.False(t, ok, "an entry larger than the whole budget can never fit")

    _, present := c.Get("big")
    assert.False(t, present)
    entries, memBytes, _, _, _ := c.Stats()
    assert.Equal(t, 0, entries)
    assert.Equal(t, int64(0), memBytes, "a rejected entry must not leak accounted bytes")
}

func TestMemoryCacheRejectsOversizedUpdateOfExistingKey(t *testing.T) {
    c := NewMemoryCache(100, 32, time.Minute)

    assert.True(t, c.Set("k", "small", 0, 8))
    assert.False(t, c.Set("k", "huge", 0, 64), "an update that cannot fit is rejected")

    _, present := c.Get("k")
    assert.False(t, present, "the rejected update replaces the old value, so nothing remains cached")
    _, memBytes, _, _, _ := c.Stats()
    assert.Equal(t, int64(0), memBytes)
}

func TestMemoryCacheDelete(t *testing.T) {
    c := NewMemoryCache(10, 1024, time.Minute)
    c.Set("k1", "v1", 0, 4)

    c.Delete("k1")

    _, ok := c.Get("k1")
    assert.False(t, ok)
}

func TestMemoryCacheTTLRemaining(t *testing.T) {
    c := NewMemoryCache(10, 1024, time.Minute)
    c.Set("k1", "v1", time.Minute, 4)

    remaining, ok := c.TTLRemaining("k1")
    assert.True(t, ok)
    assert.LessOrEqual(t, remaining, time.Minute)
    assert.Greater(t, remaining, time.Duration(0))

    // A zero TTL falls back to the instance default, so an entry is only
    // stored without a TTL when the instance has no default either.
    noDefault := NewMemoryCache(10, 1024, 0)
    noDefault.Set("no-ttl", "v", 0, 1)
    _, ok = noDefault.TTLRemaining("no-ttl")
    assert.False(t, ok)

    _, ok = c.TTLRemaining("absent")
    assert.False(t, ok)
}

func TestMemoryCacheStats(t *testing.T) {
    c := NewMemoryCache(10, 1024, time.Minute)
    c.Set("k1", "v1", 0, 4)

    c.Get("k1")      // hit
    c.Get("missing") // miss

    entries, memBytes, hits, misses, _ := c.Stats()
    assert.Equal(t, 1, entries)
    assert.Equal(t, int64(4), memBytes)
    assert.Equal(t, uint64(1), hits)
    assert.Equal(t, uint64(1), misses)
}

func TestMemoryCacheClear(t *testing.T) {
    c := NewMemoryCache(10, 1024, time.Minute)
    c.Set("k1", "v1", 0, 4)
    c.Set("k2", "v2", 0, 4)

    c.Clear()

    assert.Empty(t, c.Keys())
}
