package cache

import (
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
)

func TestJanitorSweepRemovesExpiredEntries(t *testing.T) {
    mgr := NewCacheManager()
    c := mgr.Register("default", 10, 1024, time.Minute)

    c.Set("gone", "v", time.Millisecond, 4)
    c.Set("kept", "v", time.Minute, 4)
    time.Sleep(5 * time.Millisecond)

    j := NewJanitor(mgr, time.Minute)
    removed := j.Sweep()

    assert.Equal(t, 1, removed)
    entries, memBytes, _, _, _ := c.Stats()
    assert.Equal(t, 1, entries)
    assert.Equal(t, int64(4), memBytes, "expired entry's bytes should be reclaimed")
}

func TestMetaReportsAccessHistoryWithoutPromoting(t *testing.T) {
    c := NewMemoryCache(2, 1024, time.Minute)
    c.Set("a", "1", time.Minute, 1)
    c.Set("b", "2", time.Minute, 1)
    c.Get("a")
    c.Get("a")

    meta, ok := c.Meta("a")
    assert.True(t, ok)
    assert.Equal(t, uint64(2), meta.AccessCount)
    assert.Equal(t, time.Minute, meta.TTL)

    // Meta must not count as an access or touch LRU order: reading b's
    // meta then inserting must still evict b (a was the last real read).
    _, _ = c.Meta("b")
    c.Get("a")
    c.Set("c", "3", time.Minute, 1)

    _, ok = c.Get("b")
    assert.False(t, ok, "b should be evicted; Meta must not have promoted it")
}

func TestMetaAbsentForExpiredKey(t *testing.T) {
    c := NewMemoryCache(2, 1024, time.Minute)
    c.Set("a", "1", time.Millisecond, 1)
    time.Sleep(5 * time.Millisecond)

    _, ok := c.Meta("a")
    assert.False(t, ok)
}
