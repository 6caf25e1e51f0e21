package cache

import (
    "context"
    "fmt"
    "sync"
    "sync/atomic"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
)

func TestRefreshRegistryLookupMatchesPattern(t *testing.T) {
    mgr := NewCacheManager()
    mgr.Register("default", 10, 1024, time.Minute)
    reg := NewRefreshRegistry(mgr)

    err := reg.Register("default", `^campaign:\d+:summary$`, func(ctx context.Context, key string) (interface{}, time.Duration, int64, error) {
        return "refreshed", time.Minute, 8, nil
    })
    assert.NoError(t, err)

    fn, ok := reg.Lookup("default", "campaign:42:summary")
    assert.True(t, ok)
    assert.NotNil(t, fn)

    _, ok = reg.Lookup("default", "user:42:summary")
    assert.False(t, ok)
}

func TestRefresherScoresCriticalAndHotKeysHigher(t *testing.T) {
    mgr := NewCacheManager()
    reg := NewRefreshRegistry(mgr)
    b := NewBackgroundRefresher(reg, mgr, RefresherConfig{
        Interval:         time.Minute,
        CriticalPatterns: []string{`^dashboard:`},
    })

    cold := b.scoreCandidate(EntryMeta{Key: "agent:1:summary"})
    hot := b.scoreCandidate(EntryMeta{Key: "agent:2:summary", AccessCount: 50, LastAccessed: time.Now()})
    critical := b.scoreCandidate(EntryMeta{Key: "dashboard:main"})

    assert.Equal(t, 1, cold)
    assert.Equal(t, 9, hot, "frequent and recent access should add 5+3")
    assert.Equal(t, 11, critical, "critical key families should outrank access history")
    assert.Greater(t, critical, hot)
}

func TestSweepRefreshesOnlyEntriesPastThreshold(t *testing.T) {
    mgr := NewCacheManager()
    c := mgr.Register("default", 10, 1024, time.Minute)
    reg := NewRefreshRegistry(mgr)

    var refreshed []string
    var mu sync.Mutex
    _ = reg.Register("default", `^key:`, func(ctx context.Context, key string) (interface{}, time.Duration, int64, error) {
        mu.Lock()
        refreshed = append(refreshed, key)
        mu.Unlock()
        return "fresh", time.Minute, 1, nil
    })

    // key:old is ~85% through a short TTL by sweep time; key:new is not.
    c.Set("key:old", "v", 200*time.Millisecond, 1)
    c.Set("key:new", "v", time.Minute, 1)
    time.Sleep(170 * time.Millisecond)

    b := NewBackgroundRefresher(reg, mgr, RefresherConfig{Interval: time.Minute, Threshold: 0.8})
    b.sweep(context.Background())

    mu.Lock()
    defer mu.Unlock()
    assert.Equal(t, []string{"key:old"}, refreshed)
}

func TestSweepCapsConcurrentRefreshes(t *testing.T) {
    mgr := NewCacheManager()
    c := mgr.Register("default", 100, 4096, time.Minute)
    reg := NewRefreshRegistry(mgr)

    var inFlight, peak int32
    _ = reg.Register("default", `^key:`, func(ctx context.Context, key string) (interface{}, time.Duration, int64, error) {
        n := atomic.AddInt32(&inFlight, 1)
        for {
            p := atomic.LoadInt32(&peak)
            if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
                break
            }
        }
        time.Sleep(10 * time.Millisecond)
        atomic.AddInt32(&inFlight, -1)
        return "fresh", time.Minute, 1, nil
    })

    for i := 0; i < 8; i++ {
        c.Set(fmt.Sprintf("key:%d", i), "v", 200*time.Millisecond, 1)
    }
    time.Sleep(170 * time.Millisecond)

    b := NewBackgroundRefresher(reg, mgr, RefresherConfig{Interval: time.Minute, Threshold: 0.8, MaxConcurrent: 2, BatchSize: 8})
    b.sweep(context.Background())

    assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2), "no more than MaxConcurrent refreshes may run at once")
}

func TestRefreshOnceCollapsesConcurrentCallers(t *testing.T) {
    mgr := NewCacheManager()
    mgr.Register("default", 10, 1024, time.Minute)
    reg := NewRefreshRegistry(mgr)

    var calls int32
    fn := func(ctx context.Context, key string) (interface{}, time.Duration, int64, error) {
        atomic.AddInt32(&calls, 1)
        time.Sleep(20 * time.Millisecond)
        return "v", time.Minute, 1, nil
    }

    done := make(chan struct{})
    for i := 0; i < 10; i++ {
        go func() {
            _, _ = reg.refreshOnce(context.Background(), "default", "k", fn)
            done <- struct{}{}
        }()
    }
    for i := 0; i < 10; i++ {
        <-done
    }

    assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "singleflight should collapse concurrent recomputes of the same key")
}
