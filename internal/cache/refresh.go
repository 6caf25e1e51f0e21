package cache

import (
    "context"
    "regexp"
    "sort"
    "sync"
    "time"

    "golang.org/x/sync/errgroup"
    "golang.org/x/sync/singleflight"

    "github.com/outcall/dispatchcore/pkg/logger"
)

// RefreshFunc recomputes the value for a cache key, e.g. reloading a
// campaign's config row or a user's active number list from the
// database.
type RefreshFunc func(ctx context.Context, key string) (value interface{}, ttl time.Duration, sizeBytes int64, err error)

type registration struct {
    pattern *regexp.Regexp
    refresh RefreshFunc
}

// RefreshRegistry maps cache keys back to the function that knows how
// to recompute them, keyed by a compiled regular expression over the
// key space (e.g. "^campaign:\\d+:config$"). A singleflight.Group
// collapses concurrent recomputations of the same key, so a stampede
// of callers waiting on the same stale key triggers one recompute,
// not N.
type RefreshRegistry struct {
    mu    sync.RWMutex
    regs  map[string][]registration // cacheName -> patterns
    group singleflight.Group
    mgr   *CacheManager
}

func NewRefreshRegistry(mgr *CacheManager) *RefreshRegistry {
    return &RefreshRegistry{
        regs: make(map[string][]registration),
        mgr:  mgr,
    }
}

// Register associates a key pattern within a named cache instance with
// the function that recomputes it.
func (r *RefreshRegistry) Register(cacheName, keyPattern string, fn RefreshFunc) error {
    re, err := regexp.Compile(keyPattern)
    if err != nil {
        return err
    }
    r.mu.Lock()
    defer r.mu.Unlock()
    r.regs[cacheName] = append(r.regs[cacheName], registration{pattern: re, refresh: fn})
    return nil
}

// Lookup returns the first registered refresher whose pattern matches
// key within cacheName.
func (r *RefreshRegistry) Lookup(cacheName, key string) (RefreshFunc, bool) {
    r.mu.RLock()
    defer r.mu.RUnlock()
    for _, reg := range r.regs[cacheName] {
        if reg.pattern.MatchString(key) {
            return reg.refresh, true
        }
    }
    return nil, false
}

// refreshOnce recomputes and repopulates key via fn, deduplicating
// concurrent calls for the same cacheName/key.
func (r *RefreshRegistry) refreshOnce(ctx context.Context, cacheName, key string, fn RefreshFunc) (any, error) {
    flightKey := cacheName + "\x00" + key
    v, err, _ := r.group.Do(flightKey, func() (interface{}, error) {
        value, ttl, size, err := fn(ctx, key)
        if err != nil {
            return nil, err
        }
        c, err := r.mgr.Get(cacheName)
        if err != nil {
            return nil, err
        }
        if !c.Set(key, value, ttl, size) {
            logger.WithField("cache", cacheName).WithField("key", key).
                Warn("refreshed value exceeds cache budget, not retained")
        }
        return value, nil
    })
    return v, err
}

// RefresherConfig tunes the background refresher's candidate selection
// and throughput.
type RefresherConfig struct {
    Interval time.Duration
    // Threshold is the age/TTL ratio past which an entry becomes a
    // refresh candidate.
    Threshold float64
    BatchSize int
    // MaxConcurrent caps in-flight recomputes within one sweep.
    MaxConcurrent int
    // CriticalPatterns mark key families whose candidates jump the
    // ranking regardless of access history.
    CriticalPatterns []string
}

// BackgroundRefresher periodically walks every registered cache
// instance and proactively recomputes keys whose TTL is about to
// expire, so a hot key never goes cold on the caller's critical path.
// Candidates are ranked (critical key families first, then recently
// and frequently read keys) and refreshed in bounded-concurrency
// batches; the registry's singleflight group keeps any key from being
// recomputed twice at once.
type BackgroundRefresher struct {
    registry *RefreshRegistry
    manager  *CacheManager
    cfg      RefresherConfig
    critical []*regexp.Regexp
    stopCh   chan struct{}
}

func NewBackgroundRefresher(registry *RefreshRegistry, manager *CacheManager, cfg RefresherConfig) *BackgroundRefresher {
    if cfg.Threshold <= 0 || cfg.Threshold > 1 {
        cfg.Threshold = 0.8
    }
    if cfg.BatchSize <= 0 {
        cfg.BatchSize = 20
    }
    if cfg.MaxConcurrent <= 0 {
        cfg.MaxConcurrent = 4
    }
    var critical []*regexp.Regexp
    for _, p := range cfg.CriticalPatterns {
        re, err := regexp.Compile(p)
        if err != nil {
            logger.WithField("pattern", p).WithError(err).Warn("invalid critical cache key pattern, ignoring")
            continue
        }
        critical = append(critical, re)
    }
    return &BackgroundRefresher{
        registry: registry,
        manager:  manager,
        cfg:      cfg,
        critical: critical,
        stopCh:   make(chan struct{}),
    }
}

func (b *BackgroundRefresher) Run(ctx context.Context) {
    ticker := time.NewTicker(b.cfg.Interval)
    defer ticker.Stop()

    for {
        select {
        case <-ctx.Done():
            return
        case <-b.stopCh:
            return
        case <-ticker.C:
            b.sweep(ctx)
        }
    }
}

func (b *BackgroundRefresher) Stop() {
    close(b.stopCh)
}

type refreshCandidate struct {
    cacheName string
    key       string
    refresh   RefreshFunc
    score     int
}

func (b *BackgroundRefresher) sweep(ctx context.Context) {
    candidates := b.collectCandidates()
    if len(candidates) == 0 {
        return
    }
    sort.SliceStable(candidates, func(i, j int) bool {
        return candidates[i].score > candidates[j].score
    })

    for start := 0; start < len(candidates); start += b.cfg.BatchSize {
        end := start + b.cfg.BatchSize
        if end > len(candidates) {
            end = len(candidates)
        }

        g, gctx := errgroup.WithContext(ctx)
        g.SetLimit(b.cfg.MaxConcurrent)
        for _, cand := range candidates[start:end] {
            cand := cand
            g.Go(func() error {
                if _, err := b.registry.refreshOnce(gctx, cand.cacheName, cand.key, cand.refresh); err != nil {
                    // The stale-but-valid entry stays; never evict on a
                    // failed recompute.
                    logger.WithContext(gctx).WithField("cache", cand.cacheName).WithField("key", cand.key).WithError(err).
                        Warn("background cache refresh failed, entry will expire naturally")
                }
                return nil
            })
        }
        _ = g.Wait()

        if ctx.Err() != nil {
            return
        }
    }
}

func (b *BackgroundRefresher) collectCandidates() []refreshCandidate {
    var out []refreshCandidate
    for _, cacheName := range b.manager.Names() {
        c, err := b.manager.Get(cacheName)
        if err != nil {
            continue
        }
        for _, key := range c.Keys() {
            meta, ok := c.Meta(key)
            if !ok || meta.TTL <= 0 {
                continue
            }
            if float64(meta.Age) < b.cfg.Threshold*float64(meta.TTL) {
                continue
            }
            refresh, ok := b.registry.Lookup(cacheName, key)
            if !ok {
                continue
            }
            out = append(out, refreshCandidate{
                cacheName: cacheName,
                key:       key,
                refresh:   refresh,
                score:     b.scoreCandidate(meta),
            })
        }
    }
    return out
}

func (b *BackgroundRefresher) scoreCandidate(meta EntryMeta) int {
    score := 1
    for _, re := range b.critical {
        if re.MatchString(meta.Key) {
            score += 10
            break
        }
    }
    if meta.AccessCount > 10 {
        score += 5
    }
    if !meta.LastAccessed.IsZero() && time.Since(meta.LastAccessed) < 10*time.Minute {
        score += 3
    }
    return score
}
