package cache

import (
    "context"
    "path"
    "time"

    "github.com/cenkalti/backoff/v5"

    "github.com/outcall/dispatchcore/pkg/logger"
)

// Invalidator evicts keys from one or more named cache instances and,
// where a recompute function is registered for an evicted key,
// repopulates it, retrying that recompute with exponential backoff
// since it can itself fail (e.g. a config reload that hits the
// database). Plain in-memory deletes never fail and don't go through
// the retry path.
type Invalidator struct {
    manager  *CacheManager
    registry *RefreshRegistry

    maxRetries uint
    baseDelay  time.Duration
}

func NewInvalidator(manager *CacheManager, registry *RefreshRegistry) *Invalidator {
    return &Invalidator{
        manager:    manager,
        registry:   registry,
        maxRetries: 3,
        baseDelay:  100 * time.Millisecond,
    }
}

// SetRetryPolicy overrides the repopulation backoff bounds.
func (i *Invalidator) SetRetryPolicy(maxRetries uint, baseDelay time.Duration) {
    if maxRetries > 0 {
        i.maxRetries = maxRetries
    }
    if baseDelay > 0 {
        i.baseDelay = baseDelay
    }
}

// InvalidateKey evicts a single key from a named cache instance.
func (i *Invalidator) InvalidateKey(ctx context.Context, cacheName, key string) error {
    c, err := i.manager.Get(cacheName)
    if err != nil {
        return err
    }
    c.Delete(key)
    return nil
}

// InvalidatePattern evicts every key in cacheName matching a glob
// pattern (path.Match semantics), then -- if a refresher is registered
// for that key -- recomputes it synchronously, with exponential backoff
// between attempts, before returning, so a
// transient failure to repopulate doesn't leave the cache cold until
// the next natural access.
func (i *Invalidator) InvalidatePattern(ctx context.Context, cacheName, pattern string) (int, error) {
    c, err := i.manager.Get(cacheName)
    if err != nil {
        return 0, err
    }

    matched := 0
    for _, key := range c.Keys() {
        ok, err := path.Match(pattern, key)
        if err != nil {
            return matched, err
        }
        if !ok {
            continue
        }
        c.Delete(key)
        matched++

        if i.registry == nil {
            continue
        }
        if refresher, ok := i.registry.Lookup(cacheName, key); ok {
            i.refreshWithBackoff(ctx, cacheName, key, refresher)
        }
    }
    return matched, nil
}

func (i *Invalidator) refreshWithBackoff(ctx context.Context, cacheName, key string, refresh RefreshFunc) {
    op := func() (any, error) {
        return i.registry.refreshOnce(ctx, cacheName, key, refresh)
    }

    expBackoff := backoff.NewExponentialBackOff()
    expBackoff.InitialInterval = i.baseDelay
    expBackoff.Multiplier = 2.0
    expBackoff.RandomizationFactor = 0.2

    _, err := backoff.Retry(ctx, op, backoff.WithBackOff(expBackoff), backoff.WithMaxTries(i.maxRetries))
    if err != nil {
        logger.WithContext(ctx).WithField("cache", cacheName).WithField("key", key).WithError(err).
            Warn("cache repopulation failed after exhausting retries, leaving entry cold")
    }
}
