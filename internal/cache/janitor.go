package cache

import (
    "context"
    "time"

    "github.com/outcall/dispatchcore/pkg/logger"
)

// Janitor sweeps expired entries out of every registered cache
// instance on a fixed interval, so memory held by keys nobody reads
// anymore is reclaimed without waiting for LRU pressure.
type Janitor struct {
    manager  *CacheManager
    interval time.Duration
    stopCh   chan struct{}
}

func NewJanitor(manager *CacheManager, interval time.Duration) *Janitor {
    return &Janitor{manager: manager, interval: interval, stopCh: make(chan struct{})}
}

func (j *Janitor) Run(ctx context.Context) {
    ticker := time.NewTicker(j.interval)
    defer ticker.Stop()

    for {
        select {
        case <-ctx.Done():
            return
        case <-j.stopCh:
            return
        case <-ticker.C:
            j.Sweep()
        }
    }
}

func (j *Janitor) Stop() {
    close(j.stopCh)
}

// Sweep runs one pass over every instance and returns the total number
// of entries evicted.
func (j *Janitor) Sweep() int {
    total := 0
    for _, name := range j.manager.Names() {
        c, err := j.manager.Get(name)
        if err != nil {
            continue
        }
        if removed := c.RemoveExpired(); removed > 0 {
            logger.WithField("cache", name).WithField("removed", removed).Debug("expired cache entries evicted")
            total += removed
        }
    }
    return total
}
