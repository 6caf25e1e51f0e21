package dispatcher

import (
    "context"
    "time"

    "github.com/outcall/dispatchcore/internal/acr"
    "github.com/outcall/dispatchcore/pkg/logger"
)

// OrphanReaper periodically releases active-call slots that were
// reserved but never attached to a provider execution id.
type OrphanReaper struct {
    registry *acr.Registry
    interval time.Duration
    threshold time.Duration
    stopCh   chan struct{}
}

func NewOrphanReaper(registry *acr.Registry, interval, threshold time.Duration) *OrphanReaper {
    return &OrphanReaper{registry: registry, interval: interval, threshold: threshold, stopCh: make(chan struct{})}
}

func (o *OrphanReaper) Run(ctx context.Context) {
    ticker := time.NewTicker(o.interval)
    defer ticker.Stop()

    for {
        select {
        case <-ctx.Done():
            return
        case <-o.stopCh:
            return
        case <-ticker.C:
            released, err := o.registry.CleanupOrphans(ctx, o.threshold)
            if err != nil {
                logger.WithContext(ctx).WithError(err).Error("orphan cleanup sweep failed")
                continue
            }
            if released > 0 {
                logger.WithContext(ctx).WithField("released", released).Info("orphan cleanup sweep released stale reservations")
            }
        }
    }
}

func (o *OrphanReaper) Stop() {
    close(o.stopCh)
}
