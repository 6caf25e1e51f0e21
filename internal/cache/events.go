package cache

import (
    "context"
    "fmt"

    "github.com/outcall/dispatchcore/pkg/logger"
)

// DomainEvent names a mutation elsewhere in the system that makes some
// family of cached views stale.
type DomainEvent string

const (
    EventCallCompleted     DomainEvent = "call_completed"
    EventLeadDataChanged   DomainEvent = "lead_data_changed"
    EventAgentReconfigured DomainEvent = "agent_reconfigured"
    EventCreditsChanged    DomainEvent = "credits_changed"
)

type eventTarget struct {
    cacheName string
    pattern   string // glob over keys; %d is the owning user id
}

// eventTargets is the predefined event-to-pattern-set mapping. Keys
// follow the "<family>:<user_id>:<detail>" convention the refresh
// registry patterns use.
var eventTargets = map[DomainEvent][]eventTarget{
    EventCallCompleted: {
        {cacheName: "dashboard", pattern: "dashboard:%d:*"},
        {cacheName: "performance", pattern: "performance:%d:*"},
    },
    EventLeadDataChanged: {
        {cacheName: "dashboard", pattern: "dashboard:%d:*"},
    },
    EventAgentReconfigured: {
        {cacheName: "agent", pattern: "agent:%d:*"},
        {cacheName: "dashboard", pattern: "dashboard:%d:*"},
    },
    EventCreditsChanged: {
        {cacheName: "dashboard", pattern: "dashboard:%d:*"},
    },
}

// OnEvent invalidates every key family the event makes stale for the
// given user. Unknown events and unregistered cache instances are
// skipped, not errors: an event with nothing cached yet is normal.
func (i *Invalidator) OnEvent(ctx context.Context, event DomainEvent, userID int64) {
    targets, ok := eventTargets[event]
    if !ok {
        logger.WithContext(ctx).WithField("event", string(event)).Warn("no invalidation mapping for domain event")
        return
    }
    for _, t := range targets {
        pattern := fmt.Sprintf(t.pattern, userID)
        n, err := i.InvalidatePattern(ctx, t.cacheName, pattern)
        if err != nil {
            logger.WithContext(ctx).WithField("cache", t.cacheName).WithField("pattern", pattern).WithError(err).
                Warn("event-driven cache invalidation failed")
            continue
        }
        if n > 0 {
            logger.WithContext(ctx).WithField("event", string(event)).WithField("cache", t.cacheName).WithField("invalidated", n).
                Debug("cache entries invalidated by domain event")
        }
    }
}
