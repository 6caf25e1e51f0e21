package cache

import (
    "context"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
)

func TestOnEventInvalidatesMappedFamiliesForUserOnly(t *testing.T) {
    mgr := NewCacheManager()
    dash := mgr.Register("dashboard", 10, 1024, time.Minute)
    perf := mgr.Register("performance", 10, 1024, time.Minute)
    agent := mgr.Register("agent", 10, 1024, time.Minute)

    dash.Set("dashboard:5:summary", "v", 0, 1)
    dash.Set("dashboard:6:summary", "v", 0, 1)
    perf.Set("performance:5:weekly", "v", 0, 1)
    agent.Set("agent:5:config", "v", 0, 1)

    inv := NewInvalidator(mgr, NewRefreshRegistry(mgr))
    inv.OnEvent(context.Background(), EventCallCompleted, 5)

    _, ok := dash.Get("dashboard:5:summary")
    assert.False(t, ok, "user 5 dashboard entries should be invalidated")
    _, ok = perf.Get("performance:5:weekly")
    assert.False(t, ok, "user 5 performance entries should be invalidated")
    _, ok = dash.Get("dashboard:6:summary")
    assert.True(t, ok, "other users' entries must survive")
    _, ok = agent.Get("agent:5:config")
    assert.True(t, ok, "call completion does not touch agent config")
}

func TestOnEventUnknownEventIsNoOp(t *testing.T) {
    mgr := NewCacheManager()
    c := mgr.Register("dashboard", 10, 1024, time.Minute)
    c.Set("dashboard:5:summary", "v", 0, 1)

    inv := NewInvalidator(mgr, NewRefreshRegistry(mgr))
    inv.OnEvent(context.Background(), DomainEvent("made_up"), 5)

    _, ok := c.Get("dashboard:5:summary")
    assert.True(t, ok)
}
