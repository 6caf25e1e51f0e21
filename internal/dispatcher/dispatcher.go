// Package dispatcher runs the tick loop that drains the call queue:
// pick the next eligible item under fairness and priority ordering,
// reserve a concurrency slot for it, place the call, and record the
// outcome.
package dispatcher

import (
    "context"
    "sync"
    "time"

    "github.com/outcall/dispatchcore/internal/acr"
    "github.com/outcall/dispatchcore/internal/models"
    "github.com/outcall/dispatchcore/internal/provider"
    "github.com/outcall/dispatchcore/internal/queue"
    "github.com/outcall/dispatchcore/pkg/errors"
    "github.com/outcall/dispatchcore/pkg/logger"
)

// MetricsInterface is the narrow metrics surface the dispatcher needs,
// injected so the dispatcher can be unit tested against a fake.
type MetricsInterface interface {
    IncrementCounter(name string, labels map[string]string)
    ObserveHistogram(name string, value float64, labels map[string]string)
    SetGauge(name string, value float64, labels map[string]string)
}

type noopMetrics struct{}

func (noopMetrics) IncrementCounter(string, map[string]string)          {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)         {}

// Dispatcher owns the tick loop. Only one tick may run at a time within
// this process; tickLock is a non-reentrant in-process guard, distinct
// from the registry's cross-process Redis lock.
type Dispatcher struct {
    registry  *acr.Registry
    queue     *queue.Repository
    numbers   *NumberSelector
    provider  *provider.Client
    credits   *CreditsGate
    metrics   MetricsInterface

    tickLock        sync.Mutex
    tickInterval    time.Duration
    maxItemsPerTick int

    stopOnce sync.Once
    stopCh   chan struct{}
}

type Config struct {
    TickInterval    time.Duration
    MaxItemsPerTick int
}

func New(registry *acr.Registry, q *queue.Repository, numbers *NumberSelector, providerClient *provider.Client, credits *CreditsGate, metrics MetricsInterface, cfg Config) *Dispatcher {
    if metrics == nil {
        metrics = noopMetrics{}
    }
    if cfg.MaxItemsPerTick <= 0 {
        cfg.MaxItemsPerTick = 50
    }
    return &Dispatcher{
        registry:        registry,
        queue:           q,
        numbers:         numbers,
        provider:        providerClient,
        credits:         credits,
        metrics:         metrics,
        tickInterval:    cfg.TickInterval,
        maxItemsPerTick: cfg.MaxItemsPerTick,
        stopCh:          make(chan struct{}),
    }
}

// Run blocks, ticking until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
    ticker := time.NewTicker(d.tickInterval)
    defer ticker.Stop()

    for {
        select {
        case <-ctx.Done():
            return
        case <-d.stopCh:
            return
        case <-ticker.C:
            d.Tick(ctx)
        }
    }
}

// Stop signals Run to exit.
func (d *Dispatcher) Stop() {
    d.stopOnce.Do(func() { close(d.stopCh) })
}

// Tick runs exactly one dispatch pass. If a tick is already running it
// returns immediately rather than blocking -- a slow tick must never
// cause ticks to queue up behind it.
func (d *Dispatcher) Tick(ctx context.Context) {
    if !d.tickLock.TryLock() {
        logger.WithContext(ctx).Debug("dispatcher tick already in progress, skipping")
        return
    }
    defer d.tickLock.Unlock()

    full, err := d.registry.SystemAtCapacity(ctx)
    if err != nil {
        logger.WithContext(ctx).WithError(err).Error("failed to read system active count")
        return
    }
    if full {
        logger.WithContext(ctx).Debug("system at concurrency capacity, skipping tick")
        return
    }

    start := time.Now()
    processed := 0
    // Users found blocked mid-tick (at their cap, out of credits) are
    // excluded from subsequent peeks so their items don't shadow other
    // users' eligible work for the rest of this pass.
    blockedUsers := make(map[int64]struct{})
    for i := 0; i < d.maxItemsPerTick; i++ {
        status, didWork, err := d.allocateNext(ctx, blockedUsers)
        if err != nil {
            logger.WithContext(ctx).WithError(err).Error("dispatcher tick iteration failed")
            break
        }
        if status == dispatchSystemBlocked {
            break
        }
        if !didWork {
            break
        }
        processed++
    }
    d.metrics.ObserveHistogram("dispatch_tick_duration", time.Since(start).Seconds(), nil)
    if processed > 0 {
        logger.WithContext(ctx).WithField("processed", processed).Debug("dispatch tick completed")
    }
}

// dispatchStatus tells the tick loop how to proceed after one item.
type dispatchStatus int

const (
    dispatchContinue dispatchStatus = iota
    dispatchUserBlocked
    dispatchSystemBlocked
)

// allocateNext implements allocate_next: peek the single next eligible
// queue item under fairness/priority ordering, gate on the owner's
// credit balance, claim the item, reserve a concurrency slot, and place
// the call. It returns didWork=false when there was nothing eligible to
// process.
func (d *Dispatcher) allocateNext(ctx context.Context, blockedUsers map[int64]struct{}) (dispatchStatus, bool, error) {
    exclude := make([]int64, 0, len(blockedUsers))
    for uid := range blockedUsers {
        exclude = append(exclude, uid)
    }

    item, err := d.queue.PeekNextEligible(ctx, time.Now(), exclude...)
    if err != nil {
        return dispatchContinue, false, err
    }
    if item == nil {
        return dispatchContinue, false, nil
    }

    allowed, err := d.credits.Allow(ctx, item.UserID)
    if err != nil {
        return dispatchContinue, false, err
    }
    if !allowed {
        blockedUsers[item.UserID] = struct{}{}
        if err := d.queue.AnnotateFailure(ctx, item.ID, "insufficient_credits"); err != nil {
            logger.WithContext(ctx).WithError(err).Warn("failed to annotate out-of-credits queue item")
        }
        return dispatchUserBlocked, true, nil
    }

    claimed, err := d.queue.MarkProcessing(ctx, item.ID)
    if err != nil {
        return dispatchContinue, false, err
    }
    if !claimed {
        // Another process claimed it first; not an error, just contention.
        return dispatchContinue, true, nil
    }

    status := d.dispatchItem(ctx, item)
    if status == dispatchUserBlocked {
        blockedUsers[item.UserID] = struct{}{}
    }
    return status, true, nil
}

// DirectCallPriority is the queue priority a capacity-deferred direct
// call is admitted at, above anything a campaign ingestor assigns.
const DirectCallPriority = 1000

// SubmitDirect is the direct-call fast path for interactive requests:
// pre-reserve a slot before the item ever enters the queue, and place
// the call immediately when the reservation succeeds. Only when
// capacity is unavailable is the item enqueued, at elevated priority,
// for the tick loop to drain once a slot frees up.
func (d *Dispatcher) SubmitDirect(ctx context.Context, item *models.QueueItem) (errors.Outcome, error) {
    item.CallType = models.CallTypeDirect
    if item.ScheduledFor.IsZero() {
        item.ScheduledFor = time.Now()
    }

    outcome, active, err := d.registry.ReserveDirect(ctx, item.UserID, &item.AgentID, item.ToNumber, nil)
    if err != nil {
        return errors.Outcome{}, err
    }

    if outcome.Kind != errors.OutcomeOK {
        if item.Priority < DirectCallPriority {
            item.Priority = DirectCallPriority
        }
        id, err := d.queue.Enqueue(ctx, item)
        if err != nil {
            return errors.Outcome{}, err
        }
        item.ID = id
        if err := d.queue.AnnotateFailure(ctx, id, outcome.Reason); err != nil {
            logger.WithContext(ctx).WithError(err).Warn("failed to annotate deferred direct call")
        }
        d.metrics.IncrementCounter("acr_reservations", map[string]string{"outcome": "queue", "call_type": string(models.CallTypeDirect)})
        return outcome, nil
    }

    d.metrics.IncrementCounter("acr_reservations", map[string]string{"outcome": "ok", "call_type": string(models.CallTypeDirect)})

    // Record the item for traceability before placing; the slot is
    // released through the ordinary failure path if recording fails.
    id, err := d.queue.Enqueue(ctx, item)
    if err != nil {
        _ = d.registry.Release(ctx, active.ID)
        return errors.Outcome{}, err
    }
    item.ID = id
    if _, err := d.queue.MarkProcessing(ctx, id); err != nil {
        logger.WithContext(ctx).WithError(err).Warn("failed to mark fast-path item processing")
    }

    d.placeCall(ctx, item, active)
    return outcome, nil
}

func (d *Dispatcher) dispatchItem(ctx context.Context, item *models.QueueItem) dispatchStatus {
    logCtx := logger.WithContext(ctx).WithField("queue_item_id", item.ID).WithField("user_id", item.UserID)

    var outcome errors.Outcome
    var active *models.ActiveCall
    var err error

    if item.CallType == models.CallTypeCampaign && item.CampaignID != nil {
        outcome, active, err = d.registry.ReserveCampaign(ctx, item.UserID, *item.CampaignID, &item.AgentID, item.ToNumber, &item.ID)
    } else {
        outcome, active, err = d.registry.ReserveDirect(ctx, item.UserID, &item.AgentID, item.ToNumber, &item.ID)
    }

    if err != nil {
        logCtx.WithError(err).Error("reservation failed")
        _ = d.queue.Requeue(ctx, item.ID)
        return dispatchContinue
    }

    switch outcome.Kind {
    case errors.OutcomeReject:
        d.metrics.IncrementCounter("acr_reservations", map[string]string{"outcome": "reject", "call_type": string(item.CallType)})
        _ = d.queue.MarkFailed(ctx, item.ID, outcome.Reason)
        return dispatchContinue
    case errors.OutcomeQueue:
        d.metrics.IncrementCounter("acr_reservations", map[string]string{"outcome": "queue", "call_type": string(item.CallType)})
        _ = d.queue.RequeueWithReason(ctx, item.ID, outcome.Reason)
        if outcome.Reason == "system_at_capacity" {
            return dispatchSystemBlocked
        }
        return dispatchUserBlocked
    }

    d.metrics.IncrementCounter("acr_reservations", map[string]string{"outcome": "ok", "call_type": string(item.CallType)})

    d.placeCall(ctx, item, active)
    return dispatchContinue
}

// placeCall carries a call from a held slot to the provider: resolve
// the caller-ID number and provider agent id, place the request, and
// record the outcome. The slot is released on every failure path.
func (d *Dispatcher) placeCall(ctx context.Context, item *models.QueueItem, active *models.ActiveCall) {
    logCtx := logger.WithContext(ctx).WithField("queue_item_id", item.ID).WithField("user_id", item.UserID)

    fromNumber, err := d.numbers.SelectSourceNumber(ctx, item)
    if err != nil {
        if errors.Is(err, errors.ErrPrecondition) {
            // A requested source number the user does not own is fatal
            // for this attempt, never silently substituted.
            logCtx.WithError(err).Error("source number override rejected")
            d.failAndRelease(ctx, item, active, err.Error())
            return
        }
        logCtx.WithError(err).Warn("source number selection failed, falling back to provider default")
        fromNumber = ""
    }

    agentID, err := d.numbers.AgentProviderID(ctx, item.AgentID)
    if err != nil {
        logCtx.WithError(err).Error("failed to resolve agent provider id")
        d.failAndRelease(ctx, item, active, "agent_not_found")
        return
    }

    reqStart := time.Now()
    resp, err := d.provider.PlaceCall(ctx, provider.CallRequest{
        AgentID:    agentID,
        ToNumber:   item.ToNumber,
        FromNumber: fromNumber,
        UserData:   provider.NormalizeUserData(item.UserData),
    })

    if err != nil {
        d.metrics.ObserveHistogram("provider_call_duration", time.Since(reqStart).Seconds(), map[string]string{"outcome": "error"})
        d.metrics.IncrementCounter("dispatcher_calls_failed", map[string]string{"reason": "provider_failure", "call_type": string(item.CallType)})
        // A provider failure after reservation always releases the slot
        // and fails the item with the provider's own message; the caller
        // resubmits if the call is still wanted.
        d.failAndRelease(ctx, item, active, err.Error())
        return
    }

    d.metrics.ObserveHistogram("provider_call_duration", time.Since(reqStart).Seconds(), map[string]string{"outcome": "ok"})
    d.metrics.IncrementCounter("dispatcher_calls_dispatched", map[string]string{"call_type": string(item.CallType)})

    if err := d.registry.AttachExecution(ctx, active.ID, resp.ExecutionID); err != nil {
        logCtx.WithError(err).Error("failed to attach execution id")
    }
    if err := d.queue.MarkDispatched(ctx, item.ID); err != nil {
        logCtx.WithError(err).Error("failed to mark queue item dispatched")
    }
}

func (d *Dispatcher) failAndRelease(ctx context.Context, item *models.QueueItem, active *models.ActiveCall, reason string) {
    if active != nil {
        _ = d.registry.Release(ctx, active.ID)
    }
    _ = d.queue.MarkFailed(ctx, item.ID, reason)
}
