package webhook

import (
    "context"
    "sync"
    "time"

    "github.com/outcall/dispatchcore/internal/models"
    "github.com/outcall/dispatchcore/pkg/logger"
)

// RetryPolicy is the fixed backoff table the pipeline retries terminal
// events against: short, then longer, then a final long wait before the
// job is declared dead. This is a fixed table rather than the Cache
// Engine's exponential backoff (cenkalti/backoff/v5) because a webhook
// redelivery is cheap and bounded, not a hot invalidation path.
type RetryPolicy struct {
    Delays      []time.Duration
    MaxAttempts int
}

func DefaultRetryPolicy() RetryPolicy {
    return RetryPolicy{
        Delays:      []time.Duration{5 * time.Second, 30 * time.Second, 5 * time.Minute},
        MaxAttempts: 3,
    }
}

func (p RetryPolicy) delayFor(attempt int) time.Duration {
    if attempt < 0 {
        attempt = 0
    }
    if attempt >= len(p.Delays) {
        return p.Delays[len(p.Delays)-1]
    }
    return p.Delays[attempt]
}

// Manager holds pending retry jobs in memory and drains all due jobs
// concurrently on a ticker.
type Manager struct {
    mu        sync.Mutex
    jobs      map[string]*models.RetryJob // keyed by execution_id
    processor Processor
    dlq       *DLQStore
    policy    RetryPolicy

    sweepLock sync.Mutex
    stopCh    chan struct{}
}

func NewManager(processor Processor, dlq *DLQStore, policy RetryPolicy) *Manager {
    return &Manager{
        jobs:      make(map[string]*models.RetryJob),
        processor: processor,
        dlq:       dlq,
        policy:    policy,
        stopCh:    make(chan struct{}),
    }
}

// Submit attempts to process payload immediately. On failure it
// schedules a retry job rather than surfacing the error to the caller --
// the webhook ingress always returns success to the provider, since
// provider-side redelivery is not how this pipeline retries.
func (m *Manager) Submit(ctx context.Context, payload models.TerminalEventPayload) {
    err := m.processor.Process(ctx, payload)
    if err == nil {
        return
    }
    m.scheduleRetry(payload, 0, err.Error())
}

// jobKey dedups retry jobs per conversation. Payloads that only carry
// an agent id key on that instead, so two agent-only events for
// different agents never collide on the empty execution id.
func jobKey(payload models.TerminalEventPayload) string {
    if payload.ExecutionID != "" {
        return payload.ExecutionID
    }
    return "agent:" + payload.AgentID
}

func (m *Manager) scheduleRetry(payload models.TerminalEventPayload, attempts int, lastErr string) {
    m.mu.Lock()
    defer m.mu.Unlock()

    job, exists := m.jobs[jobKey(payload)]
    if !exists {
        job = &models.RetryJob{
            ExecutionID: payload.ExecutionID,
            Payload:     payloadToJSON(payload),
            Status:      models.RetryStatusPending,
            CreatedAt:   time.Now(),
        }
        m.jobs[jobKey(payload)] = job
    }
    job.Attempts = attempts
    job.LastError = lastErr
    job.Status = models.RetryStatusRetrying
    job.NextAttemptAt = time.Now().Add(m.policy.delayFor(attempts))
    job.UpdatedAt = time.Now()
}

// Run sweeps due retry jobs on an interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, sweepInterval time.Duration) {
    ticker := time.NewTicker(sweepInterval)
    defer ticker.Stop()

    for {
        select {
        case <-ctx.Done():
            return
        case <-m.stopCh:
            return
        case <-ticker.C:
            m.sweep(ctx)
        }
    }
}

func (m *Manager) Stop() {
    close(m.stopCh)
}

func (m *Manager) sweep(ctx context.Context) {
    if !m.sweepLock.TryLock() {
        return // a sweep is already draining jobs; don't overlap
    }
    defer m.sweepLock.Unlock()

    due := m.dueJobs()
    var wg sync.WaitGroup
    for _, job := range due {
        wg.Add(1)
        go func(job *models.RetryJob) {
            defer wg.Done()
            m.retryOne(ctx, job)
        }(job)
    }
    wg.Wait()
}

func (m *Manager) dueJobs() []*models.RetryJob {
    m.mu.Lock()
    defer m.mu.Unlock()

    now := time.Now()
    var due []*models.RetryJob
    for _, job := range m.jobs {
        if job.Status == models.RetryStatusRetrying && !job.NextAttemptAt.After(now) {
            due = append(due, job)
        }
    }
    return due
}

func (m *Manager) retryOne(ctx context.Context, job *models.RetryJob) {
    payload := payloadFromJSON(job.Payload)

    err := m.processor.Process(ctx, payload)
    if err == nil {
        m.mu.Lock()
        delete(m.jobs, jobKey(payload))
        m.mu.Unlock()
        return
    }

    nextAttempts := job.Attempts + 1
    if nextAttempts >= m.policy.MaxAttempts {
        logger.WithContext(ctx).WithField("execution_id", job.ExecutionID).WithError(err).Warn("retry job exhausted attempts, moving to dead-letter queue")
        m.mu.Lock()
        delete(m.jobs, jobKey(payload))
        m.mu.Unlock()
        if dlqErr := m.dlq.Promote(ctx, job, err.Error()); dlqErr != nil {
            logger.WithContext(ctx).WithError(dlqErr).Error("failed to persist dead-letter item")
        }
        return
    }

    m.scheduleRetry(payload, nextAttempts, err.Error())
}

func payloadToJSON(payload models.TerminalEventPayload) models.JSON {
    return models.JSON{
        "execution_id":                   payload.ExecutionID,
        "agent_id":                       payload.AgentID,
        "status":                         payload.Status,
        "conversation_duration_seconds":  payload.ConversationDurationSeconds,
    }
}

func payloadFromJSON(j models.JSON) models.TerminalEventPayload {
    payload := models.TerminalEventPayload{}
    if v, ok := j["execution_id"].(string); ok {
        payload.ExecutionID = v
    }
    if v, ok := j["agent_id"].(string); ok {
        payload.AgentID = v
    }
    if v, ok := j["status"].(string); ok {
        payload.Status = v
    }
    switch v := j["conversation_duration_seconds"].(type) {
    case float64:
        payload.ConversationDurationSeconds = int(v)
    case int:
        payload.ConversationDurationSeconds = v
    }
    return payload
}
