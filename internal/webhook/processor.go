package webhook

import (
    "context"
    "database/sql"
    "time"

    "github.com/outcall/dispatchcore/internal/acr"
    "github.com/outcall/dispatchcore/internal/models"
    "github.com/outcall/dispatchcore/pkg/errors"
    "github.com/outcall/dispatchcore/pkg/logger"
)

// Processor applies the side effects of one terminal-event webhook
// delivery: persisting the completed Call record and releasing the
// active-call slot it occupied. It is idempotent on the call's stable
// identifier so a redelivered or retried event never double-applies.
type Processor interface {
    Process(ctx context.Context, payload models.TerminalEventPayload) error
}

type DefaultProcessor struct {
    db       *sql.DB
    registry *acr.Registry

    // OnCallCompleted, when set, fans the completion out to interested
    // parties (cache invalidation) after the slot is released.
    OnCallCompleted func(ctx context.Context, userID int64)
}

func NewDefaultProcessor(db *sql.DB, registry *acr.Registry) *DefaultProcessor {
    return &DefaultProcessor{db: db, registry: registry}
}

// resolvedCall is the active-call row a terminal event was matched to.
// executionID is empty when the provider's acknowledgement was never
// attached; callUUID then stands in as the call's stable identifier.
type resolvedCall struct {
    activeID    int64
    callUUID    string
    executionID string
    userID      int64
    campaignID  sql.NullInt64
    toNumber    string
}

func (p *DefaultProcessor) Process(ctx context.Context, payload models.TerminalEventPayload) error {
    log := logger.WithContext(ctx).WithField("execution_id", payload.ExecutionID)

    if payload.ExecutionID == "" && payload.AgentID == "" {
        return errors.New(errors.ErrWebhookProcessing, "terminal event carries neither conversation id nor agent id")
    }

    if payload.ExecutionID != "" {
        already, err := p.alreadyProcessed(ctx, payload.ExecutionID)
        if err != nil {
            return err
        }
        if already {
            log.Info("terminal event already processed, skipping")
            return nil
        }
    }

    call, err := p.resolveActiveCall(ctx, payload)
    if err != nil {
        return err
    }

    // The identifier the terminal record is keyed on: the provider's
    // execution id when one was attached, else the reservation uuid.
    recordID := call.executionID
    if recordID == "" {
        recordID = call.callUUID
    }
    if recordID != payload.ExecutionID {
        already, err := p.alreadyProcessed(ctx, recordID)
        if err != nil {
            return err
        }
        if already {
            log.Info("terminal event already processed, skipping")
            return nil
        }
    }

    now := time.Now()
    var campaignPtr *int64
    if call.campaignID.Valid {
        campaignPtr = &call.campaignID.Int64
    }

    _, err = p.db.ExecContext(ctx, `
        INSERT INTO calls (user_id, campaign_id, execution_id, to_number, status, conversation_duration_seconds, started_at, ended_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE execution_id = execution_id`,
        call.userID, campaignPtr, recordID, call.toNumber, normalizeStatus(payload.Status),
        payload.ConversationDurationSeconds, now, now)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to persist call record").WithContext("retryable", true)
    }

    if err := p.registry.Release(ctx, call.activeID); err != nil {
        return errors.Wrap(err, errors.ErrTransient, "failed to release active call slot").WithContext("retryable", true)
    }

    if p.OnCallCompleted != nil {
        p.OnCallCompleted(ctx, call.userID)
    }

    log.Info("terminal event processed")
    return nil
}

// resolveActiveCall finds the slot a terminal event belongs to,
// preferring the provider's conversation id and falling back to its
// agent id (newest reservation for that agent wins).
func (p *DefaultProcessor) resolveActiveCall(ctx context.Context, payload models.TerminalEventPayload) (*resolvedCall, error) {
    var call resolvedCall

    if payload.ExecutionID != "" {
        err := p.db.QueryRowContext(ctx, `
            SELECT id, call_uuid, user_id, campaign_id, to_number
            FROM active_calls WHERE execution_id = ?`, payload.ExecutionID).
            Scan(&call.activeID, &call.callUUID, &call.userID, &call.campaignID, &call.toNumber)
        if err == sql.ErrNoRows {
            return nil, errors.New(errors.ErrWebhookProcessing, "no active call found for execution_id").WithContext("retryable", true)
        }
        if err != nil {
            return nil, errors.Wrap(err, errors.ErrDatabase, "failed to look up active call for terminal event")
        }
        call.executionID = payload.ExecutionID
        return &call, nil
    }

    err := p.db.QueryRowContext(ctx, `
        SELECT ac.id, ac.call_uuid, COALESCE(ac.execution_id, ''), ac.user_id, ac.campaign_id, ac.to_number
        FROM active_calls ac
        JOIN agents a ON a.id = ac.agent_id
        WHERE a.voice_provider_agent_id = ?
        ORDER BY ac.reserved_at DESC LIMIT 1`, payload.AgentID).
        Scan(&call.activeID, &call.callUUID, &call.executionID, &call.userID, &call.campaignID, &call.toNumber)
    if err == sql.ErrNoRows {
        return nil, errors.New(errors.ErrWebhookProcessing, "no active call found for agent_id").WithContext("retryable", true)
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to look up active call by agent for terminal event")
    }
    return &call, nil
}

func (p *DefaultProcessor) alreadyProcessed(ctx context.Context, executionID string) (bool, error) {
    var count int
    err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM calls WHERE execution_id = ?`, executionID).Scan(&count)
    if err != nil {
        return false, errors.Wrap(err, errors.ErrDatabase, "failed to check terminal event idempotency")
    }
    return count > 0, nil
}

func normalizeStatus(raw string) string {
    switch raw {
    case "completed", "failed", "abandoned", "timeout":
        return raw
    default:
        return "completed"
    }
}
