package dispatcher

import (
    "context"
    "database/sql"
    "fmt"
    "time"

    "github.com/outcall/dispatchcore/internal/db"
    "github.com/outcall/dispatchcore/internal/models"
    "github.com/outcall/dispatchcore/pkg/errors"
)

// agentIDMemoTTL bounds how long a resolved provider agent id may be
// served from Redis before the agents table is consulted again.
const agentIDMemoTTL = 5 * time.Minute

// NumberSelector resolves which caller-ID number an outbound call
// should present, and which provider-side agent id a queue item's
// internal agent_id maps to.
type NumberSelector struct {
    db    *sql.DB
    cache *db.Cache
}

func NewNumberSelector(conn *sql.DB, cache *db.Cache) *NumberSelector {
    return &NumberSelector{db: conn, cache: cache}
}

// SelectSourceNumber resolves the caller-ID number by precedence:
// an explicit per-item override, then the agent's assigned number,
// then the user's most recently added number, then the provider's own
// default (signalled by an empty string). An override the user does
// not own is fatal for the call attempt, never silently substituted.
func (s *NumberSelector) SelectSourceNumber(ctx context.Context, item *models.QueueItem) (string, error) {
    if override, ok := item.UserData["from_number"]; ok {
        if num, ok := override.(string); ok && num != "" {
            return s.verifyOverride(ctx, item.UserID, num)
        }
    }

    var assigned sql.NullString
    err := s.db.QueryRowContext(ctx, `
        SELECT pn.e164_number FROM phone_numbers pn
        JOIN agents a ON a.assigned_phone_number_id = pn.id
        WHERE a.id = ?`, item.AgentID).Scan(&assigned)
    if err != nil && err != sql.ErrNoRows {
        return "", errors.Wrap(err, errors.ErrDatabase, "failed to resolve agent assigned number")
    }
    if assigned.Valid && assigned.String != "" {
        return assigned.String, nil
    }

    var newest sql.NullString
    err = s.db.QueryRowContext(ctx, `
        SELECT e164_number FROM phone_numbers
        WHERE user_id = ? ORDER BY created_at DESC LIMIT 1`, item.UserID).Scan(&newest)
    if err != nil && err != sql.ErrNoRows {
        return "", errors.Wrap(err, errors.ErrDatabase, "failed to resolve user's newest number")
    }
    if newest.Valid && newest.String != "" {
        return newest.String, nil
    }

    return "", nil
}

// verifyOverride confirms the explicitly requested source number exists
// and belongs to the calling user.
func (s *NumberSelector) verifyOverride(ctx context.Context, userID int64, number string) (string, error) {
    var ownerID int64
    err := s.db.QueryRowContext(ctx, `
        SELECT user_id FROM phone_numbers WHERE e164_number = ?`, number).Scan(&ownerID)
    if err == sql.ErrNoRows {
        return "", errors.New(errors.ErrPrecondition, "requested source number is not registered")
    }
    if err != nil {
        return "", errors.Wrap(err, errors.ErrDatabase, "failed to verify source number ownership")
    }
    if ownerID != userID {
        return "", errors.New(errors.ErrPrecondition, "requested source number is not owned by the user")
    }
    return number, nil
}

// AgentProviderID maps an internal agent id to the voice provider's own
// agent identifier, required on every call-placement request. The
// mapping changes rarely, so it is memoized in Redis for a short TTL.
func (s *NumberSelector) AgentProviderID(ctx context.Context, agentID int64) (string, error) {
    memoKey := fmt.Sprintf("agent_provider_id:%d", agentID)
    if s.cache != nil {
        var memoized string
        _ = s.cache.Get(ctx, memoKey, &memoized)
        if memoized != "" {
            return memoized, nil
        }
    }

    var providerAgentID string
    err := s.db.QueryRowContext(ctx, `SELECT voice_provider_agent_id FROM agents WHERE id = ?`, agentID).Scan(&providerAgentID)
    if err == sql.ErrNoRows {
        return "", errors.New(errors.ErrPrecondition, "agent not found")
    }
    if err != nil {
        return "", errors.Wrap(err, errors.ErrDatabase, "failed to resolve agent provider id")
    }

    if s.cache != nil {
        _ = s.cache.Set(ctx, memoKey, providerAgentID, agentIDMemoTTL)
    }
    return providerAgentID, nil
}
