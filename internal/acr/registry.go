// Package acr implements the Active-Call Registry: the single source of
// truth for which calls currently hold a concurrency slot, and the only
// component allowed to grant or release one.
package acr

import (
    "context"
    "database/sql"
    "fmt"
    "time"

    "github.com/google/uuid"
    "github.com/outcall/dispatchcore/internal/db"
    "github.com/outcall/dispatchcore/internal/models"
    "github.com/outcall/dispatchcore/pkg/errors"
    "github.com/outcall/dispatchcore/pkg/logger"
)

// Limits supplies the system-wide and default per-user concurrency caps.
// A positive users.concurrent_limit overrides the default for that user.
type Limits struct {
    SystemConcurrentCalls int
    DefaultUserConcurrent int
}

// Registry is the Active-Call Registry. Every reservation and release
// runs inside a single transaction against capacity-counter rows locked
// with SELECT ... FOR UPDATE: lock the scarce resource's accounting
// row before deciding whether to grant it.
type Registry struct {
    db     *db.DB
    cache  *db.Cache
    limits Limits
}

func NewRegistry(database *db.DB, cache *db.Cache, limits Limits) *Registry {
    return &Registry{db: database, cache: cache, limits: limits}
}

// ReserveDirect attempts to grant a concurrency slot to a direct
// (non-campaign) call. It never consults campaign state; only campaign
// calls require an active campaign.
func (r *Registry) ReserveDirect(ctx context.Context, userID int64, agentID *int64, toNumber string, queueItemID *int64) (errors.Outcome, *models.ActiveCall, error) {
    return r.reserve(ctx, userID, nil, agentID, models.CallTypeDirect, toNumber, queueItemID)
}

// ReserveCampaign attempts to grant a concurrency slot to a campaign
// call. It first verifies the campaign is still active; if not, the
// item is rejected outright rather than queued, because a non-active
// campaign will not become active again without a new queue item being
// submitted by whatever re-activates it.
func (r *Registry) ReserveCampaign(ctx context.Context, userID, campaignID int64, agentID *int64, toNumber string, queueItemID *int64) (errors.Outcome, *models.ActiveCall, error) {
    active, err := r.campaignIsActive(ctx, campaignID)
    if err != nil {
        return errors.Outcome{}, nil, err
    }
    if !active {
        return errors.Rejected("campaign_not_active"), nil, nil
    }
    cid := campaignID
    return r.reserve(ctx, userID, &cid, agentID, models.CallTypeCampaign, toNumber, queueItemID)
}

func (r *Registry) campaignIsActive(ctx context.Context, campaignID int64) (bool, error) {
    var status string
    err := r.db.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = ?`, campaignID).Scan(&status)
    if err == sql.ErrNoRows {
        return false, nil
    }
    if err != nil {
        return false, errors.Wrap(err, errors.ErrDatabase, "failed to read campaign status")
    }
    return status == string(models.CampaignStatusActive), nil
}

func (r *Registry) reserve(ctx context.Context, userID int64, campaignID, agentID *int64, callType models.CallType, toNumber string, queueItemID *int64) (errors.Outcome, *models.ActiveCall, error) {
    unlock, err := r.cache.Lock(ctx, fmt.Sprintf("acr:user:%d", userID), 5*time.Second)
    if err != nil {
        return errors.Outcome{}, nil, errors.Wrap(err, errors.ErrTransient, "failed to acquire reservation lock")
    }
    defer unlock()

    var result errors.Outcome
    var created *models.ActiveCall

    txErr := r.db.Transaction(ctx, func(tx *sql.Tx) error {
        systemCount, err := lockCounter(ctx, tx, "system", nil)
        if err != nil {
            return err
        }
        if systemCount >= r.limits.SystemConcurrentCalls {
            result = errors.Queued("system_at_capacity")
            return nil
        }

        userLimit, err := r.userLimit(ctx, tx, userID)
        if err != nil {
            return err
        }
        userCount, err := lockCounter(ctx, tx, "user", &userID)
        if err != nil {
            return err
        }
        if userCount >= userLimit {
            result = errors.Queued("user_at_capacity")
            return nil
        }

        callID := uuid.NewString()
        now := time.Now()
        res, err := tx.ExecContext(ctx, `
            INSERT INTO active_calls (call_uuid, user_id, campaign_id, queue_item_id, agent_id, call_type, to_number, reserved_at, last_allocation_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
            callID, userID, campaignID, queueItemID, agentID, string(callType), toNumber, now, now)
        if err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to insert active_calls row")
        }
        insertedID, err := res.LastInsertId()
        if err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to read inserted active_calls id")
        }

        if err := bumpCounter(ctx, tx, "system", nil, 1); err != nil {
            return err
        }
        if err := bumpCounter(ctx, tx, "user", &userID, 1); err != nil {
            return err
        }
        if err := bumpUserLastAllocation(ctx, tx, userID, now); err != nil {
            return err
        }

        created = &models.ActiveCall{
            ID:               insertedID,
            UserID:           userID,
            CampaignID:       campaignID,
            QueueItemID:      queueItemID,
            AgentID:          agentID,
            CallType:         callType,
            ToNumber:         toNumber,
            ReservedAt:       now,
            LastAllocationAt: &now,
        }
        result = errors.OK()
        return nil
    })
    if txErr != nil {
        return errors.Outcome{}, nil, txErr
    }

    if result.Kind == errors.OutcomeOK {
        logger.WithContext(ctx).WithField("user_id", userID).WithField("call_type", callType).Info("active call slot reserved")
    }

    return result, created, nil
}

func (r *Registry) userLimit(ctx context.Context, tx *sql.Tx, userID int64) (int, error) {
    var limit int
    err := tx.QueryRowContext(ctx, `SELECT concurrent_limit FROM users WHERE id = ?`, userID).Scan(&limit)
    if err == sql.ErrNoRows {
        return r.limits.DefaultUserConcurrent, nil
    }
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "failed to read user concurrent limit")
    }
    if limit <= 0 {
        return r.limits.DefaultUserConcurrent, nil
    }
    return limit, nil
}

// AttachExecution records the voice provider's execution id on a
// reserved slot once the placement request succeeds.
func (r *Registry) AttachExecution(ctx context.Context, activeCallID int64, executionID string) error {
    _, err := r.db.ExecContext(ctx, `UPDATE active_calls SET execution_id = ? WHERE id = ?`, executionID, activeCallID)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to attach execution id")
    }
    return nil
}

// Release frees a slot by active-call id. Releasing an id that no
// longer exists is a no-op.
func (r *Registry) Release(ctx context.Context, activeCallID int64) error {
    return r.releaseWhere(ctx, "id = ?", activeCallID)
}

// ReleaseByExecution frees a slot by the provider's execution id, for
// callers that know the conversation but not the registry row.
// Idempotent like Release.
func (r *Registry) ReleaseByExecution(ctx context.Context, executionID string) error {
    return r.releaseWhere(ctx, "execution_id = ?", executionID)
}

func (r *Registry) releaseWhere(ctx context.Context, predicate string, arg interface{}) error {
    return r.db.Transaction(ctx, func(tx *sql.Tx) error {
        var userID int64
        query := fmt.Sprintf(`SELECT user_id FROM active_calls WHERE %s FOR UPDATE`, predicate)
        err := tx.QueryRowContext(ctx, query, arg).Scan(&userID)
        if err == sql.ErrNoRows {
            return nil // already released; no-op
        }
        if err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to look up active call for release")
        }

        delQuery := fmt.Sprintf(`DELETE FROM active_calls WHERE %s`, predicate)
        if _, err := tx.ExecContext(ctx, delQuery, arg); err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to delete active_calls row")
        }

        if err := bumpCounter(ctx, tx, "system", nil, -1); err != nil {
            return err
        }
        if err := bumpCounter(ctx, tx, "user", &userID, -1); err != nil {
            return err
        }
        return nil
    })
}

// CountActiveSystem returns the system-wide active call count.
func (r *Registry) CountActiveSystem(ctx context.Context) (int, error) {
    count, err := readCounter(ctx, r.db.DB, "system", nil)
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "failed to read system active call count")
    }
    return count, nil
}

// SystemAtCapacity reports whether the system-wide cap is already
// fully consumed. The Dispatcher checks this once at the top of every
// tick so a saturated system never touches the queue at all.
func (r *Registry) SystemAtCapacity(ctx context.Context) (bool, error) {
    count, err := r.CountActiveSystem(ctx)
    if err != nil {
        return false, err
    }
    return count >= r.limits.SystemConcurrentCalls, nil
}

// CountActiveUser returns one user's active call count.
func (r *Registry) CountActiveUser(ctx context.Context, userID int64) (int, error) {
    count, err := readCounter(ctx, r.db.DB, "user", &userID)
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "failed to read user active call count")
    }
    return count, nil
}

// ListActiveUser returns the active calls currently held by a user.
func (r *Registry) ListActiveUser(ctx context.Context, userID int64) ([]*models.ActiveCall, error) {
    rows, err := r.db.QueryContext(ctx, `
        SELECT id, user_id, campaign_id, queue_item_id, execution_id, call_type, to_number, reserved_at, last_allocation_at
        FROM active_calls WHERE user_id = ?`, userID)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to list active calls")
    }
    return scanActiveCalls(rows)
}

// ListActive returns every active call in the registry, for operator
// inspection.
func (r *Registry) ListActive(ctx context.Context) ([]*models.ActiveCall, error) {
    rows, err := r.db.QueryContext(ctx, `
        SELECT id, user_id, campaign_id, queue_item_id, execution_id, call_type, to_number, reserved_at, last_allocation_at
        FROM active_calls ORDER BY reserved_at ASC`)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to list active calls")
    }
    return scanActiveCalls(rows)
}

func scanActiveCalls(rows *sql.Rows) ([]*models.ActiveCall, error) {
    defer rows.Close()

    var out []*models.ActiveCall
    for rows.Next() {
        var ac models.ActiveCall
        var campaignID, queueItemID sql.NullInt64
        var executionID sql.NullString
        var lastAlloc sql.NullTime
        if err := rows.Scan(&ac.ID, &ac.UserID, &campaignID, &queueItemID, &executionID, &ac.CallType, &ac.ToNumber, &ac.ReservedAt, &lastAlloc); err != nil {
            return nil, errors.Wrap(err, errors.ErrDatabase, "failed to scan active call row")
        }
        if campaignID.Valid {
            ac.CampaignID = &campaignID.Int64
        }
        if queueItemID.Valid {
            ac.QueueItemID = &queueItemID.Int64
        }
        if executionID.Valid {
            ac.ExecutionID = executionID.String
        }
        if lastAlloc.Valid {
            ac.LastAllocationAt = &lastAlloc.Time
        }
        out = append(out, &ac)
    }
    return out, rows.Err()
}

// CleanupOrphans releases any active call reserved longer than
// threshold ago that never had an execution id attached -- a slot whose
// placement request crashed or hung before the provider ever answered.
func (r *Registry) CleanupOrphans(ctx context.Context, threshold time.Duration) (int, error) {
    cutoff := time.Now().Add(-threshold)
    var released int

    err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
        rows, err := tx.QueryContext(ctx, `
            SELECT id, user_id FROM active_calls
            WHERE (execution_id IS NULL OR execution_id = '') AND reserved_at < ?
            FOR UPDATE`, cutoff)
        if err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to query orphaned active calls")
        }

        type orphan struct {
            id     int64
            userID int64
        }
        var orphans []orphan
        for rows.Next() {
            var o orphan
            if err := rows.Scan(&o.id, &o.userID); err != nil {
                rows.Close()
                return errors.Wrap(err, errors.ErrDatabase, "failed to scan orphaned active call")
            }
            orphans = append(orphans, o)
        }
        rows.Close()

        for _, o := range orphans {
            if _, err := tx.ExecContext(ctx, `DELETE FROM active_calls WHERE id = ?`, o.id); err != nil {
                return errors.Wrap(err, errors.ErrDatabase, "failed to delete orphaned active call")
            }
            if err := bumpCounter(ctx, tx, "system", nil, -1); err != nil {
                return err
            }
            if err := bumpCounter(ctx, tx, "user", &o.userID, -1); err != nil {
                return err
            }
            released++
        }
        return nil
    })
    if err != nil {
        return 0, err
    }
    if released > 0 {
        logger.WithField("released", released).Warn("cleaned up orphaned active call reservations")
    }
    return released, nil
}
