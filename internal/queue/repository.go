// Package queue implements the pending-call queue the Dispatcher drains
// on every tick: PeekNextEligible, MarkProcessing, and the status
// transitions a queue item moves through on success or failure.
package queue

import (
    "context"
    "database/sql"
    "strings"
    "time"

    "github.com/outcall/dispatchcore/internal/models"
    "github.com/outcall/dispatchcore/pkg/errors"
)

// Ordering names the two distinct sort orders the Dispatcher needs:
// FairnessOrder decides which user goes next in a tick, PriorityOrder
// decides which of that user's items goes next. PeekNextEligible
// applies both, fairness first, in its one inline ORDER BY clause; the
// constants name those orders and are not passed to the query.
type Ordering string

const (
    // FairnessOrder picks the user who has gone longest without an
    // allocation, so no single user's queue starves another's.
    FairnessOrder Ordering = "fairness"
    // PriorityOrder picks the highest-priority, earliest-scheduled,
    // earliest-created item within one user's queue.
    PriorityOrder Ordering = "priority"
)

type Repository struct {
    db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
    return &Repository{db: db}
}

// PeekNextEligible returns the single next queue item that should be
// dispatched, applying FairnessOrder across users and PriorityOrder
// within the selected user's pending items. Campaign items are joined
// against campaigns.status = 'active'; direct items bypass that join
// entirely and never require a campaign. excludeUsers removes users
// already found blocked this tick (at their cap, or out of credits) so
// their items don't shadow other users'.
func (r *Repository) PeekNextEligible(ctx context.Context, now time.Time, excludeUsers ...int64) (*models.QueueItem, error) {
    query := `
        SELECT q.id, q.user_id, q.campaign_id, q.call_type, q.agent_id, q.to_number,
               q.priority, q.scheduled_for, q.status, q.user_data, q.failure_reason, q.created_at, q.updated_at
        FROM queue q
        LEFT JOIN user_allocation_state uas ON uas.user_id = q.user_id
        LEFT JOIN campaigns c ON q.call_type = 'campaign' AND c.id = q.campaign_id
        WHERE q.status = 'pending'
          AND q.scheduled_for <= ?
          AND (q.call_type <> 'campaign' OR c.status = 'active')`
    args := []interface{}{now}
    if len(excludeUsers) > 0 {
        query += ` AND q.user_id NOT IN (?` + strings.Repeat(",?", len(excludeUsers)-1) + `)`
        for _, uid := range excludeUsers {
            args = append(args, uid)
        }
    }
    query += `
        ORDER BY
            uas.last_allocation_at IS NOT NULL, uas.last_allocation_at ASC,
            q.priority DESC, q.scheduled_for ASC, q.created_at ASC
        LIMIT 1`

    row := r.db.QueryRowContext(ctx, query, args...)

    item, err := scanQueueItem(row)
    if err == sql.ErrNoRows {
        return nil, nil
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to peek next eligible queue item")
    }
    return item, nil
}

func scanQueueItem(row *sql.Row) (*models.QueueItem, error) {
    var item models.QueueItem
    var campaignID sql.NullInt64
    var failureReason sql.NullString
    var userData models.JSON
    if err := row.Scan(
        &item.ID, &item.UserID, &campaignID, &item.CallType, &item.AgentID, &item.ToNumber,
        &item.Priority, &item.ScheduledFor, &item.Status, &userData, &failureReason, &item.CreatedAt, &item.UpdatedAt,
    ); err != nil {
        return nil, err
    }
    if campaignID.Valid {
        item.CampaignID = &campaignID.Int64
    }
    item.FailureReason = failureReason.String
    item.UserData = userData
    return &item, nil
}

// GetByID loads a single queue item regardless of status.
func (r *Repository) GetByID(ctx context.Context, id int64) (*models.QueueItem, error) {
    row := r.db.QueryRowContext(ctx, `
        SELECT id, user_id, campaign_id, call_type, agent_id, to_number,
               priority, scheduled_for, status, user_data, failure_reason, created_at, updated_at
        FROM queue WHERE id = ?`, id)

    item, err := scanQueueItem(row)
    if err == sql.ErrNoRows {
        return nil, nil
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to load queue item")
    }
    return item, nil
}

// MarkProcessing transitions a pending item to processing, guarded by a
// status check so two dispatcher ticks can never claim the same item.
func (r *Repository) MarkProcessing(ctx context.Context, id int64) (bool, error) {
    res, err := r.db.ExecContext(ctx, `
        UPDATE queue SET status = 'processing', updated_at = NOW()
        WHERE id = ? AND status = 'pending'`, id)
    if err != nil {
        return false, errors.Wrap(err, errors.ErrDatabase, "failed to mark queue item processing")
    }
    n, err := res.RowsAffected()
    if err != nil {
        return false, errors.Wrap(err, errors.ErrDatabase, "failed to read rows affected")
    }
    return n == 1, nil
}

// MarkDispatched transitions an item to its terminal success state.
func (r *Repository) MarkDispatched(ctx context.Context, id int64) error {
    return r.setStatus(ctx, id, models.QueueStatusDispatched, "")
}

// MarkFailed transitions an item to its terminal failure state.
func (r *Repository) MarkFailed(ctx context.Context, id int64, reason string) error {
    return r.setStatus(ctx, id, models.QueueStatusFailed, reason)
}

// Requeue returns a claimed-but-not-yet-dispatched item to pending, used
// when the reservation attempt itself fails with an error.
func (r *Repository) Requeue(ctx context.Context, id int64) error {
    return r.setStatus(ctx, id, models.QueueStatusPending, "")
}

// RequeueWithReason is Requeue plus a failure_reason annotation, for
// the queued-to-queued transitions where the item goes back untouched
// but the operator should see why it bounced (system or user at capacity).
func (r *Repository) RequeueWithReason(ctx context.Context, id int64, reason string) error {
    return r.setStatus(ctx, id, models.QueueStatusPending, reason)
}

// AnnotateFailure records a failure_reason on an item without moving
// its status, the queued-to-queued re-annotation the item state machine
// allows as its only non-monotonic edge.
func (r *Repository) AnnotateFailure(ctx context.Context, id int64, reason string) error {
    _, err := r.db.ExecContext(ctx, `
        UPDATE queue SET failure_reason = ?, updated_at = NOW() WHERE id = ?`, reason, id)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to annotate queue item")
    }
    return nil
}

func (r *Repository) setStatus(ctx context.Context, id int64, status models.QueueItemStatus, reason string) error {
    _, err := r.db.ExecContext(ctx, `
        UPDATE queue SET status = ?, failure_reason = ?, updated_at = NOW() WHERE id = ?`,
        string(status), reason, id)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to update queue item status")
    }
    return nil
}

// Enqueue inserts a new pending queue item.
func (r *Repository) Enqueue(ctx context.Context, item *models.QueueItem) (int64, error) {
    res, err := r.db.ExecContext(ctx, `
        INSERT INTO queue (user_id, campaign_id, call_type, agent_id, to_number, priority, scheduled_for, status, user_data, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, NOW(), NOW())`,
        item.UserID, item.CampaignID, string(item.CallType), item.AgentID, item.ToNumber,
        item.Priority, item.ScheduledFor, item.UserData)
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "failed to enqueue item")
    }
    return res.LastInsertId()
}

// CountPending reports queue depth per call type, used by the
// queue_depth gauge sampler and by `dispatchctl queue stats`.
func (r *Repository) CountPending(ctx context.Context, callType models.CallType) (int, error) {
    var count int
    err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue WHERE status = 'pending' AND call_type = ?`, string(callType)).Scan(&count)
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "failed to count pending queue items")
    }
    return count, nil
}
