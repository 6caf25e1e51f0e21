package webhook

import (
    "context"
    "database/sql"
    "time"

    "github.com/outcall/dispatchcore/internal/models"
    "github.com/outcall/dispatchcore/pkg/errors"
)

// DLQStore persists retry jobs that exhausted their retry budget so an
// operator restart does not lose dead letters. The in-memory RetryJob
// map holds only jobs still being retried; an exhausted job leaves the
// map and is kept only in this table.
type DLQStore struct {
    db *sql.DB
}

func NewDLQStore(db *sql.DB) *DLQStore {
    return &DLQStore{db: db}
}

func (s *DLQStore) Promote(ctx context.Context, job *models.RetryJob, lastError string) error {
    _, err := s.db.ExecContext(ctx, `
        INSERT INTO dlq_items (execution_id, payload, attempts, last_error, moved_at)
        VALUES (?, ?, ?, ?, ?)`,
        job.ExecutionID, job.Payload, job.Attempts, lastError, time.Now())
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to persist dead-letter item")
    }
    return nil
}

func (s *DLQStore) List(ctx context.Context) ([]*models.DLQItem, error) {
    rows, err := s.db.QueryContext(ctx, `
        SELECT id, execution_id, payload, attempts, last_error, moved_at
        FROM dlq_items ORDER BY moved_at DESC`)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to list dead-letter items")
    }
    defer rows.Close()

    var items []*models.DLQItem
    for rows.Next() {
        var item models.DLQItem
        var payload models.JSON
        if err := rows.Scan(&item.ID, &item.ExecutionID, &payload, &item.Attempts, &item.LastError, &item.MovedAt); err != nil {
            return nil, errors.Wrap(err, errors.ErrDatabase, "failed to scan dead-letter item")
        }
        item.Payload = payload
        items = append(items, &item)
    }
    return items, rows.Err()
}

func (s *DLQStore) Purge(ctx context.Context, id int64) error {
    _, err := s.db.ExecContext(ctx, `DELETE FROM dlq_items WHERE id = ?`, id)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to purge dead-letter item")
    }
    return nil
}

// PurgeOlderThan removes every dead-letter item that landed before
// cutoff and reports how many went.
func (s *DLQStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
    res, err := s.db.ExecContext(ctx, `DELETE FROM dlq_items WHERE moved_at < ?`, cutoff)
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "failed to purge old dead-letter items")
    }
    return res.RowsAffected()
}

// Reprocess runs a dead-letter item through the processor once,
// synchronously, and removes it on success. This is the operator
// "manual retry" path: unlike Retry it needs no running retry loop, so
// the CLI can drive it directly.
func (s *DLQStore) Reprocess(ctx context.Context, id int64, processor Processor) error {
    var payload models.JSON
    err := s.db.QueryRowContext(ctx, `SELECT payload FROM dlq_items WHERE id = ?`, id).Scan(&payload)
    if err == sql.ErrNoRows {
        return errors.New(errors.ErrPrecondition, "dead-letter item not found")
    }
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to load dead-letter item")
    }

    if err := processor.Process(ctx, payloadFromJSON(payload)); err != nil {
        return err
    }

    if _, err := s.db.ExecContext(ctx, `DELETE FROM dlq_items WHERE id = ?`, id); err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to remove dead-letter item after reprocess")
    }
    return nil
}

// Retry re-admits a dead-letter item as a fresh in-memory retry job
// with its attempt counter reset, then removes it from the durable
// dead-letter table.
func (s *DLQStore) Retry(ctx context.Context, id int64, mgr *Manager) error {
    var executionID string
    var payload models.JSON
    err := s.db.QueryRowContext(ctx, `SELECT execution_id, payload FROM dlq_items WHERE id = ?`, id).Scan(&executionID, &payload)
    if err == sql.ErrNoRows {
        return errors.New(errors.ErrPrecondition, "dead-letter item not found")
    }
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to load dead-letter item")
    }

    mgr.scheduleRetry(payloadFromJSON(payload), 0, "")

    if _, err := s.db.ExecContext(ctx, `DELETE FROM dlq_items WHERE id = ?`, id); err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to remove dead-letter item after requeue")
    }
    return nil
}
