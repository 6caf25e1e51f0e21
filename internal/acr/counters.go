package acr

import (
    "context"
    "database/sql"
    "time"

    "github.com/outcall/dispatchcore/pkg/errors"
)

// capacity_counters holds one row per accounting scope ("system", or
// "user" keyed by user_id) tracking the number of active_calls rows
// currently attributed to it. Locking this row with FOR UPDATE before
// checking it against a limit is what makes reserve/release atomic
// under concurrency.
//
// The system-scope row uses user_id = 0 as its sentinel rather than
// NULL: a nullable user_id in the UNIQUE KEY would let MySQL accept
// more than one "system" row, since unique indexes treat NULL as
// distinct per row.

const systemScopeUserID int64 = 0

func scopeUserID(userID *int64) int64 {
    if userID == nil {
        return systemScopeUserID
    }
    return *userID
}

func lockCounter(ctx context.Context, tx *sql.Tx, scope string, userID *int64) (int, error) {
    uid := scopeUserID(userID)

    if _, err := tx.ExecContext(ctx, `
        INSERT INTO capacity_counters (scope, user_id, active_count)
        VALUES (?, ?, 0)
        ON DUPLICATE KEY UPDATE scope = scope`, scope, uid); err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "failed to ensure capacity counter row")
    }

    var count int
    err := tx.QueryRowContext(ctx, `
        SELECT active_count FROM capacity_counters
        WHERE scope = ? AND user_id = ? FOR UPDATE`, scope, uid).Scan(&count)
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "failed to lock capacity counter row")
    }
    return count, nil
}

func bumpCounter(ctx context.Context, tx *sql.Tx, scope string, userID *int64, delta int) error {
    uid := scopeUserID(userID)
    _, err := tx.ExecContext(ctx, `
        UPDATE capacity_counters
        SET active_count = GREATEST(active_count + ?, 0)
        WHERE scope = ? AND user_id = ?`, delta, scope, uid)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to update capacity counter row")
    }
    return nil
}

func readCounter(ctx context.Context, db *sql.DB, scope string, userID *int64) (int, error) {
    uid := scopeUserID(userID)
    var count int
    err := db.QueryRowContext(ctx, `
        SELECT active_count FROM capacity_counters
        WHERE scope = ? AND user_id = ?`, scope, uid).Scan(&count)
    if err == sql.ErrNoRows {
        return 0, nil
    }
    return count, err
}

func bumpUserLastAllocation(ctx context.Context, tx *sql.Tx, userID int64, at time.Time) error {
    _, err := tx.ExecContext(ctx, `
        INSERT INTO user_allocation_state (user_id, last_allocation_at)
        VALUES (?, ?)
        ON DUPLICATE KEY UPDATE last_allocation_at = VALUES(last_allocation_at)`, userID, at)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to update user last_allocation_at")
    }
    return nil
}
