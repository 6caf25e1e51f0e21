package dispatcher

import (
    "context"
    "database/sql"

    "github.com/outcall/dispatchcore/pkg/errors"
    "github.com/outcall/dispatchcore/pkg/logger"
)

// CreditsGate decides whether a user can still pay for calls. A user
// whose balance hits zero has all running campaigns paused in the same
// step, so the campaign ingestor cannot keep feeding items the
// dispatcher would only bounce.
type CreditsGate struct {
    db *sql.DB
}

func NewCreditsGate(db *sql.DB) *CreditsGate {
    return &CreditsGate{db: db}
}

// Allow reports whether the user has a positive credit balance. When
// the balance is exhausted it pauses every active campaign the user
// owns before returning false. A user without a users row is allowed
// through -- limits and billing for such rows are enforced upstream,
// matching how the registry falls back to the default concurrency
// limit for them.
func (g *CreditsGate) Allow(ctx context.Context, userID int64) (bool, error) {
    var credits int64
    err := g.db.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = ?`, userID).Scan(&credits)
    if err == sql.ErrNoRows {
        return true, nil
    }
    if err != nil {
        return false, errors.Wrap(err, errors.ErrDatabase, "failed to read user credits")
    }
    if credits > 0 {
        return true, nil
    }

    res, err := g.db.ExecContext(ctx, `
        UPDATE campaigns SET status = 'paused' WHERE user_id = ? AND status = 'active'`, userID)
    if err != nil {
        return false, errors.Wrap(err, errors.ErrDatabase, "failed to pause campaigns for user out of credits")
    }
    if paused, _ := res.RowsAffected(); paused > 0 {
        logger.WithContext(ctx).WithField("user_id", userID).WithField("paused_campaigns", paused).
            Warn("user out of credits, paused active campaigns")
    }
    return false, nil
}
