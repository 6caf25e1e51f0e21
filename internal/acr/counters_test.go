package acr

import (
    "context"
    "database/sql"
    "regexp"
    "testing"
    "time"

    "github.com/DATA-DOG/go-sqlmock"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestScopeUserIDSentinel(t *testing.T) {
    assert.Equal(t, int64(0), scopeUserID(nil))

    userID := int64(42)
    assert.Equal(t, int64(42), scopeUserID(&userID))
}

func TestLockCounterUsesSentinelForSystemScope(t *testing.T) {
    rawDB, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer rawDB.Close()

    mock.ExpectBegin()
    mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO capacity_counters (scope, user_id, active_count)`)).
        WithArgs("system", int64(0)).
        WillReturnResult(sqlmock.NewResult(0, 1))
    mock.ExpectQuery(regexp.QuoteMeta(`SELECT active_count FROM capacity_counters`)).
        WithArgs("system", int64(0)).
        WillReturnRows(sqlmock.NewRows([]string{"active_count"}).AddRow(3))

    tx, err := rawDB.Begin()
    require.NoError(t, err)

    count, err := lockCounter(context.Background(), tx, "system", nil)
    assert.NoError(t, err)
    assert.Equal(t, 3, count)
    assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockCounterUsesUserIDForUserScope(t *testing.T) {
    rawDB, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer rawDB.Close()

    userID := int64(7)

    mock.ExpectBegin()
    mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO capacity_counters (scope, user_id, active_count)`)).
        WithArgs("user", userID).
        WillReturnResult(sqlmock.NewResult(0, 1))
    mock.ExpectQuery(regexp.QuoteMeta(`SELECT active_count FROM capacity_counters`)).
        WithArgs("user", userID).
        WillReturnRows(sqlmock.NewRows([]string{"active_count"}).AddRow(1))

    tx, err := rawDB.Begin()
    require.NoError(t, err)

    count, err := lockCounter(context.Background(), tx, "user", &userID)
    assert.NoError(t, err)
    assert.Equal(t, 1, count)
    assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBumpCounterClampsAtZero(t *testing.T) {
    rawDB, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer rawDB.Close()

    mock.ExpectBegin()
    mock.ExpectExec(regexp.QuoteMeta(`SET active_count = GREATEST(active_count + ?, 0)`)).
        WithArgs(-1, "system", int64(0)).
        WillReturnResult(sqlmock.NewResult(0, 1))

    tx, err := rawDB.Begin()
    require.NoError(t, err)

    err = bumpCounter(context.Background(), tx, "system", nil, -1)
    assert.NoError(t, err)
    assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadCounterReturnsZeroWhenRowMissing(t *testing.T) {
    rawDB, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer rawDB.Close()

    mock.ExpectQuery(regexp.QuoteMeta(`SELECT active_count FROM capacity_counters`)).
        WithArgs("user", int64(99)).
        WillReturnError(sql.ErrNoRows)

    userID := int64(99)
    count, err := readCounter(context.Background(), rawDB, "user", &userID)
    assert.NoError(t, err)
    assert.Equal(t, 0, count)
}

func TestBumpUserLastAllocation(t *testing.T) {
    rawDB, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer rawDB.Close()

    mock.ExpectBegin()
    mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO user_allocation_state`)).
        WithArgs(int64(5), sqlmock.AnyArg()).
        WillReturnResult(sqlmock.NewResult(0, 1))

    tx, err := rawDB.Begin()
    require.NoError(t, err)

    err = bumpUserLastAllocation(context.Background(), tx, 5, time.Now())
    assert.NoError(t, err)
    assert.NoError(t, mock.ExpectationsWereMet())
}
