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

    "github.com/outcall/dispatchcore/internal/db"
    "github.com/outcall/dispatchcore/internal/models"
    "github.com/outcall/dispatchcore/pkg/errors"
)

func newTestRegistry(t *testing.T) (*Registry, sqlmock.Sqlmock, func()) {
    rawDB, mock, err := sqlmock.New()
    require.NoError(t, err)

    database := &db.DB{DB: rawDB}
    cache := db.GetCache() // uninitialized package cache: Lock is a no-op

    return NewRegistry(database, cache, Limits{SystemConcurrentCalls: 10, DefaultUserConcurrent: 2}), mock, func() { rawDB.Close() }
}

func TestReserveDirectGrantsSlotWhenUnderLimits(t *testing.T) {
    reg, mock, closeFn := newTestRegistry(t)
    defer closeFn()

    mock.ExpectBegin()
    mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO capacity_counters (scope, user_id, active_count)`)).
        WithArgs("system", int64(0)).WillReturnResult(sqlmock.NewResult(0, 1))
    mock.ExpectQuery(regexp.QuoteMeta(`SELECT active_count FROM capacity_counters`)).
        WithArgs("system", int64(0)).WillReturnRows(sqlmock.NewRows([]string{"active_count"}).AddRow(1))
    mock.ExpectQuery(regexp.QuoteMeta(`SELECT concurrent_limit FROM users WHERE id = ?`)).
        WithArgs(int64(5)).WillReturnRows(sqlmock.NewRows([]string{"concurrent_limit"}).AddRow(2))
    mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO capacity_counters (scope, user_id, active_count)`)).
        WithArgs("user", int64(5)).WillReturnResult(sqlmock.NewResult(0, 1))
    mock.ExpectQuery(regexp.QuoteMeta(`SELECT active_count FROM capacity_counters`)).
        WithArgs("user", int64(5)).WillReturnRows(sqlmock.NewRows([]string{"active_count"}).AddRow(0))
    mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO active_calls`)).
        WillReturnResult(sqlmock.NewResult(99, 1))
    mock.ExpectExec(regexp.QuoteMeta(`UPDATE capacity_counters`)).
        WithArgs(1, "system", int64(0)).WillReturnResult(sqlmock.NewResult(0, 1))
    mock.ExpectExec(regexp.QuoteMeta(`UPDATE capacity_counters`)).
        WithArgs(1, "user", int64(5)).WillReturnResult(sqlmock.NewResult(0, 1))
    mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO user_allocation_state`)).
        WithArgs(int64(5), sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
    mock.ExpectCommit()

    outcome, call, err := reg.ReserveDirect(context.Background(), 5, nil, "+15551234567", nil)
    require.NoError(t, err)
    assert.Equal(t, errors.OutcomeOK, outcome.Kind)
    require.NotNil(t, call)
    assert.Equal(t, int64(99), call.ID)
    assert.Equal(t, models.CallTypeDirect, call.CallType)
    assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveDirectQueuesWhenSystemAtCapacity(t *testing.T) {
    reg, mock, closeFn := newTestRegistry(t)
    defer closeFn()

    mock.ExpectBegin()
    mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO capacity_counters (scope, user_id, active_count)`)).
        WithArgs("system", int64(0)).WillReturnResult(sqlmock.NewResult(0, 1))
    mock.ExpectQuery(regexp.QuoteMeta(`SELECT active_count FROM capacity_counters`)).
        WithArgs("system", int64(0)).WillReturnRows(sqlmock.NewRows([]string{"active_count"}).AddRow(10))
    mock.ExpectCommit()

    outcome, call, err := reg.ReserveDirect(context.Background(), 5, nil, "+15551234567", nil)
    require.NoError(t, err)
    assert.Equal(t, errors.OutcomeQueue, outcome.Kind)
    assert.Nil(t, call)
    assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveDirectQueuesWhenUserAtCapacity(t *testing.T) {
    reg, mock, closeFn := newTestRegistry(t)
    defer closeFn()

    mock.ExpectBegin()
    mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO capacity_counters (scope, user_id, active_count)`)).
        WithArgs("system", int64(0)).WillReturnResult(sqlmock.NewResult(0, 1))
    mock.ExpectQuery(regexp.QuoteMeta(`SELECT active_count FROM capacity_counters`)).
        WithArgs("system", int64(0)).WillReturnRows(sqlmock.NewRows([]string{"active_count"}).AddRow(1))
    mock.ExpectQuery(regexp.QuoteMeta(`SELECT concurrent_limit FROM users WHERE id = ?`)).
        WithArgs(int64(5)).WillReturnRows(sqlmock.NewRows([]string{"concurrent_limit"}).AddRow(2))
    mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO capacity_counters (scope, user_id, active_count)`)).
        WithArgs("user", int64(5)).WillReturnResult(sqlmock.NewResult(0, 1))
    mock.ExpectQuery(regexp.QuoteMeta(`SELECT active_count FROM capacity_counters`)).
        WithArgs("user", int64(5)).WillReturnRows(sqlmock.NewRows([]string{"active_count"}).AddRow(2))
    mock.ExpectCommit()

    outcome, call, err := reg.ReserveDirect(context.Background(), 5, nil, "+15551234567", nil)
    require.NoError(t, err)
    assert.Equal(t, errors.OutcomeQueue, outcome.Kind)
    assert.Nil(t, call)
    assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveCampaignRejectsWhenCampaignNotActive(t *testing.T) {
    reg, mock, closeFn := newTestRegistry(t)
    defer closeFn()

    mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM campaigns WHERE id = ?`)).
        WithArgs(int64(7)).
        WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("paused"))

    outcome, call, err := reg.ReserveCampaign(context.Background(), 5, 7, nil, "+15551234567", nil)
    require.NoError(t, err)
    assert.Equal(t, errors.OutcomeReject, outcome.Kind)
    assert.Nil(t, call)
    assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachExecutionUpdatesActiveCall(t *testing.T) {
    reg, mock, closeFn := newTestRegistry(t)
    defer closeFn()

    mock.ExpectExec(regexp.QuoteMeta(`UPDATE active_calls SET execution_id = ? WHERE id = ?`)).
        WithArgs("exec-1", int64(99)).
        WillReturnResult(sqlmock.NewResult(0, 1))

    err := reg.AttachExecution(context.Background(), 99, "exec-1")
    assert.NoError(t, err)
    assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseByExecutionIsNoOpWhenAlreadyReleased(t *testing.T) {
    reg, mock, closeFn := newTestRegistry(t)
    defer closeFn()

    mock.ExpectBegin()
    mock.ExpectQuery(regexp.QuoteMeta(`SELECT user_id FROM active_calls WHERE execution_id = ? FOR UPDATE`)).
        WithArgs("exec-gone").
        WillReturnError(sql.ErrNoRows)
    mock.ExpectCommit()

    err := reg.ReleaseByExecution(context.Background(), "exec-gone")
    assert.NoError(t, err)
    assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseByExecutionPropagatesUnexpectedError(t *testing.T) {
    reg, mock, closeFn := newTestRegistry(t)
    defer closeFn()

    mock.ExpectBegin()
    mock.ExpectQuery(regexp.QuoteMeta(`SELECT user_id FROM active_calls WHERE execution_id = ? FOR UPDATE`)).
        WithArgs("exec-broken").
        WillReturnError(sqlmock.ErrCancelled)
    mock.ExpectRollback()

    err := reg.ReleaseByExecution(context.Background(), "exec-broken")
    assert.Error(t, err)
}

func TestReleaseDeletesRowAndDecrementsCounters(t *testing.T) {
    reg, mock, closeFn := newTestRegistry(t)
    defer closeFn()

    mock.ExpectBegin()
    mock.ExpectQuery(regexp.QuoteMeta(`SELECT user_id FROM active_calls WHERE id = ? FOR UPDATE`)).
        WithArgs(int64(99)).
        WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(int64(5)))
    mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM active_calls WHERE id = ?`)).
        WithArgs(int64(99)).WillReturnResult(sqlmock.NewResult(0, 1))
    mock.ExpectExec(regexp.QuoteMeta(`UPDATE capacity_counters`)).
        WithArgs(-1, "system", int64(0)).WillReturnResult(sqlmock.NewResult(0, 1))
    mock.ExpectExec(regexp.QuoteMeta(`UPDATE capacity_counters`)).
        WithArgs(-1, "user", int64(5)).WillReturnResult(sqlmock.NewResult(0, 1))
    mock.ExpectCommit()

    err := reg.Release(context.Background(), 99)
    assert.NoError(t, err)
    assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountActiveSystemReadsCounterRow(t *testing.T) {
    reg, mock, closeFn := newTestRegistry(t)
    defer closeFn()

    mock.ExpectQuery(regexp.QuoteMeta(`SELECT active_count FROM capacity_counters`)).
        WithArgs("system", int64(0)).
        WillReturnRows(sqlmock.NewRows([]string{"active_count"}).AddRow(4))

    count, err := reg.CountActiveSystem(context.Background())
    assert.NoError(t, err)
    assert.Equal(t, 4, count)
}

func TestListActiveUserScansRows(t *testing.T) {
    reg, mock, closeFn := newTestRegistry(t)
    defer closeFn()

    now := time.Now()
    rows := sqlmock.NewRows([]string{
        "id", "user_id", "campaign_id", "queue_item_id", "execution_id", "call_type", "to_number", "reserved_at", "last_allocation_at",
    }).AddRow(1, 5, nil, nil, "exec-1", "direct", "+15551234567", now, now)

    mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, user_id, campaign_id, queue_item_id, execution_id, call_type, to_number, reserved_at, last_allocation_at`)).
        WithArgs(int64(5)).WillReturnRows(rows)

    out, err := reg.ListActiveUser(context.Background(), 5)
    require.NoError(t, err)
    require.Len(t, out, 1)
    assert.Equal(t, "exec-1", out[0].ExecutionID)
    assert.Nil(t, out[0].CampaignID)
}

func TestCleanupOrphansReleasesStaleReservations(t *testing.T) {
    reg, mock, closeFn := newTestRegistry(t)
    defer closeFn()

    mock.ExpectBegin()
    mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, user_id FROM active_calls`)).
        WillReturnRows(sqlmock.NewRows([]string{"id", "user_id"}).AddRow(int64(1), int64(5)))
    mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM active_calls WHERE id = ?`)).
        WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
    mock.ExpectExec(regexp.QuoteMeta(`UPDATE capacity_counters`)).
        WithArgs(-1, "system", int64(0)).WillReturnResult(sqlmock.NewResult(0, 1))
    mock.ExpectExec(regexp.QuoteMeta(`UPDATE capacity_counters`)).
        WithArgs(-1, "user", int64(5)).WillReturnResult(sqlmock.NewResult(0, 1))
    mock.ExpectCommit()

    released, err := reg.CleanupOrphans(context.Background(), time.Hour)
    assert.NoError(t, err)
    assert.Equal(t, 1, released)
    assert.NoError(t, mock.ExpectationsWereMet())
}
