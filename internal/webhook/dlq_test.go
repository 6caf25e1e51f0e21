package webhook

import (
    "context"
    "database/sql"
    "encoding/json"
    "regexp"
    "testing"
    "time"

    "github.com/DATA-DOG/go-sqlmock"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/outcall/dispatchcore/internal/models"
)

func TestDLQPromotePersistsItem(t *testing.T) {
    rawDB, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer rawDB.Close()

    mock.ExpectExec(regexp.QuoteMeta("INSERT INTO dlq_items")).
        WithArgs("exec-1", sqlmock.AnyArg(), 3, "provider unreachable", sqlmock.AnyArg()).
        WillReturnResult(sqlmock.NewResult(1, 1))

    store := NewDLQStore(rawDB)
    job := &models.RetryJob{ExecutionID: "exec-1", Payload: models.JSON{}, Attempts: 3}
    err = store.Promote(context.Background(), job, "provider unreachable")
    assert.NoError(t, err)
    assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDLQListReturnsItemsNewestFirst(t *testing.T) {
    rawDB, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer rawDB.Close()

    now := time.Now()
    rows := sqlmock.NewRows([]string{"id", "execution_id", "payload", "attempts", "last_error", "moved_at"}).
        AddRow(2, "exec-2", []byte(`{}`), 3, "timeout", now).
        AddRow(1, "exec-1", []byte(`{}`), 3, "timeout", now.Add(-time.Hour))

    mock.ExpectQuery(regexp.QuoteMeta("SELECT id, execution_id, payload, attempts, last_error, moved_at")).
        WillReturnRows(rows)

    store := NewDLQStore(rawDB)
    items, err := store.List(context.Background())
    require.NoError(t, err)
    require.Len(t, items, 2)
    assert.Equal(t, "exec-2", items[0].ExecutionID)
}

func TestDLQPurgeDeletesByID(t *testing.T) {
    rawDB, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer rawDB.Close()

    mock.ExpectExec(regexp.QuoteMeta("DELETE FROM dlq_items WHERE id = ?")).
        WithArgs(int64(9)).
        WillReturnResult(sqlmock.NewResult(0, 1))

    store := NewDLQStore(rawDB)
    err = store.Purge(context.Background(), 9)
    assert.NoError(t, err)
    assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDLQRetryReturnsErrorWhenItemMissing(t *testing.T) {
    rawDB, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer rawDB.Close()

    mock.ExpectQuery(regexp.QuoteMeta("SELECT execution_id, payload FROM dlq_items WHERE id = ?")).
        WithArgs(int64(5)).
        WillReturnError(sql.ErrNoRows)

    store := NewDLQStore(rawDB)
    mgr := NewManager(&fakeProcessor{}, store, DefaultRetryPolicy())
    err = store.Retry(context.Background(), 5, mgr)
    assert.Error(t, err)
}

func TestDLQRetryReadmitsJobAndDeletesRow(t *testing.T) {
    rawDB, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer rawDB.Close()

    payload, err := json.Marshal(payloadToJSON(models.TerminalEventPayload{ExecutionID: "exec-7"}))
    require.NoError(t, err)
    mock.ExpectQuery(regexp.QuoteMeta("SELECT execution_id, payload FROM dlq_items WHERE id = ?")).
        WithArgs(int64(7)).
        WillReturnRows(sqlmock.NewRows([]string{"execution_id", "payload"}).AddRow("exec-7", payload))
    mock.ExpectExec(regexp.QuoteMeta("DELETE FROM dlq_items WHERE id = ?")).
        WithArgs(int64(7)).
        WillReturnResult(sqlmock.NewResult(0, 1))

    store := NewDLQStore(rawDB)
    mgr := NewManager(&fakeProcessor{}, store, DefaultRetryPolicy())
    err = store.Retry(context.Background(), 7, mgr)
    require.NoError(t, err)

    mgr.mu.Lock()
    _, exists := mgr.jobs["exec-7"]
    mgr.mu.Unlock()
    assert.True(t, exists, "retried item should be re-admitted as an in-memory retry job")
    assert.NoError(t, mock.ExpectationsWereMet())
}
