package queue

import (
    "context"
    "regexp"
    "testing"
    "time"

    "github.com/DATA-DOG/go-sqlmock"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/outcall/dispatchcore/internal/models"
)

func TestPeekNextEligibleOrdersByFairnessThenPriority(t *testing.T) {
    rawDB, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer rawDB.Close()

    now := time.Now()
    rows := sqlmock.NewRows([]string{
        "id", "user_id", "campaign_id", "call_type", "agent_id", "to_number",
        "priority", "scheduled_for", "status", "user_data", "failure_reason", "created_at", "updated_at",
    }).AddRow(1, 10, nil, "direct", 3, "+15551234567", 5, now, "pending", []byte(`{}`), nil, now, now)

    mock.ExpectQuery(regexp.QuoteMeta("ORDER BY uas.last_allocation_at IS NOT NULL, uas.last_allocation_at ASC, q.priority DESC, q.scheduled_for ASC, q.created_at ASC")).WillReturnRows(rows)

    repo := NewRepository(rawDB)
    item, err := repo.PeekNextEligible(context.Background(), now)
    require.NoError(t, err)
    require.NotNil(t, item)
    assert.Equal(t, int64(1), item.ID)
    assert.Equal(t, models.CallTypeDirect, item.CallType)
    assert.Nil(t, item.CampaignID)
}

func TestPeekNextEligibleReturnsNilWhenEmpty(t *testing.T) {
    rawDB, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer rawDB.Close()

    mock.ExpectQuery(regexp.QuoteMeta("ORDER BY")).WillReturnRows(sqlmock.NewRows([]string{
        "id", "user_id", "campaign_id", "call_type", "agent_id", "to_number",
        "priority", "scheduled_for", "status", "user_data", "failure_reason", "created_at", "updated_at",
    }))

    repo := NewRepository(rawDB)
    item, err := repo.PeekNextEligible(context.Background(), time.Now())
    assert.NoError(t, err)
    assert.Nil(t, item)
}

func TestPeekNextEligibleExcludesBlockedUsers(t *testing.T) {
    rawDB, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer rawDB.Close()

    now := time.Now()
    rows := sqlmock.NewRows([]string{
        "id", "user_id", "campaign_id", "call_type", "agent_id", "to_number",
        "priority", "scheduled_for", "status", "user_data", "failure_reason", "created_at", "updated_at",
    }).AddRow(2, 11, nil, "direct", 3, "+15551234567", 5, now, "pending", []byte(`{}`), nil, now, now)

    mock.ExpectQuery(regexp.QuoteMeta("NOT IN (?,?)")).
        WithArgs(sqlmock.AnyArg(), int64(7), int64(9)).
        WillReturnRows(rows)

    repo := NewRepository(rawDB)
    item, err := repo.PeekNextEligible(context.Background(), now, 7, 9)
    require.NoError(t, err)
    require.NotNil(t, item)
    assert.Equal(t, int64(11), item.UserID)
}

func TestAnnotateFailureLeavesStatusUntouched(t *testing.T) {
    rawDB, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer rawDB.Close()

    mock.ExpectExec(regexp.QuoteMeta("UPDATE queue SET failure_reason = ?")).
        WithArgs("insufficient_credits", int64(4)).
        WillReturnResult(sqlmock.NewResult(0, 1))

    repo := NewRepository(rawDB)
    err = repo.AnnotateFailure(context.Background(), 4, "insufficient_credits")
    assert.NoError(t, err)
    assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessingOnlyClaimsPendingItems(t *testing.T) {
    rawDB, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer rawDB.Close()

    mock.ExpectExec(regexp.QuoteMeta("UPDATE queue SET status = 'processing'")).
        WithArgs(int64(1)).
        WillReturnResult(sqlmock.NewResult(0, 1))

    repo := NewRepository(rawDB)
    claimed, err := repo.MarkProcessing(context.Background(), 1)
    assert.NoError(t, err)
    assert.True(t, claimed)
}

func TestMarkProcessingReturnsFalseWhenAlreadyClaimed(t *testing.T) {
    rawDB, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer rawDB.Close()

    mock.ExpectExec(regexp.QuoteMeta("UPDATE queue SET status = 'processing'")).
        WithArgs(int64(1)).
        WillReturnResult(sqlmock.NewResult(0, 0))

    repo := NewRepository(rawDB)
    claimed, err := repo.MarkProcessing(context.Background(), 1)
    assert.NoError(t, err)
    assert.False(t, claimed)
}

func TestCountPendingByCallType(t *testing.T) {
    rawDB, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer rawDB.Close()

    mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM queue")).
        WithArgs("campaign").
        WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

    repo := NewRepository(rawDB)
    count, err := repo.CountPending(context.Background(), models.CallTypeCampaign)
    assert.NoError(t, err)
    assert.Equal(t, 4, count)
}

func TestEnqueueReturnsInsertedID(t *testing.T) {
    rawDB, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer rawDB.Close()

    item := &models.QueueItem{
        UserID:       1,
        CallType:     models.CallTypeDirect,
        AgentID:      2,
        ToNumber:     "+15551234567",
        Priority:     1,
        ScheduledFor: time.Now(),
        UserData:     models.JSON{},
    }

    mock.ExpectExec(regexp.QuoteMeta("INSERT INTO queue")).
        WillReturnResult(sqlmock.NewResult(42, 1))

    repo := NewRepository(rawDB)
    id, err := repo.Enqueue(context.Background(), item)
    assert.NoError(t, err)
    assert.Equal(t, int64(42), id)
}
