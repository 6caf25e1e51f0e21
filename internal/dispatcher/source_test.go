package dispatcher

import (
    "context"
    "database/sql"
    "regexp"
    "testing"

    "github.com/DATA-DOG/go-sqlmock"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/outcall/dispatchcore/internal/db"
    "github.com/outcall/dispatchcore/internal/models"
    "github.com/outcall/dispatchcore/pkg/errors"
)

func TestSelectSourceNumberPrecedence(t *testing.T) {
    tests := []struct {
        name     string
        userData models.JSON
        setup    func(mock sqlmock.Sqlmock)
        want     string
    }{
        {
            name:     "explicit override wins once ownership is verified",
            userData: models.JSON{"from_number": "+15559990000"},
            setup: func(mock sqlmock.Sqlmock) {
                mock.ExpectQuery(regexp.QuoteMeta(`SELECT user_id FROM phone_numbers WHERE e164_number = ?`)).
                    WithArgs("+15559990000").
                    WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(int64(5)))
            },
            want: "+15559990000",
        },
        {
            name:     "agent assigned number beats the user's own numbers",
            userData: models.JSON{},
            setup: func(mock sqlmock.Sqlmock) {
                mock.ExpectQuery(regexp.QuoteMeta(`SELECT pn.e164_number FROM phone_numbers pn`)).
                    WithArgs(int64(2)).
                    WillReturnRows(sqlmock.NewRows([]string{"e164_number"}).AddRow("+15551112222"))
            },
            want: "+15551112222",
        },
        {
            name:     "newest user number when the agent has none assigned",
            userData: models.JSON{},
            setup: func(mock sqlmock.Sqlmock) {
                mock.ExpectQuery(regexp.QuoteMeta(`SELECT pn.e164_number FROM phone_numbers pn`)).
                    WithArgs(int64(2)).
                    WillReturnError(sql.ErrNoRows)
                mock.ExpectQuery(regexp.QuoteMeta(`SELECT e164_number FROM phone_numbers`)).
                    WithArgs(int64(5)).
                    WillReturnRows(sqlmock.NewRows([]string{"e164_number"}).AddRow("+15553334444"))
            },
            want: "+15553334444",
        },
        {
            name:     "provider default when nothing is available",
            userData: models.JSON{},
            setup: func(mock sqlmock.Sqlmock) {
                mock.ExpectQuery(regexp.QuoteMeta(`SELECT pn.e164_number FROM phone_numbers pn`)).
                    WithArgs(int64(2)).
                    WillReturnError(sql.ErrNoRows)
                mock.ExpectQuery(regexp.QuoteMeta(`SELECT e164_number FROM phone_numbers`)).
                    WithArgs(int64(5)).
                    WillReturnError(sql.ErrNoRows)
            },
            want: "",
        },
    }

    for _, tt := range tests {
        t.Run(tt.name, func(t *testing.T) {
            rawDB, mock, err := sqlmock.New()
            require.NoError(t, err)
            defer rawDB.Close()

            tt.setup(mock)

            s := NewNumberSelector(rawDB, db.GetCache())
            item := &models.QueueItem{UserID: 5, AgentID: 2, UserData: tt.userData}
            got, err := s.SelectSourceNumber(context.Background(), item)
            require.NoError(t, err)
            assert.Equal(t, tt.want, got)
            assert.NoError(t, mock.ExpectationsWereMet())
        })
    }
}

func TestSelectSourceNumberRejectsOverrideNotOwnedByUser(t *testing.T) {
    rawDB, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer rawDB.Close()

    mock.ExpectQuery(regexp.QuoteMeta(`SELECT user_id FROM phone_numbers WHERE e164_number = ?`)).
        WithArgs("+15559990000").
        WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(int64(8)))

    s := NewNumberSelector(rawDB, db.GetCache())
    item := &models.QueueItem{UserID: 5, AgentID: 2, UserData: models.JSON{"from_number": "+15559990000"}}
    _, err = s.SelectSourceNumber(context.Background(), item)
    require.Error(t, err)
    assert.True(t, errors.Is(err, errors.ErrPrecondition), "a foreign number must be a fatal precondition error")
}

func TestSelectSourceNumberRejectsUnregisteredOverride(t *testing.T) {
    rawDB, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer rawDB.Close()

    mock.ExpectQuery(regexp.QuoteMeta(`SELECT user_id FROM phone_numbers WHERE e164_number = ?`)).
        WithArgs("+15550000000").
        WillReturnError(sql.ErrNoRows)

    s := NewNumberSelector(rawDB, db.GetCache())
    item := &models.QueueItem{UserID: 5, AgentID: 2, UserData: models.JSON{"from_number": "+15550000000"}}
    _, err = s.SelectSourceNumber(context.Background(), item)
    require.Error(t, err)
    assert.True(t, errors.Is(err, errors.ErrPrecondition))
}

func TestAgentProviderIDMissingAgentIsPreconditionError(t *testing.T) {
    rawDB, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer rawDB.Close()

    mock.ExpectQuery(regexp.QuoteMeta(`SELECT voice_provider_agent_id FROM agents WHERE id = ?`)).
        WithArgs(int64(404)).
        WillReturnError(sql.ErrNoRows)

    s := NewNumberSelector(rawDB, db.GetCache())
    _, err = s.AgentProviderID(context.Background(), 404)
    assert.Error(t, err)
}
