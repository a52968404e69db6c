package presence

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepository_SaveLastSeen(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewRepository(db)

	require.NoError(t, repo.SaveLastSeen(context.Background(), nil), "empty batch is a no-op")

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO presence")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	err = repo.SaveLastSeen(context.Background(), []Presence{
		{UserID: "a", Status: StatusOffline, LastActiveAt: 1000},
		{UserID: "b", Status: StatusOffline, LastActiveAt: 2000, NetworkHash: "n"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_LastSeen(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewRepository(db)
	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT last_seen_at FROM presence")).
		WithArgs("a").
		WillReturnRows(sqlmock.NewRows([]string{"last_seen_at"}).AddRow(seen))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT last_seen_at FROM presence")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"last_seen_at"}))

	got, ok, err := repo.LastSeen(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, seen, got)

	_, ok, err = repo.LastSeen(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}
