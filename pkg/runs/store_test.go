package runs

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runRow(id, message, mode, status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "message", "mode", "status", "decision", "planned_tool_calls",
		"enqueued_call_ids", "assistant_message", "errors", "created_at", "updated_at",
	}).AddRow(id, message, mode, status, "", []byte(`[]`), []byte(`[]`), "", []byte(`[]`), now, now)
}

func TestStore_CreateInsertsRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("INSERT INTO runs").WillReturnRows(runRow("run-1", "create task: call John", "plan", "pending"))

	store := NewStore(db)
	r, err := store.Create(context.Background(), &Run{Message: "create task: call John", Mode: ModePlan})
	require.NoError(t, err)
	assert.Equal(t, "run-1", r.ID)
	assert.Equal(t, StatusPending, r.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT .* FROM runs").WillReturnRows(sqlmock.NewRows([]string{
		"id", "message", "mode", "status", "decision", "planned_tool_calls",
		"enqueued_call_ids", "assistant_message", "errors", "created_at", "updated_at",
	}))

	store := NewStore(db)
	_, err = store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
