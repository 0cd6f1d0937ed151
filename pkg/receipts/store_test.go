package receipts

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_PutInsertsNewReceipt(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "call_id", "tool_name", "status", "result", "effects", "created_at"}).
		AddRow("receipt-1", "call-1", "leads.create", "succeeded", `{"lead_id":"abc"}`, `{"db_writes":[],"db_reads":[],"messages_sent":[],"files_written":[],"external_calls":[],"idempotency":{"mode":"keyed","hit":false}}`, now)

	mock.ExpectQuery("INSERT INTO receipts").WillReturnRows(rows)

	store := NewStore(db)
	r := &Receipt{
		CallID:   "call-1",
		ToolName: "leads.create",
		Status:   StatusSucceeded,
		Result:   json.RawMessage(`{"lead_id":"abc"}`),
		Effects: Effects{
			DBWrites: []DBWrite{}, DBReads: []DBRead{}, MessagesSent: []MessageSent{},
			FilesWritten: []string{}, ExternalCalls: []ExternalCall{},
			Idempotency: IdempotencyEffect{Mode: "keyed", Hit: false},
		},
	}

	got, err := store.Put(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "call-1", got.CallID)
	assert.Equal(t, StatusSucceeded, got.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_PutConflictReturnsExistingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("INSERT INTO receipts").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "receipts_call_id_key"})

	now := time.Now()
	existingRows := sqlmock.NewRows([]string{"id", "call_id", "tool_name", "status", "result", "effects", "created_at"}).
		AddRow("receipt-existing", "call-1", "leads.create", "succeeded", `{"lead_id":"abc"}`, `{"db_writes":[],"db_reads":[],"messages_sent":[],"files_written":[],"external_calls":[],"idempotency":{"mode":"keyed","hit":true}}`, now)
	mock.ExpectQuery("SELECT .* FROM receipts WHERE call_id").WillReturnRows(existingRows)

	store := NewStore(db)
	r := &Receipt{
		CallID: "call-1", ToolName: "leads.create", Status: StatusSucceeded,
		Result: json.RawMessage(`{}`), Effects: EmptyEffects(),
	}

	got, err := store.Put(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "receipt-existing", got.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_FindByKeyNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT .* FROM receipts").WillReturnRows(sqlmock.NewRows(
		[]string{"id", "call_id", "tool_name", "status", "result", "effects", "created_at"}))

	store := NewStore(db)
	_, err = store.FindByKey(context.Background(), "leads.create", "phone", "+61400000001")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
