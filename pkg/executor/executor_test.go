package executor

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callkaidsroofing/toolrunner/pkg/queue"
	"github.com/callkaidsroofing/toolrunner/pkg/receipts"
	"github.com/callkaidsroofing/toolrunner/pkg/registry"
)

const testCatalog = `{
	"version": "test",
	"tools": [
		{
			"name": "os.create_task",
			"description": "create a task",
			"input_schema": {
				"type": "object",
				"properties": {
					"domain": {"type": "string"},
					"title": {"type": "string", "minLength": 1},
					"notes": {"type": "string"}
				},
				"required": ["title"],
				"additionalProperties": false
			},
			"output_schema": {
				"type": "object",
				"properties": {"task_id": {"type": "string", "format": "uuid"}},
				"required": ["task_id"],
				"additionalProperties": false
			},
			"permissions": ["write:db"],
			"idempotency": {"mode": "none"},
			"timeout_ms": 1000,
			"receipt_fields": ["task_id"]
		},
		{
			"name": "leads.create",
			"description": "create a lead",
			"input_schema": {
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"phone": {"type": "string"}
				},
				"required": ["name", "phone"],
				"additionalProperties": false
			},
			"output_schema": {
				"type": "object",
				"properties": {"lead_id": {"type": "string", "format": "uuid"}},
				"required": ["lead_id"],
				"additionalProperties": false
			},
			"permissions": ["write:db"],
			"idempotency": {"mode": "keyed", "key_field": "phone"},
			"timeout_ms": 10000,
			"receipt_fields": ["lead_id"]
		},
		{
			"name": "inspections.schedule",
			"description": "schedule an inspection",
			"input_schema": {"type": "object", "properties": {"address": {"type": "string"}}},
			"output_schema": {"type": "object"},
			"permissions": ["write:db"],
			"idempotency": {"mode": "safe-retry"},
			"timeout_ms": 10000,
			"receipt_fields": []
		}
	]
}`

func newExecutor(t *testing.T) (*Executor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg, err := registry.LoadFromBytes([]byte(testCatalog))
	require.NoError(t, err)

	return &Executor{
		Registry: reg,
		Handlers: NewHandlerRegistry(),
		Calls:    queue.NewStore(db),
		Receipts: receipts.NewStore(db),
		DB:       db,
	}, mock
}

func testCall(id, toolName, input string) *queue.Call {
	return &queue.Call{
		ID:       id,
		ToolName: toolName,
		Input:    json.RawMessage(input),
		Status:   queue.StatusClaimed,
	}
}

func receiptRow(id, callID, toolName, status, result string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "call_id", "tool_name", "status", "result", "effects", "created_at"}).
		AddRow(id, callID, toolName, status, result,
			`{"db_writes":[],"db_reads":[],"messages_sent":[],"files_written":[],"external_calls":[],"idempotency":{"mode":"none","hit":false}}`,
			time.Now())
}

// expectReceiptAndTerminal sets the expectations for writeReceiptAndTransition:
// one receipt insert with the given status, then the call's terminal update.
func expectReceiptAndTerminal(mock sqlmock.Sqlmock, call *queue.Call, status string) {
	mock.ExpectQuery("INSERT INTO receipts").
		WithArgs(sqlmock.AnyArg(), call.ID, call.ToolName, status,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(receiptRow("receipt-1", call.ID, call.ToolName, status, `{}`))
	mock.ExpectExec("UPDATE calls SET").WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestExecuteCall_UnknownToolFastRejects(t *testing.T) {
	e, mock := newExecutor(t)
	call := testCall("call-1", "nonexistent.fake", `{}`)

	expectReceiptAndTerminal(mock, call, "failed")

	require.NoError(t, e.ExecuteCall(context.Background(), "worker-1", call))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteCall_ValidationFailureNamesOffendingField(t *testing.T) {
	e, mock := newExecutor(t)
	call := testCall("call-1", "os.create_task", `{"domain":"business"}`)

	var gotResult []byte
	mock.ExpectQuery("INSERT INTO receipts").
		WithArgs(sqlmock.AnyArg(), call.ID, call.ToolName, "failed",
			argCapture(&gotResult), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(receiptRow("receipt-1", call.ID, call.ToolName, "failed", `{}`))
	mock.ExpectExec("UPDATE calls SET").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, e.ExecuteCall(context.Background(), "worker-1", call))
	require.NoError(t, mock.ExpectationsWereMet())

	var er receipts.ErrorResult
	require.NoError(t, json.Unmarshal(gotResult, &er))
	assert.Equal(t, CodeValidationError, er.Error.Code)
	assert.Contains(t, er.Error.Message, "title")
}

func TestExecuteCall_SuccessRoundTripsInputAndWritesReceipt(t *testing.T) {
	e, mock := newExecutor(t)
	input := `{"title":"call John"}`
	call := testCall("call-1", "os.create_task", input)

	var seenInput json.RawMessage
	e.Handlers.Register("os", "create_task", HandlerFunc(
		func(ctx context.Context, rc *RunContext, in json.RawMessage) Outcome {
			seenInput = in
			result, _ := json.Marshal(map[string]string{"task_id": "3e0677d1-52fb-4a3e-9d7a-2f4b6c8d9e01"})
			return Success{Result: result, DBWrites: []receipts.DBWrite{{Table: "tasks", Action: "insert", ID: "3e0677d1-52fb-4a3e-9d7a-2f4b6c8d9e01"}}}
		}))

	mock.ExpectExec("UPDATE calls SET status = 'running'").WillReturnResult(sqlmock.NewResult(0, 1))
	expectReceiptAndTerminal(mock, call, "succeeded")

	require.NoError(t, e.ExecuteCall(context.Background(), "worker-1", call))
	require.NoError(t, mock.ExpectationsWereMet())
	assert.JSONEq(t, input, string(seenInput))
}

func TestExecuteCall_NotConfiguredIsFirstClassTerminal(t *testing.T) {
	e, mock := newExecutor(t)
	call := testCall("call-1", "os.create_task", `{"title":"send sms"}`)

	e.Handlers.Register("os", "create_task", HandlerFunc(
		func(ctx context.Context, rc *RunContext, in json.RawMessage) Outcome {
			return NotConfigured{Reason: "no provider credential", RequiredEnv: []string{"SMS_PROVIDER_API_KEY"}, NextSteps: []string{"set the credential"}}
		}))

	mock.ExpectExec("UPDATE calls SET status = 'running'").WillReturnResult(sqlmock.NewResult(0, 1))

	var gotResult []byte
	mock.ExpectQuery("INSERT INTO receipts").
		WithArgs(sqlmock.AnyArg(), call.ID, call.ToolName, "not_configured",
			argCapture(&gotResult), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(receiptRow("receipt-1", call.ID, call.ToolName, "not_configured", `{}`))
	mock.ExpectExec("UPDATE calls SET").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, e.ExecuteCall(context.Background(), "worker-1", call))
	require.NoError(t, mock.ExpectationsWereMet())

	var nc receipts.NotConfiguredResult
	require.NoError(t, json.Unmarshal(gotResult, &nc))
	assert.NotEmpty(t, nc.Reason)
	assert.NotEmpty(t, nc.NextSteps)
}

func TestExecuteCall_HandlerTimeout(t *testing.T) {
	e, mock := newExecutor(t)
	call := testCall("call-1", "os.create_task", `{"title":"slow"}`)

	e.Handlers.Register("os", "create_task", HandlerFunc(
		func(ctx context.Context, rc *RunContext, in json.RawMessage) Outcome {
			<-time.After(3 * time.Second)
			return Success{Result: json.RawMessage(`{}`)}
		}))

	mock.ExpectExec("UPDATE calls SET status = 'running'").WillReturnResult(sqlmock.NewResult(0, 1))

	var gotResult []byte
	mock.ExpectQuery("INSERT INTO receipts").
		WithArgs(sqlmock.AnyArg(), call.ID, call.ToolName, "failed",
			argCapture(&gotResult), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(receiptRow("receipt-1", call.ID, call.ToolName, "failed", `{}`))
	mock.ExpectExec("UPDATE calls SET").WillReturnResult(sqlmock.NewResult(0, 1))

	start := time.Now()
	require.NoError(t, e.ExecuteCall(context.Background(), "worker-1", call))
	assert.Less(t, time.Since(start), 2*time.Second, "deadline should fire at timeout_ms, not handler completion")
	require.NoError(t, mock.ExpectationsWereMet())

	var er receipts.ErrorResult
	require.NoError(t, json.Unmarshal(gotResult, &er))
	assert.Equal(t, CodeTimeout, er.Error.Code)
}

func TestExecuteCall_HandlerPanicBecomesExecutionError(t *testing.T) {
	e, mock := newExecutor(t)
	call := testCall("call-1", "os.create_task", `{"title":"boom"}`)

	e.Handlers.Register("os", "create_task", HandlerFunc(
		func(ctx context.Context, rc *RunContext, in json.RawMessage) Outcome {
			panic("unexpected nil")
		}))

	mock.ExpectExec("UPDATE calls SET status = 'running'").WillReturnResult(sqlmock.NewResult(0, 1))

	var gotResult []byte
	mock.ExpectQuery("INSERT INTO receipts").
		WithArgs(sqlmock.AnyArg(), call.ID, call.ToolName, "failed",
			argCapture(&gotResult), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(receiptRow("receipt-1", call.ID, call.ToolName, "failed", `{}`))
	mock.ExpectExec("UPDATE calls SET").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, e.ExecuteCall(context.Background(), "worker-1", call))
	require.NoError(t, mock.ExpectationsWereMet())

	var er receipts.ErrorResult
	require.NoError(t, json.Unmarshal(gotResult, &er))
	assert.Equal(t, CodeExecutionError, er.Error.Code)
	assert.Contains(t, er.Error.Message, "panicked")
}

func TestExecuteCall_KeyedIdempotencyHitSkipsHandler(t *testing.T) {
	e, mock := newExecutor(t)
	call := testCall("call-2", "leads.create", `{"name":"Sarah M","phone":"+61400000001"}`)
	// No handler registered — a probe hit must terminate before dispatch.

	mock.ExpectQuery("SELECT (.|\\n)*FROM receipts(.|\\n)*status = 'succeeded'").
		WithArgs("leads.create", "phone", "+61400000001").
		WillReturnRows(receiptRow("receipt-first", "call-1", "leads.create", "succeeded", `{"lead_id":"abc-123"}`))

	var gotResult, gotEffects []byte
	mock.ExpectQuery("INSERT INTO receipts").
		WithArgs(sqlmock.AnyArg(), call.ID, call.ToolName, "succeeded",
			argCapture(&gotResult), argCapture(&gotEffects), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(receiptRow("receipt-2", call.ID, call.ToolName, "succeeded", `{"lead_id":"abc-123"}`))
	mock.ExpectExec("UPDATE calls SET").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, e.ExecuteCall(context.Background(), "worker-1", call))
	require.NoError(t, mock.ExpectationsWereMet())

	assert.JSONEq(t, `{"lead_id":"abc-123"}`, string(gotResult))
	var effects receipts.Effects
	require.NoError(t, json.Unmarshal(gotEffects, &effects))
	assert.True(t, effects.Idempotency.Hit)
	assert.Equal(t, "phone", effects.Idempotency.KeyField)
	assert.Empty(t, effects.DBWrites)
}

func TestExecuteCall_KeyedMissingKeyFieldFailsValidation(t *testing.T) {
	e, mock := newExecutor(t)
	call := testCall("call-1", "leads.create", `{"name":"Sarah M"}`)

	var gotResult []byte
	mock.ExpectQuery("INSERT INTO receipts").
		WithArgs(sqlmock.AnyArg(), call.ID, call.ToolName, "failed",
			argCapture(&gotResult), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(receiptRow("receipt-1", call.ID, call.ToolName, "failed", `{}`))
	mock.ExpectExec("UPDATE calls SET").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, e.ExecuteCall(context.Background(), "worker-1", call))
	require.NoError(t, mock.ExpectationsWereMet())

	var er receipts.ErrorResult
	require.NoError(t, json.Unmarshal(gotResult, &er))
	assert.Equal(t, CodeValidationError, er.Error.Code)
	assert.Contains(t, er.Error.Message, "phone")
}

func TestExecuteCall_SafeRetryReusesExistingReceipt(t *testing.T) {
	e, mock := newExecutor(t)
	call := testCall("call-1", "inspections.schedule", `{"address":"1 High St"}`)
	// No handler registered — the crash-recovery probe must terminate first.

	mock.ExpectQuery("SELECT (.|\\n)*FROM receipts WHERE call_id").
		WithArgs("call-1").
		WillReturnRows(receiptRow("receipt-prior", "call-1", "inspections.schedule", "succeeded", `{"inspection_id":"xyz"}`))
	// Only the call status advances; the prior receipt stands, no second insert.
	mock.ExpectExec("UPDATE calls SET").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, e.ExecuteCall(context.Background(), "worker-1", call))
	require.NoError(t, mock.ExpectationsWereMet())
}

// argCapture returns a sqlmock argument matcher that accepts anything and
// stores the driver value for later assertions.
func argCapture(dst *[]byte) sqlmock.Argument {
	return capturedArg{dst: dst}
}

type capturedArg struct {
	dst *[]byte
}

func (c capturedArg) Match(v driver.Value) bool {
	switch val := v.(type) {
	case []byte:
		*c.dst = append([]byte(nil), val...)
	case string:
		*c.dst = []byte(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return false
		}
		*c.dst = b
	}
	return true
}
