// Package executor implements the worker's per-call execution sequence:
// registry lookup, idempotency probe, input validation, timed handler
// dispatch, outcome classification, and receipt write.
package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/callkaidsroofing/toolrunner/pkg/receipts"
	"github.com/callkaidsroofing/toolrunner/pkg/registry"
)

// Outcome is the sum type a Handler returns: exactly one of Success,
// NotConfigured, or Failure. Modeling this as a closed interface rather
// than a loose struct means the worker's classification step is an
// exhaustive type switch instead of string-sniffing a status field.
type Outcome interface {
	isOutcome()
}

// Success is a handler's happy-path outcome: Result is the tool-specific
// output object (validated against the contract's output_schema);
// DBWrites/DBReads/MessagesSent/FilesWritten/ExternalCalls are the observable
// side effects the handler performed, for the receipt's audit trail.
type Success struct {
	Result        json.RawMessage
	DBWrites      []receipts.DBWrite
	DBReads       []receipts.DBRead
	MessagesSent  []receipts.MessageSent
	FilesWritten  []string
	ExternalCalls []receipts.ExternalCall
}

func (Success) isOutcome() {}

// NotConfigured is a first-class terminal outcome for a tool whose
// prerequisite environment (an integration credential, a feature flag) is
// absent. It is not a failure.
type NotConfigured struct {
	Reason      string
	RequiredEnv []string
	NextSteps   []string
}

func (NotConfigured) isOutcome() {}

// Failure is a handler-reported error outcome. Code defaults to
// "execution_error" at the worker boundary when the handler doesn't supply one.
type Failure struct {
	Code    string
	Message string
	Details string
}

func (Failure) isOutcome() {}

// Handler is the implementation of a tool's business logic, resolved by
// domain.method. Handlers never see raw errors escaping — every failure
// mode is expressed as a Failure outcome or, for truly unexpected panics,
// recovered by the worker and converted to one.
type Handler interface {
	Execute(ctx context.Context, rc *RunContext, input json.RawMessage) Outcome
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, rc *RunContext, input json.RawMessage) Outcome

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, rc *RunContext, input json.RawMessage) Outcome {
	return f(ctx, rc, input)
}

// DataPort is the narrow datastore capability handlers receive: exactly
// the query surface they need against domain tables, never a raw pool they
// could use to reach into the queue or receipts tables.
type DataPort interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// RunContext carries per-call ambient state into a handler invocation:
// which call this is, its contract, which worker is executing it, the
// invocation deadline, and a narrowed datastore handle. Nothing here is a
// process-wide singleton.
type RunContext struct {
	CallID   string
	WorkerID string
	Contract *registry.Contract
	Deadline time.Time
	DB       DataPort
}
