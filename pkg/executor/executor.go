package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/callkaidsroofing/toolrunner/pkg/queue"
	"github.com/callkaidsroofing/toolrunner/pkg/receipts"
	"github.com/callkaidsroofing/toolrunner/pkg/registry"
)

// Error codes recorded in failed receipts' result.error.code.
const (
	CodeUnknownTool     = "unknown_tool"
	CodeValidationError = "validation_error"
	CodeTimeout         = "timeout"
	CodeExecutionError  = "execution_error"
	CodeMissingReceipt  = "missing_receipt"
	CodeLeaseExhausted  = "lease_exhausted"
)

// Executor runs the per-call execution sequence: registry lookup,
// idempotency probe, input validation, timed handler dispatch, outcome
// classification, and receipt write + call status transition.
type Executor struct {
	Registry *registry.Registry
	Handlers *HandlerRegistry
	Calls    *queue.Store
	Receipts *receipts.Store
	DB       DataPort

	// StrictOutputValidation elevates an output-schema violation from a
	// logged warning to a failed receipt. Default false: handler contract
	// violations are an operational concern, not a re-dispatch trigger.
	StrictOutputValidation bool
}

// ExecuteCall runs the full sequence for a single claimed call and writes
// its terminal receipt. A returned error means an infra-level problem (the
// receipt write itself failed) that the caller should retry with backoff;
// every tool-level outcome (validation failure, handler error, timeout,
// not_configured) is handled internally and returns nil.
func (e *Executor) ExecuteCall(ctx context.Context, workerID string, call *queue.Call) error {
	log := slog.With("worker_id", workerID, "call_id", call.ID, "tool_name", call.ToolName)

	// a. Registry lookup.
	contract, err := e.Registry.Get(call.ToolName)
	if err != nil {
		log.Warn("unknown tool", "error", err)
		return e.terminalFailure(ctx, call, CodeUnknownTool, fmt.Sprintf("tool %q is not registered", call.ToolName), "")
	}

	// b. Idempotency probe.
	switch contract.Idempotency.Mode {
	case registry.IdempotencySafeRetry:
		if existing, err := e.Receipts.GetByCallID(ctx, call.ID); err == nil {
			log.Info("safe-retry: reusing existing receipt", "receipt_id", existing.ID)
			return e.Calls.MarkTerminal(ctx, call.ID, queue.Status(existing.Status), "")
		} else if !errors.Is(err, receipts.ErrNotFound) {
			return fmt.Errorf("executor: safe-retry probe: %w", err)
		}
	case registry.IdempotencyKeyed:
		keyValue, ok := stringField(call.Input, contract.Idempotency.KeyField)
		if !ok {
			return e.terminalFailure(ctx, call, CodeValidationError,
				fmt.Sprintf("key_field %q is required and must be non-empty for keyed idempotency", contract.Idempotency.KeyField),
				contract.Idempotency.KeyField)
		}
		existing, err := e.Receipts.FindByKey(ctx, call.ToolName, contract.Idempotency.KeyField, keyValue)
		if err != nil && !errors.Is(err, receipts.ErrNotFound) {
			return fmt.Errorf("executor: keyed idempotency probe: %w", err)
		}
		if err == nil {
			log.Info("keyed idempotency hit", "key_field", contract.Idempotency.KeyField, "key_value", keyValue)
			effects := receipts.EmptyEffects()
			effects.Idempotency = receipts.IdempotencyEffect{
				Mode: string(registry.IdempotencyKeyed), Hit: true,
				KeyField: contract.Idempotency.KeyField, KeyValue: keyValue,
			}
			return e.writeReceiptAndTransition(ctx, call, receipts.StatusSucceeded, existing.Result, effects)
		}
	case registry.IdempotencyNone:
		// no probe
	}

	// c. Input validation.
	if err := e.Registry.ValidateInput(contract, rawToAny(call.Input)); err != nil {
		var ve *registry.ValidationError
		if errors.As(err, &ve) {
			return e.terminalFailure(ctx, call, CodeValidationError, ve.Message, ve.Path)
		}
		return e.terminalFailure(ctx, call, CodeValidationError, err.Error(), "")
	}

	// d. Handler dispatch.
	handler, ok := e.Handlers.Lookup(call.ToolName)
	if !ok {
		return e.terminalFailure(ctx, call, CodeUnknownTool, fmt.Sprintf("no handler registered for %q", call.ToolName), "")
	}

	if err := e.Calls.MarkRunning(ctx, call.ID); err != nil {
		return fmt.Errorf("executor: marking running: %w", err)
	}

	// e. Timed invocation.
	deadline := time.Now().Add(time.Duration(contract.TimeoutMS) * time.Millisecond)
	outcome, timedOut := e.invoke(ctx, handler, call, contract, workerID, deadline)
	if timedOut {
		return e.terminalFailure(ctx, call, CodeTimeout,
			fmt.Sprintf("handler exceeded timeout_ms=%d", contract.TimeoutMS), "")
	}

	// f/g/h. Outcome classification, output validation, receipt write.
	return e.classifyAndWrite(ctx, call, contract, outcome)
}

// invoke runs the handler on a deadline, recovering a panic as a Failure
// outcome so an unhandled handler exception terminates the call failed.
func (e *Executor) invoke(ctx context.Context, h Handler, call *queue.Call, contract *registry.Contract, workerID string, deadline time.Time) (outcome Outcome, timedOut bool) {
	callCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	rc := &RunContext{CallID: call.ID, WorkerID: workerID, Contract: contract, Deadline: deadline, DB: e.DB}

	done := make(chan Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Failure{Code: CodeExecutionError, Message: fmt.Sprintf("handler panicked: %v", r)}
			}
		}()
		done <- h.Execute(callCtx, rc, call.Input)
	}()

	select {
	case outcome = <-done:
		return outcome, false
	case <-callCtx.Done():
		return nil, true
	}
}

// classifyAndWrite classifies the handler's outcome, runs output
// validation on success, and writes the terminal receipt.
func (e *Executor) classifyAndWrite(ctx context.Context, call *queue.Call, contract *registry.Contract, outcome Outcome) error {
	switch o := outcome.(type) {
	case Success:
		if err := e.Registry.ValidateOutput(contract, rawToAny(o.Result)); err != nil {
			slog.Warn("handler output failed contract validation", "call_id", call.ID, "tool_name", call.ToolName, "error", err)
			if e.StrictOutputValidation {
				return e.terminalFailure(ctx, call, CodeExecutionError, "handler output failed contract validation: "+err.Error(), "")
			}
		}
		effects := receipts.Effects{
			DBWrites: nonNilWrites(o.DBWrites), DBReads: nonNilReads(o.DBReads),
			MessagesSent: nonNilMessages(o.MessagesSent), FilesWritten: nonNilStrings(o.FilesWritten),
			ExternalCalls: nonNilExternal(o.ExternalCalls),
			Idempotency: receipts.IdempotencyEffect{
				Mode: string(contract.Idempotency.Mode), Hit: false,
				KeyField: contract.Idempotency.KeyField, KeyValue: idempotencyKeyValue(contract, call.Input),
			},
		}
		return e.writeReceiptAndTransition(ctx, call, receipts.StatusSucceeded, o.Result, effects)

	case NotConfigured:
		result, _ := json.Marshal(receipts.NotConfiguredResult{
			Reason: o.Reason, RequiredEnv: o.RequiredEnv, NextSteps: nonNilStrings(o.NextSteps),
		})
		return e.writeReceiptAndTransition(ctx, call, receipts.StatusNotConfigured, result, receipts.EmptyEffects())

	case Failure:
		code := o.Code
		if code == "" {
			code = CodeExecutionError
		}
		return e.terminalFailure(ctx, call, code, o.Message, o.Details)

	default:
		return e.terminalFailure(ctx, call, CodeExecutionError, "handler returned an unrecognized outcome type", "")
	}
}

// terminalFailure writes a failed receipt with the given error taxonomy
// code/message and transitions the call to failed.
func (e *Executor) terminalFailure(ctx context.Context, call *queue.Call, code, message, details string) error {
	result, _ := json.Marshal(receipts.ErrorResult{Error: receipts.ErrorDetail{Code: code, Message: message, Details: details}})
	return e.writeReceiptAndTransition(ctx, call, receipts.StatusFailed, result, receipts.EmptyEffects())
}

func (e *Executor) writeReceiptAndTransition(ctx context.Context, call *queue.Call, status receipts.Status, result json.RawMessage, effects receipts.Effects) error {
	_, err := e.Receipts.Put(ctx, &receipts.Receipt{
		CallID: call.ID, ToolName: call.ToolName, Status: status, Result: result, Effects: effects,
	})
	if err != nil {
		return fmt.Errorf("executor: writing receipt: %w", err)
	}
	errMsg := ""
	if status == receipts.StatusFailed {
		var er receipts.ErrorResult
		if json.Unmarshal(result, &er) == nil {
			errMsg = er.Error.Code
		}
	}
	if err := e.Calls.MarkTerminal(ctx, call.ID, queue.Status(status), errMsg); err != nil {
		return fmt.Errorf("executor: marking terminal: %w", err)
	}
	return nil
}

func stringField(input json.RawMessage, field string) (string, bool) {
	if field == "" {
		return "", false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(input, &m); err != nil {
		return "", false
	}
	raw, ok := m[field]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	if s == "" {
		return "", false
	}
	return s, true
}

func idempotencyKeyValue(contract *registry.Contract, input json.RawMessage) string {
	if contract.Idempotency.Mode != registry.IdempotencyKeyed {
		return ""
	}
	v, _ := stringField(input, contract.Idempotency.KeyField)
	return v
}

func rawToAny(raw json.RawMessage) any {
	var v any
	if len(raw) == 0 {
		return map[string]any{}
	}
	_ = json.Unmarshal(raw, &v)
	return v
}

func nonNilWrites(v []receipts.DBWrite) []receipts.DBWrite {
	if v == nil {
		return []receipts.DBWrite{}
	}
	return v
}
func nonNilReads(v []receipts.DBRead) []receipts.DBRead {
	if v == nil {
		return []receipts.DBRead{}
	}
	return v
}
func nonNilMessages(v []receipts.MessageSent) []receipts.MessageSent {
	if v == nil {
		return []receipts.MessageSent{}
	}
	return v
}
func nonNilExternal(v []receipts.ExternalCall) []receipts.ExternalCall {
	if v == nil {
		return []receipts.ExternalCall{}
	}
	return v
}
func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// ensure sql.DB satisfies DataPort.
var _ DataPort = (*sql.DB)(nil)
