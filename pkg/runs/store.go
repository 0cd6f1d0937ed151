package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Store is the Postgres-backed run table. Unlike receipts,
// run rows are updated in place as the planner progresses through
// compile → enqueue → wait — they are not append-only.
type Store struct {
	db *sql.DB
}

// NewStore wraps a pooled *sql.DB for run reads and writes.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new run in StatusPending and assigns its id.
func (s *Store) Create(ctx context.Context, r *Run) (*Run, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	planned, err := json.Marshal(nonNilPlanned(r.PlannedToolCalls))
	if err != nil {
		return nil, fmt.Errorf("runs: marshaling planned_tool_calls: %w", err)
	}
	enqueued, err := json.Marshal(nonNilStrings(r.EnqueuedCallIDs))
	if err != nil {
		return nil, fmt.Errorf("runs: marshaling enqueued_call_ids: %w", err)
	}
	errs, err := json.Marshal(nonNilStrings(r.Errors))
	if err != nil {
		return nil, fmt.Errorf("runs: marshaling errors: %w", err)
	}

	const q = `
		INSERT INTO runs (id, message, mode, status, decision, planned_tool_calls, enqueued_call_ids, assistant_message, errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, message, mode, status, decision, planned_tool_calls, enqueued_call_ids, assistant_message, errors, created_at, updated_at`

	row := s.db.QueryRowContext(ctx, q, r.ID, r.Message, string(r.Mode), string(r.Status),
		r.Decision, planned, enqueued, r.AssistantMessage, errs)
	out, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("runs: inserting: %w", err)
	}
	return out, nil
}

// Update overwrites the mutable fields of an existing run (decision,
// planned calls, enqueued call ids, assistant message, errors, status).
func (s *Store) Update(ctx context.Context, r *Run) (*Run, error) {
	planned, err := json.Marshal(nonNilPlanned(r.PlannedToolCalls))
	if err != nil {
		return nil, fmt.Errorf("runs: marshaling planned_tool_calls: %w", err)
	}
	enqueued, err := json.Marshal(nonNilStrings(r.EnqueuedCallIDs))
	if err != nil {
		return nil, fmt.Errorf("runs: marshaling enqueued_call_ids: %w", err)
	}
	errs, err := json.Marshal(nonNilStrings(r.Errors))
	if err != nil {
		return nil, fmt.Errorf("runs: marshaling errors: %w", err)
	}

	const q = `
		UPDATE runs SET
			status = $2, decision = $3, planned_tool_calls = $4,
			enqueued_call_ids = $5, assistant_message = $6, errors = $7, updated_at = now()
		WHERE id = $1
		RETURNING id, message, mode, status, decision, planned_tool_calls, enqueued_call_ids, assistant_message, errors, created_at, updated_at`

	row := s.db.QueryRowContext(ctx, q, r.ID, string(r.Status), r.Decision, planned, enqueued, r.AssistantMessage, errs)
	out, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("runs: updating: %w", err)
	}
	return out, nil
}

// Get returns a run by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	const q = `
		SELECT id, message, mode, status, decision, planned_tool_calls, enqueued_call_ids, assistant_message, errors, created_at, updated_at
		FROM runs WHERE id = $1`
	row := s.db.QueryRowContext(ctx, q, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("runs: get: %w", err)
	}
	return r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var mode, status string
	var plannedRaw, enqueuedRaw, errsRaw []byte
	if err := row.Scan(&r.ID, &r.Message, &mode, &status, &r.Decision,
		&plannedRaw, &enqueuedRaw, &r.AssistantMessage, &errsRaw, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Mode = Mode(mode)
	r.Status = Status(status)
	if err := json.Unmarshal(plannedRaw, &r.PlannedToolCalls); err != nil {
		return nil, fmt.Errorf("unmarshaling planned_tool_calls: %w", err)
	}
	if err := json.Unmarshal(enqueuedRaw, &r.EnqueuedCallIDs); err != nil {
		return nil, fmt.Errorf("unmarshaling enqueued_call_ids: %w", err)
	}
	if err := json.Unmarshal(errsRaw, &r.Errors); err != nil {
		return nil, fmt.Errorf("unmarshaling errors: %w", err)
	}
	return &r, nil
}

func nonNilPlanned(v []PlannedCall) []PlannedCall {
	if v == nil {
		return []PlannedCall{}
	}
	return v
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
