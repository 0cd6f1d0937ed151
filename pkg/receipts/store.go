package receipts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// uniqueViolation is the Postgres error code for a unique-constraint conflict.
const uniqueViolation = "23505"

// Store is the Postgres-backed, append-only receipt table.
// Every write goes through Put, which is a single insert; the unique
// constraint on call_id enforces "at most one receipt per call" at the
// database layer rather than via application-level locking.
type Store struct {
	db *sql.DB
}

// NewStore wraps a pooled *sql.DB for receipt reads and writes.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Put inserts a new receipt. If a receipt for this call_id already exists
// (insert-conflict), Put returns the existing row instead of an error — the
// executor treats this as "already completed".
func (s *Store) Put(ctx context.Context, r *Receipt) (*Receipt, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	resultJSON, err := json.Marshal(r.Result)
	if err != nil {
		return nil, fmt.Errorf("receipts: marshaling result: %w", err)
	}
	effectsJSON, err := json.Marshal(r.Effects)
	if err != nil {
		return nil, fmt.Errorf("receipts: marshaling effects: %w", err)
	}

	const q = `
		INSERT INTO receipts
			(id, call_id, tool_name, status, result, effects, idempotency_mode, key_field, key_value)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''))
		RETURNING id, call_id, tool_name, status, result, effects, created_at`

	row := s.db.QueryRowContext(ctx, q,
		r.ID, r.CallID, r.ToolName, string(r.Status), resultJSON, effectsJSON,
		r.Effects.Idempotency.Mode, r.Effects.Idempotency.KeyField, r.Effects.Idempotency.KeyValue,
	)

	out, err := scanReceipt(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			existing, findErr := s.GetByCallID(ctx, r.CallID)
			if findErr != nil {
				return nil, fmt.Errorf("receipts: insert conflict but existing row not found: %w", findErr)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("receipts: inserting: %w", err)
	}
	return out, nil
}

// GetByCallID returns the receipt for a call, or ErrNotFound.
func (s *Store) GetByCallID(ctx context.Context, callID string) (*Receipt, error) {
	const q = `
		SELECT id, call_id, tool_name, status, result, effects, created_at
		FROM receipts WHERE call_id = $1`
	row := s.db.QueryRowContext(ctx, q, callID)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("receipts: get by call id: %w", err)
	}
	return r, nil
}

// FindByKey looks up a succeeded receipt for keyed-idempotency dedup.
// Only succeeded receipts are eligible — a failed or not_configured outcome
// for the same key must not short-circuit a retry.
func (s *Store) FindByKey(ctx context.Context, toolName, keyField, keyValue string) (*Receipt, error) {
	const q = `
		SELECT id, call_id, tool_name, status, result, effects, created_at
		FROM receipts
		WHERE tool_name = $1 AND key_field = $2 AND key_value = $3 AND status = 'succeeded'
		ORDER BY created_at ASC
		LIMIT 1`
	row := s.db.QueryRowContext(ctx, q, toolName, keyField, keyValue)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("receipts: find by key: %w", err)
	}
	return r, nil
}

// ListByCallIDs fetches every receipt already written among the given call
// ids, for the planner's enqueue_and_wait poll loop.
func (s *Store) ListByCallIDs(ctx context.Context, callIDs []string) ([]*Receipt, error) {
	if len(callIDs) == 0 {
		return nil, nil
	}
	const q = `
		SELECT id, call_id, tool_name, status, result, effects, created_at
		FROM receipts WHERE call_id = ANY($1)`
	rows, err := s.db.QueryContext(ctx, q, callIDs)
	if err != nil {
		return nil, fmt.Errorf("receipts: list by call ids: %w", err)
	}
	defer rows.Close()
	return scanReceipts(rows)
}

// ListRecent returns receipts ordered newest-first for audit queries.
func (s *Store) ListRecent(ctx context.Context, f Filters) ([]*Receipt, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, call_id, tool_name, status, result, effects, created_at FROM receipts WHERE 1=1`
	args := []any{}
	if f.ToolName != "" {
		args = append(args, f.ToolName)
		q += fmt.Sprintf(" AND tool_name = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("receipts: list recent: %w", err)
	}
	defer rows.Close()
	return scanReceipts(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*Receipt, error) {
	var r Receipt
	var resultRaw, effectsRaw []byte
	var status string
	if err := row.Scan(&r.ID, &r.CallID, &r.ToolName, &status, &resultRaw, &effectsRaw, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.Result = json.RawMessage(resultRaw)
	if err := json.Unmarshal(effectsRaw, &r.Effects); err != nil {
		return nil, fmt.Errorf("unmarshaling effects: %w", err)
	}
	return &r, nil
}

func scanReceipts(rows *sql.Rows) ([]*Receipt, error) {
	var out []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
