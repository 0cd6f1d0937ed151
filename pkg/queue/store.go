package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store is the Postgres-backed queue table. Its central operation is
// ClaimNext, the atomic `UPDATE ... WHERE id = (SELECT ... FOR UPDATE SKIP
// LOCKED)` that gives the at-most-one-claim guarantee.
type Store struct {
	db *sql.DB
}

// NewStore wraps a pooled *sql.DB for call reads and writes.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// InsertCall enqueues a new call in StatusQueued.
func (s *Store) InsertCall(ctx context.Context, toolName string, input json.RawMessage, idempotencyKey *string, runID *string) (*Call, error) {
	id := uuid.NewString()
	const q = `
		INSERT INTO calls (id, tool_name, input, idempotency_key, status, run_id)
		VALUES ($1, $2, $3, $4, 'queued', $5)
		RETURNING id, tool_name, input, idempotency_key, status, worker_id, claim_count, run_id, claimed_at, created_at, updated_at, error`
	row := s.db.QueryRowContext(ctx, q, id, toolName, input, idempotencyKey, runID)
	c, err := scanCall(row)
	if err != nil {
		return nil, fmt.Errorf("queue: inserting call: %w", err)
	}
	return c, nil
}

// ClaimNext atomically claims the oldest queued call for worker_id:
//
//	UPDATE calls SET status='claimed', worker_id=?, claimed_at=now, updated_at=now
//	WHERE id = (
//	  SELECT id FROM calls WHERE status='queued'
//	  ORDER BY created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED)
//	RETURNING *
//
// Returns ErrNoCallsAvailable when the queue is empty. Two concurrent
// ClaimNext calls can never return the same row.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*Call, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: starting claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const q = `
		UPDATE calls SET
			status = 'claimed', worker_id = $1, claimed_at = now(), updated_at = now()
		WHERE id = (
			SELECT id FROM calls
			WHERE status = 'queued'
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, tool_name, input, idempotency_key, status, worker_id, claim_count, run_id, claimed_at, created_at, updated_at, error`

	row := tx.QueryRowContext(ctx, q, workerID)
	c, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoCallsAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("queue: claiming next call: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue: committing claim: %w", err)
	}
	return c, nil
}

// MarkRunning transitions a claimed call to running.
func (s *Store) MarkRunning(ctx context.Context, callID string) error {
	const q = `UPDATE calls SET status = 'running', updated_at = now() WHERE id = $1 AND status = 'claimed'`
	res, err := s.db.ExecContext(ctx, q, callID)
	if err != nil {
		return fmt.Errorf("queue: marking running: %w", err)
	}
	return requireRowsAffected(res)
}

// MarkTerminal writes a call's terminal status.
// The WHERE clause only matches non-terminal rows, enforcing terminal
// monotonicity at the database layer: a second call is a no-op
// that still succeeds, since the desired end state already holds.
func (s *Store) MarkTerminal(ctx context.Context, callID string, status Status, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("queue: %q is not a terminal status", status)
	}
	const q = `
		UPDATE calls SET status = $2, error = NULLIF($3, ''), updated_at = now()
		WHERE id = $1 AND status NOT IN ('succeeded', 'failed', 'not_configured')`
	_, err := s.db.ExecContext(ctx, q, callID, string(status), errMsg)
	if err != nil {
		return fmt.Errorf("queue: marking terminal: %w", err)
	}
	return nil
}

// Get returns a call by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Call, error) {
	const q = `
		SELECT id, tool_name, input, idempotency_key, status, worker_id, claim_count, run_id, claimed_at, created_at, updated_at, error
		FROM calls WHERE id = $1`
	row := s.db.QueryRowContext(ctx, q, id)
	c, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get: %w", err)
	}
	return c, nil
}

// GetByIDs returns every call matching the given ids.
func (s *Store) GetByIDs(ctx context.Context, ids []string) ([]*Call, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const q = `
		SELECT id, tool_name, input, idempotency_key, status, worker_id, claim_count, run_id, claimed_at, created_at, updated_at, error
		FROM calls WHERE id = ANY($1)`
	rows, err := s.db.QueryContext(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("queue: get by ids: %w", err)
	}
	defer rows.Close()
	return scanCalls(rows)
}

// SweepResult reports what a single sweep pass did to stuck leases.
type SweepResult struct {
	Requeued  []*Call // lease expired, claim_count still under the bound — requeued
	Exhausted []*Call // lease expired, claim_count bound exceeded — terminated failed/lease_exhausted
}

// Sweep reclaims claimed/running rows whose updated_at predates
// now-threshold. Rows under maxRequeueCount are requeued (status reset to
// queued, worker/claim cleared, claim_count incremented); rows at or beyond
// the bound are terminated failed with error "lease_exhausted" — the caller
// (pkg/sweeper) is responsible for writing the corresponding synthetic receipt.
func (s *Store) Sweep(ctx context.Context, threshold time.Duration, maxRequeueCount int) (*SweepResult, error) {
	cutoff := time.Now().Add(-threshold)

	// The select and the per-row updates share one transaction so the
	// FOR UPDATE row locks hold until commit; SKIP LOCKED keeps concurrent
	// sweepers (and in-flight claims) off the same rows.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: starting sweep transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const selectStuck = `
		SELECT id, tool_name, input, idempotency_key, status, worker_id, claim_count, run_id, claimed_at, created_at, updated_at, error
		FROM calls
		WHERE status IN ('claimed', 'running') AND updated_at < $1
		FOR UPDATE SKIP LOCKED`
	rows, err := tx.QueryContext(ctx, selectStuck, cutoff)
	if err != nil {
		return nil, fmt.Errorf("queue: selecting stuck calls: %w", err)
	}
	stuck, err := scanCalls(rows)
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("queue: scanning stuck calls: %w", err)
	}

	result := &SweepResult{}
	for _, c := range stuck {
		nextCount := c.ClaimCount + 1
		if nextCount > maxRequeueCount {
			const exhaust = `
				UPDATE calls SET status = 'failed', error = 'lease_exhausted', claim_count = $2, updated_at = now()
				WHERE id = $1`
			if _, err := tx.ExecContext(ctx, exhaust, c.ID, nextCount); err != nil {
				return nil, fmt.Errorf("queue: terminating exhausted lease %s: %w", c.ID, err)
			}
			c.Status = StatusFailed
			c.ClaimCount = nextCount
			result.Exhausted = append(result.Exhausted, c)
			continue
		}

		const requeue = `
			UPDATE calls SET status = 'queued', worker_id = NULL, claimed_at = NULL, claim_count = $2, updated_at = now()
			WHERE id = $1`
		if _, err := tx.ExecContext(ctx, requeue, c.ID, nextCount); err != nil {
			return nil, fmt.Errorf("queue: requeuing lease %s: %w", c.ID, err)
		}
		c.Status = StatusQueued
		c.ClaimCount = nextCount
		result.Requeued = append(result.Requeued, c)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue: committing sweep: %w", err)
	}
	return result, nil
}

// RequeueWorkerCalls resets every claimed/running call owned by a worker
// whose id starts with workerPrefix back to queued. Run once at process
// start, before the poll loops begin: a process that crashed mid-call left
// its claims stuck, and since worker ids are prefixed with a stable instance
// id, the restarted process can reclaim exactly its own orphans without
// waiting a full lease period for the sweeper.
func (s *Store) RequeueWorkerCalls(ctx context.Context, workerPrefix string) ([]*Call, error) {
	const q = `
		UPDATE calls SET status = 'queued', worker_id = NULL, claimed_at = NULL, claim_count = claim_count + 1, updated_at = now()
		WHERE status IN ('claimed', 'running') AND worker_id LIKE $1 || '%'
		RETURNING id, tool_name, input, idempotency_key, status, worker_id, claim_count, run_id, claimed_at, created_at, updated_at, error`
	rows, err := s.db.QueryContext(ctx, q, workerPrefix)
	if err != nil {
		return nil, fmt.Errorf("queue: requeuing worker calls: %w", err)
	}
	defer rows.Close()
	return scanCalls(rows)
}

// TerminalWithoutReceipt finds calls that reached a terminal status but have
// no matching receipts row — the other half of the sweeper's reconciliation
// duty.
func (s *Store) TerminalWithoutReceipt(ctx context.Context) ([]*Call, error) {
	const q = `
		SELECT c.id, c.tool_name, c.input, c.idempotency_key, c.status, c.worker_id, c.claim_count, c.run_id, c.claimed_at, c.created_at, c.updated_at, c.error
		FROM calls c
		LEFT JOIN receipts r ON r.call_id = c.id
		WHERE c.status IN ('succeeded', 'failed', 'not_configured') AND r.id IS NULL`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("queue: finding terminal calls without receipts: %w", err)
	}
	defer rows.Close()
	return scanCalls(rows)
}

// NonTerminalWithReceipt finds calls whose receipt already exists but
// whose own status hasn't caught up; the sweeper advances them to the
// receipt's status.
func (s *Store) NonTerminalWithReceipt(ctx context.Context) ([]*Call, error) {
	const q = `
		SELECT c.id, c.tool_name, c.input, c.idempotency_key, c.status, c.worker_id, c.claim_count, c.run_id, c.claimed_at, c.created_at, c.updated_at, c.error
		FROM calls c
		JOIN receipts r ON r.call_id = c.id
		WHERE c.status NOT IN ('succeeded', 'failed', 'not_configured')`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("queue: finding non-terminal calls with receipts: %w", err)
	}
	defer rows.Close()
	return scanCalls(rows)
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: reading rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (*Call, error) {
	var c Call
	var inputRaw []byte
	var status string
	if err := row.Scan(&c.ID, &c.ToolName, &inputRaw, &c.IdempotencyKey, &status,
		&c.WorkerID, &c.ClaimCount, &c.RunID, &c.ClaimedAt, &c.CreatedAt, &c.UpdatedAt, &c.Error); err != nil {
		return nil, err
	}
	c.Status = Status(status)
	c.Input = json.RawMessage(inputRaw)
	return &c, nil
}

func scanCalls(rows *sql.Rows) ([]*Call, error) {
	var out []*Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
