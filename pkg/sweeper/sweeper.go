// Package sweeper implements the background lease reclaimer and receipt
// reconciler. All processes may run it concurrently — every operation is
// idempotent, and the stuck-row scan takes row locks with SKIP LOCKED so
// two sweepers never fight over the same call.
package sweeper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/callkaidsroofing/toolrunner/pkg/config"
	"github.com/callkaidsroofing/toolrunner/pkg/queue"
	"github.com/callkaidsroofing/toolrunner/pkg/receipts"
	"github.com/callkaidsroofing/toolrunner/pkg/registry"
)

// Error codes the sweeper synthesizes into receipts.
const (
	codeLeaseExhausted = "lease_exhausted"
	codeMissingReceipt = "missing_receipt"
)

// Health is the sweeper's state for the process health endpoint.
type Health struct {
	LastSweep       time.Time `json:"last_sweep"`
	LeasesRequeued  int       `json:"leases_requeued"`
	LeasesExhausted int       `json:"leases_exhausted"`
	GapsReconciled  int       `json:"gaps_reconciled"`
}

// Sweeper periodically reclaims stuck leases and reconciles receipt/status
// gaps. The lease threshold is max(timeout_ms) across the catalog times the
// configured safety factor, so no handler still legitimately inside its own
// deadline can have its claim stolen.
type Sweeper struct {
	calls      *queue.Store
	receipts   *receipts.Store
	interval   time.Duration
	threshold  time.Duration
	maxRequeue int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu     sync.Mutex
	health Health
}

// New builds a Sweeper from the worker config and the loaded registry.
func New(calls *queue.Store, receiptStore *receipts.Store, reg *registry.Registry, cfg *config.WorkerConfig) *Sweeper {
	return &Sweeper{
		calls:      calls,
		receipts:   receiptStore,
		interval:   cfg.SweepInterval,
		threshold:  leaseThreshold(reg, cfg.LeaseSafetyFactor),
		maxRequeue: cfg.MaxRequeueCount,
		stopCh:     make(chan struct{}),
	}
}

// leaseThreshold derives the stuck-lease cutoff from the slowest contract
// in the catalog: max timeout_ms times the safety factor.
func leaseThreshold(reg *registry.Registry, safetyFactor float64) time.Duration {
	maxTimeoutMS := 0
	for _, c := range reg.All() {
		if c.TimeoutMS > maxTimeoutMS {
			maxTimeoutMS = c.TimeoutMS
		}
	}
	if maxTimeoutMS == 0 {
		maxTimeoutMS = 300000
	}
	return time.Duration(float64(maxTimeoutMS)*safetyFactor) * time.Millisecond
}

// Start runs the sweep loop in a goroutine until Stop or ctx cancellation.
// Sweep errors are logged and retried on the next tick; they never abort the
// process.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		slog.Info("sweeper started", "interval", s.interval, "lease_threshold", s.threshold)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				if err := s.SweepOnce(ctx); err != nil {
					slog.Error("sweep pass failed", "error", err)
				}
			}
		}
	}()
}

// Stop signals the loop to exit and waits for the in-flight pass to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Health returns a point-in-time snapshot of sweep activity.
func (s *Sweeper) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

// SweepOnce runs a single full pass: reclaim expired leases, then close both
// directions of receipt/status gap. Exported so tests (and an
// operator one-shot) can drive a pass without the ticker.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	result, err := s.calls.Sweep(ctx, s.threshold, s.maxRequeue)
	if err != nil {
		return fmt.Errorf("sweeper: reclaiming leases: %w", err)
	}
	for _, c := range result.Requeued {
		slog.Warn("stuck lease requeued", "call_id", c.ID, "tool_name", c.ToolName, "claim_count", c.ClaimCount)
	}
	for _, c := range result.Exhausted {
		slog.Warn("lease requeue bound exceeded, call terminated", "call_id", c.ID, "tool_name", c.ToolName)
		if err := s.writeSyntheticReceipt(ctx, c, codeLeaseExhausted,
			fmt.Sprintf("call exceeded %d lease reclaims without completing", s.maxRequeue)); err != nil {
			return err
		}
	}

	reconciled, err := s.reconcileGaps(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.health.LastSweep = time.Now()
	s.health.LeasesRequeued += len(result.Requeued)
	s.health.LeasesExhausted += len(result.Exhausted)
	s.health.GapsReconciled += reconciled
	s.mu.Unlock()
	return nil
}

// reconcileGaps closes the two receipt/status write gaps: a receipt with a
// stale call row (a worker that died between its receipt write and its
// call-status update) advances the call, and a terminal call with no
// receipt (for example a lease_exhausted termination whose synthetic
// receipt write failed) gets a synthetic failed receipt.
func (s *Sweeper) reconcileGaps(ctx context.Context) (int, error) {
	reconciled := 0

	behind, err := s.calls.NonTerminalWithReceipt(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweeper: finding non-terminal calls with receipts: %w", err)
	}
	for _, c := range behind {
		r, err := s.receipts.GetByCallID(ctx, c.ID)
		if err != nil {
			return reconciled, fmt.Errorf("sweeper: loading receipt for call %s: %w", c.ID, err)
		}
		if err := s.calls.MarkTerminal(ctx, c.ID, queue.Status(r.Status), ""); err != nil {
			return reconciled, fmt.Errorf("sweeper: advancing call %s: %w", c.ID, err)
		}
		slog.Info("advanced call to its receipt's status", "call_id", c.ID, "status", r.Status)
		reconciled++
	}

	orphaned, err := s.calls.TerminalWithoutReceipt(ctx)
	if err != nil {
		return reconciled, fmt.Errorf("sweeper: finding terminal calls without receipts: %w", err)
	}
	for _, c := range orphaned {
		if err := s.writeSyntheticReceipt(ctx, c, codeMissingReceipt,
			"call reached a terminal status but its worker never wrote a receipt"); err != nil {
			return reconciled, err
		}
		slog.Warn("synthesized receipt for terminal call", "call_id", c.ID, "status", c.Status)
		reconciled++
	}

	return reconciled, nil
}

func (s *Sweeper) writeSyntheticReceipt(ctx context.Context, c *queue.Call, code, message string) error {
	result, _ := json.Marshal(receipts.ErrorResult{
		Error: receipts.ErrorDetail{Code: code, Message: message},
	})
	_, err := s.receipts.Put(ctx, &receipts.Receipt{
		CallID:   c.ID,
		ToolName: c.ToolName,
		Status:   receipts.StatusFailed,
		Result:   result,
		Effects:  receipts.EmptyEffects(),
	})
	if err != nil {
		return fmt.Errorf("sweeper: writing synthetic receipt for call %s: %w", c.ID, err)
	}
	return nil
}
