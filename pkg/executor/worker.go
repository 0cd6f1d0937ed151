package executor

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/callkaidsroofing/toolrunner/pkg/config"
	"github.com/callkaidsroofing/toolrunner/pkg/queue"
)

// Status is a worker's current activity, surfaced on the health endpoint.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
)

// Health reports a single worker's current state.
type Health struct {
	ID             string    `json:"id"`
	Status         Status    `json:"status"`
	CurrentCallID  string    `json:"current_call_id,omitempty"`
	CallsProcessed int       `json:"calls_processed"`
	LastActivity   time.Time `json:"last_activity"`
}

// Worker is a single poll loop: claim, execute, repeat. Every
// worker is single-flight — one in-flight call at a time;
// concurrency comes from running several Workers in a Pool.
type Worker struct {
	id       string
	calls    *queue.Store
	exec     *Executor
	cfg      *config.WorkerConfig
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu             sync.RWMutex
	status         Status
	currentCallID  string
	callsProcessed int
	lastActivity   time.Time
}

// NewWorker builds a Worker with the given id.
func NewWorker(id string, calls *queue.Store, exec *Executor, cfg *config.WorkerConfig) *Worker {
	return &Worker{
		id: id, calls: calls, exec: exec, cfg: cfg,
		stopCh: make(chan struct{}), status: StatusIdle, lastActivity: time.Now(),
	}
}

// Start runs the poll loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop after its current call finishes
// and waits for the loop to exit.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns a point-in-time snapshot of the worker's activity.
func (w *Worker) Health() Health {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Health{
		ID: w.id, Status: w.status, CurrentCallID: w.currentCallID,
		CallsProcessed: w.callsProcessed, LastActivity: w.lastActivity,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	log := slog.With("worker_id", w.id)
	log.Info("worker started")

	pollMS := w.cfg.PollMinMS
	for {
		select {
		case <-w.stopCh:
			log.Info("worker shutting down")
			return
		case <-ctx.Done():
			log.Info("context cancelled, worker shutting down")
			return
		default:
		}

		call, err := w.calls.ClaimNext(ctx, w.id)
		if errors.Is(err, queue.ErrNoCallsAvailable) {
			w.sleep(jittered(pollMS))
			pollMS = nextBackoff(pollMS, w.cfg.PollMaxMS)
			continue
		}
		if err != nil {
			log.Error("claim failed", "error", err)
			w.sleep(time.Duration(w.cfg.RetryBackoffMinMS) * time.Millisecond)
			continue
		}

		pollMS = w.cfg.PollMinMS // reset on any successful claim
		w.setStatus(StatusWorking, call.ID)
		w.executeWithRetry(ctx, call)
		w.setStatus(StatusIdle, "")

		w.mu.Lock()
		w.callsProcessed++
		w.mu.Unlock()
	}
}

// executeWithRetry runs the call's execution sequence, retrying with bounded
// exponential backoff only on infra-level errors (receipt/call-write
// failures) — domain outcomes (validation, timeout, handler failure) are
// handled inside ExecuteCall and never reach here as an error. Persistent
// failure leaves the call in claimed/running for the sweeper.
func (w *Worker) executeWithRetry(ctx context.Context, call *queue.Call) {
	backoff := w.cfg.RetryBackoffMinMS
	for attempt := 0; attempt < w.cfg.MaxReceiptRetries; attempt++ {
		err := w.exec.ExecuteCall(ctx, w.id, call)
		if err == nil {
			return
		}
		slog.Error("call execution failed, retrying", "worker_id", w.id, "call_id", call.ID, "attempt", attempt+1, "error", err)
		w.sleep(time.Duration(backoff) * time.Millisecond)
		backoff = nextBackoff(backoff, w.cfg.RetryBackoffMaxMS)
	}
	slog.Error("call execution exhausted retries, leaving for sweeper", "worker_id", w.id, "call_id", call.ID)
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

func (w *Worker) setStatus(status Status, callID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentCallID = callID
	w.lastActivity = time.Now()
}

func nextBackoff(current, max int) int {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// jittered adds up to 20% jitter to a poll interval so that many workers
// polling an empty queue don't wake up in lockstep.
func jittered(baseMS int) time.Duration {
	base := time.Duration(baseMS) * time.Millisecond
	jitter := base / 5
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}
