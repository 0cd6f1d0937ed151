package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/callkaidsroofing/toolrunner/pkg/config"
	"github.com/callkaidsroofing/toolrunner/pkg/queue"
)

// PoolHealth aggregates every worker's health for the process health
// endpoint.
type PoolHealth struct {
	WorkerCount int      `json:"worker_count"`
	Workers     []Health `json:"workers"`
}

// Pool owns a fixed number of Workers sharing one Executor and Store, and
// coordinates their startup and graceful shutdown.
type Pool struct {
	workers []*Worker
	cancel  context.CancelFunc
}

// NewPool builds WorkerCount workers, each with a distinct id. Worker ids
// are prefixed with instanceID ("<instance>/worker-0" through
// "<instance>/worker-<WorkerCount-1>") so a
// restarted process can find and requeue the claims its previous incarnation
// left behind (queue.Store.RequeueWorkerCalls).
func NewPool(instanceID string, calls *queue.Store, exec *Executor, cfg *config.WorkerConfig) *Pool {
	p := &Pool{}
	for i := 0; i < cfg.WorkerCount; i++ {
		id := fmt.Sprintf("%s/worker-%d", instanceID, i)
		p.workers = append(p.workers, NewWorker(id, calls, exec, cfg))
	}
	return p
}

// Start launches every worker's poll loop. Shutdown cancels the context
// the workers run under once they have all stopped.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	slog.Info("worker pool starting", "worker_count", len(p.workers))
	for _, w := range p.workers {
		w.Start(ctx)
	}
}

// Shutdown waits for every worker to finish its in-flight call and exit:
// stop claiming new work, let the current call run to its own timeout, then
// exit. The pool's context is cancelled only after every worker has stopped.
func (p *Pool) Shutdown() {
	slog.Info("worker pool shutting down")
	for _, w := range p.workers {
		w.stopOnce.Do(func() { close(w.stopCh) })
	}
	for _, w := range p.workers {
		w.Stop()
	}
	if p.cancel != nil {
		p.cancel()
	}
	slog.Info("worker pool stopped")
}

// Health reports every worker's current activity.
func (p *Pool) Health() PoolHealth {
	health := PoolHealth{WorkerCount: len(p.workers)}
	for _, w := range p.workers {
		health.Workers = append(health.Workers, w.Health())
	}
	return health
}
