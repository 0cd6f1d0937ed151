package config

import "time"

// Config is the umbrella configuration object for both the worker and
// planner processes. It is loaded once at startup and never mutated.
type Config struct {
	Catalog *CatalogConfig `yaml:"catalog"`
	Worker  *WorkerConfig  `yaml:"worker"`
	Planner *PlannerConfig `yaml:"planner"`
}

// CatalogConfig locates the tool-contract catalog document loaded by the registry.
type CatalogConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// WorkerConfig controls the executor worker's poll loop, lease sweeper, and
// shutdown behavior.
type WorkerConfig struct {
	// WorkerCount is the number of independent poll loops this process runs.
	WorkerCount int `yaml:"worker_count" validate:"min=1"`

	// PollMinMS/PollMaxMS bound the truncated-exponential poll-empty
	// backoff: starts at PollMinMS, doubles on each empty claim, capped at
	// PollMaxMS, reset to PollMinMS on any successful claim.
	PollMinMS int `yaml:"poll_min_ms" validate:"min=1"`
	PollMaxMS int `yaml:"poll_max_ms" validate:"min=1,gtefield=PollMinMS"`

	// RetryBackoffMinMS/RetryBackoffMaxMS bound the separate backoff used for
	// transient datastore errors (receipt write retries).
	RetryBackoffMinMS int `yaml:"retry_backoff_min_ms" validate:"min=1"`
	RetryBackoffMaxMS int `yaml:"retry_backoff_max_ms" validate:"min=1,gtefield=RetryBackoffMinMS"`
	MaxReceiptRetries int `yaml:"max_receipt_retries" validate:"min=1"`

	// SweepInterval is how often the lease sweeper scans for stuck claimed/running rows.
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"required"`

	// LeaseSafetyFactor multiplies a contract's timeout_ms to decide when a
	// claimed/running row is considered lease-expired.
	LeaseSafetyFactor float64 `yaml:"lease_safety_factor" validate:"min=1"`

	// MaxRequeueCount bounds how many times the sweeper may re-queue a single
	// call before terminating it as failed/lease_exhausted.
	MaxRequeueCount int `yaml:"max_requeue_count" validate:"min=1"`

	// GracefulShutdownTimeout bounds how long Stop() waits for an in-flight
	// handler to finish before the process exits.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout" validate:"required"`

	// HealthPort serves the worker's own diagnostic health endpoint (0 disables it).
	HealthPort int `yaml:"health_port"`
}

// PlannerConfig controls the planner/run-coordinator HTTP surface.
type PlannerConfig struct {
	ListenAddr string `yaml:"listen_addr" validate:"required"`

	// MaxToolCallsDefault is validated at load but not read by the planner
	// coordinator, which applies its own default of 10 when the caller omits
	// limits.max_tool_calls.
	MaxToolCallsDefault int `yaml:"max_tool_calls_default" validate:"min=1"`

	// WaitTimeoutMSDefault/Max are validated at load but not read by the
	// planner coordinator, which applies its own 30000 ms default and
	// 120000 ms cap to limits.wait_timeout_ms.
	WaitTimeoutMSDefault int `yaml:"wait_timeout_ms_default" validate:"min=1"`
	WaitTimeoutMSMax     int `yaml:"wait_timeout_ms_max" validate:"min=1,gtefield=WaitTimeoutMSDefault"`

	// PollIntervalMS is how often enqueue_and_wait re-polls the receipt store.
	PollIntervalMS int `yaml:"poll_interval_ms" validate:"min=1"`
}
