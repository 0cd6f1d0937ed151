package config

import "time"

// DefaultWorkerConfig returns the built-in worker defaults.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		WorkerCount:             1,
		PollMinMS:               1000,
		PollMaxMS:               30000,
		RetryBackoffMinMS:       500,
		RetryBackoffMaxMS:       15000,
		MaxReceiptRetries:       5,
		SweepInterval:           30 * time.Second,
		LeaseSafetyFactor:       2.0,
		MaxRequeueCount:         3,
		GracefulShutdownTimeout: 5 * time.Minute,
		HealthPort:              0,
	}
}

// DefaultPlannerConfig returns the built-in planner defaults.
func DefaultPlannerConfig() *PlannerConfig {
	return &PlannerConfig{
		ListenAddr:           ":8090",
		MaxToolCallsDefault:  10,
		WaitTimeoutMSDefault: 30000,
		WaitTimeoutMSMax:     120000,
		PollIntervalMS:       500,
	}
}

// DefaultCatalogConfig returns the built-in catalog location.
func DefaultCatalogConfig() *CatalogConfig {
	return &CatalogConfig{Path: "./deploy/config/catalog.json"}
}
