package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultWorkerConfig().PollMinMS, cfg.Worker.PollMinMS)
	assert.Equal(t, DefaultPlannerConfig().ListenAddr, cfg.Planner.ListenAddr)
}

func TestLoad_MergesOverridesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := `
worker:
  worker_count: 4
  poll_min_ms: 250
planner:
  listen_addr: ":9090"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Worker.WorkerCount)
	assert.Equal(t, 250, cfg.Worker.PollMinMS)
	// Untouched fields keep their default.
	assert.Equal(t, DefaultWorkerConfig().PollMaxMS, cfg.Worker.PollMaxMS)
	assert.Equal(t, ":9090", cfg.Planner.ListenAddr)
	assert.Equal(t, DefaultPlannerConfig().MaxToolCallsDefault, cfg.Planner.MaxToolCallsDefault)
}

func TestLoad_InvalidYAMLFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker: [this is not a map"), 0o600))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestLoad_ValidationRejectsBadBounds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	// poll_max_ms < poll_min_ms violates gtefield.
	require.NoError(t, os.WriteFile(path, []byte("worker:\n  poll_min_ms: 5000\n  poll_max_ms: 100\n"), 0o600))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrValidationFailed)
}
