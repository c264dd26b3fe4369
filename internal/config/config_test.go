package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 5*time.Second, cfg.Retry.InitialDelay())
	assert.Equal(t, 300*time.Second, cfg.Retry.MaxDelay())
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Connect())
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Read())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "refdl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
output_dir: /data/refs
concurrency:
  global: 20
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/refs", cfg.OutputDir)
	assert.Equal(t, 20, cfg.Concurrency.Global)
	// Fields not set in the file keep the Default() value.
	assert.Equal(t, 2, cfg.Concurrency.PerOriginDefault)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "refdl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
concurrency:
  global: 0
`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsNonPositiveConcurrency(t *testing.T) {
	cfg := Default()
	cfg.Concurrency.Global = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Concurrency.PerOriginDefault = -1
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsMalformedDomainOverrides(t *testing.T) {
	cfg := Default()
	cfg.Concurrency.DomainOverrides = map[string]DomainOverride{"": {MaxConcurrent: 1}}
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Concurrency.DomainOverrides = map[string]DomainOverride{"example.com": {MaxConcurrent: -1}}
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Concurrency.DomainOverrides = map[string]DomainOverride{"example.com": {MinIntervalMillis: -1}}
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Concurrency.DomainOverrides = map[string]DomainOverride{"example.com": {MaxConcurrent: 1, MinIntervalMillis: 500}}
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadRetryConfig(t *testing.T) {
	cfg := Default()
	cfg.Retry.MaxAttempts = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Retry.Multiplier = 0.5
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownKeySource(t *testing.T) {
	cfg := Default()
	cfg.Credentials.KeySource = "vault"
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresEnvVarForEnvironmentKeySource(t *testing.T) {
	cfg := Default()
	cfg.Credentials.KeySource = "environment"
	assert.Error(t, cfg.Validate())

	cfg.Credentials.EnvVar = "REFDL_MASTER_KEY"
	assert.NoError(t, cfg.Validate())
}
