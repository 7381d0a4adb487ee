package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, 5, cfg.Pipeline.Concurrency)
	assert.Equal(t, 3, cfg.Pipeline.MaxRetries)
	assert.Equal(t, 5*time.Minute, cfg.Pipeline.ProcessTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Pipeline.WatchdogInterval)
	assert.Equal(t, 15*time.Minute, cfg.Pipeline.RetentionAge)
	assert.Equal(t, "invoiceflow:uploads", cfg.Redis.Channel)
}

func TestLoadConfigYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  dsn: postgres://localhost/invoiceflow_test
pipeline:
  concurrency: 9
  max_retries: 1
  process_timeout: 90s
extraction:
  openai:
    model: gpt-4o
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/invoiceflow_test", cfg.Database.DSN)
	assert.Equal(t, 9, cfg.Pipeline.Concurrency)
	assert.Equal(t, 1, cfg.Pipeline.MaxRetries)
	assert.Equal(t, 90*time.Second, cfg.Pipeline.ProcessTimeout)
	assert.Equal(t, "gpt-4o", cfg.Extraction.OpenAI.Model)
	// Untouched keys keep their defaults.
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  concurrency: 9\n"), 0o644))

	t.Setenv("PIPELINE_CONCURRENCY", "2")
	t.Setenv("DB_URL", "postgres://envhost/invoiceflow")
	t.Setenv("PIPELINE_STUCK_THRESHOLD", "7m")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Pipeline.Concurrency)
	assert.Equal(t, "postgres://envhost/invoiceflow", cfg.Database.DSN)
	assert.Equal(t, 7*time.Minute, cfg.Pipeline.StuckThreshold)
}

func TestLoadConfigMissingFileIsFine(t *testing.T) {
	t.Setenv("DB_URL", "postgres://somewhere/db")
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	cfg.Database.DSN = ""
	assert.Error(t, cfg.Validate())

	cfg.Database.DSN = "postgres://x/y"
	cfg.Pipeline.Concurrency = 0
	assert.Error(t, cfg.Validate())

	cfg.Pipeline.Concurrency = 5
	cfg.Pipeline.MaxRetries = -1
	assert.Error(t, cfg.Validate())
}
