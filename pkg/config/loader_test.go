package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "atlas.yaml"), []byte(content), 0o644))
	return dir
}

func TestInitializeMergesOverDefaults(t *testing.T) {
	dir := writeConfig(t, `
system:
  listen_addr: ":9090"
analysis:
  max_concurrent: 5
schedules:
  - name: nightly-regression
    cron: "0 3 * * *"
    payload:
      suite: full
`)

	cfg, err := Initialize(dir)
	require.NoError(t, err)

	// User values win.
	assert.Equal(t, ":9090", cfg.System.ListenAddr)
	assert.Equal(t, 5, cfg.Analysis.MaxConcurrent)

	// Untouched fields keep defaults.
	assert.Equal(t, "analysis", cfg.Analysis.QueueName)
	assert.Equal(t, 5*time.Second, cfg.Analysis.PollInterval)
	assert.Equal(t, 64, cfg.Runtime.EventQueueDepth)

	require.Len(t, cfg.Schedules, 1)
	assert.Equal(t, "nightly-regression", cfg.Schedules[0].Name)
	assert.Equal(t, "full", cfg.Schedules[0].Payload["suite"])
}

func TestInitializeMissingFile(t *testing.T) {
	_, err := Initialize(t.TempDir())
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestInitializeInvalidYAML(t *testing.T) {
	dir := writeConfig(t, "system: [not: a, mapping")
	_, err := Initialize(dir)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestInitializeValidatesSchedules(t *testing.T) {
	dir := writeConfig(t, `
schedules:
  - name: nightly
    cron: "0 3 * * *"
  - name: nightly
    cron: "0 4 * * *"
`)
	_, err := Initialize(dir)
	require.ErrorIs(t, err, ErrValidationFailed)
	assert.Contains(t, err.Error(), "duplicate schedule name")
}

func TestInitializeRejectsMissingCron(t *testing.T) {
	dir := writeConfig(t, `
schedules:
  - name: nightly
`)
	_, err := Initialize(dir)
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("ATLAS_TEST_CHANNEL", "#qa-alerts")

	out := ExpandEnv([]byte("channel: {{.ATLAS_TEST_CHANNEL}}"))
	assert.Equal(t, "channel: #qa-alerts", string(out))

	// Missing variables expand to empty.
	out = ExpandEnv([]byte("token: {{.ATLAS_TEST_DOES_NOT_EXIST}}"))
	assert.Equal(t, "token: ", string(out))

	// Plain content passes through.
	out = ExpandEnv([]byte("plain: value"))
	assert.Equal(t, "plain: value", string(out))
}

func TestExpandEnvInConfigFile(t *testing.T) {
	t.Setenv("ATLAS_TEST_ADDR", ":7070")
	dir := writeConfig(t, `
system:
  listen_addr: "{{.ATLAS_TEST_ADDR}}"
`)
	cfg, err := Initialize(dir)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.System.ListenAddr)
}
