package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tutor/internal/orchestrator"
)

func isolated(t *testing.T) []Option {
	t.Helper()
	dir := t.TempDir()
	return []Option{
		WithSearchPaths(dir),
		WithHomeDir(func() (string, error) { return dir, nil }),
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, meta, err := Load(isolated(t)...)
	require.NoError(t, err)

	assert.Empty(t, meta.ConfigFile)
	def := Default()
	assert.Equal(t, def.Scheduler, cfg.Scheduler)
	assert.Equal(t, def.Degradation.MemoryThresholdsMB, cfg.Degradation.MemoryThresholdsMB)
	assert.Equal(t, def.Generation.Model, cfg.Generation.Model)
	assert.Equal(t, def.Embedding.Model, cfg.Embedding.Model)
	assert.True(t, cfg.Embedding.Enabled)
	assert.Equal(t, def.Fitter.SubjectKeywords, cfg.Fitter.SubjectKeywords)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tutor.yaml", `
scheduler:
  max_workers: 2
  default_timeout: 45s
degradation:
  cooldown: 1m
embedding:
  enabled: false
  model: all-minilm
pipeline:
  default_mode: queued
server:
  port: 9090
`)

	cfg, meta, err := Load(WithConfigPath(path))
	require.NoError(t, err)

	assert.Equal(t, path, meta.ConfigFile)
	assert.Equal(t, 2, cfg.Scheduler.MaxWorkers)
	assert.Equal(t, 45*time.Second, cfg.Scheduler.DefaultTimeout)
	assert.Equal(t, Default().Scheduler.QueueCapacity, cfg.Scheduler.QueueCapacity)
	assert.Equal(t, time.Minute, cfg.Degradation.Cooldown)
	assert.False(t, cfg.Embedding.Enabled)
	assert.Equal(t, "all-minilm", cfg.Embedding.Model)
	assert.Equal(t, Default().Embedding.BaseURL, cfg.Embedding.BaseURL)
	assert.Equal(t, orchestrator.ModeQueued, cfg.Pipeline.DefaultMode)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestLoadFindsFileInSearchPath(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "tutor.yaml", "server:\n  port: 8181\n")

	cfg, meta, err := Load(WithSearchPaths(dir))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "tutor.yaml"), meta.ConfigFile)
	assert.Equal(t, 8181, cfg.Server.Port)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tutor.yaml", "scheduler:\n  max_workers: 2\n")
	t.Setenv("TUTOR_SCHEDULER_MAX_WORKERS", "3")
	t.Setenv("TUTOR_GENERATION_MODEL", "llama3.2:1b")
	t.Setenv("TUTOR_SCHEDULER_RESULT_RETENTION", "90s")

	cfg, _, err := Load(WithConfigPath(path))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Scheduler.MaxWorkers)
	assert.Equal(t, "llama3.2:1b", cfg.Generation.Model)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.ResultRetention)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tutor.yaml", `
scheduler:
  min_workers: 3
  max_workers: 2
  initial_workers: 2
chunker:
  chunk_size: 64
  chunk_overlap: 64
`)

	_, _, err := Load(WithConfigPath(path))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler")
	assert.Contains(t, err.Error(), "chunker")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, _, err := Load(WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")))
	assert.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "tutor.yaml", "scheduler: [unclosed")
	_, _, err := Load(WithConfigPath(path))
	assert.Error(t, err)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	cfg := Default()
	cfg.Scheduler.QueueCapacity = 12
	cfg.Degradation.Cooldown = 90 * time.Second
	cfg.Fitter.SubjectKeywords = map[string][]string{"music": {"rhythm", "melody"}}
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000"}
	path := filepath.Join(t.TempDir(), "nested", "tutor.yaml")

	require.NoError(t, Save(path, cfg))
	loaded, _, err := Load(WithConfigPath(path))
	require.NoError(t, err)

	assert.Equal(t, 12, loaded.Scheduler.QueueCapacity)
	assert.Equal(t, 90*time.Second, loaded.Degradation.Cooldown)
	assert.Equal(t, []string{"rhythm", "melody"}, loaded.Fitter.SubjectKeywords["music"])
	assert.Equal(t, cfg.Server.AllowedOrigins, loaded.Server.AllowedOrigins)
}

func TestInitRefusesToOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tutor.yaml")
	require.NoError(t, Init(path, false))

	err := Init(path, false)
	assert.ErrorIs(t, err, ErrExists)
	assert.NoError(t, Init(path, true))
}

func TestValidateReportsEachSection(t *testing.T) {
	cfg := Default()
	cfg.Retrieval.TopK = 0
	cfg.Sampler.Probe = "psutil"
	cfg.Pipeline.DefaultMode = "batch"
	cfg.Observability.Logging.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	for _, section := range []string{"retrieval", "sampler", "pipeline", "observability"} {
		assert.Contains(t, err.Error(), section)
	}
}
