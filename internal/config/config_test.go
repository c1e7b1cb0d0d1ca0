package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Listen)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.LeaseTTL)
	assert.NotEmpty(t, cfg.Scheduler.WorkerID)
	assert.Equal(t, "perplexity", cfg.Evaluator.SearchProvider)
	assert.Equal(t, "sonar", cfg.Evaluator.Perplexity.Model)
	assert.Equal(t, 8, cfg.Dispatcher.MaxConcurrency)
	assert.Equal(t, "Condwatch", cfg.DispatcherConfig().ProductName)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	path := filepath.Join(dir, "condwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/condwatch
scheduler:
  tick_interval: 30s
  max_concurrent: 2
evaluator:
  search_provider: static
  judge_provider: static
  static:
    answer: "published"
    condition_met: true
`), 0o600))

	t.Setenv("CONDWATCH_SCHEDULER_MAX_CONCURRENT", "6")
	t.Setenv("CONDWATCH_DISPATCHER_POLL_INTERVAL", "2s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/condwatch", cfg.DataDir)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, 6, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, 2*time.Second, cfg.Dispatcher.PollInterval)

	pc := cfg.ProviderConfig()
	assert.True(t, pc.Static.ConditionMet)
	assert.Equal(t, "published", pc.Static.Answer)
	assert.Equal(t, cfg.Evaluator.Timeout, pc.Timeout)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	t.Cleanup(func() { _ = os.Unsetenv("CONDWATCH_HTTP_LISTEN") })

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CONDWATCH_HTTP_LISTEN=127.0.0.1:9090\n"), 0o600))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9090", cfg.HTTP.Listen)
}

func TestLoadRejectsInvalid(t *testing.T) {
	chdir(t, t.TempDir())

	cases := map[string]map[string]string{
		"unknown provider":        {"CONDWATCH_EVALUATOR_JUDGE_PROVIDER": "oracle"},
		"tick below one second":   {"CONDWATCH_SCHEDULER_TICK_INTERVAL": "100ms"},
		"lease shorter than eval": {"CONDWATCH_SCHEDULER_LEASE_TTL": "30s"},
		"bad log level":           {"CONDWATCH_LOG_LEVEL": "loud"},
		"no workers":              {"CONDWATCH_SCHEDULER_MAX_CONCURRENT": "0"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.ErrorContains(t, err, "invalid config")
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	chdir(t, t.TempDir())

	_, err := Load("does-not-exist.yaml")
	assert.ErrorContains(t, err, "reading config")
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
