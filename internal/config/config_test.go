package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "pald.db", cfg.Store.SQLitePath)
	assert.Equal(t, "store", cfg.Schema.Backend)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.InDelta(t, 0.8, cfg.Loop.SimilarityThreshold, 0.001)
	assert.Equal(t, 3, cfg.Loop.MaxIterations)
	assert.Equal(t, 90, cfg.Loop.CallTimeoutSecs)
	assert.Equal(t, 3, cfg.Loop.IterationRetries)
	assert.True(t, cfg.Loop.CompressPrompt)
	assert.Equal(t, 3, cfg.Feedback.Rounds)
	assert.Equal(t, 5, cfg.Candidates.MinSupport)
	assert.Equal(t, 3, cfg.Bias.MaxAttempts)
	assert.Equal(t, 2, cfg.Bias.Workers)
	assert.Equal(t, []string{"age_shift", "gender_shift"}, cfg.Bias.AnalysisTypes)
	assert.Equal(t, 500, cfg.Retry.InitialBackoffMs)
	assert.InDelta(t, 0.25, cfg.Retry.JitterFraction, 0.001)
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.Model)
	assert.Equal(t, "dall-e-3", cfg.OpenAI.ImageModel)
	assert.Equal(t, 300, cfg.Monitoring.CheckIntervalSecs)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/pald
log:
  level: debug
  format: console
server:
  port: 9090
loop:
  max_iterations: 5
schema:
  deny_list: [ethnicity, religion]
bias:
  prompts:
    age_shift: "Compare the ages."
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/pald", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Loop.MaxIterations)
	assert.Equal(t, []string{"ethnicity", "religion"}, cfg.Schema.DenyList)
	assert.Equal(t, "Compare the ages.", cfg.Bias.Prompts["age_shift"])
	// Defaults still apply for unset values
	assert.InDelta(t, 0.8, cfg.Loop.SimilarityThreshold, 0.001)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("PALD_STORE_DRIVER", "postgres")
	t.Setenv("PALD_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("PALD_SERVER_PORT", "3000")
	t.Setenv("PALD_CANDIDATES_MIN_SUPPORT", "2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Candidates.MinSupport)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = "pald.db"
	cfg.Schema.Backend = "store"
	cfg.Loop.SimilarityThreshold = 0.8
	cfg.Loop.MaxIterations = 3
	cfg.Feedback.Rounds = 3
	cfg.Candidates.MinSupport = 5
	cfg.Bias.MaxAttempts = 3
	cfg.Bias.BatchSize = 10
	cfg.Bias.Workers = 2
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateAdmin_Defaults(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("admin"))
}

func TestValidateRun_AllPresent(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.OpenAI.Key = "sk-openai"

	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateRun_MissingKeys(t *testing.T) {
	err := validDefaults().Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
	assert.Contains(t, err.Error(), "openai.key is required")
}

func TestValidateWorker_NeedsOnlyAnthropic(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = "sk-ant-key"
	assert.NoError(t, cfg.Validate("worker"))

	cfg.Anthropic.Key = ""
	err := cfg.Validate("worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
	assert.NotContains(t, err.Error(), "openai.key")
}

func TestValidatePostgres_RequiresURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"

	err := cfg.Validate("admin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/pald"
	assert.NoError(t, cfg.Validate("admin"))
}

func TestValidateUnknownDriverAndBackend(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	cfg.Schema.Backend = "notion"

	err := cfg.Validate("admin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")
	assert.Contains(t, err.Error(), "schema.backend must be store or file")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = "k"
	cfg.OpenAI.Key = "k"
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateLoopBounds(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = "k"
	cfg.OpenAI.Key = "k"

	cfg.Loop.SimilarityThreshold = 0
	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "similarity_threshold")

	cfg.Loop.SimilarityThreshold = 1.0
	cfg.Loop.MaxIterations = -1
	err = cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "max_iterations")

	cfg.Loop.MaxIterations = 0
	cfg.Loop.IterationRetries = -1
	err = cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "iteration_retries")

	cfg.Loop.IterationRetries = 0
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateWorkerBounds(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = "k"

	cfg.Bias.Workers = 0
	err := cfg.Validate("worker")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "bias.workers must be between 1 and 32")

	cfg.Bias.Workers = 33
	assert.Error(t, cfg.Validate("worker"))

	cfg.Bias.Workers = 32
	assert.NoError(t, cfg.Validate("worker"))
}
