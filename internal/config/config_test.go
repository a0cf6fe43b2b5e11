package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir and returns the orchestrd config dir.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", "orchestrd")
	require.NoError(t, os.MkdirAll(dir, 0700))
	return dir
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	applyDefaults(cfg)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 1, cfg.Engine.MaxRetries)
	assert.Equal(t, PolicyHalt, cfg.Engine.FailurePolicy)
	assert.Equal(t, "gpt-4", cfg.Model.Providers["openai"].Model)
	assert.Equal(t, 2000, cfg.Model.Providers["openai"].MaxTokens)
	assert.False(t, cfg.Integration.Enabled)
	assert.ElementsMatch(t, IntegrationKinds, cfg.Integration.Kinds)
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	dir := setupTestHome(t)
	path := filepath.Join(dir, "config.yaml")

	yamlContent := `
model:
  provider: anthropic
  providers:
    anthropic:
      api_key: sk-ant-test
      timeout: 15s
engine:
  max_retries: 3
  failure_policy: best_effort
  workers: 2
  phases:
    - code: ideation
      name: Ideation
    - code: design
      name: Design
      critical: true
integration:
  enabled: true
  kinds: [filesystem, vcs]
store:
  driver: sqlite
  path: /tmp/orchestrd.db
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0600))

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, "anthropic", cfg.Model.Provider)
	anthropic := cfg.Model.Providers["anthropic"]
	assert.Equal(t, "sk-ant-test", anthropic.APIKey.Value())
	assert.Equal(t, 15*time.Second, anthropic.Timeout.Duration())
	assert.Equal(t, "claude-3-5-haiku-20241022", anthropic.Model, "missing fields fall back to defaults")

	assert.Equal(t, 3, cfg.Engine.MaxRetries)
	assert.Equal(t, PolicyBestEffort, cfg.Engine.FailurePolicy)
	assert.Equal(t, 2, cfg.Engine.Workers)
	assert.Equal(t, 16, cfg.Engine.QueueThreshold, "unset fields keep defaults")
	require.Len(t, cfg.Engine.Phases, 2)
	assert.True(t, cfg.Engine.Phases[1].Critical)

	assert.True(t, cfg.Integration.Enabled)
	assert.Equal(t, []string{"filesystem", "vcs"}, cfg.Integration.Kinds)
	assert.Equal(t, StoreSQLite, cfg.Store.Driver)
}

func TestLoadWithFile_EnvOverridesFile(t *testing.T) {
	dir := setupTestHome(t)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  max_retries: 2\n"), 0600))

	t.Setenv("ORCHESTRD_ENGINE_MAX_RETRIES", "5")
	t.Setenv("ORCHESTRD_ENGINE_FAILURE_POLICY", "best_effort")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Engine.MaxRetries)
	assert.Equal(t, PolicyBestEffort, cfg.Engine.FailurePolicy)
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	dir := setupTestHome(t)
	t.Setenv("OPENAI_API_KEY", "sk-env")

	cfg, err := LoadWithFile(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sk-env", cfg.Model.Providers["openai"].APIKey.Value())
	assert.Equal(t, PolicyHalt, cfg.Engine.FailurePolicy)
}

func TestLoadWithFile_RejectsInsecurePermissions(t *testing.T) {
	dir := setupTestHome(t)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  workers: 1\n"), 0644))

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadWithFile_RejectsPathOutsideAllowedDirs(t *testing.T) {
	setupTestHome(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0600))

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config path validation failed")
}

func TestLoadWithFile_InvalidPolicy(t *testing.T) {
	dir := setupTestHome(t)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  failure_policy: sometimes\n"), 0600))

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.failure_policy")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown provider", func(c *Config) { c.Model.Provider = "nope" }, "model.provider"},
		{"unknown provider type", func(c *Config) { c.Model.Providers["x"] = ProviderConfig{Type: "gemini"} }, "unknown type"},
		{"zero workers", func(c *Config) { c.Engine.Workers = 0 }, "engine.workers"},
		{"negative retries", func(c *Config) { c.Engine.MaxRetries = -1 }, "engine.max_retries"},
		{"unknown kind", func(c *Config) { c.Integration.Kinds = []string{"ftp"} }, "unknown kind"},
		{"sqlite without path", func(c *Config) { c.Store.Driver = StoreSQLite }, "store.path"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "engine.max_retries", envKey("ORCHESTRD_ENGINE_MAX_RETRIES"))
	assert.Equal(t, "store.driver", envKey("ORCHESTRD_STORE_DRIVER"))
	assert.Equal(t, "debug", envKey("ORCHESTRD_DEBUG"))
}

func TestSecret_NeverLeaks(t *testing.T) {
	s := Secret("sk-live-123")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.NotContains(t, fmt.Sprintf("%#v", s), "sk-live")
	assert.Equal(t, "sk-live-123", s.Value())

	data, err := json.Marshal(struct{ Key Secret }{s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Key":"[REDACTED]"}`, string(data))

	assert.Equal(t, "", Secret("").String())
	assert.False(t, Secret("").IsSet())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
