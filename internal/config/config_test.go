package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mira.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `storage:
  path: ""
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "mira.db", cfg.Storage.Path)
	require.Equal(t, "disabled", cfg.Embedding.Provider)
	require.Equal(t, 90*time.Second, cfg.Council.ProviderTimeout)
	require.Equal(t, 20, cfg.Council.ToolBudget)
	require.Equal(t, "/tmp/mira.sock", cfg.IPC.SocketPath)
	require.Equal(t, 5*time.Second, cfg.IPC.DialTimeout)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadPreservesExplicitValues(t *testing.T) {
	path := writeConfig(t, `storage:
  path: /var/lib/mira/mira.db
embedding:
  provider: openai
  model: text-embedding-3-small
  cache_size: 500
  requests_per_second: 25
council:
  synthesizer: claude
  tool_budget: 5
logging:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "/var/lib/mira/mira.db", cfg.Storage.Path)
	require.Equal(t, "openai", cfg.Embedding.Provider)
	require.Equal(t, "text-embedding-3-small", cfg.Embedding.Model)
	require.Equal(t, 500, cfg.Embedding.CacheSize)
	require.Equal(t, 25.0, cfg.Embedding.RequestsPerSecond)
	require.Equal(t, "claude", cfg.Council.Synthesizer)
	require.Equal(t, 5, cfg.Council.ToolBudget)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("MIRA_TEST_DB_PATH", "/from/env/mira.db")
	path := writeConfig(t, `storage:
  path: "${MIRA_TEST_DB_PATH}"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/from/env/mira.db", cfg.Storage.Path)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `storage:
  path: mira.db
  bogus_field: true
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestApplyEnvOverridesStorageAndSocket(t *testing.T) {
	t.Setenv("MIRA_STORAGE_PATH", "/override/mira.db")
	t.Setenv("MIRA_IPC_SOCKET", "/override/mira.sock")
	t.Setenv("MIRA_LOG_LEVEL", "warn")

	cfg := &Config{}
	applyEnvOverrides(cfg)

	require.Equal(t, "/override/mira.db", cfg.Storage.Path)
	require.Equal(t, "/override/mira.sock", cfg.IPC.SocketPath)
	require.Equal(t, "warn", cfg.Logging.Level)
}

func TestApplyEnvOverridesDoesNotClobberExistingAPIKeys(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "env-key")

	cfg := &Config{
		Embedding: EmbeddingConfig{Provider: "openai", APIKey: "already-set"},
		Council:   CouncilConfig{GPT: &GPTProviderCfg{APIKey: "also-set"}},
	}
	applyEnvOverrides(cfg)

	require.Equal(t, "already-set", cfg.Embedding.APIKey)
	require.Equal(t, "also-set", cfg.Council.GPT.APIKey)
}

func TestApplyEnvOverridesFillsMissingAPIKeys(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "env-key")
	t.Setenv("ANTHROPIC_API_KEY", "env-claude-key")
	t.Setenv("AWS_REGION", "us-west-2")

	cfg := &Config{
		Embedding: EmbeddingConfig{Provider: "openai"},
		Council: CouncilConfig{
			Claude:  &ClaudeProviderCfg{},
			GPT:     &GPTProviderCfg{},
			Bedrock: &BedrockProviderCfg{},
		},
	}
	applyEnvOverrides(cfg)

	require.Equal(t, "env-key", cfg.Embedding.APIKey)
	require.Equal(t, "env-key", cfg.Council.GPT.APIKey)
	require.Equal(t, "env-claude-key", cfg.Council.Claude.APIKey)
	require.Equal(t, "us-west-2", cfg.Council.Bedrock.Region)
}

func TestApplyEnvOverridesToolBudget(t *testing.T) {
	t.Setenv("MIRA_COUNCIL_TOOL_BUDGET", "42")
	cfg := &Config{}
	applyEnvOverrides(cfg)
	require.Equal(t, 42, cfg.Council.ToolBudget)
}

func TestApplyEnvOverridesIgnoresInvalidToolBudget(t *testing.T) {
	t.Setenv("MIRA_COUNCIL_TOOL_BUDGET", "not-a-number")
	cfg := &Config{Council: CouncilConfig{ToolBudget: 7}}
	applyEnvOverrides(cfg)
	require.Equal(t, 7, cfg.Council.ToolBudget)
}
