// Package config loads Mira's daemon configuration: a YAML file layered
// with environment variable overrides, one struct per concern composed
// into a single Config struct.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is mirad's top-level configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Council   CouncilConfig   `yaml:"council"`
	IPC       IPCConfig       `yaml:"ipc"`
	Hooks     HooksConfig     `yaml:"hooks"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StorageConfig points at the daemon's SQLite database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// EmbeddingConfig configures the shared embedding provider used by both
// memory recall and code search. Field names mirror embedclient.Config;
// cmd/mirad copies them across when it builds the embedding client.
type EmbeddingConfig struct {
	Provider          string  `yaml:"provider"`
	APIKey            string  `yaml:"api_key"`
	BaseURL           string  `yaml:"base_url"`
	Model             string  `yaml:"model"`
	CacheSize         int     `yaml:"cache_size"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// CouncilConfig configures the advisory council's providers.
type CouncilConfig struct {
	Synthesizer     string              `yaml:"synthesizer"`
	Moderator       string              `yaml:"moderator"`
	ProviderTimeout time.Duration       `yaml:"provider_timeout"`
	Claude          *ClaudeProviderCfg  `yaml:"claude"`
	GPT             *GPTProviderCfg     `yaml:"gpt"`
	Bedrock         *BedrockProviderCfg `yaml:"bedrock"`
	ToolBudget      int                 `yaml:"tool_budget"`
}

type ClaudeProviderCfg struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

type GPTProviderCfg struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

type BedrockProviderCfg struct {
	Region string `yaml:"region"`
	Model  string `yaml:"model"`
}

// IPCConfig configures the Unix domain socket the hook binaries dial.
type IPCConfig struct {
	SocketPath string        `yaml:"socket_path"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// HooksConfig locates host-agent state Mira reads or mirrors.
type HooksConfig struct {
	NativeTaskDir string `yaml:"native_task_dir"`
}

// LoggingConfig controls the daemon's slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Load reads path, expands ${VAR} references against the environment,
// decodes strictly (unknown fields are an error), applies env overrides,
// then fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "mira.db"
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "disabled"
	}
	if cfg.Council.ProviderTimeout <= 0 {
		cfg.Council.ProviderTimeout = 90 * time.Second
	}
	if cfg.Council.ToolBudget <= 0 {
		cfg.Council.ToolBudget = 20
	}
	if cfg.IPC.SocketPath == "" {
		cfg.IPC.SocketPath = "/tmp/mira.sock"
	}
	if cfg.IPC.DialTimeout <= 0 {
		cfg.IPC.DialTimeout = 5 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// applyEnvOverrides lets deployment secrets (API keys above all) live
// outside the config file, the same MIRA_-prefixed convention the
// teacher uses with its NEXUS_ prefix.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("MIRA_STORAGE_PATH")); v != "" {
		cfg.Storage.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("MIRA_IPC_SOCKET")); v != "" {
		cfg.IPC.SocketPath = v
	}
	if v := strings.TrimSpace(os.Getenv("MIRA_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}

	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		if cfg.Embedding.Provider == "openai" && cfg.Embedding.APIKey == "" {
			cfg.Embedding.APIKey = v
		}
		if cfg.Council.GPT != nil && cfg.Council.GPT.APIKey == "" {
			cfg.Council.GPT.APIKey = v
		}
	}
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); v != "" {
		if cfg.Council.Claude != nil && cfg.Council.Claude.APIKey == "" {
			cfg.Council.Claude.APIKey = v
		}
	}
	if v := strings.TrimSpace(os.Getenv("AWS_REGION")); v != "" {
		if cfg.Council.Bedrock != nil && cfg.Council.Bedrock.Region == "" {
			cfg.Council.Bedrock.Region = v
		}
	}
	if v := strings.TrimSpace(os.Getenv("MIRA_COUNCIL_TOOL_BUDGET")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Council.ToolBudget = n
		}
	}
}
