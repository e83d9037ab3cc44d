// Package config loads foreman configuration from a YAML file and
// environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// EngineConfig tunes work order execution.
type EngineConfig struct {
	MaxConcurrent   int           `koanf:"max_concurrent"`
	DefaultProvider string        `koanf:"default_provider"`
	StepTimeout     time.Duration `koanf:"step_timeout"`
	SubStepTimeout  time.Duration `koanf:"sub_step_timeout"`
}

// GitConfig holds filesystem and GitHub settings.
type GitConfig struct {
	RepoRoot      string `koanf:"repo_root"`
	WorkspaceRoot string `koanf:"workspace_root"`
	BaseBranch    string `koanf:"base_branch"`
	GitHubToken   string `koanf:"github_token"`
}

// PauseConfig tunes the human-in-the-loop pause controller.
type PauseConfig struct {
	Timeout       time.Duration `koanf:"timeout"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "json" or "console"
}

// Config is the root configuration.
type Config struct {
	Server    ServerConfig  `koanf:"server"`
	Engine    EngineConfig  `koanf:"engine"`
	Git       GitConfig     `koanf:"git"`
	Pause     PauseConfig   `koanf:"pause"`
	Logging   LoggingConfig `koanf:"logging"`
	Database  string        `koanf:"database"`
	Templates string        `koanf:"templates"` // template catalog path, empty uses built-ins
}

// envPrefix namespaces foreman's environment variables, e.g.
// FOREMAN_SERVER_PORT -> server.port, FOREMAN_GIT_GITHUB_TOKEN ->
// git.github_token.
const envPrefix = "FOREMAN_"

// Load reads configuration with precedence env > file > defaults. A missing
// file is fine; a malformed one is an error.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
			}
		}
	}

	// FOREMAN_SECTION_FIELD_NAME -> section.field_name: the first
	// underscore after the prefix separates section from field.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8720
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Engine.MaxConcurrent == 0 {
		cfg.Engine.MaxConcurrent = 4
	}
	if cfg.Engine.DefaultProvider == "" {
		cfg.Engine.DefaultProvider = "claude"
	}
	if cfg.Engine.StepTimeout == 0 {
		cfg.Engine.StepTimeout = 30 * time.Minute
	}
	if cfg.Engine.SubStepTimeout == 0 {
		cfg.Engine.SubStepTimeout = 15 * time.Minute
	}

	if cfg.Git.RepoRoot == "" {
		cfg.Git.RepoRoot = "./repos"
	}
	if cfg.Git.WorkspaceRoot == "" {
		cfg.Git.WorkspaceRoot = "./workspaces"
	}
	if cfg.Git.BaseBranch == "" {
		cfg.Git.BaseBranch = "main"
	}

	if cfg.Pause.Timeout == 0 {
		cfg.Pause.Timeout = 24 * time.Hour
	}
	if cfg.Pause.SweepInterval == 0 {
		cfg.Pause.SweepInterval = time.Minute
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Database == "" {
		cfg.Database = "./foreman.db"
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Engine.MaxConcurrent < 1 {
		return fmt.Errorf("engine.max_concurrent must be at least 1, got %d", c.Engine.MaxConcurrent)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
