// Package config loads and validates the adapter configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mahmut-Abi/openclaw-feishu/internal/agent"
	"github.com/mahmut-Abi/openclaw-feishu/internal/feishu"
	"github.com/mahmut-Abi/openclaw-feishu/internal/logging"
	"github.com/mahmut-Abi/openclaw-feishu/internal/pairing"
	"github.com/mahmut-Abi/openclaw-feishu/internal/render"
	"github.com/mahmut-Abi/openclaw-feishu/internal/streaming"
	"github.com/mahmut-Abi/openclaw-feishu/internal/typing"
)

// Config represents the main configuration
type Config struct {
	Version   string            `yaml:"version"`
	Logging   *logging.Config   `yaml:"logging"`
	Feishu    *feishu.Config    `yaml:"feishu"`
	Streaming *streaming.Config `yaml:"streaming"`
	Render    *render.Config    `yaml:"render"`
	Typing    *typing.Config    `yaml:"typing"`
	Pairing   *pairing.Config   `yaml:"pairing"`
	Agent     *agent.Config     `yaml:"agent"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Version:   "1.0",
		Logging:   logging.DefaultConfig(),
		Feishu:    feishu.DefaultConfig(),
		Streaming: streaming.DefaultConfig(),
		Render:    render.DefaultConfig(),
		Typing:    typing.DefaultConfig(),
		Pairing:   pairing.DefaultConfig(),
		Agent:     agent.DefaultConfig(),
	}
}

// Load loads configuration from a file. A missing file yields defaults;
// ${VAR} references in the file are expanded from the environment.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			config.expandPaths()
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.expandPaths()
	return config, nil
}

func (c *Config) expandPaths() {
	if c.Pairing != nil {
		c.Pairing.DBPath = expandPath(c.Pairing.DBPath)
	}
	if c.Agent != nil {
		c.Agent.Workdir = expandPath(c.Agent.Workdir)
	}
}

// Save saves configuration to a file
func Save(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// DefaultConfigPath returns the default configuration path
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".openclaw-feishu", "config.yaml")
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Feishu == nil {
		return fmt.Errorf("feishu configuration is required")
	}
	if c.Feishu.AppID == "" || c.Feishu.AppSecret == "" {
		return fmt.Errorf("feishu app_id and app_secret are required")
	}
	if c.Streaming != nil {
		if c.Streaming.MinIntervalMS < 0 || c.Streaming.MaxIntervalMS < 0 {
			return fmt.Errorf("streaming intervals must not be negative")
		}
		if c.Streaming.MaxIntervalMS > 0 && c.Streaming.MaxIntervalMS < c.Streaming.MinIntervalMS {
			return fmt.Errorf("streaming max_interval_ms must be >= min_interval_ms")
		}
		if c.Streaming.BackoffMultiplier != 0 && c.Streaming.BackoffMultiplier <= 1 {
			return fmt.Errorf("streaming backoff_multiplier must be greater than 1")
		}
	}
	if c.Render != nil {
		switch c.Render.Mode {
		case "", render.ModeAuto, render.ModeRaw, render.ModeCard:
		default:
			return fmt.Errorf("invalid render mode: %s", c.Render.Mode)
		}
		if c.Render.ChunkLimit < 0 {
			return fmt.Errorf("render chunk_limit must not be negative")
		}
	}
	if c.Pairing != nil {
		switch c.Pairing.Policy {
		case pairing.PolicyOpen, pairing.PolicyAllowlist, pairing.PolicyPair:
		default:
			return fmt.Errorf("invalid pairing policy: %s", c.Pairing.Policy)
		}
	}
	if c.Agent != nil {
		if err := c.Agent.Validate(); err != nil {
			return err
		}
	}
	return nil
}
