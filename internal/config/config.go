// Package config holds daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines the Agor daemon configuration.
type Config struct {
	// Listen is the address the HTTP API binds to.
	Listen string `yaml:"listen"`
	// DBPath is the SQLite database location.
	DBPath string `yaml:"db_path"`
	// BaseURL is the API address advertised to spawned executors.
	BaseURL string `yaml:"base_url"`
	// UsersFile is the per-user environment file.
	UsersFile string `yaml:"users_file"`
	// ExecutorBinary is the agent executor binary, looked up on PATH when
	// not an absolute path.
	ExecutorBinary string `yaml:"executor_binary"`
	// ToolBinaries overrides the binary path per agent tool.
	ToolBinaries map[string]string `yaml:"tool_binaries"`
	// StopAckTimeoutSec bounds the wait for an executor to acknowledge a
	// stop request.
	StopAckTimeoutSec int `yaml:"stop_ack_timeout_sec"`
	// StopConfirmTimeoutSec bounds the wait for the executor to confirm it
	// has halted after acknowledging.
	StopConfirmTimeoutSec int `yaml:"stop_confirm_timeout_sec"`
	// TokenTTLSec is the session token lifetime.
	TokenTTLSec int `yaml:"token_ttl_sec"`
	// TokenMaxUses bounds how many times a session token may be validated;
	// -1 means unlimited until expiry or revocation.
	TokenMaxUses int `yaml:"token_max_uses"`
}

// DefaultConfig returns the default daemon configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Listen:                "127.0.0.1:7420",
		DBPath:                filepath.Join(home, ".agor", "agor.db"),
		BaseURL:               "http://127.0.0.1:7420",
		UsersFile:             filepath.Join(home, ".agor", "users.yaml"),
		ExecutorBinary:        "agor-executor",
		StopAckTimeoutSec:     5,
		StopConfirmTimeoutSec: 30,
		TokenTTLSec:           int((4 * time.Hour).Seconds()),
		TokenMaxUses:          -1,
	}
}

// Load reads a config file, applying defaults for unset fields.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// LoadFromHome loads ~/.agor/config.yaml, falling back to defaults.
func LoadFromHome() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultConfig(), nil
	}
	return Load(filepath.Join(home, ".agor", "config.yaml"))
}

// StopAckTimeout returns the ack timeout as a duration.
func (c *Config) StopAckTimeout() time.Duration {
	return time.Duration(c.StopAckTimeoutSec) * time.Second
}

// StopConfirmTimeout returns the confirm timeout as a duration.
func (c *Config) StopConfirmTimeout() time.Duration {
	return time.Duration(c.StopConfirmTimeoutSec) * time.Second
}

// TokenTTL returns the token lifetime as a duration.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLSec) * time.Second
}
