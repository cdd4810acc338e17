// Package config loads the engramd server configuration: daemon settings,
// consolidation defaults, and the per-agent overrides (trust tier,
// schedule, quotas). User config is merged over built-in defaults with
// mergo so partial files behave sensibly.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConsolidationDefaults tunes the maintenance cycle for agents that carry
// no overrides of their own.
type ConsolidationDefaults struct {
	DecayRate       float64       `yaml:"decay_rate,omitempty"`
	DecayCurve      string        `yaml:"decay_curve,omitempty"` // "multiplicative" or "linear"
	PruneThreshold  float64       `yaml:"prune_threshold,omitempty"`
	ReinforceWindow time.Duration `yaml:"reinforce_window,omitempty"`
	ReinforceBoost  float64       `yaml:"reinforce_boost,omitempty"`
	SizeThreshold   int           `yaml:"size_threshold,omitempty"`
	MinInterval     time.Duration `yaml:"min_interval,omitempty"`
	MaxNodesPerType int           `yaml:"max_nodes_per_type,omitempty"`
	ArchiveDisabled bool          `yaml:"archive_disabled,omitempty"`
}

// AgentConfig configures one agent's worker.
type AgentConfig struct {
	ID         string         `yaml:"id"`
	Tier       string         `yaml:"tier,omitempty"`      // trust tier name, default "trusted"
	Schedule   string         `yaml:"schedule,omitempty"`  // cron expression or Go duration
	DecayRate  float64        `yaml:"decay_rate,omitempty"`
	MaxPins    int            `yaml:"max_pins,omitempty"`
	TypeQuotas map[string]int `yaml:"type_quotas,omitempty"`
	Disabled   bool           `yaml:"disabled,omitempty"`
}

// ServerConfig is the engramd daemon configuration.
type ServerConfig struct {
	DB string `yaml:"db,omitempty"` // SQLite database path

	Log struct {
		File   string `yaml:"file,omitempty"`
		Pretty bool   `yaml:"pretty,omitempty"`
	} `yaml:"log,omitempty"`

	// PollInterval is how often the maintenance scheduler checks workers.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`

	// EventBuffer sizes the notification channel. Zero keeps the default.
	EventBuffer int `yaml:"event_buffer,omitempty"`

	Defaults ConsolidationDefaults   `yaml:"defaults,omitempty"`
	Agents   map[string]*AgentConfig `yaml:"agents,omitempty"`
}

// DefaultServerConfig returns the built-in defaults user config merges over.
func DefaultServerConfig() *ServerConfig {
	cfg := &ServerConfig{
		DB:           "engram.db",
		PollInterval: 30 * time.Second,
		Defaults: ConsolidationDefaults{
			DecayRate:       0.05,
			DecayCurve:      "multiplicative",
			PruneThreshold:  0.1,
			ReinforceWindow: 24 * time.Hour,
			ReinforceBoost:  0.1,
			SizeThreshold:   100,
			MinInterval:     60 * time.Minute,
			MaxNodesPerType: 100,
		},
		Agents: make(map[string]*AgentConfig),
	}
	return cfg
}

// GetServerConfigPath returns the default config file path. Can be
// overridden via the ENGRAM_CONFIG_PATH environment variable.
func GetServerConfigPath() string {
	if envPath := os.Getenv("ENGRAM_CONFIG_PATH"); envPath != "" {
		return expandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.engram/config.yaml"
	}
	return filepath.Join(homeDir, ".engram", "config.yaml")
}

// LoadServerConfig loads the config file at path and merges it over the
// built-in defaults, with file values taking precedence. A missing file
// yields pure defaults.
func LoadServerConfig(path string) (*ServerConfig, error) {
	defaults := DefaultServerConfig()

	expandedPath := expandPath(path)
	data, err := os.ReadFile(expandedPath) //nolint:gosec // G304: config path is operator-supplied
	if err != nil {
		if os.IsNotExist(err) {
			return defaults, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", expandedPath, err)
	}

	var fileConfig ServerConfig
	if err := yaml.Unmarshal(data, &fileConfig); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", expandedPath, err)
	}

	if err := mergo.Merge(defaults, fileConfig, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}

	// Backfill agent ids from their map keys.
	for id, agentCfg := range defaults.Agents {
		if agentCfg != nil && agentCfg.ID == "" {
			agentCfg.ID = id
		}
	}

	return defaults, nil
}

// SaveServerConfig writes the configuration to path, creating the parent
// directory when needed.
func SaveServerConfig(cfg *ServerConfig, path string) error {
	expandedPath := expandPath(path)

	dir := filepath.Dir(expandedPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(expandedPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
