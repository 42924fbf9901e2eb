// Package config loads and validates the conductor configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"conductor/pkg/logger"
)

// Config is the root configuration structure.
type Config struct {
	Version      string             `mapstructure:"version" yaml:"version"`
	Gateway      GatewayConfig      `mapstructure:"gateway" yaml:"gateway"`
	Log          logger.LogConfig   `mapstructure:"log" yaml:"log"`
	Storage      StorageConfig      `mapstructure:"storage" yaml:"storage"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	Checkpoint   CheckpointConfig   `mapstructure:"checkpoint" yaml:"checkpoint"`
	Approval     ApprovalConfig     `mapstructure:"approval" yaml:"approval"`
	Risk         RiskConfig         `mapstructure:"risk" yaml:"risk"`
	Selector     SelectorConfig     `mapstructure:"selector" yaml:"selector"`
}

// GatewayConfig configures the HTTP gateway.
type GatewayConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// StorageConfig configures persistence.
type StorageConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	Path   string `mapstructure:"path" yaml:"path"`
}

// OrchestratorConfig configures hybrid execution.
type OrchestratorConfig struct {
	// ExecutionTimeout bounds a whole execute() call.
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout" yaml:"execution_timeout"`

	// AutoCheckpoint creates an AUTO checkpoint after each state-mutating run.
	AutoCheckpoint bool `mapstructure:"auto_checkpoint" yaml:"auto_checkpoint"`
}

// CheckpointConfig configures the checkpoint store.
type CheckpointConfig struct {
	TTL                time.Duration `mapstructure:"ttl" yaml:"ttl"`
	MaxCompressedBytes int           `mapstructure:"max_compressed_bytes" yaml:"max_compressed_bytes"`

	// ReapSchedule is a cron expression for the expiry sweep.
	ReapSchedule string `mapstructure:"reap_schedule" yaml:"reap_schedule"`
}

// ApprovalConfig configures the human-in-the-loop controller.
type ApprovalConfig struct {
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxPending   int           `mapstructure:"max_pending" yaml:"max_pending"`

	// Policy is the multi-approver policy: "any" or "all".
	Policy string `mapstructure:"policy" yaml:"policy"`
}

// RiskConfig configures the risk assessment engine.
type RiskConfig struct {
	// MediumRequiresApproval gates MEDIUM-level operations behind approval.
	MediumRequiresApproval bool `mapstructure:"medium_requires_approval" yaml:"medium_requires_approval"`

	// RulesFile optionally extends the built-in destructive-operation rules.
	RulesFile string `mapstructure:"rules_file" yaml:"rules_file"`
}

// SelectorConfig configures the execution mode selector.
type SelectorConfig struct {
	// ConfidenceThreshold is the minimum confidence to apply a mode change.
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
}

// Load reads configuration from the given path, applying defaults and
// CONDUCTOR_* environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.GetViper()

	SetDefaults()

	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		expanded, err := ExpandPath(path)
		if err != nil {
			return nil, fmt.Errorf("expand config path: %w", err)
		}
		v.SetConfigFile(expanded)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
					if _, statErr := os.Stat(expanded); statErr == nil {
						return nil, fmt.Errorf("read config: %w", err)
					}
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("config: invalid gateway port %d", c.Gateway.Port)
	}
	if c.Selector.ConfidenceThreshold < 0 || c.Selector.ConfidenceThreshold > 1 {
		return fmt.Errorf("config: confidence_threshold must be in [0,1], got %v", c.Selector.ConfidenceThreshold)
	}
	switch c.Approval.Policy {
	case "", "any", "all":
	default:
		return fmt.Errorf("config: approval policy must be any or all, got %q", c.Approval.Policy)
	}
	if c.Checkpoint.MaxCompressedBytes < 0 {
		return fmt.Errorf("config: max_compressed_bytes must be non-negative")
	}
	return nil
}

// StoragePath resolves the sqlite database path, falling back to the default.
func (c *Config) StoragePath() (string, error) {
	if c.Storage.Path != "" {
		return ExpandPath(c.Storage.Path)
	}
	return DefaultDataPath()
}

// WriteDefault writes a default config file to the given path if absent.
func WriteDefault(path string) error {
	expanded, err := ExpandPath(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(expanded); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(expanded, []byte(defaultConfigYAML), 0600)
}

const defaultConfigYAML = `version: "1"
gateway:
  host: 127.0.0.1
  port: 18890
log:
  level: info
  format: console
orchestrator:
  execution_timeout: 5m
  auto_checkpoint: true
checkpoint:
  ttl: 24h
  max_compressed_bytes: 1048576
  reap_schedule: "*/10 * * * *"
approval:
  timeout: 5m
  poll_interval: 1s
  max_pending: 100
  policy: any
risk:
  medium_requires_approval: false
selector:
  confidence_threshold: 0.7
`
