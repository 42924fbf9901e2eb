package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults sets default values for all configuration keys.
func SetDefaults() {
	// Gateway
	viper.SetDefault("gateway.host", "127.0.0.1")
	viper.SetDefault("gateway.port", 18890)

	// Log
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.file", "")

	// Storage
	viper.SetDefault("storage.driver", "sqlite")

	// Orchestrator
	viper.SetDefault("orchestrator.execution_timeout", 5*time.Minute)
	viper.SetDefault("orchestrator.auto_checkpoint", true)

	// Checkpoint
	viper.SetDefault("checkpoint.ttl", 24*time.Hour)
	viper.SetDefault("checkpoint.max_compressed_bytes", 1<<20)
	viper.SetDefault("checkpoint.reap_schedule", "*/10 * * * *")

	// Approval
	viper.SetDefault("approval.timeout", 5*time.Minute)
	viper.SetDefault("approval.poll_interval", time.Second)
	viper.SetDefault("approval.max_pending", 100)
	viper.SetDefault("approval.policy", "any")

	// Risk
	viper.SetDefault("risk.medium_requires_approval", false)
	viper.SetDefault("risk.rules_file", "")

	// Selector
	viper.SetDefault("selector.confidence_threshold", 0.7)
}
