// Package cli implements the conductor command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"conductor/internal/config"
	"conductor/pkg/logger"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Hybrid execution coordinator",
	Long: `Conductor coordinates a deterministic workflow engine and a conversational
chat engine behind one session, with risk-gated tool execution, human
approvals, checkpointing and a shared AG-UI event protocol.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			defaultPath, err := config.DefaultConfigPath()
			if err != nil {
				return err
			}
			path = defaultPath
		}

		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded

		if err := logger.Init(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
}
