package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"conductor/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file if none exists",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			defaultPath, err := config.DefaultConfigPath()
			if err != nil {
				return err
			}
			path = defaultPath
		}

		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("config at %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
