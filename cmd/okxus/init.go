package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <bridge-url> <token>",
	Short: "Store bridge settings in ~/.okxus/config.toml",
	Long:  "Initialize the OKXUS CLI by storing the bridge URL and auth token in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Bridge.URL = args[0]
		cfg.Bridge.Token = args[1]
		if cfg.Default.LogLevel == "" {
			cfg.Default.LogLevel = "warn"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Bridge settings saved to %s\n", path)
		return nil
	},
}
