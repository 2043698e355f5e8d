package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage OKXUS configuration",
	Long:  "View or modify the OKXUS CLI configuration stored in ~/.okxus/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Println("No configuration file found. Run 'okxus init <bridge-url> <token>' to create one.")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Println("[default]")
		fmt.Printf("  data_dir           = %s\n", valueOrDefault(cfg.Default.DataDir, "(config dir)"))
		fmt.Printf("  log_level          = %s\n", valueOrDefault(cfg.Default.LogLevel, "warn"))
		fmt.Printf("  log_pretty         = %t\n", cfg.Default.LogPretty)
		fmt.Println("[bridge]")
		fmt.Printf("  url                = %s\n", valueOrDefault(cfg.Bridge.URL, "(not set)"))
		if cfg.Bridge.Token != "" {
			fmt.Printf("  token              = %s\n", maskKey(cfg.Bridge.Token))
		} else {
			fmt.Println("  token              = (not set)")
		}
		if cfg.Bridge.ReconnectAttempts > 0 {
			fmt.Printf("  reconnect_attempts = %d\n", cfg.Bridge.ReconnectAttempts)
		} else {
			fmt.Println("  reconnect_attempts = (stored setting)")
		}
		fmt.Printf("  heartbeat_interval = %s\n", valueOrDefault(cfg.Bridge.HeartbeatInterval, "(stored setting)"))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: okxus config set bridge.url ws://192.168.0.10:8765",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
