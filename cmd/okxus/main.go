package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.okxus/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Bridge  ConfigBridge  `toml:"bridge"`
}

// ConfigDefault holds general CLI settings.
type ConfigDefault struct {
	DataDir   string `toml:"data_dir"`
	LogLevel  string `toml:"log_level"`
	LogPretty bool   `toml:"log_pretty"`
}

// ConfigBridge holds the bridge connection settings.
type ConfigBridge struct {
	URL               string `toml:"url"`
	Token             string `toml:"token"`
	ReconnectAttempts int    `toml:"reconnect_attempts"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.okxus, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".okxus")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file, then applies OKXUS_*
// environment overrides. A missing file yields an empty Config.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, newEnv())
	return cfg, nil
}

// readConfigFile reads the file without environment overrides; commands that
// rewrite the file use it so overrides are not persisted.
func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// envKeys lists the keys that may be overridden as OKXUS_<SECTION>_<FIELD>.
var envKeys = []string{
	"default.data_dir",
	"default.log_level",
	"default.log_pretty",
	"bridge.url",
	"bridge.token",
	"bridge.reconnect_attempts",
	"bridge.heartbeat_interval",
}

func newEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("OKXUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
	return v
}

// applyEnv overlays every key set in the environment onto cfg. Values that
// fail to parse are ignored.
func applyEnv(cfg *Config, v *viper.Viper) {
	for _, key := range envKeys {
		if !v.IsSet(key) {
			continue
		}
		_ = setConfigValue(cfg, key, v.GetString(key))
	}
}

// setConfigValue sets a config field using dot notation (e.g. "bridge.url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. bridge.url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "data_dir":
			cfg.Default.DataDir = value
		case "log_level":
			cfg.Default.LogLevel = value
		case "log_pretty":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("log_pretty must be true or false: %w", err)
			}
			cfg.Default.LogPretty = b
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "bridge":
		switch field {
		case "url":
			cfg.Bridge.URL = value
		case "token":
			cfg.Bridge.Token = value
		case "reconnect_attempts":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return fmt.Errorf("reconnect_attempts must be a non-negative integer")
			}
			cfg.Bridge.ReconnectAttempts = n
		case "heartbeat_interval":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("heartbeat_interval must be a duration such as 30s: %w", err)
			}
			cfg.Bridge.HeartbeatInterval = value
		default:
			return fmt.Errorf("unknown field %q in section [bridge]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, bridge)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:           "okxus",
	Short:         "OKXUS bridge client",
	Long:          "Command-line client for the OKXUS bridge.\nChat with the Kiro assistant, manage bridge settings and inspect history.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
