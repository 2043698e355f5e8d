package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	okxus "github.com/okxus/okxus/sdk/golang"
)

// newLogger builds the CLI logger from [default] log_level and log_pretty.
func newLogger(cfg *Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(valueOrDefault(cfg.Default.LogLevel, "warn")))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.WarnLevel
	}
	var logger zerolog.Logger
	if cfg.Default.LogPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// dataDir returns [default] data_dir, or the config directory.
func dataDir(cfg *Config) (string, error) {
	if cfg.Default.DataDir != "" {
		return cfg.Default.DataDir, nil
	}
	return configDir()
}

// openStorage opens the SQLite storage under the data directory.
func openStorage(ctx context.Context, cfg *Config) (*okxus.SQLiteStorage, error) {
	dir, err := dataDir(cfg)
	if err != nil {
		return nil, err
	}
	store, err := okxus.OpenSQLiteStorage(ctx, filepath.Join(dir, "okxus.db"))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return store, nil
}

// realtimeConfig maps [bridge] onto a client configuration. Stored settings
// fill in whatever the file leaves unset.
func realtimeConfig(cfg *Config, stored okxus.AppConfig, logger *zerolog.Logger) (okxus.RealtimeConfig, error) {
	app := stored
	if cfg.Bridge.ReconnectAttempts > 0 {
		app.ReconnectAttempts = cfg.Bridge.ReconnectAttempts
	}
	if cfg.Bridge.HeartbeatInterval != "" {
		d, err := time.ParseDuration(cfg.Bridge.HeartbeatInterval)
		if err != nil {
			return okxus.RealtimeConfig{}, fmt.Errorf("invalid heartbeat_interval %q: %w", cfg.Bridge.HeartbeatInterval, err)
		}
		app.HeartbeatInterval = d
	}
	rc := app.RealtimeConfig()
	rc.Logger = logger
	return rc, nil
}

// newClient builds a client from the config file and stored settings.
func newClient(ctx context.Context, cfg *Config, store okxus.Storage, logger *zerolog.Logger) (*okxus.Client, error) {
	stored, err := store.LoadConfig(ctx)
	if err != nil {
		return nil, err
	}
	rc, err := realtimeConfig(cfg, stored, logger)
	if err != nil {
		return nil, err
	}
	return okxus.NewClient(rc), nil
}

// bridgeSettings resolves the bridge URL and token: the config file (with
// environment overrides) wins, storage fills the gaps.
func bridgeSettings(ctx context.Context, cfg *Config, store okxus.Storage) (string, string, error) {
	url, token := cfg.Bridge.URL, cfg.Bridge.Token
	if url == "" {
		stored, err := store.LoadURL(ctx)
		if err != nil {
			return "", "", err
		}
		url = stored
	}
	if token == "" {
		stored, err := store.LoadToken(ctx)
		if err != nil {
			return "", "", err
		}
		token = stored
	}
	if url == "" || token == "" {
		return "", "", fmt.Errorf("no bridge settings. Run 'okxus init <url> <token>' or 'okxus login <url> <token>' first")
	}
	return url, token, nil
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
