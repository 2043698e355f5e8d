package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	okxus "github.com/okxus/okxus/sdk/golang"
)

var loginTimeout time.Duration

func init() {
	loginCmd.Flags().DurationVar(&loginTimeout, "timeout", 15*time.Second, "How long to wait for the bridge to accept the token")
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <bridge-url> <token>",
	Short: "Verify bridge settings and remember them",
	Long:  "Connect to the bridge with the given token. On success the settings are saved to local storage and the config file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		url, token := args[0], args[1]
		ui := newUI()

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger(cfg)

		ctx, cancel := context.WithTimeout(cmd.Context(), loginTimeout)
		defer cancel()

		store, err := openStorage(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		client, err := newClient(ctx, cfg, store, &logger)
		if err != nil {
			return err
		}
		defer client.Disconnect()

		ui.Info("Connecting to %s", url)
		if err := client.Connect(ctx, url, token); err != nil {
			var authErr *okxus.AuthError
			switch {
			case errors.As(err, &authErr):
				return fmt.Errorf("bridge rejected token: %s", authErr.Reason)
			case errors.Is(err, context.DeadlineExceeded):
				return fmt.Errorf("timed out waiting for the bridge")
			default:
				return fmt.Errorf("cannot reach bridge: %w", err)
			}
		}

		if err := store.SaveURL(ctx, url); err != nil {
			return err
		}
		if err := store.SaveToken(ctx, token); err != nil {
			return err
		}

		fileCfg, err := readConfigFile()
		if err != nil {
			return err
		}
		fileCfg.Bridge.URL = url
		fileCfg.Bridge.Token = token
		if err := saveConfig(fileCfg); err != nil {
			return err
		}

		ui.Success("Authenticated with %s", url)
		return nil
	},
}
