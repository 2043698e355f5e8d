package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/okxus/okxus/sdk/golang/internal/mockbridge"
)

var (
	mockAddr      string
	mockToken     string
	mockHeartbeat time.Duration
)

func init() {
	mockbridgeCmd.Flags().StringVar(&mockAddr, "addr", ":8765", "Listen address")
	mockbridgeCmd.Flags().StringVar(&mockToken, "token", "", "Token clients must present (required)")
	mockbridgeCmd.Flags().DurationVar(&mockHeartbeat, "heartbeat", mockbridge.DefaultHeartbeatInterval, "Server heartbeat interval")
	_ = mockbridgeCmd.MarkFlagRequired("token")
	rootCmd.AddCommand(mockbridgeCmd)
}

var mockbridgeCmd = &cobra.Command{
	Use:   "mockbridge",
	Short: "Run a local mock bridge that echoes messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger(cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := mockbridge.New(mockbridge.Config{
			Token:             mockToken,
			HeartbeatInterval: mockHeartbeat,
			Logger:            &logger,
		})
		newUI().Info("Mock bridge listening on ws://%s", displayAddr(mockAddr))
		if err := srv.ListenAndServe(ctx, mockAddr); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func displayAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}
