package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	okxus "github.com/okxus/okxus/sdk/golang"
)

var statusTimeout time.Duration

func init() {
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 15*time.Second, "How long to wait for the bridge")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show bridge settings and live bridge status",
	Long:  "Display the configured bridge, then connect and ask the bridge for its status.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger(cfg)

		ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
		defer cancel()

		store, err := openStorage(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		url, token, err := bridgeSettings(ctx, cfg, store)
		if err != nil {
			return err
		}
		history, err := store.LoadMessages(ctx)
		if err != nil {
			return err
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Bridge URL: %s\n", url)
		fmt.Printf("  Token:      %s\n", maskKey(token))
		fmt.Printf("  History:    %d messages\n", len(history))

		client, err := newClient(ctx, cfg, store, &logger)
		if err != nil {
			return err
		}
		defer client.Disconnect()

		statusCh := make(chan okxus.BridgeStatus, 1)
		unsub := client.OnMessage(func(m okxus.ServerMessage) {
			if m.Type == okxus.TypeStatus && m.Payload.Status != nil {
				select {
				case statusCh <- *m.Payload.Status:
				default:
				}
			}
		})
		defer unsub()

		fmt.Println()
		fmt.Println("Live status:")
		if err := client.Connect(ctx, url, token); err != nil {
			fmt.Printf("  Connection: %s (%v)\n", stateColor(client.State()), err)
			return nil
		}
		fmt.Printf("  Connection: %s\n", stateColor(client.State()))

		if err := client.RequestStatus(ctx); err != nil {
			return err
		}
		select {
		case st := <-statusCh:
			running := red("stopped")
			if st.KiroRunning {
				running = green("running")
			}
			fmt.Printf("  Kiro:       %s\n", running)
			fmt.Printf("  Clients:    %d\n", st.ConnectedClients)
			fmt.Printf("  Uptime:     %s\n", (time.Duration(st.Uptime * float64(time.Second))).Round(time.Second))
		case <-ctx.Done():
			fmt.Println("  No status reply from bridge")
		}
		return nil
	},
}
