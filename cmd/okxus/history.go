package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var historyLimit int

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 20, "Number of most recent messages to show (0 for all)")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the stored conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		store, err := openStorage(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		messages, err := store.LoadMessages(cmd.Context())
		if err != nil {
			return err
		}
		ui := newUI()
		if len(messages) == 0 {
			ui.Info("No messages stored")
			return nil
		}
		if historyLimit > 0 && len(messages) > historyLimit {
			messages = messages[len(messages)-historyLimit:]
		}

		table := ui.Table([]string{"TIME", "FROM", "STATUS", "MESSAGE"})
		for _, m := range messages {
			_ = table.Append([]string{
				m.Timestamp.Format("2006-01-02 15:04:05"),
				string(m.Sender),
				messageStatusColor(m.Status),
				truncate(m.Content, 60),
			})
		}
		_ = table.Render()
		return nil
	},
}
