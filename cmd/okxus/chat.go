package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	okxus "github.com/okxus/okxus/sdk/golang"
	"github.com/okxus/okxus/sdk/golang/internal/configwatch"
)

var chatWatch bool

func init() {
	chatCmd.Flags().BoolVarP(&chatWatch, "watch", "w", false, "Reconnect when the bridge settings in config.toml change")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the Kiro assistant",
	Long: `Open an interactive session with the bridge. Each input line is sent as a message.

Commands:
  /status   ask the bridge for its status
  /approve  approve the pending request
  /quit     leave the session`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger(cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := openStorage(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		url, token, err := bridgeSettings(ctx, cfg, store)
		if err != nil {
			return err
		}
		if err := store.SaveURL(ctx, url); err != nil {
			return err
		}
		if err := store.SaveToken(ctx, token); err != nil {
			return err
		}

		client, err := newClient(ctx, cfg, store, &logger)
		if err != nil {
			return err
		}
		defer client.Disconnect()

		ui := newUI()
		session := okxus.NewChatSession(client, store, okxus.WithSessionLogger(logger))
		defer session.Close()
		attachTranscript(ui, client, session)

		if err := session.Start(ctx); err != nil {
			ui.Warning("Not connected: %v", err)
			ui.Info("Edit the bridge settings (okxus config set bridge.url ...) and restart, or use --watch")
		}

		if chatWatch {
			path, err := configPath()
			if err != nil {
				return err
			}
			curURL, curToken := url, token
			w, err := configwatch.New(path, 0, func() {
				curURL, curToken = reloadBridge(ctx, ui, session, curURL, curToken, logger)
			}, logger)
			if err != nil {
				return err
			}
			go func() { _ = w.Run(ctx) }()
		}

		return runREPL(ctx, os.Stdin, ui, session)
	},
}

// attachTranscript prints state transitions and assistant replies.
func attachTranscript(ui *UI, client *okxus.Client, session *okxus.ChatSession) {
	client.OnStatusChange(ui.State)
	client.OnMessage(func(m okxus.ServerMessage) {
		switch m.Type {
		case okxus.TypeKiroResponse:
			msgs := session.Messages()
			if len(msgs) > 0 && msgs[len(msgs)-1].Sender == okxus.SenderKiro {
				ui.Transcript(msgs[len(msgs)-1])
			}
			if session.PendingApproval() {
				ui.Info("Kiro is waiting for approval. Type /approve to confirm")
			}
		case okxus.TypeMessageAck:
			ui.Info("%s", yellow("kiro is thinking..."))
		case okxus.TypeError:
			ui.Error("bridge: %s", m.Payload.Error)
		case okxus.TypeStatus:
			if st := m.Payload.Status; st != nil {
				ui.Info("kiro_running=%t connected_clients=%d uptime=%s",
					st.KiroRunning, st.ConnectedClients,
					time.Duration(st.Uptime*float64(time.Second)).Round(time.Second))
			}
		}
	})
}

// reloadBridge reconnects when the bridge URL or token in the config file
// differ from the ones in use, and returns the settings now in use.
func reloadBridge(ctx context.Context, ui *UI, session *okxus.ChatSession, url, token string, logger zerolog.Logger) (string, string) {
	cfg, err := loadConfig()
	if err != nil {
		logger.Warn().Err(err).Msg("cannot reload config")
		return url, token
	}
	if cfg.Bridge.URL == "" || cfg.Bridge.Token == "" {
		return url, token
	}
	if cfg.Bridge.URL == url && cfg.Bridge.Token == token {
		return url, token
	}
	ui.Info("Bridge settings changed, reconnecting to %s", cfg.Bridge.URL)
	if err := session.Reconfigure(ctx, cfg.Bridge.URL, cfg.Bridge.Token); err != nil {
		ui.Error("reconnect failed: %v", err)
	}
	return cfg.Bridge.URL, cfg.Bridge.Token
}

// runREPL reads lines from in until EOF, /quit or ctx ends.
func runREPL(ctx context.Context, in io.Reader, ui *UI, session *okxus.ChatSession) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, ui, session, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, ui *UI, session *okxus.ChatSession, line string) bool {
	switch line {
	case "":
		return false
	case "/quit", "/exit":
		return true
	case "/status":
		if err := session.RequestStatus(ctx); err != nil {
			ui.Error("%v", err)
		}
		return false
	}

	send := func() error { return session.Send(ctx, line) }
	if line == "/approve" {
		if !session.PendingApproval() {
			ui.Warning("Nothing to approve")
			return false
		}
		send = func() error { return session.Approve(ctx) }
	}

	if err := send(); err != nil {
		if errors.Is(err, okxus.ErrNotConnected) {
			ui.Warning("Not connected (%s), message not sent", stateColor(session.State()))
			return false
		}
		ui.Error("send failed: %v", err)
	}
	return false
}
