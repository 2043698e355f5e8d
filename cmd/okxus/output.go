package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	okxus "github.com/okxus/okxus/sdk/golang"
)

// UI writes the coloured transcript and command feedback.
type UI struct {
	Out    io.Writer
	ErrOut io.Writer
}

func newUI() *UI {
	return &UI{Out: os.Stdout, ErrOut: os.Stderr}
}

var (
	infoPrefix    = color.New(color.FgHiBlue).Sprint("i")
	successPrefix = color.New(color.FgHiGreen).Sprint("✓")
	warningPrefix = color.New(color.FgHiYellow).Sprint("⚠")
	errorPrefix   = color.New(color.FgHiRed).Sprint("✗")
	cyan          = color.New(color.FgHiCyan).SprintFunc()
	green         = color.New(color.FgHiGreen).SprintFunc()
	yellow        = color.New(color.FgHiYellow).SprintFunc()
	red           = color.New(color.FgHiRed).SprintFunc()
	bold          = color.New(color.Bold).SprintFunc()
)

func (u *UI) Info(format string, a ...any) {
	fmt.Fprintf(u.Out, "%s %s\n", infoPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Success(format string, a ...any) {
	fmt.Fprintf(u.Out, "%s %s\n", successPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Warning(format string, a ...any) {
	fmt.Fprintf(u.ErrOut, "%s %s\n", warningPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Error(format string, a ...any) {
	fmt.Fprintf(u.ErrOut, "%s %s\n", errorPrefix, fmt.Sprintf(format, a...))
}

// State prints a connection state line.
func (u *UI) State(s okxus.ConnectionState) {
	fmt.Fprintf(u.Out, "%s %s\n", infoPrefix, stateColor(s))
}

// Transcript prints one conversation message.
func (u *UI) Transcript(m okxus.Message) {
	ts := m.Timestamp.Format("15:04:05")
	switch m.Sender {
	case okxus.SenderKiro:
		fmt.Fprintf(u.Out, "%s %s %s\n", ts, cyan(bold("kiro>")), m.Content)
	default:
		fmt.Fprintf(u.Out, "%s %s %s\n", ts, green(bold("you>")), m.Content)
	}
}

// Table creates a new tablewriter configured with consistent styling.
func (u *UI) Table(headers []string) *tablewriter.Table {
	table := tablewriter.NewTable(u.Out,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header(headers)
	return table
}

// stateColor colours a connection state.
func stateColor(s okxus.ConnectionState) string {
	switch s {
	case okxus.StateConnected:
		return green(string(s))
	case okxus.StateConnecting, okxus.StateReconnecting:
		return yellow(string(s))
	case okxus.StateError:
		return red(string(s))
	default:
		return string(s)
	}
}

// messageStatusColor colours a delivery status.
func messageStatusColor(s okxus.MessageStatus) string {
	switch s {
	case okxus.StatusDelivered:
		return cyan(string(s))
	case okxus.StatusSent:
		return green(string(s))
	case okxus.StatusSending:
		return yellow(string(s))
	case okxus.StatusFailed:
		return red(string(s))
	default:
		return string(s)
	}
}

// truncate shortens s to n runes for table cells.
func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
