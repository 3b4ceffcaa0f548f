package main

import (
	"fmt"
	"io"
	"os"
	"time"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
)

// Diagnostics go to stderr so stdout stays clean for chat text and, with
// --mcp, for the stdio transport.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// displayLayout matches the wall-clock format the assistant uses in replies.
const displayLayout = "15:04 02/01/2006"

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(stderr, colorize(colorCyan, "→ "+msg))
}

// reminderView is the wire shape of a reminder.
type reminderView struct {
	ID       string `json:"id"`
	Subject  string `json:"subject"`
	Time     int64  `json:"time"`
	Notified bool   `json:"notified"`
}

func formatReminder(r reminderView, loc *time.Location) string {
	state := colorize(colorGreen, "pending ")
	if r.Notified {
		state = colorize(colorDim, "notified")
	}
	due := time.UnixMilli(r.Time).In(loc).Format(displayLayout)
	return fmt.Sprintf("%s  %s  %s  %s", colorize(colorCyan, r.ID), due, state, r.Subject)
}
