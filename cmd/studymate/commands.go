package main

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/studymate/internal/api"
	"github.com/kalambet/studymate/internal/config"
	"github.com/kalambet/studymate/internal/llm"
)

// --- remind ---

var remindCmd = &cobra.Command{
	Use:   "remind",
	Short: "Manage study reminders",
}

var remindAddCmd = &cobra.Command{
	Use:   "add <subject> <when>",
	Short: "Schedule a reminder",
	Long: `Schedule a reminder. <when> is a Vietnamese time phrase.

Examples:
  studymate remind add "Toán" "15h chiều nay"
  studymate remind add "Tiếng Anh" "8 giờ sáng thứ hai"
  studymate remind add "Vật lý" "30 phút nữa"`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, phrase := args[0], args[1]

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/reminders", api.ReminderRequest{Subject: &subject, Phrase: phrase})
		if err != nil {
			return err
		}
		var r reminderView
		if err := decodeJSON(resp, &r); err != nil {
			return err
		}

		printSuccess("Scheduled %q at %s (id %s)", r.Subject, time.UnixMilli(r.Time).In(client.location()).Format(displayLayout), r.ID)
		return nil
	},
}

var remindListCmd = &cobra.Command{
	Use:   "list",
	Short: "List reminders",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		state := "pending"
		if all {
			state = "all"
		}
		resp, err := client.get(cmd.Context(), "/api/reminders?state="+state)
		if err != nil {
			return err
		}
		var list []reminderView
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		if len(list) == 0 {
			fmt.Fprintln(stdout, "No reminders.")
			return nil
		}
		for _, r := range list {
			fmt.Fprintln(stdout, formatReminder(r, client.location()))
		}
		return nil
	},
}

var remindRmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	Short:   "Delete a reminder",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/api/reminders/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted reminder %s", args[0])
		return nil
	},
}

var remindScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Fire every reminder that is due now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/reminders/scan", nil)
		if err != nil {
			return err
		}
		var result struct {
			Notified []reminderView `json:"notified"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Notified) == 0 {
			fmt.Fprintln(stdout, "Nothing due.")
			return nil
		}
		for _, r := range result.Notified {
			fmt.Fprintln(stdout, formatReminder(r, client.location()))
		}
		return nil
	},
}

func init() {
	remindListCmd.Flags().Bool("all", false, "include reminders that already fired")
	remindCmd.AddCommand(remindAddCmd)
	remindCmd.AddCommand(remindListCmd)
	remindCmd.AddCommand(remindRmCmd)
	remindCmd.AddCommand(remindScanCmd)
}

// --- interpret ---

var interpretCmd = &cobra.Command{
	Use:   "interpret <phrase>",
	Short: "Show the time a Vietnamese phrase refers to",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/interpret", api.InterpretRequest{Phrase: strings.Join(args, " ")})
		if err != nil {
			return err
		}
		var result api.InterpretResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Fprintln(stdout, result.Display)
		return nil
	},
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage chat sessions",
}

type sessionView struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Messages  []llm.Message `json:"messages"`
	UpdatedAt int64         `json:"updatedAt"`
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List chat sessions, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/sessions")
		if err != nil {
			return err
		}
		var list []sessionView
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		if len(list) == 0 {
			fmt.Fprintln(stdout, "No sessions.")
			return nil
		}
		for _, s := range list {
			fmt.Fprintf(stdout, "%s  %s  %s (%d messages)\n",
				colorize(colorCyan, s.ID),
				time.UnixMilli(s.UpdatedAt).In(client.location()).Format(displayLayout),
				s.Title,
				len(s.Messages),
			)
		}
		return nil
	},
}

var sessionsNewCmd = &cobra.Command{
	Use:   "new [title]",
	Short: "Start a new session and make it current",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]string{}
		if len(args) == 1 {
			body["title"] = args[0]
		}
		resp, err := client.post(cmd.Context(), "/api/sessions", body)
		if err != nil {
			return err
		}
		var s sessionView
		if err := decodeJSON(resp, &s); err != nil {
			return err
		}

		printSuccess("Created session %q (id %s)", s.Title, s.ID)
		return nil
	},
}

var sessionsUseCmd = &cobra.Command{
	Use:   "use <id>",
	Short: "Switch the current session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.put(cmd.Context(), "/api/sessions/current", map[string]string{"id": args[0]})
		if err != nil {
			return err
		}
		var s sessionView
		if err := decodeJSON(resp, &s); err != nil {
			return err
		}

		printSuccess("Switched to %q", s.Title)
		return nil
	},
}

var sessionsRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/api/sessions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted session %s", args[0])
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsNewCmd)
	sessionsCmd.AddCommand(sessionsUseCmd)
	sessionsCmd.AddCommand(sessionsRmCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(stdout, "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:       "set <key> <value>",
	Short:     "Set a configuration value",
	Args:      cobra.ExactArgs(2),
	ValidArgs: config.ValidKeys(),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		if key == "provider.api_key" {
			printSuccess("Stored %s", key)
			return nil
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
