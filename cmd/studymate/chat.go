package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/studymate/internal/api"
	"github.com/kalambet/studymate/internal/llm"
	"github.com/kalambet/studymate/internal/relay"
	"github.com/kalambet/studymate/internal/reminder"
)

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Ask the study assistant and stream the answer",
	Long: `Ask the study assistant and stream the answer.

Examples:
  studymate chat "giải thích định lý Pythagore"
  studymate chat --research "tin tức giáo dục hôm nay"
  studymate chat --session current "nhắc mình học Toán lúc 20h"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		model, _ := cmd.Flags().GetString("model")
		research, _ := cmd.Flags().GetBool("research")
		sessionID, _ := cmd.Flags().GetString("session")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		req := api.ChatRequest{
			Model:          model,
			EnableResearch: research,
			CurrentTime:    time.Now().In(client.location()).Format(displayLayout),
		}
		if sessionID != "" {
			history, id, err := sessionHistory(ctx, client, sessionID)
			if err != nil {
				return err
			}
			req.Messages, req.SessionID = history, id
		}
		req.Messages = append(req.Messages, llm.Message{Role: llm.RoleUser, Content: strings.Join(args, " ")})

		text, err := streamChat(ctx, client, req, stdout)
		if err != nil {
			return err
		}
		if summary := commandSummary(text, client.location(), time.Now()); summary != "" {
			fmt.Fprintln(stdout)
			fmt.Fprintln(stdout, colorize(colorGreen, summary))
		}
		return nil
	},
}

func init() {
	chatCmd.Flags().String("model", "", "model to use (must be on the server's allow-list)")
	chatCmd.Flags().Bool("research", false, "let the model search the web")
	chatCmd.Flags().String("session", "", `session id to continue, or "current"`)
}

// sessionHistory loads a stored session as chat history.
func sessionHistory(ctx context.Context, client *apiClient, id string) ([]llm.Message, string, error) {
	path := "/api/sessions/" + url.PathEscape(id)
	if id == "current" {
		path = "/api/sessions/current"
	}
	resp, err := client.get(ctx, path)
	if err != nil {
		return nil, "", err
	}
	var sess struct {
		ID       string        `json:"id"`
		Messages []llm.Message `json:"messages"`
	}
	if err := decodeJSON(resp, &sess); err != nil {
		return nil, "", err
	}
	return sess.Messages, sess.ID, nil
}

// streamChat posts req to /api/chat and writes the reply to w as it
// arrives, leaving out reminder command lines. It returns the full text.
func streamChat(ctx context.Context, client *apiClient, req api.ChatRequest, w io.Writer) (string, error) {
	resp, err := client.stream(ctx, "/api/chat", req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var text strings.Builder
	out := &commandFilter{w: w}
	dec := relay.NewDecoder(resp.Body)
	for {
		delta, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			out.Flush()
			fmt.Fprintln(w)
			return text.String(), fmt.Errorf("stream ended early: %w", err)
		}
		text.WriteString(delta)
		out.WriteString(delta)
	}
	out.Flush()
	fmt.Fprintln(w)
	return text.String(), nil
}

// commandSummary renders the confirmation for the commands in text that the
// server will have accepted, or "".
func commandSummary(text string, loc *time.Location, now time.Time) string {
	var accepted []reminder.Reminder
	for _, c := range reminder.ParseCommands(text, loc) {
		if c.Err != nil || !c.DueAt.After(now) {
			continue
		}
		accepted = append(accepted, reminder.Reminder{Subject: c.Subject, DueAt: c.DueAt})
	}
	return reminder.Summary(accepted)
}

const commandPrefix = "REMINDER_REQUEST:"

// commandFilter passes streamed text through line by line, dropping lines
// that start with a reminder command. Text that cannot start a command is
// written immediately; only a line head that could still become one is
// held back.
type commandFilter struct {
	w       io.Writer
	pending string // undecided head of the current line
	prose   bool   // current line is being written through
	dropped bool   // current line is a command
}

func (f *commandFilter) WriteString(s string) {
	for s != "" {
		line, rest, newline := strings.Cut(s, "\n")
		switch {
		case f.prose:
			io.WriteString(f.w, line)
		case f.dropped:
		default:
			f.pending += line
			head := strings.TrimLeft(f.pending, " \t")
			switch {
			case strings.HasPrefix(head, commandPrefix):
				f.pending, f.dropped = "", true
			case strings.HasPrefix(commandPrefix, head) && !newline:
			default:
				io.WriteString(f.w, f.pending)
				f.pending, f.prose = "", true
			}
		}
		if newline {
			if !f.dropped {
				io.WriteString(f.w, "\n")
			}
			f.pending, f.prose, f.dropped = "", false, false
		}
		s = rest
	}
}

// Flush writes a held line head that turned out not to be a command.
func (f *commandFilter) Flush() {
	if f.pending != "" && !strings.HasPrefix(strings.TrimLeft(f.pending, " \t"), commandPrefix) {
		io.WriteString(f.w, f.pending)
	}
	f.pending = ""
}
