// Package relay moves provider output to a client as an ordered stream of
// frames and, once the stream completes, turns REMINDER_REQUEST commands in
// the full text into reminders.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/studymate/internal/llm"
	"github.com/kalambet/studymate/internal/metrics"
	"github.com/kalambet/studymate/internal/reminder"
)

// ErrCanceled is returned when the client went away. No terminal frame was
// sent and no commands were scanned.
var ErrCanceled = errors.New("relay canceled by client")

// UpstreamError is a provider failure before any frame was emitted.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string { return "upstream provider: " + e.Err.Error() }
func (e *UpstreamError) Unwrap() error { return e.Err }

// StreamInterruptedError is a provider failure after streaming began. The
// client saw a truncated stream without a terminal frame.
type StreamInterruptedError struct {
	Err     error
	Partial string
}

func (e *StreamInterruptedError) Error() string { return "stream interrupted: " + e.Err.Error() }
func (e *StreamInterruptedError) Unwrap() error { return e.Err }

// Emitter delivers frames to the client in order. An error means the client
// is gone.
type Emitter interface {
	Emit(f Frame) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Frame) error

func (f EmitterFunc) Emit(fr Frame) error { return f(fr) }

// Committer is the part of the reminder store the relay writes to.
type Committer interface {
	CreateBatch(drafts []reminder.Draft) ([]reminder.Reminder, []reminder.Rejected, error)
}

// Result describes a completed relay.
type Result struct {
	// Text is the concatenation of every delta, as the client received it.
	Text string
	// CleanText is Text with command lines removed when commands were found.
	CleanText string
	Created   []reminder.Reminder
	Rejected  []reminder.Rejected
	// Summary is the confirmation for Created, or "".
	Summary string
	// CommitErr is set when the reminder batch could not be persisted.
	CommitErr error
}

// Message is the assistant message to keep in history: the cleaned text
// followed by the reminder summary.
func (r Result) Message() string {
	if r.Summary == "" {
		return r.CleanText
	}
	return r.CleanText + "\n\n" + r.Summary
}

// Relay streams one provider request to one client.
type Relay struct {
	provider llm.Provider
	commands Committer
	loc      *time.Location
	route    string
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

type Option func(*Relay)

// WithCommands enables command scanning after completion. Wall-clock times
// in commands are read in loc.
func WithCommands(c Committer, loc *time.Location) Option {
	return func(r *Relay) {
		r.commands = c
		r.loc = loc
	}
}

// WithRoute labels metrics and logs.
func WithRoute(name string) Option { return func(r *Relay) { r.route = name } }

func WithMetrics(m *metrics.Metrics) Option { return func(r *Relay) { r.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(r *Relay) { r.logger = l } }

// New creates a Relay. Without WithCommands the completed text is never
// scanned.
func New(p llm.Provider, opts ...Option) *Relay {
	r := &Relay{
		provider: p,
		loc:      time.Local,
		route:    "chat",
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run streams req to out. Frames are emitted in delta order as they arrive.
// On completion the full text is scanned for commands, which are committed
// as one batch before the terminal frame is emitted.
func (r *Relay) Run(ctx context.Context, req llm.Request, out Emitter) (res Result, err error) {
	start := time.Now()
	outcome := "completed"
	defer func() {
		r.metrics.ObserveStream(r.route, outcome, time.Since(start))
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := r.provider.Stream(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			outcome = "canceled"
			return Result{}, ErrCanceled
		}
		outcome = "upstream_error"
		return Result{}, &UpstreamError{Err: err}
	}
	defer stream.Close()

	var text strings.Builder
	for {
		if ctx.Err() != nil {
			outcome = "canceled"
			return Result{Text: text.String()}, ErrCanceled
		}

		delta, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				outcome = "canceled"
				return Result{Text: text.String()}, ErrCanceled
			}
			outcome = "interrupted"
			return Result{Text: text.String()}, &StreamInterruptedError{Err: err, Partial: text.String()}
		}
		if delta == "" {
			continue
		}

		text.WriteString(delta)
		if err := out.Emit(DeltaFrame(delta)); err != nil {
			cancel()
			outcome = "canceled"
			return Result{Text: text.String()}, fmt.Errorf("%w: %w", ErrCanceled, err)
		}
		r.metrics.IncDelta(r.route)
	}

	res = r.complete(text.String())

	if err := out.Emit(DoneFrame); err != nil {
		r.logger.Debug("client gone before terminal frame", "route", r.route, "error", err)
	}
	return res, nil
}

// complete scans the finished text for commands and commits them.
func (r *Relay) complete(text string) Result {
	res := Result{Text: text, CleanText: text}
	if r.commands == nil {
		return res
	}

	cmds := reminder.ParseCommands(text, r.loc)
	if len(cmds) == 0 {
		return res
	}
	res.CleanText = reminder.StripCommands(text)

	var drafts []reminder.Draft
	for _, c := range cmds {
		if c.Err != nil {
			res.Rejected = append(res.Rejected, reminder.Rejected{Draft: c.Draft(), Err: c.Err})
			continue
		}
		drafts = append(drafts, c.Draft())
	}
	if len(drafts) == 0 {
		return res
	}

	created, rejected, err := r.commands.CreateBatch(drafts)
	if err != nil {
		r.logger.Error("committing reminder commands", "route", r.route, "count", len(drafts), "error", err)
		res.CommitErr = err
		return res
	}
	res.Created = created
	res.Rejected = append(res.Rejected, rejected...)
	res.Summary = reminder.Summary(created)
	r.metrics.AddRemindersCreated("relay", len(created))
	if len(res.Rejected) > 0 {
		r.logger.Info("reminder commands skipped", "route", r.route, "count", len(res.Rejected))
	}
	return res
}
