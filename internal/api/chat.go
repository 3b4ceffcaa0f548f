package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kalambet/studymate/internal/composer"
	"github.com/kalambet/studymate/internal/llm"
	"github.com/kalambet/studymate/internal/relay"
	"github.com/kalambet/studymate/internal/session"
	"github.com/kalambet/studymate/internal/timephrase"
)

// Attachments are inline data URLs, so chat bodies are allowed to be large.
const maxChatBodySize = 20 << 20 // 20MB

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Messages       []llm.Message        `json:"messages"`
	Model          string               `json:"model,omitempty"`
	CurrentTime    string               `json:"currentTime,omitempty"`
	Attachments    []session.Attachment `json:"attachments,omitempty"`
	EnableResearch bool                 `json:"enableResearch,omitempty"`
	SessionID      string               `json:"sessionId,omitempty"`
}

// TuviChatRequest is the body of POST /api/tuvi/chat.
type TuviChatRequest struct {
	TuviInfo            *composer.TuviInfo `json:"tuViInfo"`
	CategoryTitle       string             `json:"categoryTitle"`
	InitialResult       string             `json:"initialResult"`
	ConversationHistory []llm.Message      `json:"conversationHistory"`
	UserMessage         string             `json:"userMessage"`
	Model               string             `json:"model,omitempty"`
	CurrentTime         string             `json:"currentTime,omitempty"`
	Image               string             `json:"image,omitempty"`
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := LoggerFromContext(r.Context())

		var req ChatRequest
		if err := decodeBody(w, r, maxChatBodySize, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if err := validateMessages(req.Messages); err != nil {
			httpError(w, http.StatusBadRequest, "%v", err)
			return
		}
		attachments, err := convertAttachments(req.Attachments)
		if err != nil {
			httpError(w, http.StatusBadRequest, "%v", err)
			return
		}
		if !providerReady(w, deps, logger) {
			return
		}

		last := req.Messages[len(req.Messages)-1]
		if req.SessionID != "" && deps.Sessions != nil {
			if _, err := deps.Sessions.AppendMessage(req.SessionID, last.Role, last.Content, req.Attachments); err != nil {
				if errors.Is(err, session.ErrNotFound) {
					httpError(w, http.StatusBadRequest, "unknown session %q", req.SessionID)
					return
				}
				httpError(w, http.StatusInternalServerError, "saving message: %v", err)
				return
			}
		}

		if last.Role == llm.RoleUser {
			createRequestedReminder(deps, logger, last.Content)
		}

		llmReq := deps.Composer.ComposeChat(composer.ChatInput{
			Messages:    req.Messages,
			Model:       req.Model,
			CurrentTime: req.CurrentTime,
			Now:         deps.now(),
			Attachments: attachments,
			Research:    req.EnableResearch,
		})

		rl := relay.New(deps.Provider,
			relay.WithCommands(deps.Reminders, deps.location()),
			relay.WithRoute("chat"),
			relay.WithMetrics(deps.Metrics),
			relay.WithLogger(logger),
		)
		res, err := runRelay(w, r, rl, llmReq, logger)

		if req.SessionID != "" && deps.Sessions != nil && !errors.Is(err, relay.ErrCanceled) {
			reply := res.Message()
			if err != nil {
				reply = session.FallbackMessage
			}
			if _, err := deps.Sessions.AppendMessage(req.SessionID, llm.RoleAssistant, reply, nil); err != nil {
				logger.Error("saving assistant message", "session_id", req.SessionID, "error", err)
			}
		}
	}
}

func handleTuviChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := LoggerFromContext(r.Context())

		var req TuviChatRequest
		if err := decodeBody(w, r, maxChatBodySize, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if req.TuviInfo == nil || strings.TrimSpace(req.UserMessage) == "" {
			httpError(w, http.StatusBadRequest, "tuViInfo and userMessage are required")
			return
		}
		if len(req.ConversationHistory) > 0 {
			if err := validateMessages(req.ConversationHistory); err != nil {
				httpError(w, http.StatusBadRequest, "%v", err)
				return
			}
		}
		if req.Image != "" {
			if _, _, err := llm.DecodeDataURL(req.Image); err != nil {
				httpError(w, http.StatusBadRequest, "invalid image: %v", err)
				return
			}
		}

		if !providerReady(w, deps, logger) {
			return
		}

		llmReq, err := deps.Composer.ComposeTuvi(composer.TuviInput{
			Info:          *req.TuviInfo,
			Category:      req.CategoryTitle,
			InitialResult: req.InitialResult,
			History:       req.ConversationHistory,
			UserMessage:   req.UserMessage,
			Model:         req.Model,
			CurrentTime:   req.CurrentTime,
			Image:         req.Image,
			Now:           deps.now(),
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "%v", err)
			return
		}

		rl := relay.New(deps.Provider,
			relay.WithRoute("tuvi"),
			relay.WithMetrics(deps.Metrics),
			relay.WithLogger(logger),
		)
		runRelay(w, r, rl, llmReq, logger)
	}
}

// runRelay streams req to the client and maps relay failures to HTTP
// responses. Only failures before the first frame can change the status.
func runRelay(w http.ResponseWriter, r *http.Request, rl *relay.Relay, req llm.Request, logger *slog.Logger) (relay.Result, error) {
	sse, ok := newSSEWriter(w)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming not supported")
		return relay.Result{}, errors.New("streaming not supported")
	}

	res, err := rl.Run(r.Context(), req, sse)
	if err == nil {
		if res.CommitErr != nil {
			logger.Warn("reminder commands not saved", "error", res.CommitErr)
		}
		logger.Debug("relay completed", "model", req.Model, "chars", len(res.Text), "reminders", len(res.Created))
		return res, nil
	}

	var upstream *relay.UpstreamError
	var interrupted *relay.StreamInterruptedError
	switch {
	case errors.Is(err, relay.ErrCanceled):
		logger.Debug("client closed request", "model", req.Model)
		if !sse.started {
			w.WriteHeader(statusClientClosedRequest)
		}
	case errors.As(err, &upstream):
		logger.Error("upstream request failed", "model", req.Model, "error", upstream.Err)
		if !sse.started {
			httpError(w, http.StatusInternalServerError, "%s", upstreamMessage(upstream.Err))
		}
	case errors.As(err, &interrupted):
		logger.Warn("stream interrupted", "model", req.Model, "partial_chars", len(interrupted.Partial), "error", interrupted.Err)
	default:
		logger.Error("relay failed", "error", err)
		if !sse.started {
			httpError(w, http.StatusInternalServerError, "%v", err)
		}
	}
	return res, err
}

// providerReady answers 500 when the provider cannot serve any request, before
// the handler touches sessions or reminders.
func providerReady(w http.ResponseWriter, deps Deps, logger *slog.Logger) bool {
	if err := llm.Check(deps.Provider); err != nil {
		logger.Error("provider not configured", "provider", deps.Provider.Name(), "error", err)
		httpError(w, http.StatusInternalServerError, "%s", upstreamMessage(err))
		return false
	}
	return true
}

func upstreamMessage(err error) string {
	if errors.Is(err, llm.ErrMissingCredential) {
		return llm.ErrMissingCredential.Error()
	}
	return "failed to fetch completion"
}

// createRequestedReminder schedules a reminder when the user's own text asks
// for one. Phrases without a usable time are ignored.
func createRequestedReminder(deps Deps, logger *slog.Logger, text string) {
	parsed, err := timephrase.ParseRequest(text, deps.now().In(deps.location()))
	if err != nil {
		return
	}
	rem, err := deps.Reminders.Create(parsed.Subject, parsed.DueAt)
	if err != nil {
		logger.Info("reminder request not scheduled", "subject", parsed.Subject, "error", err)
		return
	}
	deps.Metrics.AddRemindersCreated("request", 1)
	logger.Info("reminder scheduled from request", "reminder_id", rem.ID, "due_at", rem.DueAt)
}

func validateMessages(msgs []llm.Message) error {
	if len(msgs) == 0 {
		return errors.New("messages is required and must not be empty")
	}
	for i, m := range msgs {
		if !llm.ValidRole(m.Role) {
			return fmt.Errorf("messages[%d].role must be user or assistant", i)
		}
	}
	return nil
}

func convertAttachments(in []session.Attachment) ([]llm.Attachment, error) {
	var out []llm.Attachment
	for i, a := range in {
		if a.Type != "image" {
			return nil, fmt.Errorf("attachments[%d].type must be image", i)
		}
		if _, _, err := llm.DecodeDataURL(a.Data); err != nil {
			return nil, fmt.Errorf("attachments[%d]: %v", i, err)
		}
		out = append(out, llm.Attachment{Type: a.Type, URL: a.Data})
	}
	return out, nil
}

// sseWriter emits relay frames. Headers are written with the first frame so
// that earlier failures can still answer with a JSON error.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseWriter{w: w, flusher: f}, true
}

func (s *sseWriter) Emit(f relay.Frame) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache, no-transform")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if _, err := s.w.Write(f.Encode()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
