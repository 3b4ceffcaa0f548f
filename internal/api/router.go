// Package api is the HTTP surface of the server: the streaming chat relay,
// reminder and session management, and the MCP tool server.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/studymate/internal/composer"
	"github.com/kalambet/studymate/internal/llm"
	"github.com/kalambet/studymate/internal/metrics"
	"github.com/kalambet/studymate/internal/reminder"
	"github.com/kalambet/studymate/internal/session"
)

// Pinger reports whether a backing store is reachable. *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps is everything the HTTP handlers need. Sessions, Hub, Gatherer and DB
// are optional.
type Deps struct {
	Provider  llm.Provider
	Composer  *composer.Composer
	Reminders *reminder.Store
	Sessions  *session.Store
	Hub       http.Handler
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	DB        Pinger
	Location  *time.Location
	Now       func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Deps) location() *time.Location {
	if d.Location != nil {
		return d.Location
	}
	return time.Local
}

// NewHandler returns the server's root handler.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	if deps.Hub != nil {
		r.Method(http.MethodGet, "/ws", deps.Hub)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", handleChat(deps))
		r.Post("/tuvi/chat", handleTuviChat(deps))
		r.Get("/models", handleModels(deps))
		r.Post("/interpret", handleInterpret(deps))

		r.Get("/reminders", handleListReminders(deps))
		r.Post("/reminders", handleCreateReminder(deps))
		r.Post("/reminders/scan", handleScanReminders(deps))
		r.Get("/reminders/{id}", handleGetReminder(deps))
		r.Patch("/reminders/{id}", handleUpdateReminder(deps))
		r.Delete("/reminders/{id}", handleDeleteReminder(deps))

		if deps.Sessions != nil {
			r.Get("/sessions", handleListSessions(deps))
			r.Post("/sessions", handleCreateSession(deps))
			r.Get("/sessions/current", handleGetCurrentSession(deps))
			r.Put("/sessions/current", handleSetCurrentSession(deps))
			r.Get("/sessions/{id}", handleGetSession(deps))
			r.Patch("/sessions/{id}", handleRenameSession(deps))
			r.Delete("/sessions/{id}", handleDeleteSession(deps))
		}
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.DB != nil {
			if err := deps.DB.PingContext(r.Context()); err != nil {
				LoggerFromContext(r.Context()).Error("health check failed", "error", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}
}

func handleModels(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := deps.Composer.Models
		writeJSON(w, http.StatusOK, map[string]any{
			"default":  m.Default,
			"vision":   m.Vision,
			"research": m.Research,
			"models":   m.Allowed,
		})
	}
}
