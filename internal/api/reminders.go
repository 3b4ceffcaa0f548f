package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/studymate/internal/reminder"
	"github.com/kalambet/studymate/internal/timephrase"
)

const maxRequestBodySize = 1 << 20 // 1MB

// ReminderRequest is the body of POST /api/reminders and PATCH
// /api/reminders/{id}. Time is epoch milliseconds; Phrase is a Vietnamese
// time phrase and is only used when Time is absent.
type ReminderRequest struct {
	Subject *string `json:"subject,omitempty"`
	Time    *int64  `json:"time,omitempty"`
	Phrase  string  `json:"phrase,omitempty"`
}

// dueAt resolves the requested time, if any.
func (req ReminderRequest) dueAt(now time.Time, loc *time.Location) (*time.Time, error) {
	switch {
	case req.Time != nil:
		t := time.UnixMilli(*req.Time).In(loc)
		return &t, nil
	case strings.TrimSpace(req.Phrase) != "":
		t, err := timephrase.Interpret(req.Phrase, now.In(loc))
		if err != nil {
			return nil, err
		}
		return &t, nil
	default:
		return nil, nil
	}
}

func handleListReminders(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var items []reminder.Reminder
		switch r.URL.Query().Get("state") {
		case "", "all":
			items = deps.Reminders.List()
		case "pending":
			items = deps.Reminders.Pending()
		default:
			httpError(w, http.StatusBadRequest, "state must be all or pending")
			return
		}
		if items == nil {
			items = []reminder.Reminder{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func handleCreateReminder(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ReminderRequest
		if err := decodeBody(w, r, maxRequestBodySize, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if req.Subject == nil {
			httpError(w, http.StatusBadRequest, "subject is required")
			return
		}

		due, err := req.dueAt(deps.now(), deps.location())
		if err != nil {
			httpError(w, http.StatusUnprocessableEntity, "could not understand time phrase %q", req.Phrase)
			return
		}
		if due == nil {
			httpError(w, http.StatusBadRequest, "one of time or phrase is required")
			return
		}

		rem, err := deps.Reminders.Create(*req.Subject, *due)
		if err != nil {
			reminderError(w, err)
			return
		}
		deps.Metrics.AddRemindersCreated("api", 1)
		writeJSON(w, http.StatusCreated, rem)
	}
}

func handleGetReminder(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rem, err := deps.Reminders.Get(chi.URLParam(r, "id"))
		if err != nil {
			reminderError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rem)
	}
}

func handleUpdateReminder(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ReminderRequest
		if err := decodeBody(w, r, maxRequestBodySize, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}

		due, err := req.dueAt(deps.now(), deps.location())
		if err != nil {
			httpError(w, http.StatusUnprocessableEntity, "could not understand time phrase %q", req.Phrase)
			return
		}

		rem, err := deps.Reminders.Update(chi.URLParam(r, "id"), reminder.Patch{Subject: req.Subject, DueAt: due})
		if err != nil {
			reminderError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rem)
	}
}

func handleDeleteReminder(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Reminders.Delete(chi.URLParam(r, "id")); err != nil {
			reminderError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleScanReminders(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		settled, err := deps.Reminders.ScanAndNotify(r.Context(), deps.now())
		if err != nil {
			reminderError(w, err)
			return
		}
		if settled == nil {
			settled = []reminder.Reminder{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"notified": settled})
	}
}

func reminderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reminder.ErrNotFound):
		httpError(w, http.StatusNotFound, "reminder not found")
	case errors.Is(err, reminder.ErrPastDue), errors.Is(err, reminder.ErrEmptySubject):
		httpError(w, http.StatusBadRequest, "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "%v", err)
	}
}

// InterpretRequest is the body of POST /api/interpret. Now is epoch
// milliseconds and defaults to the server clock.
type InterpretRequest struct {
	Phrase string `json:"phrase"`
	Now    *int64 `json:"now,omitempty"`
}

// InterpretResponse carries the resolved instant as epoch milliseconds and
// as local wall-clock text.
type InterpretResponse struct {
	DueAt   int64  `json:"dueAt"`
	Display string `json:"display"`
}

func handleInterpret(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req InterpretRequest
		if err := decodeBody(w, r, maxRequestBodySize, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Phrase) == "" {
			httpError(w, http.StatusBadRequest, "phrase is required")
			return
		}

		now := deps.now()
		if req.Now != nil {
			now = time.UnixMilli(*req.Now)
		}
		t, err := timephrase.Interpret(req.Phrase, now.In(deps.location()))
		if err != nil {
			httpError(w, http.StatusUnprocessableEntity, "could not understand time phrase %q", req.Phrase)
			return
		}
		writeJSON(w, http.StatusOK, InterpretResponse{
			DueAt:   t.UnixMilli(),
			Display: t.Format("15:04 02/01/2006"),
		})
	}
}
