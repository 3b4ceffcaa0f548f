package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/studymate/internal/session"
)

type sessionRequest struct {
	Title string `json:"title"`
}

type currentRequest struct {
	ID string `json:"id"`
}

func handleListSessions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := deps.Sessions.List()
		if list == nil {
			list = []session.Session{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleCreateSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sessionRequest
		if r.ContentLength != 0 {
			if err := decodeBody(w, r, maxRequestBodySize, &req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
				return
			}
		}
		sess, err := deps.Sessions.Create(req.Title)
		if err != nil {
			sessionError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	}
}

func handleGetSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := deps.Sessions.Get(chi.URLParam(r, "id"))
		if err != nil {
			sessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

func handleRenameSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sessionRequest
		if err := decodeBody(w, r, maxRequestBodySize, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Title) == "" {
			httpError(w, http.StatusBadRequest, "title is required")
			return
		}
		sess, err := deps.Sessions.Rename(chi.URLParam(r, "id"), req.Title)
		if err != nil {
			sessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

func handleDeleteSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Sessions.Delete(chi.URLParam(r, "id")); err != nil {
			sessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleGetCurrentSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := deps.Sessions.Current()
		if err != nil {
			sessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, currentRequest{ID: sess.ID})
	}
}

func handleSetCurrentSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req currentRequest
		if err := decodeBody(w, r, maxRequestBodySize, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if err := deps.Sessions.SetCurrent(req.ID); err != nil {
			sessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

func sessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		httpError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrNoCurrent):
		httpError(w, http.StatusNotFound, "no current session")
	default:
		httpError(w, http.StatusInternalServerError, "%v", err)
	}
}
