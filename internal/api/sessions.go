package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"hakichat/internal/history"
)

type createSessionRequest struct {
	Title string `json:"title"`
}

type autoScrollBody struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.history.GetUserSessions(r.Context(), UserID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) searchSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.history.SearchSessions(r.Context(), UserID(r.Context()), r.URL.Query().Get("q"))
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request")
			return
		}
	}
	id, err := s.history.CreateSession(r.Context(), strings.TrimSpace(req.Title), UserID(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not create session")
		return
	}
	s.metrics.SessionsCreated.Inc()
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) sessionMessages(w http.ResponseWriter, r *http.Request) {
	userID, sessionID := UserID(r.Context()), chi.URLParam(r, "sessionID")
	sess, err := s.history.GetSession(r.Context(), sessionID, userID)
	if err != nil {
		s.sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":  sess,
		"messages": s.history.LoadSession(r.Context(), sessionID, userID),
	})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.history.DeleteSession(r.Context(), chi.URLParam(r, "sessionID"), UserID(r.Context())); err != nil {
		writeError(w, http.StatusInternalServerError, "could not delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) exportSession(w http.ResponseWriter, r *http.Request) {
	userID, sessionID := UserID(r.Context()), chi.URLParam(r, "sessionID")
	sess, err := s.history.GetSession(r.Context(), sessionID, userID)
	if err != nil {
		s.sessionError(w, err)
		return
	}
	doc, err := s.history.ExportChatSession(r.Context(), sessionID, userID)
	if err != nil {
		s.sessionError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", history.ExportFilename(sess, s.now())))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

func (s *Server) getAutoScroll(w http.ResponseWriter, r *http.Request) {
	enabled := s.history.GetAutoScrollPreference(r.Context(), chi.URLParam(r, "sessionID"), UserID(r.Context()))
	writeJSON(w, http.StatusOK, autoScrollBody{Enabled: enabled})
}

func (s *Server) setAutoScroll(w http.ResponseWriter, r *http.Request) {
	var req autoScrollBody
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if err := s.history.SetAutoScrollPreference(r.Context(), chi.URLParam(r, "sessionID"), UserID(r.Context()), req.Enabled); err != nil {
		s.sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) sessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, history.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.logger.Error().Err(err).Msg("session request failed")
	writeError(w, http.StatusInternalServerError, "session request failed")
}
