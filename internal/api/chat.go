package api

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"hakichat/internal/render"
	"hakichat/internal/suggest"
	"hakichat/internal/widget"
)

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// chat streams one assistant reply as server-sent events. Each chunk is a JSON string on a
// data line; the session id arrives as an "session" event once known, a failed reply is
// announced with an "error" event carrying the fallback text, and [DONE] ends the stream.
func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, widget.ErrEmptyInput.Error())
		return
	}
	userID := UserID(r.Context())
	if !s.allowRate(w, r, userID) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sse := &eventWriter{w: w, flusher: flusher}
	streaming := false
	cfg := widget.Config{
		Generator: s.generator,
		Logger:    s.logger,
		Metrics:   s.metrics,
		UserID:    userID,
		Observer: func(ev widget.Event) {
			if !streaming {
				return
			}
			switch ev.Kind {
			case widget.EventMessageUpdated:
				if ev.Delta != "" {
					sse.data(ev.Delta)
				}
			case widget.EventSessionChanged:
				if ev.SessionID != "" {
					sse.event("session", ev.SessionID)
				}
			}
		},
	}
	if userID != "" {
		cfg.History = s.history
	}
	conv := widget.New(cfg)

	if req.SessionID != "" && userID != "" {
		if _, err := s.history.GetSession(r.Context(), req.SessionID, userID); err != nil {
			s.sessionError(w, err)
			return
		}
		if err := conv.LoadSession(r.Context(), req.SessionID); err != nil {
			writeError(w, http.StatusInternalServerError, "could not load session")
			return
		}
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	streaming = true

	if req.SessionID != "" && userID != "" {
		sse.event("session", req.SessionID)
	}

	reply, err := conv.Submit(r.Context(), req.Message)
	if err != nil {
		if r.Context().Err() == nil {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("chat submit failed")
			sse.event("error", err.Error())
		}
		return
	}
	if reply.Failed {
		sse.event("error", reply.Content)
	}
	sse.raw("[DONE]")
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, userID string) bool {
	if s.rateLimiter == nil {
		return true
	}
	key := userID
	if key == "" {
		key = "anon:" + clientIP(r)
	}
	ok, _, resetAt, err := s.rateLimiter.Allow(r.Context(), "api", key, s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("rate limiter failed")
		return true
	}
	if ok {
		return true
	}
	retry := int(resetAt.Sub(s.now()).Round(time.Second).Seconds())
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, http.StatusTooManyRequests, "hourly message limit reached")
	return false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type eventWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// data writes v JSON-encoded so newlines in chunks survive the line-based framing.
func (e *eventWriter) data(v string) {
	b, _ := json.Marshal(v)
	e.raw(string(b))
}

func (e *eventWriter) raw(line string) {
	_, _ = fmt.Fprintf(e.w, "data: %s\n\n", line)
	e.flusher.Flush()
}

func (e *eventWriter) event(name, v string) {
	b, _ := json.Marshal(v)
	_, _ = fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", name, b)
	e.flusher.Flush()
}

func (s *Server) suggestions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{
		"suggestions": suggest.Generate(r.URL.Query().Get("q")),
	})
}

type renderRequest struct {
	Content string `json:"content"`
}

func (s *Server) render(w http.ResponseWriter, r *http.Request) {
	var req renderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"html": render.HTML(req.Content)})
}
