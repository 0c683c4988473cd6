package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"hakichat/internal/casesearch"
)

// deviceHeader lets anonymous callers keep one case-search identity across requests.
const deviceHeader = "X-Device-ID"

func (s *Server) searchCases(w http.ResponseWriter, r *http.Request) {
	if s.cases == nil {
		writeError(w, http.StatusServiceUnavailable, "case search not configured")
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	req := casesearch.SearchRequest{Query: q}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		req.Limit = n
	}

	resp, err := s.cases.SmartSearch(r.Context(), s.clientContext(r), req)
	if err != nil {
		s.logger.Warn().Err(err).Str("query", q).Msg("case search failed")
		writeError(w, http.StatusBadGateway, "case search is unavailable")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) casesHealth(w http.ResponseWriter, r *http.Request) {
	if s.cases == nil {
		writeError(w, http.StatusServiceUnavailable, "case search not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.cases.HealthCheck(r.Context()))
}

func (s *Server) analyzeScan(w http.ResponseWriter, r *http.Request) {
	if !s.casesReady(w) {
		return
	}
	var req casesearch.ScanRequest
	if err := decodeJSON(w, r, &req); err != nil || strings.TrimSpace(req.ImageData) == "" {
		writeError(w, http.StatusBadRequest, "image_data is required")
		return
	}
	resp, err := s.cases.AnalyzeScan(r.Context(), s.clientContext(r), req)
	if err != nil {
		s.caseError(w, err, "scan analysis failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) voiceQuery(w http.ResponseWriter, r *http.Request) {
	if !s.casesReady(w) {
		return
	}
	var req casesearch.VoiceRequest
	if err := decodeJSON(w, r, &req); err != nil || strings.TrimSpace(req.AudioData) == "" {
		writeError(w, http.StatusBadRequest, "audio_data is required")
		return
	}
	resp, err := s.cases.ProcessVoiceQuery(r.Context(), s.clientContext(r), req)
	if err != nil {
		s.caseError(w, err, "voice query failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) compareCases(w http.ResponseWriter, r *http.Request) {
	if !s.casesReady(w) {
		return
	}
	var req casesearch.CompareRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if len(req.CaseIDs) < 2 {
		writeError(w, http.StatusBadRequest, "case_ids needs at least two cases")
		return
	}
	resp, err := s.cases.CompareCases(r.Context(), s.clientContext(r), req.CaseIDs)
	if err != nil {
		s.caseError(w, err, "case comparison failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) activityHistory(w http.ResponseWriter, r *http.Request) {
	if !s.casesReady(w) {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	entries, err := s.cases.ActivityHistory(r.Context(), s.clientContext(r), limit)
	if err != nil {
		s.caseError(w, err, "activity history failed")
		return
	}
	if entries == nil {
		entries = []casesearch.ActivityEntry{}
	}
	writeJSON(w, http.StatusOK, map[string][]casesearch.ActivityEntry{"history": entries})
}

func (s *Server) listFavorites(w http.ResponseWriter, r *http.Request) {
	if !s.casesReady(w) {
		return
	}
	favs, err := s.cases.ListFavorites(r.Context(), s.clientContext(r))
	if err != nil {
		s.caseError(w, err, "list favorites failed")
		return
	}
	if favs == nil {
		favs = []casesearch.Favorite{}
	}
	writeJSON(w, http.StatusOK, map[string][]casesearch.Favorite{"favorites": favs})
}

func (s *Server) addFavorite(w http.ResponseWriter, r *http.Request) {
	if !s.casesReady(w) {
		return
	}
	var fav casesearch.Favorite
	if err := decodeJSON(w, r, &fav); err != nil || strings.TrimSpace(fav.CaseID) == "" {
		writeError(w, http.StatusBadRequest, "case_id is required")
		return
	}
	if err := s.cases.AddFavorite(r.Context(), s.clientContext(r), fav); err != nil {
		s.caseError(w, err, "add favorite failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) removeFavorite(w http.ResponseWriter, r *http.Request) {
	if !s.casesReady(w) {
		return
	}
	if err := s.cases.RemoveFavorite(r.Context(), s.clientContext(r), chi.URLParam(r, "caseID")); err != nil {
		s.caseError(w, err, "remove favorite failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) casesReady(w http.ResponseWriter) bool {
	if s.cases == nil {
		writeError(w, http.StatusServiceUnavailable, "case search not configured")
		return false
	}
	return true
}

func (s *Server) caseError(w http.ResponseWriter, err error, msg string) {
	s.logger.Warn().Err(err).Msg(msg)
	writeError(w, http.StatusBadGateway, "case search is unavailable")
}

// clientContext identifies the caller to the case-search backends: the signed-in user,
// else a per-device anonymous id, else a fresh anonymous id.
func (s *Server) clientContext(r *http.Request) casesearch.ClientContext {
	if id := UserID(r.Context()); id != "" {
		return casesearch.ClientContext{UserID: id}
	}
	if device := strings.TrimSpace(r.Header.Get(deviceHeader)); device != "" && s.devices != nil {
		cc, err := s.devices.ClientContext(r.Context(), device)
		if err == nil {
			return cc
		}
		s.logger.Warn().Err(err).Msg("device identity lookup failed")
	}
	return casesearch.NewClientContext()
}
