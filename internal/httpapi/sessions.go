package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/avatarbridge/internal/history"
	"github.com/ent0n29/avatarbridge/internal/session"
)

const (
	defaultTurnsLimit = 20
	maxTurnsLimit     = 200
)

func (s *Server) handleCreateSession(w http.ResponseWriter, _ *http.Request) {
	sess := s.bridge.CreateSession()
	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		Status:          sess.Status,
		StartedAt:       sess.StartedAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.bridge.Session(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err, "")
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	sess, err := s.bridge.EndSession(r.Context(), id)
	if err != nil {
		s.fail(w, r, err, "")
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	limit := defaultTurnsLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = min(n, maxTurnsLimit)
	}
	if s.history == nil {
		respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "turns": []history.Record{}})
		return
	}
	records, err := s.history.Recent(r.Context(), id, limit)
	if err != nil {
		s.fail(w, r, err, "Failed to load turn history")
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "turns": records})
}
