package httpapi

import (
	"net/http"

	"github.com/portdaddy/portd/internal/apierr"
	"github.com/portdaddy/portd/internal/identity"
	"github.com/portdaddy/portd/internal/store"
)

func (s *Server) handleActivityRecent(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		Type          string `json:"type"`
		AgentID       string `json:"agentId"`
		TargetPattern string `json:"targetPattern"`
		Limit         int    `json:"limit"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	f := store.ActivityFilter{Type: req.Type, AgentID: req.AgentID, Limit: req.Limit}
	if req.TargetPattern != "" {
		if err := identity.ValidatePattern(req.TargetPattern); err != nil {
			writeError(w, err)
			return
		}
		f.TargetLikePatt = identity.ToLikeClause(req.TargetPattern)
	}
	out, err := s.Store.RecentActivity(r.Context(), f)
	if err != nil {
		writeError(w, apierr.Internal(err, "recent activity"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (s *Server) handleActivityRange(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		From int64 `json:"from"`
		To   int64 `json:"to"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.Store.ActivityRange(r.Context(), req.From, req.To)
	if err != nil {
		writeError(w, apierr.Internal(err, "activity range"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (s *Server) handleActivitySummary(w http.ResponseWriter, r *http.Request, body []byte) {
	out, err := s.Store.SummarizeActivity(r.Context())
	if err != nil {
		writeError(w, apierr.Internal(err, "summarize activity"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": out})
}

func (s *Server) handleActivityStats(w http.ResponseWriter, r *http.Request, body []byte) {
	stats, err := s.Store.ComputeActivityStats(r.Context())
	if err != nil {
		writeError(w, apierr.Internal(err, "activity stats"))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
