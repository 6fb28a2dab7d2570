package httpapi

import (
	"net/http"

	"github.com/portdaddy/portd/internal/agents"
)

func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request, body []byte) {
	var req agents.RegisterRequest
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.Agents.Register(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Agents.Heartbeat(r.Context(), req.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	a, err := s.Agents.Get(r.Context(), req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.Agents.List(r.Context(), req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (s *Server) handleAgentUnregister(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Agents.Unregister(r.Context(), req.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleResurrectionPending(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		Project string `json:"project"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.Agents.PendingResurrections(r.Context(), req.Project)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": out})
}

func (s *Server) handleResurrectionClaim(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		OldID string `json:"oldId"`
		NewID string `json:"newId"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	payload, err := s.Agents.ClaimResurrection(r.Context(), req.OldID, req.NewID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"context": payload})
}

func (s *Server) handleResurrectionComplete(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		OldID string `json:"oldId"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Agents.CompleteResurrection(r.Context(), req.OldID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleResurrectionAbandon(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		OldID string `json:"oldId"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Agents.AbandonResurrection(r.Context(), req.OldID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleResurrectionDismiss(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		OldID string `json:"oldId"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Agents.DismissResurrection(r.Context(), req.OldID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleInboxPost(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		AgentID string `json:"agentId"`
		Content string `json:"content"`
		Sender  string `json:"sender"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.Agents.PostInbox(r.Context(), req.AgentID, req.Content, req.Sender)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"id": id})
}

func (s *Server) handleInboxList(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		AgentID    string `json:"agentId"`
		UnreadOnly bool   `json:"unreadOnly"`
		Limit      int    `json:"limit"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.Agents.ListInbox(r.Context(), req.AgentID, req.UnreadOnly, req.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *Server) handleInboxStats(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		AgentID string `json:"agentId"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.Agents.InboxStats(r.Context(), req.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleInboxMarkRead(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		AgentID string `json:"agentId"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	n, err := s.Agents.MarkInboxRead(r.Context(), req.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"marked": n})
}

func (s *Server) handleInboxClear(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		AgentID string `json:"agentId"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	n, err := s.Agents.ClearInbox(r.Context(), req.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cleared": n})
}
