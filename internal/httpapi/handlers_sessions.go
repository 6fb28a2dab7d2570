package httpapi

import (
	"net/http"

	"github.com/portdaddy/portd/internal/sessions"
)

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request, body []byte) {
	var req sessions.StartRequest
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.Sessions.Start(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.Sessions.Get(r.Context(), req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		AgentID string `json:"agentId"`
		Status  string `json:"status"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.Sessions.List(r.Context(), req.AgentID, req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleSessionUpdate(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Sessions.UpdateStatus(r.Context(), req.ID, req.Status); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Sessions.Delete(r.Context(), req.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSessionClaimFile(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		SessionID string `json:"sessionId"`
		FilePath  string `json:"filePath"`
		Force     bool   `json:"force"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	conflicts, err := s.Sessions.ClaimFile(r.Context(), req.SessionID, req.FilePath, req.Force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

func (s *Server) handleSessionReleaseFile(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		SessionID string `json:"sessionId"`
		FilePath  string `json:"filePath"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Sessions.ReleaseFile(r.Context(), req.SessionID, req.FilePath); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSessionListFileClaims(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.Sessions.ListFileClaims(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"claims": out})
}

func (s *Server) handleNoteAdd(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		SessionID string `json:"sessionId"`
		Content   string `json:"content"`
		Type      string `json:"type"`
		AgentID   string `json:"agentId"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	sessionID, id, err := s.Sessions.AddNote(r.Context(), req.SessionID, req.Content, req.Type, req.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": sessionID, "noteId": id})
}

func (s *Server) handleNoteList(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.Sessions.ListNotes(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notes": out})
}

func (s *Server) handleNoteRecent(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		Limit int `json:"limit"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.Sessions.RecentNotes(r.Context(), req.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notes": out})
}
