package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/portdaddy/portd/internal/locks"
)

func (s *Server) handleLockAcquire(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		Name          string          `json:"name"`
		Owner         string          `json:"owner"`
		PID           int             `json:"pid"`
		TTLMS         int64           `json:"ttlMs"`
		Metadata      json.RawMessage `json:"metadata"`
		OwnerAgentID  string          `json:"ownerAgentId"`
		OwnerMaxQuota int             `json:"ownerMaxQuota"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.PID == 0 {
		req.PID = headerPID(r)
	}
	if req.OwnerAgentID == "" {
		req.OwnerAgentID = r.Header.Get("X-Agent-Id")
	}
	if req.OwnerAgentID != "" && req.OwnerMaxQuota == 0 {
		if a, err := s.Agents.Get(r.Context(), req.OwnerAgentID); err == nil {
			req.OwnerMaxQuota = a.MaxLocks
		}
	}
	res, err := s.Locks.Acquire(r.Context(), locks.AcquireRequest{
		Name: req.Name, Owner: req.Owner, PID: req.PID, TTLMS: req.TTLMS, Metadata: req.Metadata,
		OwnerAgentID: req.OwnerAgentID, OwnerMaxQuota: req.OwnerMaxQuota,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLockRelease(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		Name  string `json:"name"`
		Owner string `json:"owner"`
		Force bool   `json:"force"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Locks.Release(r.Context(), req.Name, req.Owner, req.Force); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleLockExtend(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		Name  string `json:"name"`
		Owner string `json:"owner"`
		TTLMS int64  `json:"ttlMs"`
		Force bool   `json:"force"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	expiresAt, err := s.Locks.Extend(r.Context(), req.Name, req.Owner, req.TTLMS, req.Force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"expiresAt": expiresAt})
}

func (s *Server) handleLockCheck(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	l, err := s.Locks.Check(r.Context(), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lock": l})
}

func (s *Server) handleLockList(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		Owner string `json:"owner"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.Locks.List(r.Context(), req.Owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"locks": out})
}
