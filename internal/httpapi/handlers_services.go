package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/portdaddy/portd/internal/identity"
	"github.com/portdaddy/portd/internal/services"
	"github.com/portdaddy/portd/internal/store"
)

// headerPID reads the caller's process id from the X-PID header.
func headerPID(r *http.Request) int {
	n, _ := strconv.Atoi(r.Header.Get("X-PID"))
	return n
}

type claimServiceBody struct {
	ID             string          `json:"id"`
	PreferredPort  *int            `json:"preferredPort"`
	RangeStart     *int            `json:"rangeStart"`
	RangeEnd       *int            `json:"rangeEnd"`
	ExpiresAt      *int64          `json:"expiresAt"`
	PairedWith     string          `json:"pairedWith"`
	HealthURL      string          `json:"healthUrl"`
	TunnelProvider string          `json:"tunnelProvider"`
	TunnelURL      string          `json:"tunnelUrl"`
	RestartPolicy  string          `json:"restartPolicy"`
	Metadata       json.RawMessage `json:"metadata"`
	PID            int             `json:"pid"`
	Cmd            string          `json:"cmd"`
	Cwd            string          `json:"cwd"`
	OwnerAgentID   string          `json:"ownerAgentId"`
	OwnerMaxQuota  int             `json:"ownerMaxQuota"`
}

func (s *Server) handleServiceClaim(w http.ResponseWriter, r *http.Request, body []byte) {
	var req claimServiceBody
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
			req.OwnerMaxQuota = a.MaxServices
		}
	}
	res, err := s.Services.Claim(r.Context(), services.ClaimRequest{
		ID: req.ID, PreferredPort: req.PreferredPort, RangeStart: req.RangeStart, RangeEnd: req.RangeEnd,
		ExpiresAt: req.ExpiresAt, PairedWith: req.PairedWith, HealthURL: req.HealthURL,
		TunnelProvider: req.TunnelProvider, TunnelURL: req.TunnelURL, RestartPolicy: req.RestartPolicy,
		Metadata: req.Metadata, PID: req.PID, Cmd: req.Cmd, Cwd: req.Cwd,
		OwnerAgentID: req.OwnerAgentID, OwnerMaxQuota: req.OwnerMaxQuota,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleServiceGet(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	svc, err := s.Services.Get(r.Context(), req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (s *Server) handleServiceList(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		Pattern string `json:"pattern"`
		Status  string `json:"status"`
		Port    *int   `json:"port"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	f := store.ServiceFilter{Status: req.Status, Port: req.Port}
	if req.Pattern != "" {
		if err := identity.ValidatePattern(req.Pattern); err != nil {
			writeError(w, err)
			return
		}
		f.LikePattern = identity.ToLikeClause(req.Pattern)
	}
	out, err := s.Services.Find(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": out})
}

func (s *Server) handleServiceRelease(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	port, err := s.Services.Release(r.Context(), req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"port": port})
}

func (s *Server) handleServiceReleaseByPattern(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		Pattern string `json:"pattern"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	ids, ports, err := s.Services.ReleaseByPattern(r.Context(), req.Pattern)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ids": ids, "ports": ports})
}

func (s *Server) handleServiceSetEndpoint(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		ServiceID string `json:"serviceId"`
		Env       string `json:"env"`
		URL       string `json:"url"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Services.SetEndpoint(r.Context(), req.ServiceID, req.Env, req.URL); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleServiceListEndpoints(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		ServiceID string `json:"serviceId"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.Services.ListEndpoints(r.Context(), req.ServiceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": out})
}
