package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/portdaddy/portd/internal/agents"
	"github.com/portdaddy/portd/internal/apierr"
	"github.com/portdaddy/portd/internal/conntrack"
	"github.com/portdaddy/portd/internal/identity"
	"github.com/portdaddy/portd/internal/locks"
	"github.com/portdaddy/portd/internal/store"
	"github.com/portdaddy/portd/internal/webhooks"
)

// registerRESTRoutes wires the published path-parameter surface on top
// of the same core components the verb routes call. Method patterns
// keep the two surfaces from colliding on the mux.
func (s *Server) registerRESTRoutes() {
	s.mux.HandleFunc("POST /claim", s.withBody(s.handleServiceClaim))
	s.mux.HandleFunc("DELETE /release", s.withBody(s.handleRelease))
	s.mux.HandleFunc("GET /services", s.handleServicesIndex)
	s.mux.HandleFunc("GET /services/{id}", s.handleServiceByID)
	s.mux.HandleFunc("PUT /services/{id}/endpoints/{env}", s.withBody(s.handleEndpointPut))

	s.mux.HandleFunc("GET /locks", s.handleLocksIndex)
	s.mux.HandleFunc("POST /locks/{name}", s.withBody(s.handleLockPost))
	s.mux.HandleFunc("PUT /locks/{name}", s.withBody(s.handleLockPut))
	s.mux.HandleFunc("GET /locks/{name}", s.handleLockGet)
	s.mux.HandleFunc("DELETE /locks/{name}", s.withBody(s.handleLockDelete))

	s.mux.HandleFunc("POST /msg/{channel}", s.withBody(s.handleChannelPost))
	s.mux.HandleFunc("GET /msg/{channel}", s.handleChannelGet)
	s.mux.HandleFunc("DELETE /msg/{channel}", s.withBody(s.handleChannelDelete))
	s.mux.HandleFunc("GET /msg/{channel}/poll", s.handleChannelPoll)
	s.mux.HandleFunc("GET /msg/{channel}/subscribe", s.handleChannelSubscribe)
	s.mux.HandleFunc("GET /msg", s.handleChannelsIndex)

	s.mux.HandleFunc("POST /agents", s.withBody(s.handleAgentPost))
	s.mux.HandleFunc("GET /agents", s.handleAgentsIndex)
	s.mux.HandleFunc("GET /agents/{id}", s.handleAgentByID)
	s.mux.HandleFunc("DELETE /agents/{id}", s.withBody(s.handleAgentDelete))
	s.mux.HandleFunc("PUT /agents/{id}/heartbeat", s.withBody(s.handleAgentHeartbeatPut))
	s.mux.HandleFunc("GET /agents/{id}/inbox", s.handleAgentInboxGet)
	s.mux.HandleFunc("POST /agents/{id}/inbox", s.withBody(s.handleAgentInboxPost))

	s.mux.HandleFunc("GET /resurrection/pending", s.handleResurrectionPendingGet)
	s.mux.HandleFunc("POST /resurrection/claim/{oldId}", s.withBody(s.handleResurrectionClaimPost))
	s.mux.HandleFunc("POST /resurrection/complete/{oldId}", s.withBody(s.handleResurrectionVerb("complete")))
	s.mux.HandleFunc("POST /resurrection/abandon/{oldId}", s.withBody(s.handleResurrectionVerb("abandon")))
	s.mux.HandleFunc("POST /resurrection/dismiss/{oldId}", s.withBody(s.handleResurrectionVerb("dismiss")))

	s.mux.HandleFunc("POST /sessions", s.withBody(s.handleSessionStart))
	s.mux.HandleFunc("GET /sessions", s.handleSessionsIndex)
	s.mux.HandleFunc("GET /sessions/{id}", s.handleSessionByID)
	s.mux.HandleFunc("PUT /sessions/{id}", s.withBody(s.handleSessionPut))
	s.mux.HandleFunc("DELETE /sessions/{id}", s.withBody(s.handleSessionDeleteByID))
	s.mux.HandleFunc("POST /sessions/{id}/notes", s.withBody(s.handleSessionNotesPost))
	s.mux.HandleFunc("GET /sessions/{id}/notes", s.handleSessionNotesGet)
	s.mux.HandleFunc("POST /sessions/{id}/files", s.withBody(s.handleSessionFilesPost))
	s.mux.HandleFunc("DELETE /sessions/{id}/files", s.withBody(s.handleSessionFilesDelete))
	s.mux.HandleFunc("GET /sessions/{id}/files", s.handleSessionFilesGet)

	s.mux.HandleFunc("POST /notes", s.withBody(s.handleNoteAdd))
	s.mux.HandleFunc("GET /notes", s.handleNotesGet)

	s.mux.HandleFunc("POST /webhooks", s.withBody(s.handleWebhookSubscribe))
	s.mux.HandleFunc("GET /webhooks", s.handleWebhooksIndex)
	s.mux.HandleFunc("GET /webhooks/{id}", s.handleWebhookByID)
	s.mux.HandleFunc("PUT /webhooks/{id}", s.withBody(s.handleWebhookPut))
	s.mux.HandleFunc("DELETE /webhooks/{id}", s.withBody(s.handleWebhookDeleteByID))
	s.mux.HandleFunc("POST /webhooks/{id}/test", s.withBody(s.handleWebhookTestPost))
	s.mux.HandleFunc("GET /webhooks/{id}/deliveries", s.handleWebhookDeliveriesGet)

	s.mux.HandleFunc("PUT /projects/{id}", s.withBody(s.handleProjectPut))
	s.mux.HandleFunc("GET /projects/{id}", s.handleProjectGet)
	s.mux.HandleFunc("DELETE /projects/{id}", s.withBody(s.handleProjectDelete))

	s.mux.HandleFunc("GET /activity", s.handleActivityGet)
	s.mux.HandleFunc("GET /activity/range", s.handleActivityRangeGet)
	s.mux.HandleFunc("GET /activity/summary", s.asGet(s.handleActivitySummary))
	s.mux.HandleFunc("GET /activity/stats", s.asGet(s.handleActivityStats))
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}

func queryInt64(r *http.Request, key string) int64 {
	n, _ := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	return n
}

// --- services ---

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		ID      string `json:"id"`
		Pattern string `json:"pattern"`
		Expired bool   `json:"expired"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	var (
		ids   []string
		ports []int
		err   error
	)
	switch {
	case req.Expired:
		ids, ports, err = s.Services.ReleaseExpired(r.Context())
	case req.Pattern != "":
		ids, ports, err = s.Services.ReleaseByPattern(r.Context(), req.Pattern)
	case req.ID != "":
		var port *int
		port, err = s.Services.Release(r.Context(), req.ID)
		if err == nil {
			ids = []string{req.ID}
			if port != nil {
				ports = []int{*port}
			}
		}
	default:
		err = apierr.Validation("one of id, pattern, or expired is required")
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if ports == nil {
		ports = []int{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": len(ids), "releasedPorts": ports})
}

func (s *Server) handleServicesIndex(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ServiceFilter{Status: q.Get("status")}
	if p := q.Get("pattern"); p != "" {
		if err := identity.ValidatePattern(p); err != nil {
			writeError(w, err)
			return
		}
		f.LikePattern = identity.ToLikeClause(p)
	}
	if ps := q.Get("port"); ps != "" {
		n, err := strconv.Atoi(ps)
		if err != nil {
			writeError(w, apierr.Validation("port must be an integer"))
			return
		}
		f.Port = &n
	}
	out, err := s.Services.Find(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": out})
}

func (s *Server) handleServiceByID(w http.ResponseWriter, r *http.Request) {
	svc, err := s.Services.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (s *Server) handleEndpointPut(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		URL string `json:"url"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Services.SetEndpoint(r.Context(), r.PathValue("id"), r.PathValue("env"), req.URL); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- locks ---

type lockBody struct {
	Owner         string          `json:"owner"`
	PID           int             `json:"pid"`
	TTL           int64           `json:"ttl"`
	TTLMS         int64           `json:"ttlMs"`
	Force         bool            `json:"force"`
	Metadata      json.RawMessage `json:"metadata"`
	OwnerAgentID  string          `json:"ownerAgentId"`
	OwnerMaxQuota int             `json:"ownerMaxQuota"`
}

func (b lockBody) ttl() int64 {
	if b.TTLMS != 0 {
		return b.TTLMS
	}
	return b.TTL
}

func (s *Server) handleLockPost(w http.ResponseWriter, r *http.Request, body []byte) {
	var req lockBody
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
		Name: r.PathValue("name"), Owner: req.Owner, PID: req.PID, TTLMS: req.ttl(), Metadata: req.Metadata,
		OwnerAgentID: req.OwnerAgentID, OwnerMaxQuota: req.OwnerMaxQuota,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLockPut(w http.ResponseWriter, r *http.Request, body []byte) {
	var req lockBody
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	expiresAt, err := s.Locks.Extend(r.Context(), r.PathValue("name"), req.Owner, req.ttl(), req.Force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"expiresAt": expiresAt})
}

func (s *Server) handleLockGet(w http.ResponseWriter, r *http.Request) {
	l, err := s.Locks.Check(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lock": l})
}

func (s *Server) handleLockDelete(w http.ResponseWriter, r *http.Request, body []byte) {
	var req lockBody
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Locks.Release(r.Context(), r.PathValue("name"), req.Owner, req.Force); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleLocksIndex(w http.ResponseWriter, r *http.Request) {
	out, err := s.Locks.List(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"locks": out})
}

// --- messages ---

func (s *Server) handleChannelPost(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		Payload   json.RawMessage `json:"payload"`
		Sender    string          `json:"sender"`
		ExpiresAt *int64          `json:"expiresAt"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	msg, err := s.Messages.Publish(r.Context(), r.PathValue("channel"), req.Payload, req.Sender, req.ExpiresAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleChannelGet(w http.ResponseWriter, r *http.Request) {
	out, err := s.Messages.Since(r.Context(), r.PathValue("channel"), queryInt64(r, "after"), queryInt(r, "limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *Server) handleChannelDelete(w http.ResponseWriter, r *http.Request, body []byte) {
	n, err := s.Messages.Clear(r.Context(), r.PathValue("channel"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cleared": n})
}

func (s *Server) handleChannelPoll(w http.ResponseWriter, r *http.Request) {
	origin := r.URL.Query().Get("origin")
	if origin == "" {
		origin = r.RemoteAddr
	}
	if !s.Conns.CanOpen(conntrack.LongPoll, origin) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many open long-poll connections"})
		return
	}
	release := s.Conns.Track(conntrack.LongPoll, origin)
	defer release()

	timeout := time.Duration(queryInt64(r, "timeout")) * time.Millisecond
	out, err := s.Messages.Poll(r.Context(), r.PathValue("channel"), queryInt64(r, "after"), timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *Server) handleChannelSubscribe(w http.ResponseWriter, r *http.Request) {
	s.streamChannel(w, r, r.PathValue("channel"), queryInt64(r, "after"))
}

func (s *Server) handleChannelsIndex(w http.ResponseWriter, r *http.Request) {
	out, err := s.Messages.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": out})
}

// --- agents ---

func (s *Server) handleAgentPost(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		agents.RegisterRequest
		Identity struct {
			Project string `json:"project"`
			Stack   string `json:"stack"`
			Context string `json:"context"`
		} `json:"identity"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	reg := req.RegisterRequest
	if reg.IdentityProject == "" {
		reg.IdentityProject = req.Identity.Project
		reg.IdentityStack = req.Identity.Stack
		reg.IdentityContext = req.Identity.Context
	}
	res, err := s.Agents.Register(r.Context(), reg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAgentsIndex(w http.ResponseWriter, r *http.Request) {
	out, err := s.Agents.List(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (s *Server) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	a, err := s.Agents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAgentDelete(w http.ResponseWriter, r *http.Request, body []byte) {
	if err := s.Agents.Unregister(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAgentHeartbeatPut(w http.ResponseWriter, r *http.Request, body []byte) {
	if err := s.Agents.Heartbeat(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAgentInboxGet(w http.ResponseWriter, r *http.Request) {
	unread := r.URL.Query().Get("unread") == "true"
	out, err := s.Agents.ListInbox(r.Context(), r.PathValue("id"), unread, queryInt(r, "limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

// handleAgentInboxPost multiplexes the inbox subcommands on one path:
// the default action posts a message, "stats"/"read-all"/"clear" run
// the corresponding maintenance operation.
func (s *Server) handleAgentInboxPost(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		Action  string `json:"action"`
		Content string `json:"content"`
		Sender  string `json:"sender"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	agentID := r.PathValue("id")
	switch req.Action {
	case "", "post":
		id, err := s.Agents.PostInbox(r.Context(), agentID, req.Content, req.Sender)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"id": id})
	case "stats":
		stats, err := s.Agents.InboxStats(r.Context(), agentID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	case "read-all":
		n, err := s.Agents.MarkInboxRead(r.Context(), agentID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"marked": n})
	case "clear":
		n, err := s.Agents.ClearInbox(r.Context(), agentID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"cleared": n})
	default:
		writeError(w, apierr.Validation("unknown inbox action %q", req.Action))
	}
}

// --- resurrection ---

func (s *Server) handleResurrectionPendingGet(w http.ResponseWriter, r *http.Request) {
	out, err := s.Agents.PendingResurrections(r.Context(), r.URL.Query().Get("project"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": out})
}

func (s *Server) handleResurrectionClaimPost(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		NewAgentID string `json:"newAgentId"`
		NewID      string `json:"newId"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	newID := req.NewAgentID
	if newID == "" {
		newID = req.NewID
	}
	payload, err := s.Agents.ClaimResurrection(r.Context(), r.PathValue("oldId"), newID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"context": payload})
}

func (s *Server) handleResurrectionVerb(verb string) func(http.ResponseWriter, *http.Request, []byte) {
	return func(w http.ResponseWriter, r *http.Request, body []byte) {
		oldID := r.PathValue("oldId")
		var err error
		switch verb {
		case "complete":
			err = s.Agents.CompleteResurrection(r.Context(), oldID)
		case "abandon":
			err = s.Agents.AbandonResurrection(r.Context(), oldID)
		case "dismiss":
			err = s.Agents.DismissResurrection(r.Context(), oldID)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// --- sessions and notes ---

func (s *Server) handleSessionsIndex(w http.ResponseWriter, r *http.Request) {
	out, err := s.Sessions.List(r.Context(), r.URL.Query().Get("agentId"), r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionPut(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Sessions.UpdateStatus(r.Context(), r.PathValue("id"), req.Status); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSessionDeleteByID(w http.ResponseWriter, r *http.Request, body []byte) {
	if err := s.Sessions.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSessionNotesPost(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		Content string `json:"content"`
		Type    string `json:"type"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	sessionID, noteID, err := s.Sessions.AddNote(r.Context(), r.PathValue("id"), req.Content, req.Type, "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": sessionID, "noteId": noteID})
}

func (s *Server) handleSessionNotesGet(w http.ResponseWriter, r *http.Request) {
	out, err := s.Sessions.ListNotes(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notes": out})
}

func (s *Server) handleSessionFilesPost(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		Paths []string `json:"paths"`
		Force bool     `json:"force"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Paths) == 0 {
		writeError(w, apierr.Validation("paths is required"))
		return
	}
	sessionID := r.PathValue("id")
	var conflicts []store.SessionFileClaim
	for _, p := range req.Paths {
		c, err := s.Sessions.ClaimFile(r.Context(), sessionID, p, req.Force)
		if err != nil {
			writeError(w, err)
			return
		}
		conflicts = append(conflicts, c...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

func (s *Server) handleSessionFilesDelete(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		Paths []string `json:"paths"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	sessionID := r.PathValue("id")
	for _, p := range req.Paths {
		if err := s.Sessions.ReleaseFile(r.Context(), sessionID, p); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSessionFilesGet(w http.ResponseWriter, r *http.Request) {
	out, err := s.Sessions.ListFileClaims(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"claims": out})
}

func (s *Server) handleNotesGet(w http.ResponseWriter, r *http.Request) {
	out, err := s.Sessions.RecentNotes(r.Context(), queryInt(r, "limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notes": out})
}

// --- webhooks ---

func (s *Server) handleWebhooksIndex(w http.ResponseWriter, r *http.Request) {
	out, err := s.Webhooks.List(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": out})
}

func (s *Server) handleWebhookByID(w http.ResponseWriter, r *http.Request) {
	sub, err := s.Webhooks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleWebhookPut(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		URL    string   `json:"url"`
		Events []string `json:"events"`
		Secret *string  `json:"secret"`
		Filter *string  `json:"filter"`
		Active *bool    `json:"active"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	err := s.Webhooks.Update(r.Context(), r.PathValue("id"), webhooks.UpdateRequest{
		URL: req.URL, Events: req.Events, Secret: req.Secret, Filter: req.Filter, Active: req.Active,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleWebhookDeleteByID(w http.ResponseWriter, r *http.Request, body []byte) {
	if err := s.Webhooks.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleWebhookTestPost(w http.ResponseWriter, r *http.Request, body []byte) {
	if err := s.Webhooks.Test(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleWebhookDeliveriesGet(w http.ResponseWriter, r *http.Request) {
	out, err := s.Webhooks.ListDeliveries(r.Context(), r.PathValue("id"), queryInt(r, "limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": out})
}

// --- activity ---

func (s *Server) handleActivityGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ActivityFilter{Type: q.Get("type"), AgentID: q.Get("agentId"), Limit: queryInt(r, "limit")}
	if p := q.Get("target"); p != "" {
		if err := identity.ValidatePattern(p); err != nil {
			writeError(w, err)
			return
		}
		f.TargetLikePatt = identity.ToLikeClause(p)
	}
	out, err := s.Store.RecentActivity(r.Context(), f)
	if err != nil {
		writeError(w, apierr.Internal(err, "recent activity"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (s *Server) handleActivityRangeGet(w http.ResponseWriter, r *http.Request) {
	out, err := s.Store.ActivityRange(r.Context(), queryInt64(r, "from"), queryInt64(r, "to"))
	if err != nil {
		writeError(w, apierr.Internal(err, "activity range"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}
