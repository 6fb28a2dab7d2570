package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/portdaddy/portd/internal/apierr"
	"github.com/portdaddy/portd/internal/store"
)

// The projects surface is opaque pass-through storage for the external
// project scanner; the daemon never interprets config/services beyond
// persisting them.

func (s *Server) handleProjectPut(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		Root        string          `json:"root"`
		Type        string          `json:"type"`
		Config      json.RawMessage `json:"config"`
		Services    json.RawMessage `json:"services"`
		LastScanned *int64          `json:"lastScanned"`
		Metadata    json.RawMessage `json:"metadata"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	p := store.Project{
		ID: r.PathValue("id"), Root: req.Root, Type: req.Type,
		Config: req.Config, Services: req.Services,
		LastScanned: req.LastScanned, CreatedAt: s.Store.NowMS(), Metadata: req.Metadata,
	}
	if err := s.Store.UpsertProject(r.Context(), p); err != nil {
		writeError(w, apierr.Internal(err, "upsert project"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleProjectGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.Store.GetProject(r.Context(), r.PathValue("id"))
	if store.IsNotFound(err) {
		writeError(w, apierr.NotFound("no project %q", r.PathValue("id")))
		return
	}
	if err != nil {
		writeError(w, apierr.Internal(err, "get project"))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProjectDelete(w http.ResponseWriter, r *http.Request, body []byte) {
	ok, err := s.Store.DeleteProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, apierr.Internal(err, "delete project"))
		return
	}
	if !ok {
		writeError(w, apierr.NotFound("no project %q", r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
