package httpapi

import (
	"net/http"

	"github.com/portdaddy/portd/internal/store"
)

// handleMetrics pulls the current otel instrument values and renders
// them as JSON, since there is no outbound metrics backend for a
// single-host daemon to push to.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Metrics.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleConfig returns the configuration currently in effect,
// reflecting any hot-reload applied since boot.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if s.ConfigSnapshot == nil {
		writeJSON(w, http.StatusOK, map[string]string{})
		return
	}
	writeJSON(w, http.StatusOK, s.ConfigSnapshot())
}

// handlePortsCleanup forces an out-of-cycle reaper pass over services
// (and everything else a pass touches), for operators who don't want
// to wait for the next timer tick.
func (s *Server) handlePortsCleanup(w http.ResponseWriter, r *http.Request, body []byte) {
	s.Reaper.Pass(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handlePortsActive returns the Store's view of live services: the
// daemon's own record of what is assigned, independent of whether the
// OS still has something bound on that port.
func (s *Server) handlePortsActive(w http.ResponseWriter, r *http.Request, body []byte) {
	out, err := s.Services.Find(r.Context(), store.ServiceFilter{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": out})
}

// handlePortsSystem returns the OS probe's view: every listening port
// the system itself currently reports, independent of the Store.
func (s *Server) handlePortsSystem(w http.ResponseWriter, r *http.Request, body []byte) {
	out, err := s.OSProbe.Listeners(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"listeners": out})
}
