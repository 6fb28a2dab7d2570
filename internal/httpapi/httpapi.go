// Package httpapi wires the core components onto the JSON HTTP
// surface: request decoding, error-kind-to-status mapping, CORS
// restricted to loopback origins, per-origin rate limiting, and the
// streaming endpoints for long-poll and server-sent-event subscribe.
package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/portdaddy/portd/internal/agents"
	"github.com/portdaddy/portd/internal/apierr"
	"github.com/portdaddy/portd/internal/config"
	"github.com/portdaddy/portd/internal/conntrack"
	"github.com/portdaddy/portd/internal/locks"
	"github.com/portdaddy/portd/internal/messages"
	"github.com/portdaddy/portd/internal/metrics"
	"github.com/portdaddy/portd/internal/osprobe"
	"github.com/portdaddy/portd/internal/reaper"
	"github.com/portdaddy/portd/internal/services"
	"github.com/portdaddy/portd/internal/sessions"
	"github.com/portdaddy/portd/internal/store"
	"github.com/portdaddy/portd/internal/webhooks"
)

// MaxBodyBytes caps a control-endpoint request body.
const MaxBodyBytes = 10 * 1024

// Server holds every component the HTTP surface dispatches to.
type Server struct {
	Services *services.Registry
	Locks    *locks.Manager
	Messages *messages.Bus
	Agents   *agents.Registry
	Sessions *sessions.Manager
	Webhooks *webhooks.Dispatcher
	Store    *store.Store
	Conns    *conntrack.Tracker
	Reaper   *reaper.Reaper
	OSProbe  *osprobe.Prober
	Metrics  *metrics.Handle

	Log       *slog.Logger
	Version   string
	StartedAt time.Time

	// ConfigSnapshot returns the config currently in effect, for /config.
	// Set by the lifecycle layer; reflects the live hot-reloaded value.
	ConfigSnapshot func() config.Config

	RateLimit RateLimitConfig

	mux     *http.ServeMux
	limiter *rateLimiter
}

// RateLimitConfig configures the per-origin token bucket.
type RateLimitConfig struct {
	RequestsPerMinute int
}

// NewServer builds the mux and wires every route. Routes are
// registered once; hot-reload only adjusts the rate limiter's
// configured rate afterward, through SetRateLimit.
func NewServer(s *Server) http.Handler {
	if s.Log == nil {
		s.Log = slog.Default()
	}
	if s.RateLimit.RequestsPerMinute <= 0 {
		s.RateLimit.RequestsPerMinute = 100
	}
	s.limiter = newRateLimiter(s.RateLimit.RequestsPerMinute)

	mux := http.NewServeMux()
	s.mux = mux
	s.registerRoutes()

	var handler http.Handler = mux
	handler = s.withRateLimit(handler)
	handler = withCORS(handler)
	handler = withMetrics(handler)
	return handler
}

// SetRateLimit updates the limiter's rate in place, for hot-reload.
func (s *Server) SetRateLimit(requestsPerMinute int) {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 100
	}
	s.limiter.setRate(requestsPerMinute)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/version", s.handleVersion)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/metrics", s.handleMetrics)
	s.mux.HandleFunc("/config", s.handleConfig)

	s.mux.HandleFunc("POST /ports/cleanup", s.withBody(s.handlePortsCleanup))
	s.mux.HandleFunc("GET /ports/active", s.asGet(s.handlePortsActive))
	s.mux.HandleFunc("POST /ports/active", s.withBody(s.handlePortsActive))
	s.mux.HandleFunc("GET /ports/system", s.asGet(s.handlePortsSystem))
	s.mux.HandleFunc("POST /ports/system", s.withBody(s.handlePortsSystem))

	// RPC-verb surface: every mutation is a POST with a JSON body. The
	// CLI clients speak this; the REST aliases below are the published
	// wire surface.
	s.mux.HandleFunc("POST /services/claim", s.withBody(s.handleServiceClaim))
	s.mux.HandleFunc("POST /services/get", s.withBody(s.handleServiceGet))
	s.mux.HandleFunc("POST /services/list", s.withBody(s.handleServiceList))
	s.mux.HandleFunc("POST /services/release", s.withBody(s.handleServiceRelease))
	s.mux.HandleFunc("POST /services/release-pattern", s.withBody(s.handleServiceReleaseByPattern))
	s.mux.HandleFunc("POST /services/endpoint", s.withBody(s.handleServiceSetEndpoint))
	s.mux.HandleFunc("POST /services/endpoints", s.withBody(s.handleServiceListEndpoints))

	s.mux.HandleFunc("POST /locks/acquire", s.withBody(s.handleLockAcquire))
	s.mux.HandleFunc("POST /locks/release", s.withBody(s.handleLockRelease))
	s.mux.HandleFunc("POST /locks/extend", s.withBody(s.handleLockExtend))
	s.mux.HandleFunc("POST /locks/check", s.withBody(s.handleLockCheck))
	s.mux.HandleFunc("POST /locks/list", s.withBody(s.handleLockList))

	s.mux.HandleFunc("POST /messages/publish", s.withBody(s.handleMessagePublish))
	s.mux.HandleFunc("POST /messages/since", s.withBody(s.handleMessageSince))
	s.mux.HandleFunc("POST /messages/poll", s.withBody(s.handleMessagePoll))
	s.mux.HandleFunc("GET /messages/subscribe", s.handleMessageSubscribe)
	s.mux.HandleFunc("POST /messages/list", s.withBody(s.handleMessageList))
	s.mux.HandleFunc("POST /messages/clear", s.withBody(s.handleMessageClear))

	s.mux.HandleFunc("POST /agents/register", s.withBody(s.handleAgentRegister))
	s.mux.HandleFunc("POST /agents/heartbeat", s.withBody(s.handleAgentHeartbeat))
	s.mux.HandleFunc("POST /agents/get", s.withBody(s.handleAgentGet))
	s.mux.HandleFunc("POST /agents/list", s.withBody(s.handleAgentList))
	s.mux.HandleFunc("POST /agents/unregister", s.withBody(s.handleAgentUnregister))
	s.mux.HandleFunc("POST /agents/resurrection/pending", s.withBody(s.handleResurrectionPending))
	s.mux.HandleFunc("POST /agents/resurrection/claim", s.withBody(s.handleResurrectionClaim))
	s.mux.HandleFunc("POST /agents/resurrection/complete", s.withBody(s.handleResurrectionComplete))
	s.mux.HandleFunc("POST /agents/resurrection/abandon", s.withBody(s.handleResurrectionAbandon))
	s.mux.HandleFunc("POST /agents/resurrection/dismiss", s.withBody(s.handleResurrectionDismiss))
	s.mux.HandleFunc("POST /agents/inbox/post", s.withBody(s.handleInboxPost))
	s.mux.HandleFunc("POST /agents/inbox/list", s.withBody(s.handleInboxList))
	s.mux.HandleFunc("POST /agents/inbox/stats", s.withBody(s.handleInboxStats))
	s.mux.HandleFunc("POST /agents/inbox/read", s.withBody(s.handleInboxMarkRead))
	s.mux.HandleFunc("POST /agents/inbox/clear", s.withBody(s.handleInboxClear))

	s.mux.HandleFunc("POST /sessions/start", s.withBody(s.handleSessionStart))
	s.mux.HandleFunc("POST /sessions/get", s.withBody(s.handleSessionGet))
	s.mux.HandleFunc("POST /sessions/list", s.withBody(s.handleSessionList))
	s.mux.HandleFunc("POST /sessions/update", s.withBody(s.handleSessionUpdate))
	s.mux.HandleFunc("POST /sessions/delete", s.withBody(s.handleSessionDelete))
	s.mux.HandleFunc("POST /sessions/claim-file", s.withBody(s.handleSessionClaimFile))
	s.mux.HandleFunc("POST /sessions/release-file", s.withBody(s.handleSessionReleaseFile))
	s.mux.HandleFunc("POST /sessions/file-claims", s.withBody(s.handleSessionListFileClaims))
	s.mux.HandleFunc("POST /sessions/notes/add", s.withBody(s.handleNoteAdd))
	s.mux.HandleFunc("POST /sessions/notes/list", s.withBody(s.handleNoteList))
	s.mux.HandleFunc("POST /sessions/notes/recent", s.withBody(s.handleNoteRecent))

	s.mux.HandleFunc("POST /activity/recent", s.withBody(s.handleActivityRecent))
	s.mux.HandleFunc("POST /activity/range", s.withBody(s.handleActivityRange))
	s.mux.HandleFunc("POST /activity/summary", s.withBody(s.handleActivitySummary))
	s.mux.HandleFunc("POST /activity/stats", s.withBody(s.handleActivityStats))

	s.mux.HandleFunc("POST /webhooks/subscribe", s.withBody(s.handleWebhookSubscribe))
	s.mux.HandleFunc("POST /webhooks/get", s.withBody(s.handleWebhookGet))
	s.mux.HandleFunc("POST /webhooks/list", s.withBody(s.handleWebhookList))
	s.mux.HandleFunc("POST /webhooks/update", s.withBody(s.handleWebhookUpdate))
	s.mux.HandleFunc("POST /webhooks/delete", s.withBody(s.handleWebhookDelete))
	s.mux.HandleFunc("POST /webhooks/deliveries", s.withBody(s.handleWebhookDeliveries))
	s.mux.HandleFunc("POST /webhooks/test", s.withBody(s.handleWebhookTest))

	s.registerRESTRoutes()
}

// asGet adapts a body-style handler to a body-less GET route.
func (s *Server) asGet(fn func(w http.ResponseWriter, r *http.Request, body []byte)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fn(w, r, nil)
	}
}

// --- request/response plumbing ---

// withBody reads and caps the request body for mutation handlers. The
// route patterns fix the allowed method; anything body-less that slips
// through (GET, HEAD) is rejected here as a backstop.
func (s *Server) withBody(fn func(w http.ResponseWriter, r *http.Request, body []byte)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodDelete:
		default:
			writeError(w, apierr.Validation("method not allowed"))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, apierr.BodyTooLarge("request body exceeds %d bytes", MaxBodyBytes))
			return
		}
		fn(w, r, body)
	}
}

func decodeJSON(body []byte, v any) error {
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apierr.Validation("malformed JSON: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	e, ok := apierr.As(err)
	if !ok {
		e = apierr.Internal(err, "internal error")
	}
	status := statusFor(e.Kind)
	envelope := map[string]any{"error": e.Detail}
	for k, v := range e.Extra {
		envelope[k] = v
	}
	writeJSON(w, status, envelope)
}

func statusFor(kind apierr.Kind) int {
	switch kind {
	case apierr.KindValidation:
		return http.StatusBadRequest
	case apierr.KindNotFound:
		return http.StatusNotFound
	case apierr.KindConflict:
		return http.StatusConflict
	case apierr.KindQuota:
		return http.StatusTooManyRequests
	case apierr.KindTimeout:
		return http.StatusRequestTimeout
	case apierr.KindBodyTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// --- health/status/version ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.Version})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version": s.Version,
		"uptime":  time.Since(s.StartedAt).String(),
		"longPollConnections": s.Conns.Counts(conntrack.LongPoll),
		"streamConnections":   s.Conns.Counts(conntrack.Stream),
	})
}

// --- metrics ---

type statusCapturingWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// withMetrics records every request's route, status, and latency
// through the otel-backed instruments in internal/metrics.
func withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		metrics.RecordRequest(r.URL.Path, sw.status, time.Since(start))
	})
}

// --- CORS ---

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if isLoopbackOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-PID")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopbackOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// --- rate limiting ---

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/version" {
			next.ServeHTTP(w, r)
			return
		}
		key := rateLimitKey(r)
		if !s.limiter.Allow(key) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitKey derives the bucket key from the first of body.project,
// body.id, or the X-PID header, falling back to the remote address, so
// one busy identity doesn't starve another sharing the same origin.
// The body is restored for the downstream handler.
func rateLimitKey(r *http.Request) string {
	if r.Body != nil && r.ContentLength != 0 && r.ContentLength <= MaxBodyBytes {
		// Read one byte past the cap so the downstream MaxBytesReader
		// still sees an oversize body as oversize.
		data, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
		_ = r.Body.Close()
		if err == nil {
			r.Body = io.NopCloser(bytes.NewReader(data))
			var peek struct {
				Project string `json:"project"`
				ID      string `json:"id"`
			}
			if json.Unmarshal(data, &peek) == nil {
				if peek.Project != "" {
					return peek.Project
				}
				if peek.ID != "" {
					return peek.ID
				}
			}
		}
	}
	if pid := r.Header.Get("X-PID"); pid != "" {
		return pid
	}
	return r.RemoteAddr
}
