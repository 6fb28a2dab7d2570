package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/portdaddy/portd/internal/agents"
	"github.com/portdaddy/portd/internal/conntrack"
	"github.com/portdaddy/portd/internal/events"
	"github.com/portdaddy/portd/internal/locks"
	"github.com/portdaddy/portd/internal/messages"
	"github.com/portdaddy/portd/internal/metrics"
	"github.com/portdaddy/portd/internal/reaper"
	"github.com/portdaddy/portd/internal/services"
	"github.com/portdaddy/portd/internal/sessions"
	"github.com/portdaddy/portd/internal/store"
	"github.com/portdaddy/portd/internal/webhooks"
)

// fakeProber stands in for the OS so tests never spawn lsof or probe
// real PIDs.
type fakeProber struct {
	alive   map[int]bool
	osPorts map[int]bool
}

func (p *fakeProber) ProcessAlive(_ context.Context, pid int) bool { return p.alive[pid] }

func (p *fakeProber) HasListener(_ context.Context, port int) (bool, error) {
	return p.osPorts[port], nil
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeProber) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "portd.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	prober := &fakeProber{alive: map[int]bool{}, osPorts: map[int]bool{}}

	svc := services.New(st, prober, events.Nop{}, services.Config{
		RangeStart: 4000, RangeEnd: 4100, Reserved: map[int]bool{4050: true},
	})
	lk := locks.New(st, events.Nop{})
	msg := messages.New(st, events.Nop{})
	sess := sessions.New(st, events.Nop{})
	ag := agents.New(st, prober, svc, lk, events.Nop{}, agents.DefaultConfig())
	wh := webhooks.New(st, log)
	reap := reaper.New(st, prober, svc, ag, msg, sess, wh, log, reaper.DefaultConfig())
	conns := conntrack.New(conntrack.DefaultConfig())

	metricsHandle, err := metrics.Init(false)
	if err != nil {
		t.Fatalf("metrics.Init: %v", err)
	}

	srv := &Server{
		Services: svc, Locks: lk, Messages: msg, Agents: ag, Sessions: sess,
		Webhooks: wh, Store: st, Conns: conns, Reaper: reap, Metrics: metricsHandle,
		Log: log, Version: "test", StartedAt: time.Now(),
	}
	handler := NewServer(srv)
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts, prober
}

func doJSON(t *testing.T, ts *httptest.Server, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		t.Fatalf("build %s %s: %v", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response from %s %s: %v", method, path, err)
	}
	return resp, out
}

func TestHealthAndVersion(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := doJSON(t, ts, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health status = %d, want 200", resp.StatusCode)
	}

	resp, body := doJSON(t, ts, http.MethodGet, "/version", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/version status = %d, want 200", resp.StatusCode)
	}
	if body["version"] != "test" {
		t.Errorf("/version version = %v, want %q", body["version"], "test")
	}
}

func TestStatusReportsConnectionCounts(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, body := doJSON(t, ts, http.MethodGet, "/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/status status = %d, want 200", resp.StatusCode)
	}
	if _, ok := body["longPollConnections"]; !ok {
		t.Error("expected /status to report longPollConnections")
	}
	if _, ok := body["streamConnections"]; !ok {
		t.Error("expected /status to report streamConnections")
	}
}

func TestMetricsEndpointReflectsTraffic(t *testing.T) {
	ts, _ := newTestServer(t)

	doJSON(t, ts, http.MethodGet, "/health", nil)
	_, snap := doJSON(t, ts, http.MethodGet, "/metrics", nil)
	if _, ok := snap["portd.http.requests"]; !ok {
		t.Error("expected /metrics to report portd.http.requests after traffic")
	}
}

func TestClaimReleaseRoundTrip(t *testing.T) {
	ts, prober := newTestServer(t)
	prober.alive[999] = true

	resp, body := doJSON(t, ts, http.MethodPost, "/claim", map[string]any{
		"id": "myapp:api:main", "rangeStart": 3100, "rangeEnd": 3200, "pid": 999,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/claim status = %d, body = %v", resp.StatusCode, body)
	}
	if body["port"] != float64(3100) || body["existing"] != false {
		t.Errorf("first claim = %v, want port 3100 existing false", body)
	}

	resp, body = doJSON(t, ts, http.MethodPost, "/claim", map[string]any{
		"id": "myapp:api:main", "rangeStart": 3100, "rangeEnd": 3200, "pid": 999,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second /claim status = %d, body = %v", resp.StatusCode, body)
	}
	if body["port"] != float64(3100) || body["existing"] != true {
		t.Errorf("second claim = %v, want port 3100 existing true", body)
	}

	resp, body = doJSON(t, ts, http.MethodDelete, "/release", map[string]any{"id": "myapp:api:main"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/release status = %d, body = %v", resp.StatusCode, body)
	}
	if body["released"] != float64(1) {
		t.Errorf("released = %v, want 1", body["released"])
	}
	ports, _ := body["releasedPorts"].([]any)
	if len(ports) != 1 || ports[0] != float64(3100) {
		t.Errorf("releasedPorts = %v, want [3100]", body["releasedPorts"])
	}
}

func TestClaimRejectsReservedPreferredPort(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, body := doJSON(t, ts, http.MethodPost, "/claim", map[string]any{
		"id": "web:api", "preferredPort": 4050,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("claim of reserved port status = %d, body = %v, want 400", resp.StatusCode, body)
	}
}

func TestClaimFallsBackWhenPreferredPortHeldByOS(t *testing.T) {
	ts, prober := newTestServer(t)
	prober.osPorts[4010] = true

	resp, body := doJSON(t, ts, http.MethodPost, "/claim", map[string]any{
		"id": "web:api", "preferredPort": 4010,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/claim status = %d, body = %v", resp.StatusCode, body)
	}
	if body["port"] == float64(4010) {
		t.Error("claim handed out a port the OS already holds")
	}
}

func TestLockConflictScenario(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := doJSON(t, ts, http.MethodPost, "/locks/build", map[string]any{
		"owner": "agent-1", "ttl": 60000,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first acquire status = %d, body = %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, ts, http.MethodPost, "/locks/build", map[string]any{
		"owner": "agent-2", "ttl": 60000,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("conflicting acquire status = %d, body = %v, want 409", resp.StatusCode, body)
	}
	if body["owner"] != "agent-1" {
		t.Errorf("conflict body owner = %v, want agent-1", body["owner"])
	}
	if _, ok := body["expiresAt"]; !ok {
		t.Error("conflict body missing expiresAt")
	}

	resp, _ = doJSON(t, ts, http.MethodDelete, "/locks/build", map[string]any{"owner": "agent-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("release status = %d, want 200", resp.StatusCode)
	}

	resp, _ = doJSON(t, ts, http.MethodPost, "/locks/build", map[string]any{
		"owner": "agent-2", "ttl": 60000,
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("acquire after release status = %d, want 200", resp.StatusCode)
	}
}

func TestMessagePublishReadClear(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := doJSON(t, ts, http.MethodPost, "/msg/ch1", map[string]any{
		"payload": map[string]any{"n": 1},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("publish status = %d, body = %v", resp.StatusCode, body)
	}
	firstID, _ := body["id"].(float64)
	if firstID == 0 {
		t.Fatalf("publish returned no id: %v", body)
	}

	resp, body = doJSON(t, ts, http.MethodGet, "/msg/ch1?after=0", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("read status = %d, body = %v", resp.StatusCode, body)
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("read returned %d messages, want 1", len(msgs))
	}
	first, _ := msgs[0].(map[string]any)
	if payload, _ := first["payload"].(map[string]any); payload["n"] != float64(1) {
		t.Errorf("payload round-trip = %v, want {n:1}", first["payload"])
	}

	resp, body = doJSON(t, ts, http.MethodDelete, "/msg/ch1", nil)
	if resp.StatusCode != http.StatusOK || body["cleared"] != float64(1) {
		t.Errorf("clear status = %d body = %v, want 200 cleared 1", resp.StatusCode, body)
	}
}

func TestLongPollWakesOnPublish(t *testing.T) {
	ts, _ := newTestServer(t)

	done := make(chan map[string]any, 1)
	go func() {
		_, body := doJSON(t, ts, http.MethodGet, "/msg/wake/poll?after=0&timeout=10000", nil)
		done <- body
	}()

	// Give the poll a moment to register, then publish.
	time.Sleep(200 * time.Millisecond)
	doJSON(t, ts, http.MethodPost, "/msg/wake", map[string]any{"payload": map[string]any{"go": true}})

	select {
	case body := <-done:
		msgs, _ := body["messages"].([]any)
		if len(msgs) != 1 {
			t.Errorf("poll returned %d messages, want 1", len(msgs))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("long-poll did not wake within 5s of publish")
	}
}

func TestWebhookSubscribeBlocksPrivateAddresses(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, body := doJSON(t, ts, http.MethodPost, "/webhooks", map[string]any{
		"url": "http://10.0.0.5/hook",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("private-address subscribe status = %d, body = %v, want 400", resp.StatusCode, body)
	}
}

func TestAgentRegisterAndHeartbeat(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := doJSON(t, ts, http.MethodPost, "/agents", map[string]any{
		"id": "a1", "identity": map[string]any{"project": "myapp"}, "purpose": "run tests",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d, body = %v", resp.StatusCode, body)
	}
	agent, _ := body["agent"].(map[string]any)
	if agent["id"] != "a1" || agent["identityProject"] != "myapp" {
		t.Errorf("registered agent = %v", body["agent"])
	}

	resp, _ = doJSON(t, ts, http.MethodPut, "/agents/a1/heartbeat", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("heartbeat status = %d, want 200", resp.StatusCode)
	}

	resp, _ = doJSON(t, ts, http.MethodPut, "/agents/ghost/heartbeat", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("heartbeat for unknown agent status = %d, want 404", resp.StatusCode)
	}
}

func TestSessionLifecycleOverREST(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := doJSON(t, ts, http.MethodPost, "/sessions", map[string]any{
		"purpose": "refactor", "files": []string{"/src/a.go"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session start status = %d, body = %v", resp.StatusCode, body)
	}
	sessionID, _ := body["sessionId"].(string)
	if sessionID == "" {
		t.Fatalf("no sessionId in %v", body)
	}

	// A second session claiming the same file conflicts without force.
	resp, _ = doJSON(t, ts, http.MethodPost, "/sessions", map[string]any{
		"purpose": "other work", "files": []string{"/src/a.go"},
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("overlapping claim status = %d, want 409", resp.StatusCode)
	}

	resp, _ = doJSON(t, ts, http.MethodPost, "/sessions/"+sessionID+"/notes", map[string]any{
		"content": "halfway there",
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("note add status = %d, want 200", resp.StatusCode)
	}

	resp, _ = doJSON(t, ts, http.MethodPut, "/sessions/"+sessionID, map[string]any{"status": "completed"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("session complete status = %d, want 200", resp.StatusCode)
	}

	// Completing released the claim, so a new session can take the file.
	resp, _ = doJSON(t, ts, http.MethodPost, "/sessions", map[string]any{
		"purpose": "other work", "files": []string{"/src/a.go"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("claim after release status = %d, want 200", resp.StatusCode)
	}
}

func TestBodyTooLargeReturns413(t *testing.T) {
	ts, _ := newTestServer(t)
	big := strings.Repeat("x", MaxBodyBytes+100)
	resp, _ := doJSON(t, ts, http.MethodPost, "/claim", map[string]any{"id": "a", "cmd": big})
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("oversize body status = %d, want 413", resp.StatusCode)
	}
}

func TestUnknownServiceReturns404(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, _ := doJSON(t, ts, http.MethodGet, "/services/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown service status = %d, want 404", resp.StatusCode)
	}
}

func TestRateLimitKeyPrefersBodyIdentity(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/claim", strings.NewReader(`{"id":"myapp:api"}`))
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-PID", "1234")
	if got := rateLimitKey(req); got != "myapp:api" {
		t.Errorf("rateLimitKey = %q, want body id", got)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/claim", nil)
	req2.RemoteAddr = "10.0.0.1:5555"
	req2.Header.Set("X-PID", "1234")
	if got := rateLimitKey(req2); got != "1234" {
		t.Errorf("rateLimitKey without body = %q, want X-PID", got)
	}

	req3 := httptest.NewRequest(http.MethodPost, "/claim", nil)
	req3.RemoteAddr = "10.0.0.1:5555"
	if got := rateLimitKey(req3); got != "10.0.0.1:5555" {
		t.Errorf("rateLimitKey without body or X-PID = %q, want remote addr", got)
	}
}

func TestIsLoopbackOrigin(t *testing.T) {
	cases := map[string]bool{
		"http://localhost:3000": true,
		"http://127.0.0.1:3000": true,
		"https://localhost":     true,
		"http://example.com":    false,
		"":                      false,
	}
	for origin, want := range cases {
		if got := isLoopbackOrigin(origin); got != want {
			t.Errorf("isLoopbackOrigin(%q) = %v, want %v", origin, got, want)
		}
	}
}
