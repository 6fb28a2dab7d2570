package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/portdaddy/portd/internal/apierr"
	"github.com/portdaddy/portd/internal/store"
)

type fakeClock struct{ ms int64 }

func (c *fakeClock) NowMS() int64 { return c.ms }

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{ms: 1_700_000_000_000}
	st, err := store.Open(filepath.Join(t.TempDir(), "portd.db"), clock)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, log), st, clock
}

// insertSub registers a subscription directly in the store, bypassing
// URL validation so tests can point at loopback httptest servers.
func insertSub(t *testing.T, st *store.Store, clock *fakeClock, url, secret, filter string, events ...string) store.WebhookSubscription {
	t.Helper()
	if len(events) == 0 {
		events = []string{"*"}
	}
	eventsJSON, _ := json.Marshal(events)
	sub := store.WebhookSubscription{
		ID: "sub-" + url[len(url)-4:], URL: url, Events: eventsJSON,
		Secret: secret, Filter: filter, Active: true, CreatedAt: clock.NowMS(),
	}
	if err := st.InsertSubscription(context.Background(), sub); err != nil {
		t.Fatalf("InsertSubscription: %v", err)
	}
	return sub
}

type capturedRequest struct {
	header http.Header
	body   []byte
}

func captureServer(t *testing.T, status int) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var got []capturedRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, capturedRequest{header: r.Header.Clone(), body: body})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(ts.Close)
	return ts, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), got...)
	}
}

func TestNotifyDeliversSignedPayload(t *testing.T) {
	d, st, clock := newTestDispatcher(t)
	ctx := context.Background()
	ts, requests := captureServer(t, http.StatusOK)
	sub := insertSub(t, st, clock, ts.URL, "s3cret", "", "service.claim")

	d.Notify(ctx, "service.claim", "myapp:api", map[string]any{"port": 3100})
	d.deliverPending(ctx)

	got := requests()
	if len(got) != 1 {
		t.Fatalf("receiver saw %d requests, want 1", len(got))
	}
	req := got[0]
	if ct := req.header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if ev := req.header.Get("X-Webhook-Event"); ev != "service.claim" {
		t.Errorf("event header = %q", ev)
	}

	var payload struct {
		Event     string          `json:"event"`
		TargetID  string          `json:"targetId"`
		Timestamp int64           `json:"timestamp"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(req.body, &payload); err != nil {
		t.Fatalf("decode delivered body: %v", err)
	}
	if payload.Event != "service.claim" || payload.TargetID != "myapp:api" {
		t.Errorf("payload = %+v", payload)
	}

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(req.body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if sig := req.header.Get("X-Signature"); sig != want {
		t.Errorf("X-Signature = %q, want recomputable HMAC %q", sig, want)
	}

	deliveries, err := d.ListDeliveries(ctx, sub.ID, 10)
	if err != nil {
		t.Fatalf("ListDeliveries: %v", err)
	}
	if len(deliveries) != 1 || !deliveries[0].Success {
		t.Errorf("deliveries = %+v, want one success", deliveries)
	}
}

func TestNotifySkipsNonMatchingEventAndFilter(t *testing.T) {
	d, st, clock := newTestDispatcher(t)
	ctx := context.Background()
	ts, requests := captureServer(t, http.StatusOK)
	insertSub(t, st, clock, ts.URL, "", "myapp:*", "service.claim")

	// Wrong event.
	d.Notify(ctx, "lock.acquire", "myapp:api", nil)
	// Right event, wrong target.
	d.Notify(ctx, "service.claim", "other:api", nil)
	d.deliverPending(ctx)
	if got := requests(); len(got) != 0 {
		t.Fatalf("receiver saw %d requests, want 0", len(got))
	}

	// Right event, matching target.
	d.Notify(ctx, "service.claim", "myapp:api", nil)
	d.deliverPending(ctx)
	if got := requests(); len(got) != 1 {
		t.Errorf("receiver saw %d requests, want 1", len(got))
	}
}

func TestFailedDeliveryIsRetriedWithBackoff(t *testing.T) {
	d, st, clock := newTestDispatcher(t)
	ctx := context.Background()
	ts, requests := captureServer(t, http.StatusInternalServerError)
	sub := insertSub(t, st, clock, ts.URL, "", "")

	d.Notify(ctx, "service.claim", "svc", nil)
	d.deliverPending(ctx)

	if got := requests(); len(got) != 1 {
		t.Fatalf("receiver saw %d attempts, want 1", len(got))
	}
	deliveries, err := d.ListDeliveries(ctx, sub.ID, 10)
	if err != nil || len(deliveries) != 1 {
		t.Fatalf("ListDeliveries = %v, %v", deliveries, err)
	}
	del := deliveries[0]
	if del.Success {
		t.Error("delivery marked success after a 500")
	}
	if del.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", del.AttemptCount)
	}
	if del.NextRetryAt == nil || *del.NextRetryAt <= clock.NowMS() {
		t.Errorf("next retry at = %v, want scheduled in the future", del.NextRetryAt)
	}
	if del.StatusCode == nil || *del.StatusCode != http.StatusInternalServerError {
		t.Errorf("status code = %v, want 500", del.StatusCode)
	}

	// Not yet due: another pass must not re-attempt.
	d.deliverPending(ctx)
	if got := requests(); len(got) != 1 {
		t.Errorf("receiver saw %d attempts before the retry was due", len(got))
	}

	// Advance past the retry time and the attempt repeats.
	clock.ms = *del.NextRetryAt + 1
	d.deliverPending(ctx)
	if got := requests(); len(got) != 2 {
		t.Errorf("receiver saw %d attempts after the retry came due, want 2", len(got))
	}
}

func TestDeliveryAbandonedAfterMaxAttempts(t *testing.T) {
	d, st, clock := newTestDispatcher(t)
	ctx := context.Background()
	ts, _ := captureServer(t, http.StatusInternalServerError)
	sub := insertSub(t, st, clock, ts.URL, "", "")

	d.Notify(ctx, "service.claim", "svc", nil)
	for i := 0; i < MaxAttempts+2; i++ {
		d.deliverPending(ctx)
		deliveries, _ := d.ListDeliveries(ctx, sub.ID, 10)
		if len(deliveries) == 1 && deliveries[0].NextRetryAt != nil {
			clock.ms = *deliveries[0].NextRetryAt + 1
		}
	}

	deliveries, err := d.ListDeliveries(ctx, sub.ID, 10)
	if err != nil || len(deliveries) != 1 {
		t.Fatalf("ListDeliveries = %v, %v", deliveries, err)
	}
	del := deliveries[0]
	if del.AttemptCount != MaxAttempts {
		t.Errorf("attempt count = %d, want capped at %d", del.AttemptCount, MaxAttempts)
	}
	if del.NextRetryAt != nil {
		t.Errorf("next retry at = %v after exhaustion, want nil", *del.NextRetryAt)
	}
}

func TestSubscribeValidatesURLAndDefaultsEvents(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	if _, err := d.Subscribe(ctx, SubscribeRequest{URL: "http://10.0.0.5/hook"}); apierr.KindOf(err) != apierr.KindValidation {
		t.Errorf("private url error = %v, want validation", err)
	}

	sub, err := d.Subscribe(ctx, SubscribeRequest{URL: "http://93.184.216.34/hook"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	var events []string
	if err := json.Unmarshal(sub.Events, &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) != 1 || events[0] != "*" {
		t.Errorf("default events = %v, want [*]", events)
	}

	if _, err := d.Subscribe(ctx, SubscribeRequest{URL: "http://93.184.216.34/hook", Filter: "!!"}); apierr.KindOf(err) != apierr.KindValidation {
		t.Errorf("bad filter error = %v, want validation", err)
	}
}

func TestTestSynthesizesDelivery(t *testing.T) {
	d, st, clock := newTestDispatcher(t)
	ctx := context.Background()
	ts, requests := captureServer(t, http.StatusOK)
	sub := insertSub(t, st, clock, ts.URL, "", "")

	if err := d.Test(ctx, sub.ID); err != nil {
		t.Fatalf("Test: %v", err)
	}
	d.deliverPending(ctx)

	got := requests()
	if len(got) != 1 {
		t.Fatalf("receiver saw %d requests, want 1", len(got))
	}
	if ev := got[0].header.Get("X-Webhook-Event"); ev != "webhook.test" {
		t.Errorf("test event header = %q", ev)
	}

	if err := d.Test(ctx, "missing"); apierr.KindOf(err) != apierr.KindNotFound {
		t.Errorf("test of unknown subscription error = %v, want not found", err)
	}
}

func TestMatchesEventsAndFilter(t *testing.T) {
	sub := store.WebhookSubscription{Events: json.RawMessage(`["service.claim","lock.acquire"]`)}
	if !matchesEvents(sub, "service.claim") || matchesEvents(sub, "agent.register") {
		t.Error("event set matching is wrong")
	}
	star := store.WebhookSubscription{Events: json.RawMessage(`["*"]`)}
	if !matchesEvents(star, "anything.at.all") {
		t.Error("wildcard event set should match everything")
	}

	cases := []struct {
		filter, target string
		want           bool
	}{
		{"", "anything", true},
		{"myapp:*", "myapp:api", true},
		{"myapp:*", "myapp:api:main", true},
		{"myapp:*", "myapp", false},
		{"myapp:*", "other:api", false},
		{"*:api:main", "myapp:api:main", true},
		{"*:api:main", "myapp:web:main", false},
		{"myapp:api", "myapp:api", true},
		{"myapp:api", "myapp:api:main", false},
		{"exact-match", "exact-match", true},
	}
	for _, c := range cases {
		got := matchesFilter(store.WebhookSubscription{Filter: c.filter}, c.target)
		if got != c.want {
			t.Errorf("matchesFilter(%q, %q) = %v, want %v", c.filter, c.target, got, c.want)
		}
	}
}
