package reaper

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/portdaddy/portd/internal/agents"
	"github.com/portdaddy/portd/internal/events"
	"github.com/portdaddy/portd/internal/locks"
	"github.com/portdaddy/portd/internal/messages"
	"github.com/portdaddy/portd/internal/services"
	"github.com/portdaddy/portd/internal/sessions"
	"github.com/portdaddy/portd/internal/store"
	"github.com/portdaddy/portd/internal/webhooks"
)

type fakeClock struct{ ms int64 }

func (c *fakeClock) NowMS() int64 { return c.ms }

type fakeProber struct {
	alive   map[int]bool
	osPorts map[int]bool
}

func (p *fakeProber) ProcessAlive(_ context.Context, pid int) bool { return p.alive[pid] }

func (p *fakeProber) HasListener(_ context.Context, port int) (bool, error) {
	return p.osPorts[port], nil
}

type fixture struct {
	reaper   *Reaper
	store    *store.Store
	services *services.Registry
	locks    *locks.Manager
	messages *messages.Bus
	agents   *agents.Registry
	clock    *fakeClock
	prober   *fakeProber
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{ms: 1_700_000_000_000}
	st, err := store.Open(filepath.Join(t.TempDir(), "portd.db"), clock)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	prober := &fakeProber{alive: map[int]bool{}, osPorts: map[int]bool{}}

	svc := services.New(st, prober, events.Nop{}, services.Config{RangeStart: 3100, RangeEnd: 3200})
	lk := locks.New(st, events.Nop{})
	msg := messages.New(st, events.Nop{})
	sess := sessions.New(st, events.Nop{})
	ag := agents.New(st, prober, svc, lk, events.Nop{}, agents.Config{
		DefaultMaxServices: 20, DefaultMaxLocks: 20,
		StaleThreshold: 5 * time.Minute, DeadThreshold: 15 * time.Minute,
	})
	wh := webhooks.New(st, log)
	r := New(st, prober, svc, ag, msg, sess, wh, log, Config{
		Interval:          time.Minute,
		ChannelMaxDepth:   5,
		ActivityRetention: time.Hour,
		ActivityMaxRows:   1000,
		DeliveryRetention: time.Hour,
		NoteRetention:     time.Hour,
	})
	return &fixture{reaper: r, store: st, services: svc, locks: lk, messages: msg, agents: ag, clock: clock, prober: prober}
}

func TestPassReleasesExpiredServices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	expiry := f.clock.ms + 1000
	if _, err := f.services.Claim(ctx, services.ClaimRequest{ID: "ephemeral", ExpiresAt: &expiry}); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := f.services.Claim(ctx, services.ClaimRequest{ID: "durable"}); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	f.clock.ms += 5000
	f.reaper.Pass(ctx)

	remaining, err := f.services.Find(ctx, store.ServiceFilter{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != "durable" {
		t.Errorf("after pass remaining = %v, want only durable", remaining)
	}
}

func TestPassReleasesServicesWithDeadPIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.prober.alive[41] = true
	if _, err := f.services.Claim(ctx, services.ClaimRequest{ID: "alive", PID: 41}); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	f.prober.alive[42] = true
	if _, err := f.services.Claim(ctx, services.ClaimRequest{ID: "dying", PID: 42}); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	f.prober.alive[42] = false

	f.reaper.Pass(ctx)

	remaining, err := f.services.Find(ctx, store.ServiceFilter{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != "alive" {
		t.Errorf("after pass remaining = %v, want only alive", remaining)
	}
}

func TestPassDeletesExpiredMessagesAndTrimsDepth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	expiry := f.clock.ms + 1000
	if _, err := f.messages.Publish(ctx, "short-lived", []byte(`{}`), "", &expiry); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	for i := 0; i < 8; i++ {
		if _, err := f.messages.Publish(ctx, "deep", []byte(`{}`), "", nil); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	f.clock.ms += 5000
	f.reaper.Pass(ctx)

	expired, err := f.messages.Since(ctx, "short-lived", 0, 0)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(expired) != 0 {
		t.Errorf("expired messages survived the pass: %v", expired)
	}

	deep, err := f.messages.Since(ctx, "deep", 0, 0)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(deep) != 5 {
		t.Errorf("deep channel has %d rows after trim, want the 5 newest", len(deep))
	}
}

func TestPassSweepsDeadAgentIntoResurrectionQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.prober.alive[42] = true
	if _, err := f.agents.Register(ctx, agents.RegisterRequest{
		ID: "a1", PID: 42, Purpose: "x", IdentityProject: "myapp",
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := f.services.Claim(ctx, services.ClaimRequest{ID: "myapp:api", OwnerAgentID: "a1", PID: 42}); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := f.locks.Acquire(ctx, locks.AcquireRequest{Name: "build", Owner: "a1", TTLMS: time.Hour.Milliseconds()}); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	f.prober.alive[42] = false
	f.clock.ms += (6 * time.Minute).Milliseconds()
	f.reaper.Pass(ctx)

	pending, err := f.agents.PendingResurrections(ctx, "myapp")
	if err != nil {
		t.Fatalf("PendingResurrections: %v", err)
	}
	if len(pending) != 1 || pending[0].OldID != "a1" {
		t.Fatalf("pending = %v, want a1", pending)
	}

	// The dead agent's port and lock are free again.
	svcs, err := f.services.Find(ctx, store.ServiceFilter{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(svcs) != 0 {
		t.Errorf("dead agent's services survived: %v", svcs)
	}
	l, err := f.locks.Check(ctx, "build")
	if err != nil || l != nil {
		t.Errorf("dead agent's lock survived: %v, %v", l, err)
	}

	// Its freed port is immediately claimable by a successor.
	res, err := f.services.Claim(ctx, services.ClaimRequest{ID: "myapp:api"})
	if err != nil {
		t.Fatalf("successor Claim: %v", err)
	}
	if res.Port != 3100 {
		t.Errorf("successor port = %d, want the freed 3100", res.Port)
	}
}

func TestPassTrimsOldActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.store.InsertActivity(ctx, store.ActivityEntry{
		Timestamp: f.clock.ms, Type: "daemon.start",
	}); err != nil {
		t.Fatalf("InsertActivity: %v", err)
	}

	f.clock.ms += (2 * time.Hour).Milliseconds()
	f.reaper.Pass(ctx)

	entries, err := f.store.RecentActivity(ctx, store.ActivityFilter{Type: "daemon.start"})
	if err != nil {
		t.Fatalf("RecentActivity: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("activity older than retention survived: %v", entries)
	}
}

func TestPassTrimsNotesOfInactiveSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agentID := "a1"
	sess := store.Session{ID: "s1", Purpose: "done work", Status: "completed", AgentID: &agentID, CreatedAt: f.clock.ms, UpdatedAt: f.clock.ms}
	if err := f.store.InsertSession(ctx, sess); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}
	if _, err := f.store.InsertNote(ctx, "s1", "old note", "note", f.clock.ms); err != nil {
		t.Fatalf("InsertNote: %v", err)
	}

	live := store.Session{ID: "s2", Purpose: "ongoing", Status: "active", CreatedAt: f.clock.ms, UpdatedAt: f.clock.ms}
	if err := f.store.InsertSession(ctx, live); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}
	if _, err := f.store.InsertNote(ctx, "s2", "keep me", "note", f.clock.ms); err != nil {
		t.Fatalf("InsertNote: %v", err)
	}

	f.clock.ms += (2 * time.Hour).Milliseconds()
	f.reaper.Pass(ctx)

	gone, err := f.store.ListNotes(ctx, "s1")
	if err != nil {
		t.Fatalf("ListNotes: %v", err)
	}
	if len(gone) != 0 {
		t.Errorf("completed session's old notes survived: %v", gone)
	}
	kept, err := f.store.ListNotes(ctx, "s2")
	if err != nil {
		t.Fatalf("ListNotes: %v", err)
	}
	if len(kept) != 1 {
		t.Errorf("active session's notes were trimmed: %v", kept)
	}
}
