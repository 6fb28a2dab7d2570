package agents

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/portdaddy/portd/internal/apierr"
	"github.com/portdaddy/portd/internal/events"
	"github.com/portdaddy/portd/internal/store"
)

type fakeClock struct{ ms int64 }

func (c *fakeClock) NowMS() int64 { return c.ms }

type fakeProber struct{ alive map[int]bool }

func (p *fakeProber) ProcessAlive(_ context.Context, pid int) bool { return p.alive[pid] }

// fakeServiceOwner records which owners had their services released.
type fakeServiceOwner struct {
	releasedFor []string
	ports       []int
}

func (f *fakeServiceOwner) ReleaseOwnedByTx(_ context.Context, _ *sql.Tx, owner string) ([]int, error) {
	f.releasedFor = append(f.releasedFor, owner)
	return f.ports, nil
}

type fakeLockOwner struct {
	releasedFor []string
}

func (f *fakeLockOwner) ReleaseOwnedByTx(_ context.Context, _ *sql.Tx, owner string) (int64, error) {
	f.releasedFor = append(f.releasedFor, owner)
	return 1, nil
}

func newTestRegistry(t *testing.T) (*Registry, *fakeProber, *fakeClock, *fakeServiceOwner, *fakeLockOwner, *store.Store) {
	t.Helper()
	clock := &fakeClock{ms: 1_700_000_000_000}
	st, err := store.Open(filepath.Join(t.TempDir(), "portd.db"), clock)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	prober := &fakeProber{alive: map[int]bool{}}
	svc := &fakeServiceOwner{ports: []int{3100}}
	lk := &fakeLockOwner{}
	reg := New(st, prober, svc, lk, events.Nop{}, Config{
		DefaultMaxServices: 20, DefaultMaxLocks: 20,
		StaleThreshold: 5 * time.Minute, DeadThreshold: 15 * time.Minute,
	})
	return reg, prober, clock, svc, lk, st
}

func TestRegisterAppliesQuotaDefaults(t *testing.T) {
	reg, _, _, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	res, err := reg.Register(ctx, RegisterRequest{ID: "a1", Name: "worker"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if res.Agent.MaxServices != 20 || res.Agent.MaxLocks != 20 {
		t.Errorf("quota defaults = %d/%d, want 20/20", res.Agent.MaxServices, res.Agent.MaxLocks)
	}
	if res.Agent.Status != "active" {
		t.Errorf("status = %q, want active", res.Agent.Status)
	}
}

func TestRegisterIsIdempotentAndKeepsRegisteredAt(t *testing.T) {
	reg, _, clock, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.Register(ctx, RegisterRequest{ID: "a1"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	clock.ms += 60_000
	second, err := reg.Register(ctx, RegisterRequest{ID: "a1", Purpose: "updated"})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if second.Agent.RegisteredAt != first.Agent.RegisteredAt {
		t.Errorf("RegisteredAt changed on re-register: %d -> %d", first.Agent.RegisteredAt, second.Agent.RegisteredAt)
	}
	if second.Agent.LastHeartbeat == first.Agent.LastHeartbeat {
		t.Error("expected re-register to refresh the heartbeat")
	}
}

func TestRegisterRequiresID(t *testing.T) {
	reg, _, _, _, _, _ := newTestRegistry(t)
	if _, err := reg.Register(context.Background(), RegisterRequest{}); apierr.KindOf(err) != apierr.KindValidation {
		t.Errorf("register without id error = %v, want validation", err)
	}
}

func TestHeartbeatUnknownAgentIsNotFound(t *testing.T) {
	reg, _, _, _, _, _ := newTestRegistry(t)
	if err := reg.Heartbeat(context.Background(), "ghost"); apierr.KindOf(err) != apierr.KindNotFound {
		t.Errorf("heartbeat error = %v, want not found", err)
	}
}

func TestSweepMarksQuietAgentStale(t *testing.T) {
	reg, prober, clock, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	pid := 42
	prober.alive[pid] = true
	if _, err := reg.Register(ctx, RegisterRequest{ID: "a1", PID: pid}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	clock.ms += (6 * time.Minute).Milliseconds()
	res, err := reg.SweepStale(ctx)
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if res.MarkedStale != 1 || res.MarkedDead != 0 {
		t.Fatalf("sweep = %+v, want 1 stale 0 dead", res)
	}
	a, err := reg.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a.Status != "stale" {
		t.Errorf("status = %q, want stale", a.Status)
	}

	// A heartbeat brings the agent back to active.
	if err := reg.Heartbeat(ctx, "a1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	a, _ = reg.Get(ctx, "a1")
	if a.Status != "active" {
		t.Errorf("status after heartbeat = %q, want active", a.Status)
	}
}

func TestSweepTearsDownDeadAgent(t *testing.T) {
	reg, prober, clock, svc, lk, st := newTestRegistry(t)
	ctx := context.Background()

	pid := 42
	prober.alive[pid] = false // process already gone
	if _, err := reg.Register(ctx, RegisterRequest{
		ID: "a1", PID: pid, Purpose: "migrate the db", IdentityProject: "myapp",
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Give the agent an active session with a note so the captured
	// context has something to carry.
	agentID := "a1"
	sess := store.Session{ID: "s1", Purpose: "migrate the db", Status: "active", AgentID: &agentID, CreatedAt: clock.ms, UpdatedAt: clock.ms}
	if err := st.InsertSession(ctx, sess); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}
	if _, err := st.InsertNote(ctx, "s1", "checkpoint reached", "note", clock.ms); err != nil {
		t.Fatalf("InsertNote: %v", err)
	}

	clock.ms += (6 * time.Minute).Milliseconds()
	res, err := reg.SweepStale(ctx)
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if res.MarkedDead != 1 {
		t.Fatalf("sweep = %+v, want 1 dead", res)
	}

	if _, err := reg.Get(ctx, "a1"); apierr.KindOf(err) != apierr.KindNotFound {
		t.Errorf("dead agent Get error = %v, want not found", err)
	}
	if len(svc.releasedFor) != 1 || svc.releasedFor[0] != "a1" {
		t.Errorf("services released for %v, want [a1]", svc.releasedFor)
	}
	if len(lk.releasedFor) != 1 || lk.releasedFor[0] != "a1" {
		t.Errorf("locks released for %v, want [a1]", lk.releasedFor)
	}

	updated, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if updated.Status != "abandoned" {
		t.Errorf("session status = %q, want abandoned", updated.Status)
	}

	pending, err := reg.PendingResurrections(ctx, "myapp")
	if err != nil {
		t.Fatalf("PendingResurrections: %v", err)
	}
	if len(pending) != 1 || pending[0].OldID != "a1" {
		t.Fatalf("pending = %v, want a1's entry", pending)
	}
	var rc resurrectionContext
	if err := json.Unmarshal(pending[0].Context, &rc); err != nil {
		t.Fatalf("decode context: %v", err)
	}
	if rc.Purpose != "migrate the db" || rc.SessionID != "s1" || len(rc.RecentNotes) != 1 {
		t.Errorf("captured context = %+v, want purpose, session, and the note", rc)
	}
}

func TestResurrectionClaimReturnsContextAndRecordsNewID(t *testing.T) {
	reg, prober, clock, _, _, st := newTestRegistry(t)
	ctx := context.Background()

	prober.alive[42] = false
	if _, err := reg.Register(ctx, RegisterRequest{ID: "a1", PID: 42, Purpose: "x", IdentityProject: "myapp"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	clock.ms += (6 * time.Minute).Milliseconds()
	if _, err := reg.SweepStale(ctx); err != nil {
		t.Fatalf("SweepStale: %v", err)
	}

	payload, err := reg.ClaimResurrection(ctx, "a1", "a2")
	if err != nil {
		t.Fatalf("ClaimResurrection: %v", err)
	}
	var rc resurrectionContext
	if err := json.Unmarshal(payload, &rc); err != nil {
		t.Fatalf("decode claimed context: %v", err)
	}
	if rc.Purpose != "x" {
		t.Errorf("claimed purpose = %q, want x", rc.Purpose)
	}

	entry, err := st.GetResurrection(ctx, "a1")
	if err != nil {
		t.Fatalf("GetResurrection: %v", err)
	}
	if entry.State != "resurrecting" || entry.NewID == nil || *entry.NewID != "a2" {
		t.Errorf("entry after claim = %+v, want resurrecting with new_id a2", entry)
	}

	if err := reg.CompleteResurrection(ctx, "a1"); err != nil {
		t.Fatalf("CompleteResurrection: %v", err)
	}
	pending, _ := reg.PendingResurrections(ctx, "")
	if len(pending) != 0 {
		t.Errorf("pending after complete = %v, want empty", pending)
	}
}

func TestRegisterSurfacesSalvageHint(t *testing.T) {
	reg, prober, clock, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	prober.alive[42] = false
	if _, err := reg.Register(ctx, RegisterRequest{ID: "a1", PID: 42, IdentityProject: "myapp"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	clock.ms += (6 * time.Minute).Milliseconds()
	if _, err := reg.SweepStale(ctx); err != nil {
		t.Fatalf("SweepStale: %v", err)
	}

	res, err := reg.Register(ctx, RegisterRequest{ID: "a2", IdentityProject: "myapp"})
	if err != nil {
		t.Fatalf("Register successor: %v", err)
	}
	if res.SalvageHint == nil || *res.SalvageHint != "a1" {
		t.Errorf("salvage hint = %v, want a1", res.SalvageHint)
	}

	// A different project sees no hint.
	other, err := reg.Register(ctx, RegisterRequest{ID: "a3", IdentityProject: "unrelated"})
	if err != nil {
		t.Fatalf("Register other: %v", err)
	}
	if other.SalvageHint != nil {
		t.Errorf("unexpected salvage hint %v for unrelated project", *other.SalvageHint)
	}
}

func TestUnregisterReleasesOwnedResources(t *testing.T) {
	reg, _, _, svc, lk, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Register(ctx, RegisterRequest{ID: "a1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Unregister(ctx, "a1"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if len(svc.releasedFor) != 1 || len(lk.releasedFor) != 1 {
		t.Errorf("resource release calls = %v / %v, want one each", svc.releasedFor, lk.releasedFor)
	}
	if _, err := reg.Get(ctx, "a1"); apierr.KindOf(err) != apierr.KindNotFound {
		t.Errorf("Get after unregister error = %v, want not found", err)
	}
	if err := reg.Unregister(ctx, "a1"); apierr.KindOf(err) != apierr.KindNotFound {
		t.Errorf("double unregister error = %v, want not found", err)
	}
}

func TestInboxLifecycle(t *testing.T) {
	reg, _, _, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.PostInbox(ctx, "a1", "", "sender"); apierr.KindOf(err) != apierr.KindValidation {
		t.Error("expected validation error for empty content")
	}

	for _, content := range []string{"first", "second"} {
		if _, err := reg.PostInbox(ctx, "a1", content, "coordinator"); err != nil {
			t.Fatalf("PostInbox: %v", err)
		}
	}

	stats, err := reg.InboxStats(ctx, "a1")
	if err != nil {
		t.Fatalf("InboxStats: %v", err)
	}
	if stats.Total != 2 || stats.Unread != 2 {
		t.Errorf("stats = %+v, want 2 total 2 unread", stats)
	}
	if stats.OldestUnreadAt == nil {
		t.Error("stats missing oldest unread timestamp")
	}

	unread, err := reg.ListInbox(ctx, "a1", true, 0)
	if err != nil || len(unread) != 2 {
		t.Fatalf("ListInbox unread = %v, %v, want 2", unread, err)
	}

	n, err := reg.MarkInboxRead(ctx, "a1")
	if err != nil || n != 2 {
		t.Errorf("MarkInboxRead = %d, %v, want 2", n, err)
	}
	unread, _ = reg.ListInbox(ctx, "a1", true, 0)
	if len(unread) != 0 {
		t.Errorf("unread after mark-all-read = %d, want 0", len(unread))
	}

	cleared, err := reg.ClearInbox(ctx, "a1")
	if err != nil || cleared != 2 {
		t.Errorf("ClearInbox = %d, %v, want 2", cleared, err)
	}
	stats, _ = reg.InboxStats(ctx, "a1")
	if stats.Total != 0 {
		t.Errorf("total after clear = %d, want 0", stats.Total)
	}
}
