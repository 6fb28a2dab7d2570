package sessions

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/portdaddy/portd/internal/apierr"
	"github.com/portdaddy/portd/internal/events"
	"github.com/portdaddy/portd/internal/store"
)

type fakeClock struct{ ms int64 }

func (c *fakeClock) NowMS() int64 { return c.ms }

func newTestManager(t *testing.T) (*Manager, *store.Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{ms: 1_700_000_000_000}
	st, err := store.Open(filepath.Join(t.TempDir(), "portd.db"), clock)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, events.Nop{}), st, clock
}

func TestStartRequiresPurpose(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.Start(context.Background(), StartRequest{}); apierr.KindOf(err) != apierr.KindValidation {
		t.Errorf("start without purpose error = %v, want validation", err)
	}
}

func TestStartEnforcesOneActiveSessionPerAgent(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Start(ctx, StartRequest{Purpose: "one", AgentID: "a1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, err = m.Start(ctx, StartRequest{Purpose: "two", AgentID: "a1"})
	if apierr.KindOf(err) != apierr.KindConflict {
		t.Fatalf("second active session error = %v, want conflict", err)
	}

	// Completing the first frees the agent for a new one.
	if err := m.UpdateStatus(ctx, first.SessionID, "completed"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if _, err := m.Start(ctx, StartRequest{Purpose: "two", AgentID: "a1"}); err != nil {
		t.Errorf("start after completing: %v", err)
	}
}

func TestStartFileClaimConflictAndForce(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Start(ctx, StartRequest{Purpose: "one", ClaimPaths: []string{"/src/a.go"}}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err := m.Start(ctx, StartRequest{Purpose: "two", ClaimPaths: []string{"/src/a.go"}})
	e, ok := apierr.As(err)
	if !ok || e.Kind != apierr.KindConflict {
		t.Fatalf("overlapping claim error = %v, want conflict", err)
	}
	if _, ok := e.Extra["conflicts"]; !ok {
		t.Error("conflict envelope missing the conflict list")
	}

	forced, err := m.Start(ctx, StartRequest{Purpose: "two", ClaimPaths: []string{"/src/a.go"}, Force: true})
	if err != nil {
		t.Fatalf("forced start: %v", err)
	}
	if len(forced.Conflicts) != 1 {
		t.Errorf("forced start reported %d conflicts, want 1 for audit", len(forced.Conflicts))
	}
}

func TestTerminalStatusReleasesClaimsAndBlocksNotes(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	res, err := m.Start(ctx, StartRequest{Purpose: "work", ClaimPaths: []string{"/src/a.go"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.UpdateStatus(ctx, res.SessionID, "completed"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	active, err := st.ActiveFileClaims(ctx, "/src/a.go")
	if err != nil {
		t.Fatalf("ActiveFileClaims: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("claims still active after completion: %v", active)
	}

	if _, _, err := m.AddNote(ctx, res.SessionID, "too late", "", ""); apierr.KindOf(err) != apierr.KindConflict {
		t.Errorf("note on completed session error = %v, want conflict", err)
	}

	if err := m.UpdateStatus(ctx, res.SessionID, "bogus"); apierr.KindOf(err) != apierr.KindValidation {
		t.Errorf("bogus status error = %v, want validation", err)
	}
}

func TestClaimFileOnActiveSession(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	one, err := m.Start(ctx, StartRequest{Purpose: "one"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	two, err := m.Start(ctx, StartRequest{Purpose: "two"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := m.ClaimFile(ctx, one.SessionID, "/src/shared.go", false); err != nil {
		t.Fatalf("ClaimFile: %v", err)
	}
	conflicts, err := m.ClaimFile(ctx, two.SessionID, "/src/shared.go", false)
	if apierr.KindOf(err) != apierr.KindConflict {
		t.Fatalf("conflicting ClaimFile error = %v, want conflict", err)
	}
	if len(conflicts) != 1 || conflicts[0].SessionID != one.SessionID {
		t.Errorf("conflicts = %v, want session one's claim", conflicts)
	}

	// Re-claiming your own file is not a conflict.
	if _, err := m.ClaimFile(ctx, one.SessionID, "/src/shared.go", false); err != nil {
		t.Errorf("re-claim of own file: %v", err)
	}

	if err := m.ReleaseFile(ctx, one.SessionID, "/src/shared.go"); err != nil {
		t.Fatalf("ReleaseFile: %v", err)
	}
	if err := m.ReleaseFile(ctx, one.SessionID, "/never/claimed.go"); apierr.KindOf(err) != apierr.KindNotFound {
		t.Errorf("release of unclaimed path error = %v, want not found", err)
	}
}

func TestDeleteCascadesNotesAndClaims(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	res, err := m.Start(ctx, StartRequest{Purpose: "doomed", ClaimPaths: []string{"/src/a.go"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, _, err := m.AddNote(ctx, res.SessionID, "will be cascaded", "", ""); err != nil {
		t.Fatalf("AddNote: %v", err)
	}

	if err := m.Delete(ctx, res.SessionID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := m.Get(ctx, res.SessionID); apierr.KindOf(err) != apierr.KindNotFound {
		t.Errorf("Get after delete error = %v, want not found", err)
	}
	notes, err := st.ListNotes(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("ListNotes: %v", err)
	}
	if len(notes) != 0 {
		t.Errorf("notes survived session delete: %v", notes)
	}
	claims, err := st.ListFileClaims(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("ListFileClaims: %v", err)
	}
	if len(claims) != 0 {
		t.Errorf("claims survived session delete: %v", claims)
	}

	if err := m.Delete(ctx, res.SessionID); apierr.KindOf(err) != apierr.KindNotFound {
		t.Errorf("double delete error = %v, want not found", err)
	}
}

func TestQuickNoteCreatesImplicitSession(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	sessionID, noteID, err := m.AddNote(ctx, "", "remember this", "", "a1")
	if err != nil {
		t.Fatalf("quick note: %v", err)
	}
	if sessionID == "" || noteID == 0 {
		t.Fatalf("quick note returned sessionID=%q noteID=%d", sessionID, noteID)
	}

	sess, err := m.Get(ctx, sessionID)
	if err != nil {
		t.Fatalf("Get implicit session: %v", err)
	}
	if sess.Status != "active" || sess.AgentID == nil || *sess.AgentID != "a1" {
		t.Errorf("implicit session = %+v, want active and owned by a1", sess)
	}

	notes, err := m.ListNotes(ctx, sessionID)
	if err != nil || len(notes) != 1 {
		t.Fatalf("ListNotes = %v, %v, want the quick note", notes, err)
	}
	if notes[0].Type != "note" {
		t.Errorf("default note type = %q, want note", notes[0].Type)
	}
}

func TestRecentNotesNewestFirst(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()

	res, err := m.Start(ctx, StartRequest{Purpose: "work"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, content := range []string{"first", "second", "third"} {
		if _, _, err := m.AddNote(ctx, res.SessionID, content, "", ""); err != nil {
			t.Fatalf("AddNote: %v", err)
		}
		clock.ms += 1000
	}

	recent, err := m.RecentNotes(ctx, 2)
	if err != nil {
		t.Fatalf("RecentNotes: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("RecentNotes returned %d, want 2", len(recent))
	}
	if recent[0].Content != "third" || recent[1].Content != "second" {
		t.Errorf("recent order = [%s, %s], want newest first", recent[0].Content, recent[1].Content)
	}
}
