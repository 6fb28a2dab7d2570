// Package sessions implements structured multi-step work sessions:
// start/update/delete, advisory file claims with conflict detection,
// and append-only notes, including implicit session creation for a
// quick-note posted with no session context.
package sessions

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/portdaddy/portd/internal/activity"
	"github.com/portdaddy/portd/internal/apierr"
	"github.com/portdaddy/portd/internal/events"
	"github.com/portdaddy/portd/internal/store"
)

// Manager is the Sessions component.
type Manager struct {
	store    *store.Store
	notifier events.Notifier
	// OneActivePerAgent enforces at most one active session per agent.
	// Configurable per the session invariant; defaults to true.
	OneActivePerAgent bool
}

// New constructs a Manager. notifier may be events.Nop{}.
func New(st *store.Store, notifier events.Notifier) *Manager {
	if notifier == nil {
		notifier = events.Nop{}
	}
	return &Manager{store: st, notifier: notifier, OneActivePerAgent: true}
}

// StartRequest is the input to Start.
type StartRequest struct {
	Purpose    string   `json:"purpose"`
	AgentID    string   `json:"agentId"`
	ClaimPaths []string `json:"files"`
	Force      bool     `json:"force"`
}

// StartResult is the output of a successful Start.
type StartResult struct {
	SessionID string                   `json:"sessionId"`
	Conflicts []store.SessionFileClaim `json:"conflicts,omitempty"`
}

// Start creates a new session, optionally claiming a set of files. If
// any requested path already has a live claim from another session,
// the call fails with a 409 and the conflict list unless Force is set,
// in which case the claim proceeds anyway and the conflict is only
// reported back for audit.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	if req.Purpose == "" {
		return nil, apierr.Validation("purpose is required")
	}
	if req.AgentID != "" && m.OneActivePerAgent {
		if existing, err := m.store.GetActiveSessionForAgent(ctx, req.AgentID); err == nil && existing != nil {
			return nil, apierr.Conflict("agent %s already has an active session (%s)", req.AgentID, existing.ID).
				WithExtra(map[string]any{"sessionId": existing.ID})
		}
	}

	var conflicts []store.SessionFileClaim
	for _, p := range req.ClaimPaths {
		active, err := m.store.ActiveFileClaims(ctx, p)
		if err != nil {
			return nil, apierr.Internal(err, "check file claim")
		}
		conflicts = append(conflicts, active...)
	}
	if len(conflicts) > 0 && !req.Force {
		return nil, apierr.Conflict("file claim conflict on %d path(s)", len(conflicts)).
			WithExtra(map[string]any{"conflicts": conflicts})
	}

	now := m.store.NowMS()
	id := uuid.NewString()
	sess := store.Session{ID: id, Purpose: req.Purpose, Status: "active", CreatedAt: now, UpdatedAt: now}
	if req.AgentID != "" {
		sess.AgentID = &req.AgentID
	}

	if err := m.store.InsertSession(ctx, sess); err != nil {
		return nil, apierr.Internal(err, "start session")
	}
	for _, p := range req.ClaimPaths {
		if err := m.store.InsertFileClaim(ctx, id, p, now); err != nil {
			return nil, apierr.Internal(err, "claim file")
		}
	}
	_ = m.store.InsertActivity(ctx, store.ActivityEntry{Timestamp: now, Type: activity.SessionStart, AgentID: req.AgentID, TargetID: id})
	m.notifier.Notify(ctx, activity.SessionStart, id, nil)

	return &StartResult{SessionID: id, Conflicts: conflicts}, nil
}

// Get returns a session by id.
func (m *Manager) Get(ctx context.Context, id string) (*store.Session, error) {
	sess, err := m.store.GetSession(ctx, id)
	if store.IsNotFound(err) {
		return nil, apierr.NotFound("no session %q", id)
	}
	if err != nil {
		return nil, apierr.Internal(err, "get session")
	}
	return sess, nil
}

// List returns sessions, optionally filtered by agent or status.
func (m *Manager) List(ctx context.Context, agentID, status string) ([]store.Session, error) {
	out, err := m.store.ListSessions(ctx, agentID, status)
	if err != nil {
		return nil, apierr.Internal(err, "list sessions")
	}
	return out, nil
}

var terminalStatuses = map[string]bool{"completed": true, "abandoned": true}

// UpdateStatus transitions a session out of active. Leaving active is
// terminal: every open file claim for the session is soft-released and
// no further notes may attach to it.
func (m *Manager) UpdateStatus(ctx context.Context, id, status string) error {
	if !terminalStatuses[status] && status != "active" {
		return apierr.Validation("status must be one of active, completed, abandoned")
	}
	sess, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status != "active" {
		return apierr.Conflict("session %s is not active", id)
	}
	now := m.store.NowMS()
	err = m.store.WithTx(ctx, func(tx *sql.Tx) error {
		if terminalStatuses[status] && sess.Status == "active" {
			if err := m.store.ReleaseAllFileClaimsTx(ctx, tx, id, now); err != nil {
				return err
			}
		}
		if err := updateSessionStatusTx(ctx, tx, id, status, now); err != nil {
			return err
		}
		return m.store.InsertActivityTx(ctx, tx, store.ActivityEntry{Timestamp: now, Type: activity.SessionUpdate, TargetID: id})
	})
	if store.IsNotFound(err) {
		return apierr.NotFound("no session %q", id)
	}
	if err != nil {
		return apierr.Internal(err, "update session")
	}
	m.notifier.Notify(ctx, activity.SessionUpdate, id, map[string]any{"status": status})
	return nil
}

// updateSessionStatusTx runs the same update store.UpdateSessionStatus
// does, but inside an existing transaction so it composes with the
// file-claim release above.
func updateSessionStatusTx(ctx context.Context, tx *sql.Tx, id, status string, now int64) error {
	var completedAt any
	if status != "active" {
		completedAt = now
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ?, completed_at = COALESCE(?, completed_at) WHERE id = ?`,
		status, now, completedAt, id,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Delete removes a session outright, cascading its notes and file
// claims. Used for error recovery, not normal lifecycle.
func (m *Manager) Delete(ctx context.Context, id string) error {
	now := m.store.NowMS()
	ok, err := m.store.DeleteSession(ctx, id)
	if err != nil {
		return apierr.Internal(err, "delete session")
	}
	if !ok {
		return apierr.NotFound("no session %q", id)
	}
	_ = m.store.InsertActivity(ctx, store.ActivityEntry{Timestamp: now, Type: activity.SessionDelete, TargetID: id})
	m.notifier.Notify(ctx, activity.SessionDelete, id, nil)
	return nil
}

// --- File claims ---

// ClaimFile claims filePath for sessionID, returning any conflicting
// claims held by other sessions. Conflicts block only when force is
// false.
func (m *Manager) ClaimFile(ctx context.Context, sessionID, filePath string, force bool) ([]store.SessionFileClaim, error) {
	sess, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != "active" {
		return nil, apierr.Conflict("session %s is not active", sessionID)
	}
	active, err := m.store.ActiveFileClaims(ctx, filePath)
	if err != nil {
		return nil, apierr.Internal(err, "check file claim")
	}
	var conflicts []store.SessionFileClaim
	for _, c := range active {
		if c.SessionID != sessionID {
			conflicts = append(conflicts, c)
		}
	}
	if len(conflicts) > 0 && !force {
		return conflicts, apierr.Conflict("file %q is already claimed", filePath).
			WithExtra(map[string]any{"conflicts": conflicts})
	}
	now := m.store.NowMS()
	if err := m.store.InsertFileClaim(ctx, sessionID, filePath, now); err != nil {
		return nil, apierr.Internal(err, "claim file")
	}
	return conflicts, nil
}

// ReleaseFile soft-releases filePath for sessionID.
func (m *Manager) ReleaseFile(ctx context.Context, sessionID, filePath string) error {
	now := m.store.NowMS()
	if err := m.store.ReleaseFileClaim(ctx, sessionID, filePath, now); err != nil {
		if store.IsNotFound(err) {
			return apierr.NotFound("no open claim on %q for session %s", filePath, sessionID)
		}
		return apierr.Internal(err, "release file claim")
	}
	return nil
}

// ListFileClaims returns every claim (released or not) for sessionID.
func (m *Manager) ListFileClaims(ctx context.Context, sessionID string) ([]store.SessionFileClaim, error) {
	out, err := m.store.ListFileClaims(ctx, sessionID)
	if err != nil {
		return nil, apierr.Internal(err, "list file claims")
	}
	return out, nil
}

// --- Notes ---

const quickNotePurpose = "quick note"

// AddNote appends a note to sessionID. If sessionID is empty, the
// note goes to agentID's active session when it has one; otherwise a
// new implicit session is created so a quick note can be posted with
// no prior session context.
func (m *Manager) AddNote(ctx context.Context, sessionID, content, noteType, agentID string) (string, int64, error) {
	if content == "" {
		return "", 0, apierr.Validation("content is required")
	}
	if sessionID == "" {
		// Reuse the caller's active session when it has one; otherwise
		// create an implicit one to own the note.
		if agentID != "" {
			if existing, err := m.store.GetActiveSessionForAgent(ctx, agentID); err == nil && existing != nil {
				sessionID = existing.ID
			}
		}
		if sessionID == "" {
			res, err := m.Start(ctx, StartRequest{Purpose: quickNotePurpose, AgentID: agentID})
			if err != nil {
				return "", 0, err
			}
			sessionID = res.SessionID
		}
	} else {
		sess, err := m.Get(ctx, sessionID)
		if err != nil {
			return "", 0, err
		}
		if sess.Status != "active" {
			return "", 0, apierr.Conflict("session %s is not active", sessionID)
		}
	}
	if noteType == "" {
		noteType = "note"
	}
	id, err := m.store.InsertNote(ctx, sessionID, content, noteType, m.store.NowMS())
	if err != nil {
		return "", 0, apierr.Internal(err, "add note")
	}
	return sessionID, id, nil
}

// ListNotes returns notes for sessionID, oldest first.
func (m *Manager) ListNotes(ctx context.Context, sessionID string) ([]store.SessionNote, error) {
	out, err := m.store.ListNotes(ctx, sessionID)
	if err != nil {
		return nil, apierr.Internal(err, "list notes")
	}
	return out, nil
}

// RecentNotes returns the most recent notes across every session,
// newest first; used by the resurrection context builder.
func (m *Manager) RecentNotes(ctx context.Context, limit int) ([]store.SessionNote, error) {
	out, err := m.store.RecentNotes(ctx, limit)
	if err != nil {
		return nil, apierr.Internal(err, "recent notes")
	}
	return out, nil
}
