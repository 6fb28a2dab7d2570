// Package agents implements agent registration, heartbeat-driven
// liveness, the stale/dead state machine, and the resurrection queue
// that hands a dead agent's context to a successor. It depends on the
// services and locks components only through the minimal
// ResourceOwner-style interfaces below, so it never imports their
// claim/acquire business logic.
package agents

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/portdaddy/portd/internal/activity"
	"github.com/portdaddy/portd/internal/apierr"
	"github.com/portdaddy/portd/internal/events"
	"github.com/portdaddy/portd/internal/identity"
	"github.com/portdaddy/portd/internal/store"
)

// ProcessProber is the minimal liveness surface the staleness sweep
// needs. Satisfied by *osprobe.Prober.
type ProcessProber interface {
	ProcessAlive(ctx context.Context, pid int) bool
}

// ServiceOwner is the minimal surface Agents needs from the Services
// component during cleanup.
type ServiceOwner interface {
	ReleaseOwnedByTx(ctx context.Context, tx *sql.Tx, ownerAgentID string) ([]int, error)
}

// LockOwner is the minimal surface Agents needs from the Locks
// component during cleanup.
type LockOwner interface {
	ReleaseOwnedByTx(ctx context.Context, tx *sql.Tx, owner string) (int64, error)
}

// Config holds the tunable quota defaults and staleness thresholds.
type Config struct {
	DefaultMaxServices int
	DefaultMaxLocks    int
	StaleThreshold     time.Duration // default 5 min
	DeadThreshold      time.Duration // default 15 min; a failed PID check marks an agent dead sooner
}

// DefaultConfig returns reasonable production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultMaxServices: 20,
		DefaultMaxLocks:    20,
		StaleThreshold:     5 * time.Minute,
		DeadThreshold:      15 * time.Minute,
	}
}

// Registry is the Agents component.
type Registry struct {
	store    *store.Store
	prober   ProcessProber
	services ServiceOwner
	locks    LockOwner
	notifier events.Notifier
	cfg      Config
}

// New constructs a Registry. notifier may be events.Nop{}.
func New(st *store.Store, prober ProcessProber, svc ServiceOwner, lk LockOwner, notifier events.Notifier, cfg Config) *Registry {
	if notifier == nil {
		notifier = events.Nop{}
	}
	return &Registry{store: st, prober: prober, services: svc, locks: lk, notifier: notifier, cfg: cfg}
}

// RegisterRequest is the input to Register.
type RegisterRequest struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Type            string `json:"type"`
	PID             int    `json:"pid"`
	MaxServices     int    `json:"maxServices"`
	MaxLocks        int    `json:"maxLocks"`
	IdentityProject string `json:"identityProject"`
	IdentityStack   string `json:"identityStack"`
	IdentityContext string `json:"identityContext"`
	Purpose         string `json:"purpose"`
	WorktreeID      string `json:"worktreeId"`
}

// RegisterResult is the output of Register.
type RegisterResult struct {
	Agent       store.Agent `json:"agent"`
	SalvageHint *string     `json:"salvageHint,omitempty"` // a dead agent id sharing this identity's project, if any
}

// Register idempotently upserts the agent named by req.ID. It never
// blocks registration even when a salvage candidate exists; instead it
// surfaces the hint in the result.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	if req.ID == "" {
		return nil, apierr.Validation("agent id is required")
	}
	if req.IdentityProject != "" {
		if _, err := identity.Parse(req.IdentityProject); err != nil {
			return nil, err
		}
	}
	maxServices := req.MaxServices
	if maxServices <= 0 {
		maxServices = r.cfg.DefaultMaxServices
	}
	maxLocks := req.MaxLocks
	if maxLocks <= 0 {
		maxLocks = r.cfg.DefaultMaxLocks
	}

	now := r.store.NowMS()
	a := store.Agent{
		ID: req.ID, Name: req.Name, Type: req.Type,
		RegisteredAt: now, LastHeartbeat: now,
		MaxServices: maxServices, MaxLocks: maxLocks,
		IdentityProject: req.IdentityProject, IdentityStack: req.IdentityStack, IdentityContext: req.IdentityContext,
		Purpose: req.Purpose, WorktreeID: req.WorktreeID, Status: "active",
	}
	if req.PID > 0 {
		a.PID = &req.PID
	}
	if existing, err := r.store.GetAgent(ctx, req.ID); err == nil {
		a.RegisteredAt = existing.RegisteredAt
	}

	if err := r.store.UpsertAgent(ctx, a); err != nil {
		return nil, apierr.Internal(err, "register agent")
	}
	_ = r.store.InsertActivity(ctx, store.ActivityEntry{Timestamp: now, Type: activity.AgentRegister, AgentID: req.ID})
	r.notifier.Notify(ctx, activity.AgentRegister, req.ID, nil)

	result := &RegisterResult{Agent: a}
	if req.IdentityProject != "" {
		// Dead agents no longer have rows; their context lives in the
		// resurrection queue. Surface the oldest matching entry as a hint.
		if entries, err := r.store.ListPendingResurrections(ctx); err == nil {
			for _, e := range entries {
				var rc resurrectionContext
				if json.Unmarshal(e.Context, &rc) == nil && rc.Project == req.IdentityProject && e.OldID != req.ID {
					id := e.OldID
					result.SalvageHint = &id
					break
				}
			}
		}
	}
	return result, nil
}

// Heartbeat refreshes last_heartbeat for id.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	now := r.store.NowMS()
	if err := r.store.UpdateHeartbeat(ctx, id, now); err != nil {
		if store.IsNotFound(err) {
			return apierr.NotFound("no agent %q (resurrect it with /resurrection/claim if a pending entry exists)", id)
		}
		return apierr.Internal(err, "heartbeat")
	}
	_ = r.store.InsertActivity(ctx, store.ActivityEntry{Timestamp: now, Type: activity.AgentHeartbeat, AgentID: id})
	return nil
}

// Get returns an agent by id.
func (r *Registry) Get(ctx context.Context, id string) (*store.Agent, error) {
	a, err := r.store.GetAgent(ctx, id)
	if store.IsNotFound(err) {
		return nil, apierr.NotFound("no agent %q", id)
	}
	if err != nil {
		return nil, apierr.Internal(err, "get agent")
	}
	return a, nil
}

// List returns agents, optionally filtered by status.
func (r *Registry) List(ctx context.Context, status string) ([]store.Agent, error) {
	out, err := r.store.ListAgents(ctx, status)
	if err != nil {
		return nil, apierr.Internal(err, "list agents")
	}
	return out, nil
}

// Unregister removes an agent's row, releasing everything it owned:
// any services and locks it held, and abandoning its active session.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	now := r.store.NowMS()
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := r.services.ReleaseOwnedByTx(ctx, tx, id); err != nil {
			return err
		}
		if _, err := r.locks.ReleaseOwnedByTx(ctx, tx, id); err != nil {
			return err
		}
		if err := r.store.MarkAgentSessionsAbandonedTx(ctx, tx, id, now); err != nil {
			return err
		}
		ok, err := r.store.DeleteAgentTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return store.ErrNotFound
		}
		return r.store.InsertActivityTx(ctx, tx, store.ActivityEntry{Timestamp: now, Type: activity.AgentUnregister, AgentID: id})
	})
	if store.IsNotFound(err) {
		return apierr.NotFound("no agent %q", id)
	}
	if err != nil {
		return apierr.Internal(err, "unregister agent")
	}
	r.notifier.Notify(ctx, activity.AgentUnregister, id, nil)
	return nil
}

// --- Staleness and resurrection (reaper-driven) ---

// SweepResult summarizes one reaper pass over agent liveness.
type SweepResult struct {
	MarkedStale int `json:"markedStale"`
	MarkedDead  int `json:"markedDead"`
}

// SweepStale walks agents past the heartbeat deadline, marking them
// stale and, past the longer dead deadline (or once a PID check shows
// the owning process is gone), tearing them down entirely.
func (r *Registry) SweepStale(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := r.store.NowMS()

	candidates, err := r.store.StaleAgents(ctx, now-r.cfg.StaleThreshold.Milliseconds())
	if err != nil {
		return result, apierr.Internal(err, "list stale agents")
	}

	for _, a := range candidates {
		age := time.Duration(now-a.LastHeartbeat) * time.Millisecond
		dead := age > r.cfg.DeadThreshold
		if !dead && a.PID != nil && !r.prober.ProcessAlive(ctx, *a.PID) {
			dead = true
		}
		if dead {
			if err := r.markDead(ctx, a, now); err != nil {
				return result, err
			}
			result.MarkedDead++
			continue
		}
		if a.Status != "stale" {
			if err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
				return r.store.UpdateAgentStatusTx(ctx, tx, a.ID, "stale")
			}); err != nil {
				return result, apierr.Internal(err, "mark agent stale")
			}
			result.MarkedStale++
		}
	}
	return result, nil
}

// markDead performs the full dead-transition in one transaction:
// release owned services and locks, abandon the active session,
// capture a resurrection entry, and delete the agent row.
func (r *Registry) markDead(ctx context.Context, a store.Agent, now int64) error {
	session, _ := r.store.GetActiveSessionForAgent(ctx, a.ID)
	var sessionID string
	if session != nil {
		sessionID = session.ID
	}
	notes, _ := r.store.RecentNotes(ctx, 20)
	var relevantNotes []store.SessionNote
	if sessionID != "" {
		for _, n := range notes {
			if n.SessionID == sessionID {
				relevantNotes = append(relevantNotes, n)
			}
		}
	}

	resCtx := resurrectionContext{
		Purpose:     a.Purpose,
		SessionID:   sessionID,
		Project:     a.IdentityProject,
		Stack:       a.IdentityStack,
		RecentNotes: relevantNotes,
	}
	payload, err := json.Marshal(resCtx)
	if err != nil {
		return apierr.Internal(err, "marshal resurrection context")
	}

	err = r.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := r.services.ReleaseOwnedByTx(ctx, tx, a.ID); err != nil {
			return err
		}
		if _, err := r.locks.ReleaseOwnedByTx(ctx, tx, a.ID); err != nil {
			return err
		}
		if err := r.store.MarkAgentSessionsAbandonedTx(ctx, tx, a.ID, now); err != nil {
			return err
		}
		if err := r.store.InsertResurrectionTx(ctx, tx, store.ResurrectionEntry{
			OldID: a.ID, Context: payload, State: "pending", CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		if _, err := r.store.DeleteAgentTx(ctx, tx, a.ID); err != nil {
			return err
		}
		return r.store.InsertActivityTx(ctx, tx, store.ActivityEntry{
			Timestamp: now, Type: activity.AgentCleanup, AgentID: a.ID,
		})
	})
	if err != nil {
		return apierr.Internal(err, "mark agent dead")
	}
	r.notifier.Notify(ctx, activity.AgentCleanup, a.ID, nil)
	return nil
}

type resurrectionContext struct {
	Purpose     string              `json:"purpose"`
	SessionID   string              `json:"sessionId,omitempty"`
	Project     string              `json:"project,omitempty"`
	Stack       string              `json:"stack,omitempty"`
	RecentNotes []store.SessionNote `json:"recentNotes,omitempty"`
}

// PendingResurrections lists pending/resurrecting entries, optionally
// restricted to those whose captured identity project matches filter.
func (r *Registry) PendingResurrections(ctx context.Context, projectFilter string) ([]store.ResurrectionEntry, error) {
	entries, err := r.store.ListPendingResurrections(ctx)
	if err != nil {
		return nil, apierr.Internal(err, "list resurrection entries")
	}
	if projectFilter == "" {
		return entries, nil
	}
	var out []store.ResurrectionEntry
	for _, e := range entries {
		var rc resurrectionContext
		if json.Unmarshal(e.Context, &rc) == nil && rc.Project == projectFilter {
			out = append(out, e)
		}
	}
	return out, nil
}

// ClaimResurrection transitions a pending entry to "resurrecting",
// records newID, and returns the captured context for the successor
// to use.
func (r *Registry) ClaimResurrection(ctx context.Context, oldID, newID string) (json.RawMessage, error) {
	entry, err := r.store.GetResurrection(ctx, oldID)
	if store.IsNotFound(err) {
		return nil, apierr.NotFound("no resurrection entry for %q", oldID)
	}
	if err != nil {
		return nil, apierr.Internal(err, "get resurrection entry")
	}
	if err := r.store.UpdateResurrectionState(ctx, oldID, "resurrecting", &newID, r.store.NowMS()); err != nil {
		return nil, apierr.Internal(err, "claim resurrection")
	}
	return json.RawMessage(entry.Context), nil
}

// CompleteResurrection marks oldID's entry completed.
func (r *Registry) CompleteResurrection(ctx context.Context, oldID string) error {
	return r.transitionResurrection(ctx, oldID, "completed")
}

// AbandonResurrection returns a claimed entry to pending so another
// successor can pick it up.
func (r *Registry) AbandonResurrection(ctx context.Context, oldID string) error {
	return r.transitionResurrection(ctx, oldID, "pending")
}

// DismissResurrection marks oldID's entry dismissed.
func (r *Registry) DismissResurrection(ctx context.Context, oldID string) error {
	return r.transitionResurrection(ctx, oldID, "dismissed")
}

func (r *Registry) transitionResurrection(ctx context.Context, oldID, state string) error {
	if err := r.store.UpdateResurrectionState(ctx, oldID, state, nil, r.store.NowMS()); err != nil {
		if store.IsNotFound(err) {
			return apierr.NotFound("no resurrection entry for %q", oldID)
		}
		return apierr.Internal(err, "update resurrection state")
	}
	return nil
}

// --- Agent inbox ---

// PostInbox appends a directed message to agentID's inbox.
func (r *Registry) PostInbox(ctx context.Context, agentID, content, sender string) (int64, error) {
	if content == "" {
		return 0, apierr.Validation("content is required")
	}
	id, err := r.store.InsertInboxMessage(ctx, agentID, content, sender, r.store.NowMS())
	if err != nil {
		return 0, apierr.Internal(err, "post inbox message")
	}
	return id, nil
}

// ListInbox returns inbox rows for agentID, newest first.
func (r *Registry) ListInbox(ctx context.Context, agentID string, unreadOnly bool, limit int) ([]store.InboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	out, err := r.store.ListInbox(ctx, agentID, unreadOnly, limit)
	if err != nil {
		return nil, apierr.Internal(err, "list inbox")
	}
	return out, nil
}

// InboxStats summarizes agentID's inbox.
func (r *Registry) InboxStats(ctx context.Context, agentID string) (store.InboxStats, error) {
	stats, err := r.store.GetInboxStats(ctx, agentID)
	if err != nil {
		return stats, apierr.Internal(err, "inbox stats")
	}
	return stats, nil
}

// MarkInboxRead marks every inbox row for agentID read.
func (r *Registry) MarkInboxRead(ctx context.Context, agentID string) (int64, error) {
	n, err := r.store.MarkAllRead(ctx, agentID)
	if err != nil {
		return 0, apierr.Internal(err, "mark inbox read")
	}
	return n, nil
}

// ClearInbox deletes every inbox row for agentID.
func (r *Registry) ClearInbox(ctx context.Context, agentID string) (int64, error) {
	n, err := r.store.ClearInbox(ctx, agentID)
	if err != nil {
		return 0, apierr.Internal(err, "clear inbox")
	}
	return n, nil
}
