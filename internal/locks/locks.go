// Package locks implements the named advisory lock component:
// acquire/release/extend/check/list over the rows internal/store
// persists, plus the owner/TTL business rules the data layer
// deliberately leaves to its caller.
package locks

import (
	"context"
	"database/sql"

	"github.com/portdaddy/portd/internal/activity"
	"github.com/portdaddy/portd/internal/apierr"
	"github.com/portdaddy/portd/internal/events"
	"github.com/portdaddy/portd/internal/identity"
	"github.com/portdaddy/portd/internal/store"
)

// MaxTTLMillis is the configured maximum lock duration, e.g. 30 days.
const MaxTTLMillis = 30 * 24 * 60 * 60 * 1000

// Manager is the Locks component.
type Manager struct {
	store    *store.Store
	notifier events.Notifier
	// IdempotentReacquire controls whether a re-acquire by the lock's
	// current owner refreshes the TTL instead of returning 409.
	// Defaults to true.
	IdempotentReacquire bool
}

// New constructs a Manager. notifier may be events.Nop{}.
func New(st *store.Store, notifier events.Notifier) *Manager {
	if notifier == nil {
		notifier = events.Nop{}
	}
	return &Manager{store: st, notifier: notifier, IdempotentReacquire: true}
}

// AcquireRequest is the input to Acquire.
type AcquireRequest struct {
	Name     string
	Owner    string
	PID      int
	TTLMS    int64
	Metadata []byte

	OwnerAgentID  string
	OwnerMaxQuota int // 0 means unlimited
}

// AcquireResult is the output of a successful Acquire.
type AcquireResult struct {
	ExpiresAt int64 `json:"expiresAt"`
}

// Acquire implements the lock acquisition contract: vacant locks are
// inserted outright, held locks return a conflict unless the same
// owner is re-acquiring and IdempotentReacquire is set.
func (m *Manager) Acquire(ctx context.Context, req AcquireRequest) (*AcquireResult, error) {
	if _, err := identity.Parse(req.Name); err != nil {
		return nil, err
	}
	if req.Owner == "" {
		return nil, apierr.Validation("owner is required")
	}
	if req.TTLMS <= 0 || req.TTLMS > MaxTTLMillis {
		return nil, apierr.Validation("ttl must be in (0, %d] ms", int64(MaxTTLMillis))
	}

	now := m.store.NowMS()

	if req.OwnerAgentID != "" && req.OwnerMaxQuota > 0 {
		n, err := m.store.CountLocksByOwner(ctx, req.Owner, now)
		if err != nil {
			return nil, apierr.Internal(err, "count owned locks")
		}
		if n >= req.OwnerMaxQuota {
			return nil, apierr.Quota("agent %s has reached its lock quota (%d)", req.OwnerAgentID, req.OwnerMaxQuota)
		}
	}

	expiresAt := now + req.TTLMS
	l := store.Lock{Name: req.Name, Owner: req.Owner, AcquiredAt: now, ExpiresAt: expiresAt, Metadata: req.Metadata}
	if req.PID > 0 {
		l.PID = &req.PID
	}

	// Ownership check and write share one transaction: a vacancy check
	// in a prior round trip could be invalidated by a concurrent
	// acquire committing in between, and the unconditional upsert would
	// then silently overwrite the winner's row.
	var held *store.Lock
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		live, err := m.store.GetLiveLockTx(ctx, tx, req.Name, now)
		switch {
		case store.IsNotFound(err):
			// vacant (or expired); take it
		case err != nil:
			return err
		default:
			if live.Owner != req.Owner || !m.IdempotentReacquire {
				held = live
				return store.ErrConflict
			}
			// Idempotent refresh: same owner re-acquiring extends the TTL.
		}
		if err := m.store.UpsertLockTx(ctx, tx, l); err != nil {
			return err
		}
		return m.store.InsertActivityTx(ctx, tx, store.ActivityEntry{
			Timestamp: now, Type: activity.LockAcquire, AgentID: req.OwnerAgentID, TargetID: req.Name,
		})
	})
	if held != nil {
		if held.Owner == req.Owner {
			return nil, apierr.Conflict("lock %q is already held by %s", req.Name, held.Owner).
				WithExtra(map[string]any{"owner": held.Owner, "expiresAt": held.ExpiresAt})
		}
		return nil, apierr.Conflict("lock %q is held by %s", req.Name, held.Owner).
			WithExtra(map[string]any{"owner": held.Owner, "expiresAt": held.ExpiresAt})
	}
	if err != nil {
		return nil, apierr.Internal(err, "acquire lock")
	}
	m.notifier.Notify(ctx, activity.LockAcquire, req.Name, map[string]any{"owner": req.Owner})
	return &AcquireResult{ExpiresAt: expiresAt}, nil
}

// Release removes the lock named by name. force bypasses the owner check.
func (m *Manager) Release(ctx context.Context, name, owner string, force bool) error {
	lock, err := m.store.GetLock(ctx, name)
	if store.IsNotFound(err) {
		return apierr.NotFound("no lock %q", name)
	}
	if err != nil {
		return apierr.Internal(err, "get lock")
	}
	if !force && lock.Owner != owner {
		return apierr.Conflict("lock %q is held by %s", name, lock.Owner).
			WithExtra(map[string]any{"owner": lock.Owner})
	}
	now := m.store.NowMS()
	if err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := m.store.DeleteLockTx(ctx, tx, name); err != nil {
			return err
		}
		return m.store.InsertActivityTx(ctx, tx, store.ActivityEntry{
			Timestamp: now, Type: activity.LockRelease, TargetID: name,
		})
	}); err != nil {
		return apierr.Internal(err, "release lock")
	}
	m.notifier.Notify(ctx, activity.LockRelease, name, nil)
	return nil
}

// Extend shifts a held lock's expiry by ttlMS, provided the caller is
// the current owner (or force is set).
func (m *Manager) Extend(ctx context.Context, name, owner string, ttlMS int64, force bool) (int64, error) {
	if ttlMS <= 0 || ttlMS > MaxTTLMillis {
		return 0, apierr.Validation("ttl must be in (0, %d] ms", int64(MaxTTLMillis))
	}
	now := m.store.NowMS()
	live, err := m.store.GetLiveLock(ctx, name, now)
	if store.IsNotFound(err) {
		return 0, apierr.NotFound("no live lock %q", name)
	}
	if err != nil {
		return 0, apierr.Internal(err, "get lock")
	}
	if !force && live.Owner != owner {
		return 0, apierr.Conflict("lock %q is held by %s", name, live.Owner).
			WithExtra(map[string]any{"owner": live.Owner})
	}
	newExpiry := now + ttlMS
	if err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := m.store.ExtendLockTx(ctx, tx, name, newExpiry); err != nil {
			return err
		}
		return m.store.InsertActivityTx(ctx, tx, store.ActivityEntry{
			Timestamp: now, Type: activity.LockExtend, TargetID: name,
		})
	}); err != nil {
		return 0, apierr.Internal(err, "extend lock")
	}
	return newExpiry, nil
}

// Check returns the live lock row for name, or nil if vacant.
func (m *Manager) Check(ctx context.Context, name string) (*store.Lock, error) {
	l, err := m.store.GetLiveLock(ctx, name, m.store.NowMS())
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apierr.Internal(err, "check lock")
	}
	return l, nil
}

// List returns every live lock, optionally restricted to owner.
func (m *Manager) List(ctx context.Context, owner string) ([]store.Lock, error) {
	out, err := m.store.ListLocks(ctx, owner, m.store.NowMS())
	if err != nil {
		return nil, apierr.Internal(err, "list locks")
	}
	return out, nil
}

// ReleaseOwnedByTx implements the agents.LockOwner interface: it
// releases every lock held by owner within tx, returning the count
// released.
func (m *Manager) ReleaseOwnedByTx(ctx context.Context, tx *sql.Tx, owner string) (int64, error) {
	return m.store.DeleteLocksByOwnerTx(ctx, tx, owner)
}
