// Package services implements atomic TCP port claims. The data access
// it composes lives in internal/store; the business rules live here:
// refresh-vs-assign, candidate scanning against reserved, DB-held,
// and OS-held ports, and the insert-retry-recheck race protocol.
package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/portdaddy/portd/internal/activity"
	"github.com/portdaddy/portd/internal/apierr"
	"github.com/portdaddy/portd/internal/events"
	"github.com/portdaddy/portd/internal/identity"
	"github.com/portdaddy/portd/internal/metrics"
	"github.com/portdaddy/portd/internal/store"
)

// OSProber is the minimal OS-probe surface the claim path needs:
// whether a claimant's process is alive, and whether the OS already
// has a listener on a candidate port. Satisfied by *osprobe.Prober.
type OSProber interface {
	ProcessAlive(ctx context.Context, pid int) bool
	HasListener(ctx context.Context, port int) (bool, error)
}

// maxCandidateRetries bounds the insert/recheck race protocol: a
// candidate port that loses the race to a concurrent claim is retried
// against a fresh candidate this many times before giving up.
const maxCandidateRetries = 3

// MaxMetadataBytes is the cap on the free-form metadata blob.
const MaxMetadataBytes = 10 * 1024

// Config is the port-range and reservation policy a Registry enforces
// when a claim doesn't specify its own range.
type Config struct {
	RangeStart int
	RangeEnd   int
	Reserved   map[int]bool
}

// Registry is the Services component.
type Registry struct {
	store    *store.Store
	prober   OSProber
	notifier events.Notifier
	cfg      Config
}

// New constructs a Registry. notifier may be events.Nop{}.
func New(st *store.Store, prober OSProber, notifier events.Notifier, cfg Config) *Registry {
	if notifier == nil {
		notifier = events.Nop{}
	}
	return &Registry{store: st, prober: prober, notifier: notifier, cfg: cfg}
}

// SetConfig updates the range/reservation policy in place (used by
// config hot-reload for the reserved-port list).
func (r *Registry) SetConfig(cfg Config) { r.cfg = cfg }

// ClaimRequest is the input to Claim.
type ClaimRequest struct {
	ID             string
	PreferredPort  *int
	RangeStart     *int
	RangeEnd       *int
	ExpiresAt      *int64
	PairedWith     string
	HealthURL      string
	TunnelProvider string
	TunnelURL      string
	RestartPolicy  string
	Metadata       json.RawMessage
	PID            int
	Cmd            string
	Cwd            string
	OwnerAgentID   string
	OwnerMaxQuota  int // 0 means unlimited; caller resolves from the agent row
}

// ClaimResult is the output of a successful Claim.
type ClaimResult struct {
	Port     int  `json:"port"`
	Existing bool `json:"existing"`
}

// Claim resolves a caller's identity to a port: an existing live claim
// is refreshed and returned as-is, otherwise a free candidate port is
// selected and atomically inserted.
func (r *Registry) Claim(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	if _, err := identity.Parse(req.ID); err != nil {
		return nil, err
	}
	if len(req.Metadata) > MaxMetadataBytes {
		return nil, apierr.Validation("metadata exceeds %d bytes", MaxMetadataBytes)
	}

	rangeStart, rangeEnd := r.cfg.RangeStart, r.cfg.RangeEnd
	if req.RangeStart != nil {
		rangeStart = *req.RangeStart
	}
	if req.RangeEnd != nil {
		rangeEnd = *req.RangeEnd
	}
	if req.PreferredPort != nil {
		if r.cfg.Reserved[*req.PreferredPort] {
			return nil, apierr.Validation("preferred port %d is reserved", *req.PreferredPort)
		}
		if *req.PreferredPort < rangeStart || *req.PreferredPort > rangeEnd {
			return nil, apierr.Validation("preferred port %d is outside range [%d, %d]", *req.PreferredPort, rangeStart, rangeEnd)
		}
	}

	now := r.store.NowMS()

	// Step 1/2: refresh-or-clear the existing row for this identity.
	existing, err := r.store.GetService(ctx, req.ID)
	switch {
	case store.IsNotFound(err):
		// no row; fall through to assignment
	case err != nil:
		return nil, apierr.Internal(err, "look up existing service")
	default:
		if existing.PID != nil && r.prober.ProcessAlive(ctx, *existing.PID) {
			if err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
				return r.store.UpdateLastSeenTx(ctx, tx, req.ID, now)
			}); err != nil {
				return nil, apierr.Internal(err, "refresh service")
			}
			port := 0
			if existing.Port != nil {
				port = *existing.Port
			}
			return &ClaimResult{Port: port, Existing: true}, nil
		}
		// Stale row (owner process is gone): delete before reassigning.
		if err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
			_, err := r.store.DeleteServiceTx(ctx, tx, req.ID)
			return err
		}); err != nil {
			return nil, apierr.Internal(err, "clear stale service")
		}
	}

	if req.OwnerAgentID != "" && req.OwnerMaxQuota > 0 {
		n, err := r.store.CountServicesByOwner(ctx, req.OwnerAgentID)
		if err != nil {
			return nil, apierr.Internal(err, "count owned services")
		}
		if n >= req.OwnerMaxQuota {
			return nil, apierr.Quota("agent %s has reached its service quota (%d)", req.OwnerAgentID, req.OwnerMaxQuota)
		}
	}

	var assignedPort int
	for attempt := 0; attempt < maxCandidateRetries; attempt++ {
		candidate, err := r.pickCandidate(ctx, req.PreferredPort, rangeStart, rangeEnd)
		if err != nil {
			return nil, err
		}

		svc := store.Service{
			ID:             req.ID,
			Port:           &candidate,
			Cmd:            req.Cmd,
			Cwd:            req.Cwd,
			Status:         "assigned",
			CreatedAt:      now,
			LastSeen:       now,
			ExpiresAt:      req.ExpiresAt,
			RestartPolicy:  req.RestartPolicy,
			HealthURL:      req.HealthURL,
			TunnelProvider: req.TunnelProvider,
			TunnelURL:      req.TunnelURL,
			PairedWith:     req.PairedWith,
			OwnerAgentID:   req.OwnerAgentID,
			Metadata:       req.Metadata,
		}
		if req.PID > 0 {
			svc.PID = &req.PID
		}

		insertErr := r.store.WithTx(ctx, func(tx *sql.Tx) error {
			if err := r.store.InsertServiceTx(ctx, tx, svc); err != nil {
				return err
			}
			return r.store.InsertActivityTx(ctx, tx, store.ActivityEntry{
				Timestamp: now, Type: activity.ServiceClaim,
				AgentID: req.OwnerAgentID, TargetID: req.ID,
				Details: fmt.Sprintf("port=%d", candidate),
			})
		})
		if insertErr == nil {
			// Step 5: one more OS cross-check; an out-of-band binder may
			// have raced us between the scan and the commit.
			held, herr := r.prober.HasListener(ctx, candidate)
			if herr == nil && held {
				_ = r.store.WithTx(ctx, func(tx *sql.Tx) error {
					_, err := r.store.DeleteServiceTx(ctx, tx, req.ID)
					return err
				})
				metrics.RecordClaimRetry()
				continue
			}
			assignedPort = candidate
			break
		}
		if store.IsConflict(insertErr) {
			// The unique violation is ambiguous: either a concurrent
			// claimer took the candidate port, or a concurrent claim for
			// this same identity won the id insert. Re-read the id to
			// tell them apart — if the row now exists, the caller's
			// claim is satisfied by the winner's assignment.
			if winner, gerr := r.store.GetService(ctx, req.ID); gerr == nil {
				if err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
					return r.store.UpdateLastSeenTx(ctx, tx, req.ID, now)
				}); err != nil {
					return nil, apierr.Internal(err, "refresh service")
				}
				port := 0
				if winner.Port != nil {
					port = *winner.Port
				}
				return &ClaimResult{Port: port, Existing: true}, nil
			}
			metrics.RecordClaimRetry() // port taken by a concurrent claim; retry
			continue
		}
		return nil, apierr.Internal(insertErr, "insert service")
	}

	if assignedPort == 0 {
		return nil, apierr.Conflict("port assignment for %q did not converge after %d attempts", req.ID, maxCandidateRetries)
	}

	r.notifier.Notify(ctx, activity.ServiceClaim, req.ID, map[string]any{"port": assignedPort})
	return &ClaimResult{Port: assignedPort, Existing: false}, nil
}

// pickCandidate prefers an explicit port if it's free, otherwise scans
// the range in order.
func (r *Registry) pickCandidate(ctx context.Context, preferred *int, rangeStart, rangeEnd int) (int, error) {
	held, err := r.store.HeldPorts(ctx)
	if err != nil {
		return 0, apierr.Internal(err, "list held ports")
	}

	if preferred != nil {
		if !held[*preferred] {
			osHeld, err := r.prober.HasListener(ctx, *preferred)
			if err != nil {
				return 0, apierr.Internal(err, "probe preferred port")
			}
			if !osHeld {
				return *preferred, nil
			}
		}
		// Preferred port unavailable: fall back to scanning the range.
	}

	for p := rangeStart; p <= rangeEnd; p++ {
		if r.cfg.Reserved[p] || held[p] {
			continue
		}
		osHeld, err := r.prober.HasListener(ctx, p)
		if err != nil {
			return 0, apierr.Internal(err, "probe candidate port")
		}
		if osHeld {
			continue
		}
		return p, nil
	}
	return 0, apierr.Conflict("no free port in range [%d, %d]", rangeStart, rangeEnd)
}

// Get returns a service by its exact identity.
func (r *Registry) Get(ctx context.Context, id string) (*store.Service, error) {
	svc, err := r.store.GetService(ctx, id)
	if store.IsNotFound(err) {
		return nil, apierr.NotFound("no service %q", id)
	}
	if err != nil {
		return nil, apierr.Internal(err, "get service")
	}
	return svc, nil
}

// Find lists services matching f.
func (r *Registry) Find(ctx context.Context, f store.ServiceFilter) ([]store.Service, error) {
	out, err := r.store.ListServices(ctx, f)
	if err != nil {
		return nil, apierr.Internal(err, "list services")
	}
	return out, nil
}

// Release removes a single service by exact identity and returns its
// released port (nil for a port-less worker).
func (r *Registry) Release(ctx context.Context, id string) (*int, error) {
	svc, err := r.store.GetService(ctx, id)
	if store.IsNotFound(err) {
		return nil, apierr.NotFound("no service %q", id)
	}
	if err != nil {
		return nil, apierr.Internal(err, "get service")
	}
	now := r.store.NowMS()
	if err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := r.store.DeleteServiceTx(ctx, tx, id); err != nil {
			return err
		}
		return r.store.InsertActivityTx(ctx, tx, store.ActivityEntry{
			Timestamp: now, Type: activity.ServiceRelease, TargetID: id,
		})
	}); err != nil {
		return nil, apierr.Internal(err, "release service")
	}
	r.notifier.Notify(ctx, activity.ServiceRelease, id, nil)
	return svc.Port, nil
}

// ReleaseByPattern releases every service whose identity matches
// pattern, returning the ids and ports released.
func (r *Registry) ReleaseByPattern(ctx context.Context, pattern string) ([]string, []int, error) {
	if err := identity.ValidatePattern(pattern); err != nil {
		return nil, nil, err
	}
	matches, err := r.store.ListServices(ctx, store.ServiceFilter{LikePattern: identity.ToLikeClause(pattern)})
	if err != nil {
		return nil, nil, apierr.Internal(err, "list services by pattern")
	}
	return r.releaseAll(ctx, matches)
}

// ReleaseExpired releases every service whose expires_at has elapsed.
func (r *Registry) ReleaseExpired(ctx context.Context) ([]string, []int, error) {
	now := r.store.NowMS()
	matches, err := r.store.ListServices(ctx, store.ServiceFilter{ExpiredOnly: true, Now: now})
	if err != nil {
		return nil, nil, apierr.Internal(err, "list expired services")
	}
	return r.releaseAll(ctx, matches)
}

func (r *Registry) releaseAll(ctx context.Context, matches []store.Service) ([]string, []int, error) {
	now := r.store.NowMS()
	var ids []string
	var ports []int
	for _, svc := range matches {
		if err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := r.store.DeleteServiceTx(ctx, tx, svc.ID); err != nil {
				return err
			}
			return r.store.InsertActivityTx(ctx, tx, store.ActivityEntry{
				Timestamp: now, Type: activity.ServiceRelease, TargetID: svc.ID,
			})
		}); err != nil {
			return nil, nil, apierr.Internal(err, "release service")
		}
		ids = append(ids, svc.ID)
		if svc.Port != nil {
			ports = append(ports, *svc.Port)
		}
		r.notifier.Notify(ctx, activity.ServiceRelease, svc.ID, nil)
	}
	return ids, ports, nil
}

// SetEndpoint upserts the (service, env) -> url binding. env is a
// short lowercase token ("dev", "staging", "prod").
func (r *Registry) SetEndpoint(ctx context.Context, serviceID, env, url string) error {
	if _, err := r.Get(ctx, serviceID); err != nil {
		return err
	}
	if !validEnvToken(env) {
		return apierr.Validation("env must be a short lowercase token")
	}
	if err := validateEndpointURL(url); err != nil {
		return err
	}
	now := r.store.NowMS()
	if err := r.store.UpsertEndpoint(ctx, serviceID, env, url, now); err != nil {
		return apierr.Internal(err, "set endpoint")
	}
	return nil
}

// ListEndpoints returns every endpoint bound to serviceID.
func (r *Registry) ListEndpoints(ctx context.Context, serviceID string) ([]store.Endpoint, error) {
	out, err := r.store.ListEndpoints(ctx, serviceID)
	if err != nil {
		return nil, apierr.Internal(err, "list endpoints")
	}
	return out, nil
}

func validateEndpointURL(raw string) error {
	switch {
	case hasScheme(raw, "http://"), hasScheme(raw, "https://"), hasScheme(raw, "ws://"), hasScheme(raw, "wss://"):
		return nil
	default:
		return apierr.Validation("endpoint url must use http, https, ws, or wss")
	}
}

func hasScheme(s, scheme string) bool {
	return len(s) >= len(scheme) && s[:len(scheme)] == scheme
}

func validEnvToken(env string) bool {
	if env == "" || len(env) > 32 {
		return false
	}
	for _, c := range env {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' && c != '_' {
			return false
		}
	}
	return true
}

// ReleaseOwnedByTx implements the agents.ServiceOwner interface: it
// releases every service owned by ownerAgentID within tx, returning
// the ports freed, so the Agents component can reclaim a dead agent's
// resources without importing this package's full claim logic.
func (r *Registry) ReleaseOwnedByTx(ctx context.Context, tx *sql.Tx, ownerAgentID string) ([]int, error) {
	return r.store.DeleteServicesByOwnerTx(ctx, tx, ownerAgentID)
}
