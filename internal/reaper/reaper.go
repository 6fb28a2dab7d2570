// Package reaper runs the periodic background pass that enforces
// cross-table invariants: a dead PID implies a released port implies
// released locks implies a queued resurrection. It composes the core
// components rather than duplicating their logic, and wraps each step
// in its own transaction so a failure in one step never blocks the
// rest of the pass.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/portdaddy/portd/internal/activity"
	"github.com/portdaddy/portd/internal/agents"
	"github.com/portdaddy/portd/internal/messages"
	"github.com/portdaddy/portd/internal/metrics"
	"github.com/portdaddy/portd/internal/services"
	"github.com/portdaddy/portd/internal/sessions"
	"github.com/portdaddy/portd/internal/store"
	"github.com/portdaddy/portd/internal/webhooks"
)

// Config holds the retention/cap knobs the reaper enforces.
type Config struct {
	Interval          time.Duration
	ChannelMaxDepth   int
	ActivityRetention time.Duration
	ActivityMaxRows   int
	DeliveryRetention time.Duration
	NoteRetention     time.Duration
}

// DefaultConfig returns reasonable production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:          5 * time.Minute,
		ChannelMaxDepth:   10000,
		ActivityRetention: 30 * 24 * time.Hour,
		ActivityMaxRows:   1_000_000,
		DeliveryRetention: 7 * 24 * time.Hour,
		NoteRetention:     30 * 24 * time.Hour,
	}
}

// ProcessProber is the minimal liveness surface the dead-PID sweep
// needs. Satisfied by *osprobe.Prober.
type ProcessProber interface {
	ProcessAlive(ctx context.Context, pid int) bool
}

// Reaper holds references to every component whose invariants it enforces.
type Reaper struct {
	store    *store.Store
	prober   ProcessProber
	services *services.Registry
	agents   *agents.Registry
	messages *messages.Bus
	sessions *sessions.Manager
	webhooks *webhooks.Dispatcher
	log      *slog.Logger
	cfg      Config
}

// New constructs a Reaper.
func New(st *store.Store, prober ProcessProber, svc *services.Registry, ag *agents.Registry, msg *messages.Bus, sess *sessions.Manager, wh *webhooks.Dispatcher, log *slog.Logger, cfg Config) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{store: st, prober: prober, services: svc, agents: ag, messages: msg, sessions: sess, webhooks: wh, log: log, cfg: cfg}
}

// SetConfig updates the reaper's tunables in place, for hot-reload.
func (r *Reaper) SetConfig(cfg Config) { r.cfg = cfg }

// Run fires Pass on every tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Pass(ctx)
		}
	}
}

// Pass runs one full ordered sweep. Ordering matters: services before
// agents ensures agent cleanup sees ports already released, and
// activity trim runs after the service, message and agent steps so
// the activity they emit is written before it is pruned; webhook and
// session-note trims follow.
func (r *Reaper) Pass(ctx context.Context) {
	start := time.Now()
	r.releaseExpiredServices(ctx)
	r.cleanMessages(ctx)
	r.sweepAgents(ctx)
	r.trimActivity(ctx)
	r.trimWebhooks(ctx)
	r.trimSessionNotes(ctx)
	metrics.RecordReaperPass(time.Since(start))
}

func (r *Reaper) releaseExpiredServices(ctx context.Context) {
	ids, ports, err := r.services.ReleaseExpired(ctx)
	if err != nil {
		r.log.Error("reaper: release expired services", "error", err)
		return
	}
	if len(ids) > 0 {
		r.log.Info("reaper: released expired services", "count", len(ids), "ports", ports)
	}

	live, err := r.services.Find(ctx, store.ServiceFilter{})
	if err != nil {
		r.log.Error("reaper: list services", "error", err)
		return
	}
	for _, svc := range live {
		if svc.PID == nil {
			continue
		}
		if !r.prober.ProcessAlive(ctx, *svc.PID) {
			if _, err := r.services.Release(ctx, svc.ID); err != nil {
				r.log.Error("reaper: release dead-pid service", "id", svc.ID, "error", err)
			}
		}
	}
}

func (r *Reaper) cleanMessages(ctx context.Context) {
	now := r.store.NowMS()
	n, err := r.store.DeleteExpiredMessages(ctx, now)
	if err != nil {
		r.log.Error("reaper: delete expired messages", "error", err)
	} else if n > 0 {
		r.log.Info("reaper: deleted expired messages", "count", n)
	}

	channels, err := r.store.ChannelsOverCap(ctx, r.cfg.ChannelMaxDepth)
	if err != nil {
		r.log.Error("reaper: list channels over cap", "error", err)
		return
	}
	for _, ch := range channels {
		if _, err := r.store.TrimChannelDepth(ctx, ch, r.cfg.ChannelMaxDepth); err != nil {
			r.log.Error("reaper: trim channel depth", "channel", ch, "error", err)
		}
	}
}

func (r *Reaper) sweepAgents(ctx context.Context) {
	result, err := r.agents.SweepStale(ctx)
	if err != nil {
		r.log.Error("reaper: sweep stale agents", "error", err)
		return
	}
	if result.MarkedStale > 0 || result.MarkedDead > 0 {
		r.log.Info("reaper: agent sweep", "stale", result.MarkedStale, "dead", result.MarkedDead)
		_ = r.store.InsertActivity(ctx, store.ActivityEntry{Timestamp: r.store.NowMS(), Type: activity.AgentCleanup})
	}
}

func (r *Reaper) trimActivity(ctx context.Context) {
	cutoff := r.store.NowMS() - r.cfg.ActivityRetention.Milliseconds()
	n, err := r.store.TrimActivity(ctx, cutoff, r.cfg.ActivityMaxRows)
	if err != nil {
		r.log.Error("reaper: trim activity", "error", err)
		return
	}
	if n > 0 {
		r.log.Info("reaper: trimmed activity log", "count", n)
	}
}

func (r *Reaper) trimWebhooks(ctx context.Context) {
	cutoff := r.store.NowMS() - r.cfg.DeliveryRetention.Milliseconds()
	if _, err := r.store.TrimDeliveries(ctx, cutoff); err != nil {
		r.log.Error("reaper: trim webhook deliveries", "error", err)
	}
	if err := r.webhooks.Reschedule(ctx); err != nil {
		r.log.Error("reaper: reschedule webhook deliveries", "error", err)
	}
}

func (r *Reaper) trimSessionNotes(ctx context.Context) {
	cutoff := r.store.NowMS() - r.cfg.NoteRetention.Milliseconds()
	n, err := r.store.TrimNotesForInactiveSessions(ctx, cutoff)
	if err != nil {
		r.log.Error("reaper: trim session notes", "error", err)
		return
	}
	if n > 0 {
		r.log.Info("reaper: trimmed session notes", "count", n)
	}
}
