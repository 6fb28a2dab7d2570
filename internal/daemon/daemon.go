// Package daemon is the lifecycle layer: it builds every core
// component from a config.Config, binds the dual Unix-socket/TCP
// listeners, starts the reaper and webhook delivery loops, and drives
// graceful shutdown. Dependencies are built bottom up, handed to an
// http.Server, and torn down in reverse order on signal.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/portdaddy/portd/internal/activity"
	"github.com/portdaddy/portd/internal/agents"
	"github.com/portdaddy/portd/internal/codehash"
	"github.com/portdaddy/portd/internal/config"
	"github.com/portdaddy/portd/internal/conntrack"
	"github.com/portdaddy/portd/internal/httpapi"
	"github.com/portdaddy/portd/internal/lockfile"
	"github.com/portdaddy/portd/internal/locks"
	"github.com/portdaddy/portd/internal/messages"
	"github.com/portdaddy/portd/internal/metrics"
	"github.com/portdaddy/portd/internal/osprobe"
	"github.com/portdaddy/portd/internal/reaper"
	"github.com/portdaddy/portd/internal/services"
	"github.com/portdaddy/portd/internal/sessions"
	"github.com/portdaddy/portd/internal/store"
	"github.com/portdaddy/portd/internal/webhooks"
)

// Daemon owns every long-lived resource started at boot: the Store,
// the background loops, and the two listeners.
type Daemon struct {
	cfg     config.Config
	log     *slog.Logger
	version string

	store      *store.Store
	services   *services.Registry
	locksMgr   *locks.Manager
	messages   *messages.Bus
	agentsReg  *agents.Registry
	sessions   *sessions.Manager
	webhooksD  *webhooks.Dispatcher
	reaperP    *reaper.Reaper
	prober     *osprobe.Prober
	conns      *conntrack.Tracker
	metricsH   *metrics.Handle

	server   *http.Server
	api      *httpapi.Server
	unixLn   net.Listener
	tcpLn    net.Listener
	daemonLk *lockfile.DaemonLock

	cancelBackground context.CancelFunc
}

// Options configures a boot beyond what Config carries.
type Options struct {
	// StateDir holds the single-instance lock file. Defaults to the
	// config DB's directory when empty.
	StateDir string
	// DebugMetrics, when true, also streams metrics to stdout.
	DebugMetrics bool
}

// Boot constructs every component and binds both listeners, but does
// not yet start accepting connections on them (call Run for that).
func Boot(cfg config.Config, log *slog.Logger, opts Options) (*Daemon, error) {
	if log == nil {
		log = slog.Default()
	}

	stateDir := opts.StateDir
	if stateDir == "" {
		stateDir = "."
		if cfg.Service.DBPath != "" && cfg.Service.DBPath != ":memory:" {
			stateDir = filepath.Dir(cfg.Service.DBPath)
		}
	}
	lk, err := lockfile.Acquire(stateDir, lockfile.LockInfo{
		PID: os.Getpid(), Database: cfg.Service.DBPath, StartedAt: time.Now(),
	})
	if err != nil {
		if errors.Is(err, lockfile.ErrLockBusy) {
			if info, herr := lockfile.Holder(stateDir); herr == nil && info.PID > 0 {
				return nil, fmt.Errorf("another portd instance (pid %d) already owns %s", info.PID, stateDir)
			}
			return nil, fmt.Errorf("another portd instance already owns %s", stateDir)
		}
		return nil, fmt.Errorf("acquire daemon lock: %w", err)
	}

	st, err := store.Open(cfg.Service.DBPath, nil)
	if err != nil {
		_ = lk.Release()
		return nil, fmt.Errorf("open store: %w", err)
	}

	hash, err := codehash.Compute("cmd/portd/main.go", "internal")
	if err != nil {
		log.Warn("code hash computation failed", "error", err)
		hash = "unknown"
	}

	metricsHandle, err := metrics.Init(opts.DebugMetrics)
	if err != nil {
		_ = st.Close()
		_ = lk.Release()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	prober := osprobe.New()
	wh := webhooks.New(st, log)

	svc := services.New(st, prober, wh, services.Config{
		RangeStart: cfg.Ports.RangeStart,
		RangeEnd:   cfg.Ports.RangeEnd,
		Reserved:   cfg.ReservedSet(),
	})
	lockMgr := locks.New(st, wh)
	msgBus := messages.New(st, wh)
	sessMgr := sessions.New(st, wh)
	agentsMgr := agents.New(st, prober, svc, lockMgr, wh, agents.DefaultConfig())

	reap := reaper.New(st, prober, svc, agentsMgr, msgBus, sessMgr, wh, log, withInterval(reaper.DefaultConfig(), cfg.Cleanup.IntervalMS))
	conns := conntrack.New(conntrack.DefaultConfig())

	d := &Daemon{
		cfg: cfg, log: log, version: hash,
		store: st, services: svc, locksMgr: lockMgr, messages: msgBus,
		agentsReg: agentsMgr, sessions: sessMgr, webhooksD: wh, reaperP: reap,
		prober: prober, conns: conns, metricsH: metricsHandle, daemonLk: lk,
	}

	srvHandle := &httpapi.Server{
		Services: svc, Locks: lockMgr, Messages: msgBus, Agents: agentsMgr,
		Sessions: sessMgr, Webhooks: wh, Store: st, Conns: conns,
		Reaper: reap, OSProbe: prober, Metrics: metricsHandle,
		Log: log, Version: hash, StartedAt: time.Now(),
		ConfigSnapshot: func() config.Config { return d.cfg },
		RateLimit:      httpapi.RateLimitConfig{RequestsPerMinute: cfg.Security.RateLimit.RequestsPerMinute},
	}
	handler := httpapi.NewServer(srvHandle)
	d.api = srvHandle
	d.server = &http.Server{Handler: handler}

	if err := d.bindListeners(); err != nil {
		_ = st.Close()
		_ = lk.Release()
		return nil, err
	}

	return d, nil
}

func withInterval(cfg reaper.Config, intervalMS int64) reaper.Config {
	if intervalMS > 0 {
		cfg.Interval = time.Duration(intervalMS) * time.Millisecond
	}
	return cfg
}

// bindListeners opens the Unix domain socket (removing any stale file
// first) and, unless disabled, the TCP listener.
func (d *Daemon) bindListeners() error {
	if d.cfg.Service.SocketPath != "" {
		_ = os.Remove(d.cfg.Service.SocketPath)
		ln, err := net.Listen("unix", d.cfg.Service.SocketPath)
		if err != nil {
			return fmt.Errorf("bind unix socket %s: %w", d.cfg.Service.SocketPath, err)
		}
		if err := os.Chmod(d.cfg.Service.SocketPath, 0o600); err != nil {
			d.log.Warn("chmod socket failed", "path", d.cfg.Service.SocketPath, "error", err)
		}
		d.unixLn = ln
	}

	if !d.cfg.Service.NoTCP {
		addr := fmt.Sprintf("%s:%d", d.cfg.Service.Host, d.cfg.Service.TCPPort)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("bind tcp %s: %w", addr, err)
		}
		d.tcpLn = ln
	}
	return nil
}

// Run starts serving both listeners and the background loops, and
// blocks until ctx is cancelled (typically by a signal handler in the
// caller). It returns nil on a clean shutdown (http.ErrServerClosed is
// translated to nil) and the serving error otherwise.
func (d *Daemon) Run(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(ctx)
	d.cancelBackground = cancel

	go d.reaperP.Run(bgCtx)
	go d.webhooksD.Run(bgCtx, 2*time.Second)
	if err := d.webhooksD.Reschedule(bgCtx); err != nil {
		d.log.Warn("requeue pending webhook deliveries", "error", err)
	}

	d.logStart(bgCtx)

	g, gctx := errgroup.WithContext(ctx)
	if d.unixLn != nil {
		g.Go(func() error { return serveUntilClosed(d.server, d.unixLn) })
	}
	if d.tcpLn != nil {
		g.Go(func() error { return serveUntilClosed(d.server, d.tcpLn) })
	}

	// gctx ends either when the caller's ctx is cancelled (signal) or
	// when a listener fails; shutdown unblocks the remaining Serve calls.
	<-gctx.Done()
	shutdownErr := d.shutdown()
	if err := g.Wait(); err != nil {
		return err
	}
	return shutdownErr
}

func serveUntilClosed(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (d *Daemon) logStart(ctx context.Context) {
	now := d.store.NowMS()
	_ = d.store.InsertActivity(ctx, store.ActivityEntry{Timestamp: now, Type: activity.DaemonStart, Details: d.version})
	d.webhooksD.Notify(ctx, "daemon.start", "", map[string]string{"version": d.version})
}

// shutdown stops the background loops and both listeners without
// blocking on slow webhook deliveries.
func (d *Daemon) shutdown() error {
	ctx := context.Background()
	now := d.store.NowMS()
	_ = d.store.InsertActivity(ctx, store.ActivityEntry{Timestamp: now, Type: activity.DaemonStop, Details: d.version})
	d.webhooksD.Notify(ctx, "daemon.stop", "", map[string]string{"version": d.version})

	if d.cancelBackground != nil {
		d.cancelBackground()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = d.server.Shutdown(shutdownCtx)

	if d.cfg.Service.SocketPath != "" {
		_ = os.Remove(d.cfg.Service.SocketPath)
	}
	_ = d.store.Close()
	_ = d.daemonLk.Release()
	return nil
}

// SetConfig applies the hot-reloadable subset of a newly loaded config
// to every component that owns a tunable knob.
func (d *Daemon) SetConfig(cfg config.Config) {
	d.cfg = cfg
	hot := cfg.Hot()
	d.services.SetConfig(services.Config{
		RangeStart: cfg.Ports.RangeStart, RangeEnd: cfg.Ports.RangeEnd, Reserved: hot.Reserved,
	})
	d.reaperP.SetConfig(withInterval(reaper.DefaultConfig(), hot.CleanupIntervalMS))
	d.api.SetRateLimit(hot.RateLimitPerMinute)
}

// Version returns the computed code hash exposed at /version.
func (d *Daemon) Version() string { return d.version }
