// Package osprobe answers two questions the coordination kernel cannot
// get from its own database: is a given PID still alive, and what TCP
// ports does the operating system itself think are bound right now.
// Both answers come from short-lived external calls (signal-zero checks
// and an "lsof"/"netstat" spawn) and are given hard timeouts so a slow
// or hung OS tool never blocks the claim path.
package osprobe

import (
	"bytes"
	"context"
	"os/exec"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/portdaddy/portd/internal/lockfile"
	"golang.org/x/sync/singleflight"
)

const (
	// ProcessLivenessTimeout bounds the process-liveness check.
	ProcessLivenessTimeout = 1 * time.Second
	// ListenerEnumerationTimeout bounds the OS listener-enumeration spawn.
	ListenerEnumerationTimeout = 5 * time.Second
	// maxListenerOutput caps the captured stdout of the enumeration tool.
	maxListenerOutput = 1 << 20 // 1 MiB
	// cacheTTL is how long an enumeration result is served before refresh.
	cacheTTL = 10 * time.Second
)

// Listener describes one OS-level TCP listener.
type Listener struct {
	Port    int    `json:"port"`
	PID     int    `json:"pid"`
	Command string `json:"command,omitempty"`
	User    string `json:"user,omitempty"`
}

// Prober answers liveness and listener-enumeration questions, caching
// the (expensive) listener enumeration for cacheTTL and collapsing
// concurrent refreshes with singleflight so the common claim path stays
// fast under load.
type Prober struct {
	group singleflight.Group

	mu       sync.Mutex // guards the snapshot below
	cacheAt  time.Time
	cached   []Listener
	listFunc func(ctx context.Context) ([]Listener, error)
}

// New returns a Prober using the real OS tools (lsof on Unix, netstat on
// Windows).
func New() *Prober {
	return &Prober{listFunc: enumerateListeners}
}

// ProcessAlive reports whether pid currently names a live process. A
// failed or ambiguous probe is treated as "not alive".
func (p *Prober) ProcessAlive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, ProcessLivenessTimeout)
	defer cancel()

	done := make(chan bool, 1)
	go func() { done <- lockfile.IsProcessRunning(pid) }()

	select {
	case alive := <-done:
		return alive
	case <-ctx.Done():
		return false
	}
}

// Listeners returns the current set of OS-level TCP listeners, sorted by
// port then PID, deduplicated. Uses (and may refresh) the 10s cache.
func (p *Prober) Listeners(ctx context.Context) ([]Listener, error) {
	p.mu.Lock()
	if !p.cacheAt.IsZero() && time.Since(p.cacheAt) < cacheTTL {
		cached := p.cached
		p.mu.Unlock()
		return cached, nil
	}
	p.mu.Unlock()

	v, err, _ := p.group.Do("listeners", func() (any, error) {
		lctx, cancel := context.WithTimeout(ctx, ListenerEnumerationTimeout)
		defer cancel()
		ls, lerr := p.listFunc(lctx)
		p.mu.Lock()
		defer p.mu.Unlock()
		if lerr != nil {
			if p.cacheAt.IsZero() {
				// No prior cache to fall back on; surface the error.
				return nil, lerr
			}
			// Serve the last cache (even if expired) rather than fail open.
			return p.cached, nil
		}
		ls = dedupeSort(ls)
		p.cached = ls
		p.cacheAt = time.Now()
		return ls, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Listener), nil
}

// HasListener reports whether any OS listener currently holds port.
func (p *Prober) HasListener(ctx context.Context, port int) (bool, error) {
	listeners, err := p.Listeners(ctx)
	if err != nil {
		return false, err
	}
	for _, l := range listeners {
		if l.Port == port {
			return true, nil
		}
	}
	return false, nil
}

func dedupeSort(in []Listener) []Listener {
	seen := make(map[int]Listener, len(in))
	for _, l := range in {
		if _, ok := seen[l.Port]; !ok {
			seen[l.Port] = l
		}
	}
	out := make([]Listener, 0, len(seen))
	for _, l := range seen {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

func enumerateListeners(ctx context.Context) ([]Listener, error) {
	if runtime.GOOS == "windows" {
		return enumerateViaNetstat(ctx)
	}
	return enumerateViaLsof(ctx)
}

func enumerateViaLsof(ctx context.Context) ([]Listener, error) {
	cmd := exec.CommandContext(ctx, "lsof", "-nP", "-iTCP", "-sTCP:LISTEN")
	var out bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &out, max: maxListenerOutput}
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	return parseLsof(out.Bytes()), nil
}

func enumerateViaNetstat(ctx context.Context) ([]Listener, error) {
	cmd := exec.CommandContext(ctx, "netstat", "-ano", "-p", "TCP")
	var out bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &out, max: maxListenerOutput}
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	return parseNetstat(out.Bytes()), nil
}

// limitedWriter caps how much of a subprocess's stdout we retain.
type limitedWriter struct {
	w     *bytes.Buffer
	max   int
	count int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.count >= l.max {
		return len(p), nil // discard, but report success so the pipe doesn't block
	}
	remaining := l.max - l.count
	if len(p) > remaining {
		p = p[:remaining]
	}
	n, err := l.w.Write(p)
	l.count += n
	return len(p), err
}
