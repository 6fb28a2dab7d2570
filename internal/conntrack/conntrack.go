// Package conntrack enforces the connection caps that keep one origin
// from starving the long-poll and streaming populations the HTTP
// surface serves: a global cap per population plus a smaller per-origin
// cap within it.
package conntrack

import "sync"

// Kind identifies which population a connection belongs to.
type Kind int

const (
	LongPoll Kind = iota
	Stream
)

// Config holds the configured caps. Zero values disable a cap.
type Config struct {
	MaxLongPoll      int
	MaxStream        int
	MaxPerOriginLong int
	MaxPerOriginStrm int
}

// DefaultConfig returns the daemon's default caps.
func DefaultConfig() Config {
	return Config{MaxLongPoll: 50, MaxStream: 100, MaxPerOriginLong: 5, MaxPerOriginStrm: 5}
}

// Tracker counts live connections per population and per origin within
// each population.
type Tracker struct {
	mu     sync.Mutex
	cfg    Config
	total  [2]int
	origin [2]map[string]int
}

// New constructs a Tracker.
func New(cfg Config) *Tracker {
	return &Tracker{
		cfg:    cfg,
		origin: [2]map[string]int{LongPoll: make(map[string]int), Stream: make(map[string]int)},
	}
}

// SetConfig updates the caps in place, for hot-reload.
func (t *Tracker) SetConfig(cfg Config) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg = cfg
}

func (t *Tracker) maxTotal(kind Kind) int {
	if kind == LongPoll {
		return t.cfg.MaxLongPoll
	}
	return t.cfg.MaxStream
}

func (t *Tracker) maxPerOrigin(kind Kind) int {
	if kind == LongPoll {
		return t.cfg.MaxPerOriginLong
	}
	return t.cfg.MaxPerOriginStrm
}

// CanOpen reports whether a new connection of kind from origin would
// stay within both the total and per-origin caps.
func (t *Tracker) CanOpen(kind Kind, origin string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if max := t.maxTotal(kind); max > 0 && t.total[kind] >= max {
		return false
	}
	if max := t.maxPerOrigin(kind); max > 0 && t.origin[kind][origin] >= max {
		return false
	}
	return true
}

// Track registers one open connection of kind from origin. Callers
// must call the returned release func exactly once, including on
// abnormal disconnect (client drop, timeout, error), to avoid leaking
// a counted slot.
func (t *Tracker) Track(kind Kind, origin string) (release func()) {
	t.mu.Lock()
	t.total[kind]++
	t.origin[kind][origin]++
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.total[kind]--
			if t.total[kind] < 0 {
				t.total[kind] = 0
			}
			n := t.origin[kind][origin] - 1
			if n <= 0 {
				delete(t.origin[kind], origin)
			} else {
				t.origin[kind][origin] = n
			}
		})
	}
}

// Counts returns the current total connections for kind, for
// diagnostics/status endpoints.
func (t *Tracker) Counts(kind Kind) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total[kind]
}
