package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter hands each bucket key its own rate.Limiter filled at the
// configured per-minute rate, with a burst of the full minute's budget.
// Limiters idle for over a minute are dropped on the next sweep so the
// map stays bounded by the set of recently active callers.
type rateLimiter struct {
	mu       sync.Mutex
	perMin   int
	limiters map[string]*keyedLimiter
	swept    time.Time
}

type keyedLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

func newRateLimiter(requestsPerMinute int) *rateLimiter {
	return &rateLimiter{
		perMin:   requestsPerMinute,
		limiters: make(map[string]*keyedLimiter),
		swept:    time.Now(),
	}
}

// setRate updates the per-minute rate in place, for hot-reload.
// Existing limiters pick up the new rate; their current fill carries
// over.
func (l *rateLimiter) setRate(requestsPerMinute int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.perMin = requestsPerMinute
	for _, k := range l.limiters {
		k.lim.SetLimit(perMinute(requestsPerMinute))
		k.lim.SetBurst(requestsPerMinute)
	}
}

func perMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / time.Minute.Seconds())
}

// Allow consumes one token from key's limiter, reporting whether one
// was available.
func (l *rateLimiter) Allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	if now.Sub(l.swept) > time.Minute {
		for k, kl := range l.limiters {
			if now.Sub(kl.seen) > time.Minute {
				delete(l.limiters, k)
			}
		}
		l.swept = now
	}
	kl, ok := l.limiters[key]
	if !ok {
		kl = &keyedLimiter{lim: rate.NewLimiter(perMinute(l.perMin), l.perMin)}
		l.limiters[key] = kl
	}
	kl.seen = now
	l.mu.Unlock()

	return kl.lim.Allow()
}
