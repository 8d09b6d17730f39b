// Package ratelimit provides per-sender fixed-window rate limiting keyed by
// normalized phone number. Windows reset at fixed boundaries; state is
// instance-local and advisory.
package ratelimit

import (
	"sync"
	"time"

	"wa-router/internal/common/logging"
)

// Config holds rate limiter tuning
type Config struct {
	// Window is the fixed window size
	Window time.Duration
	// MaxRequests is the allowance per window
	MaxRequests int
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Window:      time.Minute,
		MaxRequests: 30,
	}
}

// Result describes the outcome of one rate limit check
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

type entry struct {
	count       int
	windowStart time.Time
}

// Limiter tracks request counts per identity. Check mutates (it starts or
// increments a window), so callers must invoke it exactly once per inbound
// request and never speculatively. Cleanup is the caller's job via Sweep;
// the limiter schedules nothing itself.
type Limiter struct {
	config  Config
	entries map[string]*entry
	logger  logging.Logger
	now     func() time.Time
	mu      sync.Mutex
}

// NewLimiter creates a rate limiter
func NewLimiter(config Config, logger logging.Logger) *Limiter {
	if config.Window < time.Second {
		config.Window = time.Second
	}
	if config.MaxRequests < 1 {
		config.MaxRequests = 1
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Limiter{
		config:  config,
		entries: make(map[string]*entry),
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Check consumes one request from the identity's window. The identity is
// normalized first, so differently formatted representations of one phone
// number share a bucket. A blocked check does not increment.
func (l *Limiter) Check(identity string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := NormalizePhone(identity)

	e, ok := l.entries[key]
	if !ok || now.Sub(e.windowStart) >= l.config.Window {
		e = &entry{windowStart: now}
		l.entries[key] = e
	}

	resetAt := e.windowStart.Add(l.config.Window)

	if e.count >= l.config.MaxRequests {
		l.logger.Warn("RATE_LIMIT_EXCEEDED",
			logging.String("phone", MaskPhone(identity)),
			logging.Int("count", e.count),
			logging.Int("limit", l.config.MaxRequests),
			logging.Duration("window", l.config.Window),
		)
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt}
	}

	e.count++
	return Result{
		Allowed:   true,
		Remaining: l.config.MaxRequests - e.count,
		ResetAt:   resetAt,
	}
}

// Sweep deletes entries whose window started more than twice the window size
// ago and returns the number removed. Callers invoke it periodically, e.g.
// every Nth request.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, e := range l.entries {
		if now.Sub(e.windowStart) >= 2*l.config.Window {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// Size returns the number of tracked identities, for health reporting.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
