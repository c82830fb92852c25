package ratelimit

import (
	"sync"
	"time"
)

// Limiter answers whether a caller identified by key may consume n more
// records right now. Implementations are injected into the ingestion
// handlers rather than held as package state, so tests can drive them with
// a fake clock.
type Limiter interface {
	Allow(key string, n, limit int) bool
}

type windowEntry struct {
	count   int
	resetAt time.Time
}

// WindowLimiter is a fixed-window counter keyed by caller id. State is
// process-local and ephemeral: it does not survive restarts and is not
// shared across processes. That makes it a best-effort guard against rapid
// re-invocation, not a correctness guarantee.
type WindowLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]*windowEntry
	now     func() time.Time
}

// NewWindowLimiter creates a limiter with the given window size.
func NewWindowLimiter(window time.Duration) *WindowLimiter {
	return &WindowLimiter{
		window:  window,
		entries: make(map[string]*windowEntry),
		now:     time.Now,
	}
}

// Allow records n units against key and reports whether the total within the
// current window stays at or under limit. A denied call still counts: the
// window only resets when it expires.
func (l *WindowLimiter) Allow(key string, n, limit int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = &windowEntry{count: n, resetAt: now.Add(l.window)}
		return n <= limit
	}

	entry.count += n
	return entry.count <= limit
}
