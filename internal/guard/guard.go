// Package guard implements a keyed "at most one attempt per interval" limiter.
//
// The decision and the timestamp write happen in one atomic step, so two
// near-simultaneous callers can never both be told to proceed.
package guard

import (
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Guard tracks the last permitted attempt per key.
type Guard struct {
	last *xsync.MapOf[string, time.Time]
	now  func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// New creates an empty guard.
func New(opts ...Option) *Guard {
	g := &Guard{
		last: xsync.NewMapOf[string, time.Time](),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// TryAcquire returns true and records now as the last attempt when key has no
// prior attempt or the previous one is more than minInterval old. Otherwise it
// returns false and leaves the record untouched.
func (g *Guard) TryAcquire(key string, minInterval time.Duration) bool {
	now := g.now()
	acquired := false
	g.last.Compute(key, func(last time.Time, loaded bool) (time.Time, bool) {
		if loaded && now.Sub(last) <= minInterval {
			return last, false
		}
		acquired = true
		return now, false
	})
	return acquired
}

// LastAttempt returns the recorded time of the last permitted attempt.
func (g *Guard) LastAttempt(key string) (time.Time, bool) {
	return g.last.Load(key)
}

// Forget drops every key with the given prefix (e.g. all keys of one account).
func (g *Guard) Forget(prefix string) {
	g.last.Range(func(key string, _ time.Time) bool {
		if strings.HasPrefix(key, prefix) {
			g.last.Delete(key)
		}
		return true
	})
}
