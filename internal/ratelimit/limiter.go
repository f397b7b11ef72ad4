// Package ratelimit implements the fixed-window admission check used in front
// of the signup endpoint, with an in-process store and a Redis-backed variant.
package ratelimit

import (
	"context"
	"time"
)

// Policy bounds a client key to MaxRequests admissions per Window.
type Policy struct {
	MaxRequests int
	Window      time.Duration
}

// Entry is the accounting state for one client key.
type Entry struct {
	Count   int
	ResetAt time.Time
}

// Expired reports whether the entry's window has elapsed at now.
func (e Entry) Expired(now time.Time) bool { return now.After(e.ResetAt) }

// Limiter decides whether a request from key may proceed. Allow never fails:
// a backend problem is the implementation's to log, and it admits.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) bool
	Peek(ctx context.Context, key string) (Entry, bool)
}

// Step applies one request to the current state of a key.
// It returns the new entry, whether the request is admitted, and whether the
// entry changed. A rejected request never mutates the entry.
func (p Policy) Step(cur Entry, exists bool, now time.Time) (Entry, bool, bool) {
	if !exists || cur.Expired(now) {
		return Entry{Count: 1, ResetAt: now.Add(p.Window)}, true, true
	}
	if cur.Count >= p.MaxRequests {
		return cur, false, false
	}

	cur.Count++
	return cur, true, true
}

// Disabled reports whether the policy admits everything.
func (p Policy) Disabled() bool { return p.MaxRequests <= 0 || p.Window <= 0 }

// RetryAfter is the wait until the entry's window resets, rounded up to whole seconds.
func RetryAfter(e Entry, now time.Time) time.Duration {
	d := e.ResetAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return ((d + time.Second - 1) / time.Second) * time.Second
}
