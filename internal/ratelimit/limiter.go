// Package ratelimit tracks failed authentication attempts per source IP
// over a sliding window and installs a temporary lockout when the failure
// threshold is crossed. It protects the login endpoint only; WebSocket
// auth is covered by the single-session lock and token entropy.
package ratelimit

import (
	"sync"
	"time"
)

// Defaults match the login endpoint policy: five failures inside a minute
// lock the IP out for five minutes.
const (
	DefaultWindow      = 60 * time.Second
	DefaultMaxFailures = 5
	DefaultLockout     = 300 * time.Second
)

type entry struct {
	failures    []time.Time
	lockedUntil time.Time
}

// Limiter is a per-IP sliding-window failure tracker. All methods are safe
// for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry

	window      time.Duration
	maxFailures int
	lockout     time.Duration

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a Limiter with the given policy. Zero values select the
// defaults.
func New(window time.Duration, maxFailures int, lockout time.Duration) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	if lockout <= 0 {
		lockout = DefaultLockout
	}
	return &Limiter{
		entries:     make(map[string]*entry),
		window:      window,
		maxFailures: maxFailures,
		lockout:     lockout,
		now:         time.Now,
	}
}

// IsBlocked reports whether ip is currently locked out and, if so, how
// long until the lockout expires. An expired lockout clears the record.
func (l *Limiter) IsBlocked(ip string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[ip]
	if !ok {
		return false, 0
	}
	now := l.now()
	if !e.lockedUntil.IsZero() {
		if now.Before(e.lockedUntil) {
			return true, e.lockedUntil.Sub(now)
		}
		// Lockout served; forget the IP entirely.
		delete(l.entries, ip)
		return false, 0
	}
	l.evict(e, now)
	return false, 0
}

// Record notes the outcome of an authentication attempt. Success clears
// all state for the IP; a failure that crosses the threshold installs the
// lockout deadline.
func (l *Limiter) Record(ip string, success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if success {
		delete(l.entries, ip)
		return
	}

	now := l.now()
	e, ok := l.entries[ip]
	if !ok {
		e = &entry{}
		l.entries[ip] = e
	}
	l.evict(e, now)
	e.failures = append(e.failures, now)
	if len(e.failures) >= l.maxFailures {
		e.lockedUntil = now.Add(l.lockout)
	}
}

// RemainingAttempts returns how many more failures ip may accumulate in
// the current window before lockout. Returns 0 while locked out.
func (l *Limiter) RemainingAttempts(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[ip]
	if !ok {
		return l.maxFailures
	}
	now := l.now()
	if !e.lockedUntil.IsZero() && now.Before(e.lockedUntil) {
		return 0
	}
	l.evict(e, now)
	remaining := l.maxFailures - len(e.failures)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// evict drops failure timestamps that have aged out of the window.
// Caller holds the mutex.
func (l *Limiter) evict(e *entry, now time.Time) {
	cutoff := now.Add(-l.window)
	kept := e.failures[:0]
	for _, ts := range e.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.failures = kept
}
