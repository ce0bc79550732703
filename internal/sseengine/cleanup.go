package sseengine

import (
	"context"
	"time"
)

// uninitializedGrace is how long an un-initialized session is tolerated
// before the cleanup loop reaps it.
const uninitializedGrace = 60 * time.Second

// sessionTimeout returns the idle timeout for the current load, shedding
// sooner as the session count grows (300s default, 225s above 50 sessions,
// 150s above 100 sessions).
func (e *Engine) sessionTimeout() time.Duration {
	base := e.cleanup.SessionTimeoutSeconds
	if base <= 0 {
		base = 300
	}
	n := e.SessionCount()
	switch {
	case n > 100:
		return 150 * time.Second
	case n > 50:
		return 225 * time.Second
	default:
		return time.Duration(base) * time.Second
	}
}

// expired reports whether a session satisfies any expiry predicate: idle
// beyond the (load-adjusted) session timeout, older than 3x that timeout
// regardless of activity, its pending queue over the (load-adjusted) bound,
// or uninitialized past the 60s grace period.
func (e *Engine) expired(s *Session, now time.Time, timeout time.Duration, bound int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.LastActivity) > timeout {
		return true
	}
	if now.Sub(s.CreatedAt) > 3*timeout {
		return true
	}
	if len(s.pending) > bound {
		return true
	}
	if !s.IsInitialized && now.Sub(s.CreatedAt) > uninitializedGrace {
		return true
	}
	return false
}

// RunCleanupLoop runs the background session-reaping task every
// e.cleanup.IntervalSeconds until ctx is canceled.
func (e *Engine) RunCleanupLoop(ctx context.Context) {
	interval := time.Duration(e.cleanup.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepOnce()
		}
	}
}

func (e *Engine) sweepOnce() {
	now := time.Now()
	timeout := e.sessionTimeout()
	bound := e.pendingBound()

	e.mu.Lock()
	var toRemove []string
	for id, s := range e.sessions {
		if e.expired(s, now, timeout, bound) {
			toRemove = append(toRemove, id)
		}
	}
	e.mu.Unlock()

	for _, id := range toRemove {
		e.UnregisterSession(id)
	}
	if len(toRemove) > 0 {
		e.logger.Info("cleanup swept expired sessions", "count", len(toRemove))
	}
}
