package session

import (
	"time"

	"github.com/mcpforge/coreserver/internal/obslog"
)

// StartReaper launches the background sweep goroutine described in
// spec.md §4.C. Reaping is best-effort and advisory only: Get/Take always
// re-check expiry themselves, so a slow or paused reaper never produces
// an incorrect answer, only delayed memory reclamation.
func (s *Store) StartReaper() {
	s.reaperOnce.Do(func() {
		go s.reapLoop()
	})
}

// StopReaper stops the sweep goroutine. Safe to call even if StartReaper
// was never called.
func (s *Store) StopReaper() {
	select {
	case <-s.stopReaper:
		// already closed
	default:
		close(s.stopReaper)
	}
}

func (s *Store) reapLoop() {
	ticker := time.NewTicker(s.reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopReaper:
			return
		}
	}
}

func (s *Store) sweep() {
	now := time.Now()

	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		s.mu.RLock()
		ctx, ok := s.sessions[id]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		if ctx.isExpired(now) {
			s.mu.Lock()
			delete(s.sessions, id)
			s.mu.Unlock()
			obslog.Publish(obslog.Event{Time: now, EventType: obslog.SessionDestroyed, Payload: map[string]interface{}{"sessionId": id, "reason": "ttl_expired"}})
			continue
		}
		s.sweepEntries(ctx, now)
	}
}

func (s *Store) sweepEntries(ctx *Context, now time.Time) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	for k, e := range ctx.memory {
		if now.After(e.expiresAt) {
			delete(ctx.memory, k)
		}
	}
}
