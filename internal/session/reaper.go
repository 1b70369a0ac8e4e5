package session

import (
	"context"
	"log/slog"
	"time"
)

// StartReaper runs a periodic scan for sessions that have been empty for
// at least grace and are also reapable per extra (typically "no pending
// orders"), tearing them down and logging one info line per reaped
// session. It returns immediately; the scan loop stops when ctx
// is cancelled.
func (m *Manager) StartReaper(ctx context.Context, interval, grace time.Duration, extra func(sessionID string) bool) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.reapOnce(grace, extra)
			}
		}
	}()
}

func (m *Manager) reapOnce(grace time.Duration, extra func(sessionID string) bool) {
	for _, id := range m.Reapable(grace) {
		if extra != nil && !extra(id) {
			continue
		}
		m.Remove(id)
		slog.Info("session reaped", "sessionId", id)
	}
}
