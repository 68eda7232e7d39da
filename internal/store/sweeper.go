package store

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often the sweeper looks for idle sessions.
const DefaultSweepInterval = 5 * time.Minute

// ExpireCallback is called for each session removed by the sweeper.
type ExpireCallback func(sessionID string)

// StartSweeper runs a background goroutine that periodically removes
// sessions idle for longer than ttl.
func StartSweeper(ctx context.Context, repo Repository, ttl, interval time.Duration, onExpire ExpireCallback) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				SweepExpired(ctx, repo, ttl, onExpire)
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// SweepExpired removes every expired session once and returns how many
// were removed.
func SweepExpired(ctx context.Context, repo Repository, ttl time.Duration, onExpire ExpireCallback) int {
	expired, err := repo.GetExpiredSessions(ctx, ttl)
	if err != nil {
		slog.Error("Sweeper failed to get expired sessions", "error", err)
		return 0
	}
	if len(expired) == 0 {
		return 0
	}

	slog.Info("Sweeper found expired sessions", "count", len(expired))

	removed := 0
	for _, session := range expired {
		if onExpire != nil {
			onExpire(session.ID)
		}
		if err := repo.DeleteSession(ctx, session.ID); err != nil {
			slog.Warn("Sweeper failed to delete session",
				"error", err,
				"session_id", session.ID)
			continue
		}
		removed++
	}

	slog.Info("Sweeper cleanup completed", "removed", removed)
	return removed
}
