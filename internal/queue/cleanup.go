package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/nberk2/tradegate/internal/job"
)

// StartCleanup deletes terminal job records older than ttlHours every
// intervalMinutes until ctx is done. A ttlHours of zero keeps records forever.
func StartCleanup(ctx context.Context, store job.Store, ttlHours, intervalMinutes int, logger *slog.Logger) {
	if ttlHours <= 0 {
		return
	}
	if intervalMinutes <= 0 {
		intervalMinutes = 60
	}
	if logger == nil {
		logger = slog.Default()
	}
	ttl := time.Duration(ttlHours) * time.Hour

	go func() {
		ticker := time.NewTicker(time.Duration(intervalMinutes) * time.Minute)
		defer ticker.Stop()
		for {
			cleanupOnce(ctx, store, ttl, time.Now(), logger)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func cleanupOnce(ctx context.Context, store job.Store, ttl time.Duration, now time.Time, logger *slog.Logger) {
	n, err := store.DeleteTerminalBefore(ctx, now.Add(-ttl))
	if err != nil {
		logger.Error("cleanup failed", "error", err)
		return
	}
	if n > 0 {
		logger.Info("cleaned up expired jobs", "count", n)
	}
}
