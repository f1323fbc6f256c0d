package store

import (
	"context"
	"log/slog"
	"time"
)

// StartSweeper launches a background goroutine that periodically removes
// expired dedupe claims, keeping the table from growing without bound.
// It stops when ctx is cancelled. A non-positive interval disables it.
func StartSweeper(ctx context.Context, st EventStore, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default().With("component", "store")
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := st.SweepExpiredDedupe(ctx)
				if err != nil {
					logger.Warn("dedupe sweep failed", "error", err)
					continue
				}
				if n > 0 {
					logger.Debug("swept expired dedupe claims", "count", n)
				}
			}
		}
	}()
}
