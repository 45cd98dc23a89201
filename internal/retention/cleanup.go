// Package retention prunes the call history archive.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowpbx/callnotify/internal/database"
)

// Pruner is the part of the archive the cleanup loop needs.
type Pruner interface {
	DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

var _ Pruner = (database.CallRecordRepository)(nil)

// Prune removes archived calls that ended more than maxDays ago. maxDays of
// 0 or less keeps everything.
func Prune(ctx context.Context, records Pruner, maxDays int, now time.Time) (int64, error) {
	if maxDays <= 0 {
		return 0, nil
	}
	cutoff := now.UTC().AddDate(0, 0, -maxDays)
	return records.DeleteEndedBefore(ctx, cutoff)
}

// StartCleanupTicker runs a background goroutine that periodically removes
// archived calls older than maxDays. If maxDays is 0 no goroutine is started.
// The goroutine stops when the provided context is cancelled.
func StartCleanupTicker(ctx context.Context, records Pruner, maxDays int, interval time.Duration, logger *slog.Logger) {
	if maxDays <= 0 {
		return
	}
	logger = logger.With("subsystem", "retention")

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := Prune(ctx, records, maxDays, time.Now())
				if err != nil {
					logger.Error("history retention cleanup failed", "error", err)
					continue
				}
				if n > 0 {
					logger.Info("history retention cleanup", "deleted", n, "max_days", maxDays)
				}
			}
		}
	}()
}
