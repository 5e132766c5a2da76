package tracking

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Janitor periodically applies the waypoint retention policy.
type Janitor struct {
	ledger        *Ledger
	retentionDays int
	interval      time.Duration
	logger        *zap.Logger
}

// NewJanitor creates a new retention janitor
func NewJanitor(ledger *Ledger, retentionDays int, interval time.Duration, logger *zap.Logger) *Janitor {
	return &Janitor{
		ledger:        ledger,
		retentionDays: retentionDays,
		interval:      interval,
		logger:        logger,
	}
}

// Start blocks until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Info("Starting waypoint retention janitor",
		zap.Int("retention_days", j.retentionDays),
		zap.Duration("interval", j.interval))

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("Waypoint retention janitor stopped")
			return
		case <-ticker.C:
			if _, err := j.ledger.CleanupOldWaypoints(ctx, j.retentionDays); err != nil {
				j.logger.Error("Error cleaning up waypoints", zap.Error(err))
			}
		}
	}
}
