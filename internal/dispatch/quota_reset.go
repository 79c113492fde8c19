package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// QuotaReset provisions fresh zero-count quota rows for all companies at the
// start of each day. Identity inserts make a re-run harmless.
type QuotaReset struct {
	quotas QuotaStore
	locks  Locker
	logger *zap.Logger
}

// NewQuotaReset creates a quota reset job.
func NewQuotaReset(quotas QuotaStore, locks Locker, logger *zap.Logger) *QuotaReset {
	if locks == nil {
		locks = NopLocker{}
	}
	return &QuotaReset{quotas: quotas, locks: locks, logger: logger}
}

// Run creates today's quota rows for every configured company. Existing rows
// are left untouched.
func (r *QuotaReset) Run(ctx context.Context, now time.Time) error {
	return r.locks.WithLock(ctx, "quota_reset", now.Format("2006-01-02"), func(ctx context.Context) error {
		created, err := r.quotas.ResetDay(ctx, now)
		if err != nil {
			return fmt.Errorf("resetting daily quotas: %w", err)
		}
		r.logger.Info("daily quotas reset",
			zap.String("date", now.Format("2006-01-02")),
			zap.Int("created", created))
		return nil
	})
}
