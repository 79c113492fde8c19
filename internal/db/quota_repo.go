package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// QuotaRepository tracks per-company per-day send counts against the
// configured daily ceiling.
type QuotaRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewQuotaRepository creates a new quota repository
func NewQuotaRepository(db *DB, logger *zap.Logger) *QuotaRepository {
	return &QuotaRepository{
		db:     db,
		logger: logger,
	}
}

// Get returns the quota row for a company/date, lazily creating a zero row if
// none exists yet. quotaLimit seeds the row on creation; an existing row
// keeps its recorded limit.
func (r *QuotaRepository) Get(ctx context.Context, companyID uuid.UUID, date time.Time, quotaLimit int) (*DailyQuota, error) {
	day := dateOnly(date)

	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO daily_quotas (company_id, quota_date, messages_sent, quota_limit)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (company_id, quota_date) DO NOTHING
	`, companyID, day, quotaLimit)
	if err != nil {
		return nil, fmt.Errorf("ensure quota row: %w", err)
	}

	var q DailyQuota
	err = r.db.Pool().QueryRow(ctx, `
		SELECT company_id, quota_date, messages_sent, quota_limit
		FROM daily_quotas
		WHERE company_id = $1 AND quota_date = $2
	`, companyID, day).Scan(&q.CompanyID, &q.QuotaDate, &q.MessagesSent, &q.QuotaLimit)
	if err != nil {
		return nil, fmt.Errorf("query quota row: %w", err)
	}

	return &q, nil
}

// IncrementSent bumps the day's counter by one. A single atomic update, not
// read-modify-write, so concurrent dispatchers cannot lose counts.
func (r *QuotaRepository) IncrementSent(ctx context.Context, companyID uuid.UUID, date time.Time) error {
	day := dateOnly(date)

	result, err := r.db.Pool().Exec(ctx, `
		UPDATE daily_quotas
		SET messages_sent = messages_sent + 1
		WHERE company_id = $1 AND quota_date = $2
	`, companyID, day)
	if err != nil {
		return fmt.Errorf("increment quota: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("quota row missing for company %s on %s", companyID, day.Format("2006-01-02"))
	}

	return nil
}

// ResetDay ensures every company has a zero-count quota row for the given
// date. Idempotent: a row that already recorded sends for the date (e.g. a
// message dispatched just before midnight landed on the new date) is left
// alone rather than zeroed.
func (r *QuotaRepository) ResetDay(ctx context.Context, date time.Time) (int, error) {
	day := dateOnly(date)

	result, err := r.db.Pool().Exec(ctx, `
		INSERT INTO daily_quotas (company_id, quota_date, messages_sent, quota_limit)
		SELECT c.company_id, $1, 0, c.daily_quota_limit
		FROM company_configs c
		ON CONFLICT (company_id, quota_date) DO NOTHING
	`, day)
	if err != nil {
		return 0, fmt.Errorf("reset quotas: %w", err)
	}

	created := int(result.RowsAffected())
	r.logger.Info("daily quotas reset",
		zap.String("date", day.Format("2006-01-02")),
		zap.Int("rows_created", created),
	)

	return created, nil
}
