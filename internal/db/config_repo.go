package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ConfigRepository handles per-company notification configuration
type ConfigRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewConfigRepository creates a new config repository
func NewConfigRepository(db *DB, logger *zap.Logger) *ConfigRepository {
	return &ConfigRepository{
		db:     db,
		logger: logger,
	}
}

const configColumns = `
	company_id, api_key, server_address, instance_id,
	auto_send_invoices, auto_send_deadline_alerts,
	message_send_time, deadline_check_time, deadline_alert_days_before,
	daily_quota_limit, quota_buffer,
	default_invoice_priority, default_alert_priority, default_custom_priority,
	last_test_at, connection_status, updated_at
`

func scanConfig(row pgx.Row) (*CompanyConfig, error) {
	var c CompanyConfig
	err := row.Scan(
		&c.CompanyID,
		&c.APIKey,
		&c.ServerAddress,
		&c.InstanceID,
		&c.AutoSendInvoices,
		&c.AutoSendDeadlineAlerts,
		&c.MessageSendTime,
		&c.DeadlineCheckTime,
		&c.AlertDaysBefore,
		&c.DailyQuotaLimit,
		&c.QuotaBuffer,
		&c.InvoicePriority,
		&c.AlertPriority,
		&c.CustomPriority,
		&c.LastTestAt,
		&c.ConnectionStatus,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Get retrieves a company's notification config
func (r *ConfigRepository) Get(ctx context.Context, companyID uuid.UUID) (*CompanyConfig, error) {
	query := `SELECT ` + configColumns + ` FROM company_configs WHERE company_id = $1`

	cfg, err := scanConfig(r.db.Pool().QueryRow(ctx, query, companyID))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("config not found for company: %s", companyID)
	}
	if err != nil {
		return nil, fmt.Errorf("query config: %w", err)
	}

	return cfg, nil
}

// List returns the configs of all companies. The scheduled jobs iterate this
// to decide which companies to process.
func (r *ConfigRepository) List(ctx context.Context) ([]*CompanyConfig, error) {
	query := `SELECT ` + configColumns + ` FROM company_configs ORDER BY company_id`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query configs: %w", err)
	}
	defer rows.Close()

	var configs []*CompanyConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		configs = append(configs, cfg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return configs, nil
}

// Upsert creates or replaces a company's notification config
func (r *ConfigRepository) Upsert(ctx context.Context, cfg *CompanyConfig) error {
	query := `
		INSERT INTO company_configs (
			company_id, api_key, server_address, instance_id,
			auto_send_invoices, auto_send_deadline_alerts,
			message_send_time, deadline_check_time, deadline_alert_days_before,
			daily_quota_limit, quota_buffer,
			default_invoice_priority, default_alert_priority, default_custom_priority,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
		ON CONFLICT (company_id) DO UPDATE SET
			api_key = EXCLUDED.api_key,
			server_address = EXCLUDED.server_address,
			instance_id = EXCLUDED.instance_id,
			auto_send_invoices = EXCLUDED.auto_send_invoices,
			auto_send_deadline_alerts = EXCLUDED.auto_send_deadline_alerts,
			message_send_time = EXCLUDED.message_send_time,
			deadline_check_time = EXCLUDED.deadline_check_time,
			deadline_alert_days_before = EXCLUDED.deadline_alert_days_before,
			daily_quota_limit = EXCLUDED.daily_quota_limit,
			quota_buffer = EXCLUDED.quota_buffer,
			default_invoice_priority = EXCLUDED.default_invoice_priority,
			default_alert_priority = EXCLUDED.default_alert_priority,
			default_custom_priority = EXCLUDED.default_custom_priority,
			updated_at = NOW()
		RETURNING updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		cfg.CompanyID,
		cfg.APIKey,
		cfg.ServerAddress,
		cfg.InstanceID,
		cfg.AutoSendInvoices,
		cfg.AutoSendDeadlineAlerts,
		cfg.MessageSendTime,
		cfg.DeadlineCheckTime,
		cfg.AlertDaysBefore,
		cfg.DailyQuotaLimit,
		cfg.QuotaBuffer,
		cfg.InvoicePriority,
		cfg.AlertPriority,
		cfg.CustomPriority,
	).Scan(&cfg.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to upsert config",
			zap.Error(err),
			zap.String("company_id", cfg.CompanyID.String()),
		)
		return fmt.Errorf("upsert config: %w", err)
	}

	r.logger.Info("company config saved",
		zap.String("company_id", cfg.CompanyID.String()),
		zap.Bool("auto_send_invoices", cfg.AutoSendInvoices),
		zap.Bool("auto_send_deadline_alerts", cfg.AutoSendDeadlineAlerts),
	)

	return nil
}

// RecordConnectionTest stores the result of a gateway connectivity check.
// Informational only; the dispatcher does not consult these fields.
func (r *ConfigRepository) RecordConnectionTest(ctx context.Context, companyID uuid.UUID, status string, at time.Time) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE company_configs
		SET last_test_at = $1, connection_status = $2, updated_at = NOW()
		WHERE company_id = $3
	`, at, status, companyID)
	if err != nil {
		return fmt.Errorf("record connection test: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("config not found for company: %s", companyID)
	}

	return nil
}
