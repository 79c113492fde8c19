package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// MessageRepository handles database operations for queued messages
type MessageRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(db *DB, logger *zap.Logger) *MessageRepository {
	return &MessageRepository{
		db:     db,
		logger: logger,
	}
}

const messageColumns = `
	id, company_id, customer_id, mobile, kind, content,
	media_kind, media_url, media_caption, priority, scheduled_at, invoice_id,
	status, retry_count, max_retry, api_response, provider_message_id,
	error_message, is_active, created_at, updated_at
`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(
		&m.ID,
		&m.CompanyID,
		&m.CustomerID,
		&m.Mobile,
		&m.Kind,
		&m.Content,
		&m.MediaKind,
		&m.MediaURL,
		&m.MediaCaption,
		&m.Priority,
		&m.ScheduledAt,
		&m.InvoiceID,
		&m.Status,
		&m.RetryCount,
		&m.MaxRetry,
		&m.APIResponse,
		&m.ProviderMessageID,
		&m.ErrorMessage,
		&m.IsActive,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Create inserts a new pending message into the queue.
// Dedup for deadline alerts is the caller's responsibility (AlertExistsForInvoice).
func (r *MessageRepository) Create(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO messages (
			id, company_id, customer_id, mobile, kind, content,
			media_kind, media_url, media_caption, priority, scheduled_at, invoice_id,
			status, retry_count, max_retry
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
		RETURNING is_active, created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		msg.ID,
		msg.CompanyID,
		msg.CustomerID,
		msg.Mobile,
		msg.Kind,
		msg.Content,
		msg.MediaKind,
		msg.MediaURL,
		msg.MediaCaption,
		msg.Priority,
		msg.ScheduledAt,
		msg.InvoiceID,
		msg.Status,
		msg.RetryCount,
		msg.MaxRetry,
	).Scan(&msg.IsActive, &msg.CreatedAt, &msg.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to enqueue message",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
		)
		return fmt.Errorf("insert message: %w", err)
	}

	r.logger.Info("message enqueued",
		zap.String("message_id", msg.ID.String()),
		zap.String("company_id", msg.CompanyID.String()),
		zap.String("kind", msg.Kind),
		zap.Int("priority", msg.Priority),
	)

	return nil
}

// Get retrieves a message by ID
func (r *MessageRepository) Get(ctx context.Context, id uuid.UUID) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	msg, err := scanMessage(r.db.Pool().QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("message not found: %s", id)
	}
	if err != nil {
		r.logger.Error("failed to get message",
			zap.Error(err),
			zap.String("message_id", id.String()),
		)
		return nil, fmt.Errorf("query message: %w", err)
	}

	return msg, nil
}

// FetchSendable returns up to limit messages eligible for dispatch, most
// urgent first: priority ascending, ties broken by insertion order. Rows with
// a future scheduled_at are excluded until that time passes. Besides pending
// rows this also returns failed rows with retries remaining, so transient
// failures are retried automatically on the next scheduled run.
func (r *MessageRepository) FetchSendable(ctx context.Context, companyID uuid.UUID, limit int) ([]*Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE company_id = $1
		  AND is_active
		  AND (status = 'pending' OR (status = 'failed' AND retry_count < max_retry))
		  AND (scheduled_at IS NULL OR scheduled_at <= NOW())
		ORDER BY priority ASC, created_at ASC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, companyID, limit)
	if err != nil {
		return nil, fmt.Errorf("query sendable messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return messages, nil
}

// MarkSent transitions a message to its terminal success state, recording the
// raw provider response and the provider-assigned id for audit. A row already
// marked sent is left untouched.
func (r *MessageRepository) MarkSent(ctx context.Context, id uuid.UUID, apiResponse json.RawMessage, providerMessageID string) error {
	query := `
		UPDATE messages
		SET status = $1, api_response = $2, provider_message_id = $3,
		    error_message = NULL, updated_at = NOW()
		WHERE id = $4 AND status <> $1
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusSent, apiResponse, providerMessageID, id)
	if err != nil {
		r.logger.Error("failed to mark message sent",
			zap.Error(err),
			zap.String("message_id", id.String()),
		)
		return fmt.Errorf("mark message sent: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("message not found or already sent: %s", id)
	}

	return nil
}

// MarkFailed records a send failure in a single atomic update: it increments
// retry_count and moves the message to failed_permanent once retries are
// exhausted, failed otherwise. Sent rows are never touched.
func (r *MessageRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	query := `
		UPDATE messages
		SET retry_count = retry_count + 1,
		    status = CASE WHEN retry_count + 1 >= max_retry THEN $1 ELSE $2 END,
		    error_message = $3,
		    updated_at = NOW()
		WHERE id = $4 AND status IN ($2, $5)
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusFailedPermanent, StatusFailed, errMsg, id, StatusPending)
	if err != nil {
		r.logger.Error("failed to mark message failed",
			zap.Error(err),
			zap.String("message_id", id.String()),
		)
		return fmt.Errorf("mark message failed: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("message not retryable: %s", id)
	}

	return nil
}

// MarkFailedPermanent short-circuits the retry loop for errors the provider
// reports as non-retryable (e.g. an invalid destination number).
func (r *MessageRepository) MarkFailedPermanent(ctx context.Context, id uuid.UUID, errMsg string) error {
	query := `
		UPDATE messages
		SET status = $1, retry_count = max_retry, error_message = $2, updated_at = NOW()
		WHERE id = $3 AND status IN ($4, $5)
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusFailedPermanent, errMsg, id, StatusPending, StatusFailed)
	if err != nil {
		return fmt.Errorf("mark message failed permanent: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("message not retryable: %s", id)
	}

	return nil
}

// AlertExistsForInvoice reports whether a deadline alert has already been
// enqueued for the given invoice. The scanner checks this before enqueuing so
// an invoice is never alerted twice.
func (r *MessageRepository) AlertExistsForInvoice(ctx context.Context, invoiceID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE invoice_id = $1 AND kind = $2 AND is_active)`,
		invoiceID, KindDeadlineAlert,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check alert exists: %w", err)
	}
	return exists, nil
}

// ListByCompany retrieves messages for a company with optional status filter
// and pagination, newest first. Used by the operator review endpoints.
func (r *MessageRepository) ListByCompany(ctx context.Context, companyID uuid.UUID, status string, limit, offset int) ([]*Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE company_id = $1 AND is_active AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.Pool().Query(ctx, query, companyID, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return messages, nil
}

// Requeue puts a permanently failed message back in the queue with a fresh
// retry budget. Operator-driven only.
func (r *MessageRepository) Requeue(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE messages
		SET status = $1, retry_count = 0, error_message = NULL, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusPending, id, StatusFailedPermanent)
	if err != nil {
		return fmt.Errorf("requeue message: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("message not found or not permanently failed: %s", id)
	}

	r.logger.Info("message requeued", zap.String("message_id", id.String()))

	return nil
}

// SoftDelete hides a message from the queue and review listings. Messages are
// never physically deleted in normal operation.
func (r *MessageRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE messages SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("soft delete message: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("message not found: %s", id)
	}

	return nil
}
