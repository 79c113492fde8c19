package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ispkit/whatsqueue/internal/db"
	"github.com/ispkit/whatsqueue/internal/metrics"
	"github.com/ispkit/whatsqueue/internal/whatsapp"
)

// Report summarizes a single company dispatch run.
type Report struct {
	Fetched int
	Sent    int
	Failed  int
	Skipped bool
}

// DispatcherConfig carries the knobs the dispatch loop needs.
type DispatcherConfig struct {
	// SendTimeout bounds each individual gateway call.
	SendTimeout time.Duration
}

// Dispatcher drains pending messages for a company, one at a time, within the
// company's remaining daily quota.
type Dispatcher struct {
	messages MessageStore
	quotas   QuotaStore
	sender   whatsapp.Sender
	locks    Locker
	config   DispatcherConfig
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher. A nil locker disables cross-process
// serialization.
func NewDispatcher(messages MessageStore, quotas QuotaStore, sender whatsapp.Sender, locks Locker, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if locks == nil {
		locks = NopLocker{}
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	return &Dispatcher{
		messages: messages,
		quotas:   quotas,
		sender:   sender,
		locks:    locks,
		config:   cfg,
		logger:   logger,
	}
}

// RunCompany performs one dispatch pass for the given company config. It
// acquires the company's dispatch lock so overlapping runs on other instances
// skip instead of double-sending.
func (d *Dispatcher) RunCompany(ctx context.Context, cfg *db.CompanyConfig, now time.Time) (*Report, error) {
	report := &Report{}
	if !cfg.AutoSendInvoices {
		report.Skipped = true
		return report, nil
	}

	err := d.locks.WithLock(ctx, "dispatch", cfg.CompanyID.String(), func(ctx context.Context) error {
		return d.runLocked(ctx, cfg, now, report)
	})
	if err != nil {
		return report, err
	}
	return report, nil
}

func (d *Dispatcher) runLocked(ctx context.Context, cfg *db.CompanyConfig, now time.Time, report *Report) error {
	start := time.Now()
	defer func() {
		metrics.RecordDispatchRun(cfg.CompanyID.String(), time.Since(start))
	}()

	quota, err := d.quotas.Get(ctx, cfg.CompanyID, now, cfg.DailyQuotaLimit)
	if err != nil {
		return fmt.Errorf("loading daily quota: %w", err)
	}

	remaining := quota.Remaining(cfg.QuotaBuffer)
	if remaining <= 0 {
		metrics.RecordQuotaExhausted(cfg.CompanyID.String())
		d.logger.Info("daily quota exhausted, skipping dispatch",
			zap.String("company_id", cfg.CompanyID.String()),
			zap.Int("messages_sent", quota.MessagesSent),
			zap.Int("quota_limit", quota.QuotaLimit))
		report.Skipped = true
		return nil
	}

	batch, err := d.messages.FetchSendable(ctx, cfg.CompanyID, remaining)
	if err != nil {
		return fmt.Errorf("fetching sendable messages: %w", err)
	}
	report.Fetched = len(batch)
	if len(batch) == 0 {
		return nil
	}

	creds := credentials(cfg)

	for _, msg := range batch {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.dispatchOne(ctx, creds, msg, now) {
			report.Sent++
		} else {
			report.Failed++
		}
	}

	d.logger.Info("dispatch run complete",
		zap.String("company_id", cfg.CompanyID.String()),
		zap.Int("fetched", report.Fetched),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed))
	return nil
}

// dispatchOne sends a single message and records the outcome. A failure never
// aborts the batch and never consumes quota.
func (d *Dispatcher) dispatchOne(ctx context.Context, creds whatsapp.Credentials, msg *db.Message, now time.Time) bool {
	sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	result, err := d.send(sendCtx, creds, msg)
	cancel()

	if err != nil {
		permanent := whatsapp.IsPermanent(err)
		d.logger.Warn("message send failed",
			zap.String("message_id", msg.ID.String()),
			zap.String("kind", msg.Kind),
			zap.Bool("permanent", permanent),
			zap.Error(err))

		var markErr error
		if permanent {
			markErr = d.messages.MarkFailedPermanent(ctx, msg.ID, err.Error())
		} else {
			markErr = d.messages.MarkFailed(ctx, msg.ID, err.Error())
		}
		if markErr != nil {
			d.logger.Error("failed to record send failure",
				zap.String("message_id", msg.ID.String()), zap.Error(markErr))
		}
		metrics.RecordMessageDispatched("failed", msg.Kind)
		return false
	}

	if err := d.messages.MarkSent(ctx, msg.ID, result.RawResponse, result.ProviderMessageID); err != nil {
		d.logger.Error("failed to mark message sent",
			zap.String("message_id", msg.ID.String()), zap.Error(err))
	}
	if err := d.quotas.IncrementSent(ctx, msg.CompanyID, now); err != nil {
		d.logger.Error("failed to increment quota counter",
			zap.String("company_id", msg.CompanyID.String()), zap.Error(err))
	}
	metrics.RecordMessageDispatched("sent", msg.Kind)
	return true
}

func (d *Dispatcher) send(ctx context.Context, creds whatsapp.Credentials, msg *db.Message) (*whatsapp.SendResult, error) {
	switch msg.MediaKind {
	case db.MediaImage:
		return d.sender.SendImage(ctx, creds, msg.Mobile, mediaURL(msg), caption(msg))
	case db.MediaDocument:
		return d.sender.SendDocument(ctx, creds, msg.Mobile, mediaURL(msg), caption(msg))
	default:
		return d.sender.SendText(ctx, creds, msg.Mobile, msg.Content)
	}
}

func credentials(cfg *db.CompanyConfig) whatsapp.Credentials {
	creds := whatsapp.Credentials{
		APIKey:        cfg.APIKey,
		ServerAddress: cfg.ServerAddress,
	}
	if cfg.InstanceID != nil {
		creds.InstanceID = *cfg.InstanceID
	}
	return creds
}

func mediaURL(msg *db.Message) string {
	if msg.MediaURL != nil {
		return *msg.MediaURL
	}
	return ""
}

func caption(msg *db.Message) string {
	if msg.MediaCaption != nil && *msg.MediaCaption != "" {
		return *msg.MediaCaption
	}
	return msg.Content
}
