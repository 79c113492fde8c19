package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ispkit/whatsqueue/internal/db"
	"github.com/ispkit/whatsqueue/internal/metrics"
	"github.com/ispkit/whatsqueue/internal/template"
)

// Scanner enqueues deadline-alert messages for invoices approaching their
// due date. Each invoice gets at most one alert, ever.
type Scanner struct {
	messages  MessageStore
	invoices  InvoiceStore
	templates TemplateStore
	locks     Locker
	logger    *zap.Logger
}

// NewScanner creates a deadline-alert scanner.
func NewScanner(messages MessageStore, invoices InvoiceStore, templates TemplateStore, locks Locker, logger *zap.Logger) *Scanner {
	if locks == nil {
		locks = NopLocker{}
	}
	return &Scanner{
		messages:  messages,
		invoices:  invoices,
		templates: templates,
		locks:     locks,
		logger:    logger,
	}
}

// RunCompany scans one company for invoices due in cfg.AlertDaysBefore days
// and enqueues an alert for each that does not already have one. Returns the
// number of alerts enqueued.
func (s *Scanner) RunCompany(ctx context.Context, cfg *db.CompanyConfig, now time.Time) (int, error) {
	if !cfg.AutoSendDeadlineAlerts {
		return 0, nil
	}

	enqueued := 0
	err := s.locks.WithLock(ctx, "deadline_scan", cfg.CompanyID.String(), func(ctx context.Context) error {
		var err error
		enqueued, err = s.scan(ctx, cfg, now)
		return err
	})
	return enqueued, err
}

func (s *Scanner) scan(ctx context.Context, cfg *db.CompanyConfig, now time.Time) (int, error) {
	target := now.AddDate(0, 0, cfg.AlertDaysBefore)

	due, err := s.invoices.ListDueOn(ctx, cfg.CompanyID, target)
	if err != nil {
		return 0, fmt.Errorf("listing invoices due on %s: %w", target.Format("2006-01-02"), err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	body := s.alertBody(ctx, cfg.CompanyID)

	enqueued := 0
	for _, inv := range due {
		exists, err := s.messages.AlertExistsForInvoice(ctx, inv.ID)
		if err != nil {
			s.logger.Error("failed to check alert history",
				zap.String("invoice_id", inv.ID.String()), zap.Error(err))
			continue
		}
		if exists {
			continue
		}
		if inv.CustomerMobile == "" {
			s.logger.Warn("skipping alert, customer has no mobile",
				zap.String("invoice_id", inv.ID.String()),
				zap.String("customer_id", inv.CustomerID.String()))
			continue
		}

		invoiceID := inv.ID
		msg := &db.Message{
			ID:         uuid.New(),
			CompanyID:  cfg.CompanyID,
			CustomerID: inv.CustomerID,
			Mobile:     inv.CustomerMobile,
			Kind:       db.KindDeadlineAlert,
			Content:    template.Render(body, template.InvoiceData(inv.CustomerName, inv.InvoiceNumber, inv.TotalAmount, inv.DueDate)),
			MediaKind:  db.MediaText,
			Priority:   cfg.AlertPriority,
			InvoiceID:  &invoiceID,
			Status:     db.StatusPending,
			MaxRetry:   defaultMaxRetry,
		}
		if err := s.messages.Create(ctx, msg); err != nil {
			s.logger.Error("failed to enqueue deadline alert",
				zap.String("invoice_id", inv.ID.String()), zap.Error(err))
			continue
		}
		metrics.RecordAlertEnqueued(cfg.CompanyID.String())
		enqueued++
	}

	if enqueued > 0 {
		s.logger.Info("deadline alerts enqueued",
			zap.String("company_id", cfg.CompanyID.String()),
			zap.Time("due_date", target),
			zap.Int("count", enqueued))
	}
	return enqueued, nil
}

// alertBody returns the company's deadline-alert template, falling back to
// the built-in default when none is configured.
func (s *Scanner) alertBody(ctx context.Context, companyID uuid.UUID) string {
	tpl, err := s.templates.GetByKind(ctx, companyID, db.KindDeadlineAlert)
	if err != nil || tpl == nil {
		return template.DefaultAlertBody
	}
	return tpl.Body
}
