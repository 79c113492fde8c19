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

// invoiceDueDays is how far after generation a subscription invoice falls due.
const invoiceDueDays = 7

// InvoiceGenerator creates monthly subscription invoices for customers whose
// recharge day matches today, and enqueues the invoice notification when the
// company has auto-send enabled. At most one subscription invoice per
// customer per calendar month.
type InvoiceGenerator struct {
	messages  MessageStore
	invoices  InvoiceStore
	templates TemplateStore
	locks     Locker
	logger    *zap.Logger
}

// NewInvoiceGenerator creates a recurring invoice generator.
func NewInvoiceGenerator(messages MessageStore, invoices InvoiceStore, templates TemplateStore, locks Locker, logger *zap.Logger) *InvoiceGenerator {
	if locks == nil {
		locks = NopLocker{}
	}
	return &InvoiceGenerator{
		messages:  messages,
		invoices:  invoices,
		templates: templates,
		locks:     locks,
		logger:    logger,
	}
}

// RunCompany generates invoices for one company. Returns the number created.
func (g *InvoiceGenerator) RunCompany(ctx context.Context, cfg *db.CompanyConfig, now time.Time) (int, error) {
	created := 0
	err := g.locks.WithLock(ctx, "invoice_gen", cfg.CompanyID.String(), func(ctx context.Context) error {
		var err error
		created, err = g.generate(ctx, cfg, now)
		return err
	})
	return created, err
}

func (g *InvoiceGenerator) generate(ctx context.Context, cfg *db.CompanyConfig, now time.Time) (int, error) {
	customers, err := g.invoices.ListCustomersByRechargeDay(ctx, cfg.CompanyID, rechargeDay(now))
	if err != nil {
		return 0, fmt.Errorf("listing customers for recharge day %d: %w", rechargeDay(now), err)
	}
	if len(customers) == 0 {
		return 0, nil
	}

	var body string
	if cfg.AutoSendInvoices {
		body = g.invoiceBody(ctx, cfg.CompanyID)
	}

	created := 0
	for _, c := range customers {
		exists, err := g.invoices.SubscriptionExistsForMonth(ctx, c.ID, now)
		if err != nil {
			g.logger.Error("failed to check existing subscription invoice",
				zap.String("customer_id", c.ID.String()), zap.Error(err))
			continue
		}
		if exists {
			continue
		}

		number, err := g.invoices.NextInvoiceNumber(ctx, cfg.CompanyID, now)
		if err != nil {
			g.logger.Error("failed to allocate invoice number",
				zap.String("company_id", cfg.CompanyID.String()), zap.Error(err))
			continue
		}

		inv := &db.Invoice{
			ID:               uuid.New(),
			InvoiceNumber:    number,
			CompanyID:        cfg.CompanyID,
			CustomerID:       c.ID,
			BillingStartDate: now,
			BillingEndDate:   now.AddDate(0, 1, 0),
			DueDate:          now.AddDate(0, 0, invoiceDueDays),
			TotalAmount:      c.PlanPrice,
			InvoiceType:      "subscription",
			Status:           db.InvoicePending,
		}
		if err := g.invoices.Create(ctx, inv); err != nil {
			g.logger.Error("failed to create invoice",
				zap.String("customer_id", c.ID.String()),
				zap.String("invoice_number", number),
				zap.Error(err))
			continue
		}
		metrics.RecordInvoiceGenerated(cfg.CompanyID.String())
		created++

		if cfg.AutoSendInvoices && c.Mobile != "" {
			g.enqueueNotice(ctx, cfg, c, inv, body)
		}
	}

	if created > 0 {
		g.logger.Info("subscription invoices generated",
			zap.String("company_id", cfg.CompanyID.String()),
			zap.Int("created", created))
	}
	return created, nil
}

func (g *InvoiceGenerator) enqueueNotice(ctx context.Context, cfg *db.CompanyConfig, c *db.Customer, inv *db.Invoice, body string) {
	invoiceID := inv.ID
	msg := &db.Message{
		ID:         uuid.New(),
		CompanyID:  cfg.CompanyID,
		CustomerID: c.ID,
		Mobile:     c.Mobile,
		Kind:       db.KindInvoice,
		Content:    template.Render(body, template.InvoiceData(c.Name, inv.InvoiceNumber, inv.TotalAmount, inv.DueDate)),
		MediaKind:  db.MediaText,
		Priority:   cfg.InvoicePriority,
		InvoiceID:  &invoiceID,
		Status:     db.StatusPending,
		MaxRetry:   defaultMaxRetry,
	}
	if err := g.messages.Create(ctx, msg); err != nil {
		g.logger.Error("failed to enqueue invoice notification",
			zap.String("invoice_id", inv.ID.String()), zap.Error(err))
		return
	}
	metrics.RecordMessageEnqueued(cfg.CompanyID.String(), db.KindInvoice)
}

func (g *InvoiceGenerator) invoiceBody(ctx context.Context, companyID uuid.UUID) string {
	tpl, err := g.templates.GetByKind(ctx, companyID, db.KindInvoice)
	if err != nil || tpl == nil {
		return template.DefaultInvoiceBody
	}
	return tpl.Body
}

func rechargeDay(now time.Time) int {
	return now.Day()
}
