package dispatch

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ispkit/whatsqueue/internal/db"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dueInvoice(companyID uuid.UUID, due time.Time, status string) *db.Invoice {
	return &db.Invoice{
		ID:             uuid.New(),
		InvoiceNumber:  "INV-202406-0001",
		CompanyID:      companyID,
		CustomerID:     uuid.New(),
		DueDate:        due,
		TotalAmount:    1500,
		InvoiceType:    "subscription",
		Status:         status,
		IsActive:       true,
		CustomerName:   "Ali Raza",
		CustomerMobile: "0300-1234567",
	}
}

func TestScannerEnqueuesAlertForUpcomingDueDate(t *testing.T) {
	companyID := uuid.New()
	messages := newMemMessages()
	invoices := &memInvoices{}
	templates := &memTemplates{}
	now := date(2024, time.June, 8)

	// AlertDaysBefore is 2, so only the invoice due on the 10th qualifies.
	invoices.invoices = append(invoices.invoices,
		dueInvoice(companyID, date(2024, time.June, 9), db.InvoicePending),
		dueInvoice(companyID, date(2024, time.June, 10), db.InvoicePending),
		dueInvoice(companyID, date(2024, time.June, 11), db.InvoicePending),
	)

	s := NewScanner(messages, invoices, templates, nil, zap.NewNop())
	enqueued, err := s.RunCompany(context.Background(), testConfig(companyID), now)
	if err != nil {
		t.Fatalf("RunCompany() error = %v", err)
	}
	if enqueued != 1 {
		t.Fatalf("enqueued = %d, want 1", enqueued)
	}

	alerts := messages.byStatus(db.StatusPending)
	if len(alerts) != 1 {
		t.Fatalf("pending messages = %d, want 1", len(alerts))
	}
	alert := alerts[0]
	if alert.Kind != db.KindDeadlineAlert {
		t.Errorf("kind = %q, want deadline_alert", alert.Kind)
	}
	if alert.Priority != db.PriorityHigh {
		t.Errorf("priority = %d, want %d", alert.Priority, db.PriorityHigh)
	}
	if alert.Mobile != "0300-1234567" {
		t.Errorf("mobile = %q", alert.Mobile)
	}
	if alert.InvoiceID == nil {
		t.Fatal("alert not linked to its invoice")
	}
	if !strings.Contains(alert.Content, "Ali Raza") || !strings.Contains(alert.Content, "INV-202406-0001") {
		t.Errorf("rendered content missing substitutions: %q", alert.Content)
	}
	if !strings.Contains(alert.Content, "2024-06-10") {
		t.Errorf("rendered content missing due date: %q", alert.Content)
	}
}

func TestScannerNeverAlertsTwiceForSameInvoice(t *testing.T) {
	companyID := uuid.New()
	messages := newMemMessages()
	invoices := &memInvoices{}
	templates := &memTemplates{}
	now := date(2024, time.June, 8)

	invoices.invoices = append(invoices.invoices, dueInvoice(companyID, date(2024, time.June, 10), db.InvoicePending))

	s := NewScanner(messages, invoices, templates, nil, zap.NewNop())
	if _, err := s.RunCompany(context.Background(), testConfig(companyID), now); err != nil {
		t.Fatalf("first run error = %v", err)
	}
	enqueued, err := s.RunCompany(context.Background(), testConfig(companyID), now)
	if err != nil {
		t.Fatalf("second run error = %v", err)
	}
	if enqueued != 0 {
		t.Fatalf("second run enqueued = %d, want 0", enqueued)
	}
	if got := len(messages.messages); got != 1 {
		t.Errorf("total messages = %d, want 1", got)
	}
}

func TestScannerSkipsPaidAndCancelledInvoices(t *testing.T) {
	companyID := uuid.New()
	messages := newMemMessages()
	invoices := &memInvoices{}
	now := date(2024, time.June, 8)
	due := date(2024, time.June, 10)

	invoices.invoices = append(invoices.invoices,
		dueInvoice(companyID, due, db.InvoicePaid),
		dueInvoice(companyID, due, db.InvoiceCancelled),
		dueInvoice(companyID, due, db.InvoicePartiallyPaid),
		dueInvoice(companyID, due, db.InvoiceOverdue),
	)

	s := NewScanner(messages, invoices, &memTemplates{}, nil, zap.NewNop())
	enqueued, err := s.RunCompany(context.Background(), testConfig(companyID), now)
	if err != nil {
		t.Fatalf("RunCompany() error = %v", err)
	}
	if enqueued != 2 {
		t.Errorf("enqueued = %d, want 2 (partially_paid and overdue only)", enqueued)
	}
}

func TestScannerDisabledByToggle(t *testing.T) {
	companyID := uuid.New()
	messages := newMemMessages()
	invoices := &memInvoices{}
	invoices.invoices = append(invoices.invoices, dueInvoice(companyID, date(2024, time.June, 10), db.InvoicePending))

	cfg := testConfig(companyID)
	cfg.AutoSendDeadlineAlerts = false

	s := NewScanner(messages, invoices, &memTemplates{}, nil, zap.NewNop())
	enqueued, err := s.RunCompany(context.Background(), cfg, date(2024, time.June, 8))
	if err != nil {
		t.Fatalf("RunCompany() error = %v", err)
	}
	if enqueued != 0 || len(messages.messages) != 0 {
		t.Errorf("enqueued = %d with toggle off, want 0", enqueued)
	}
}

func TestScannerUsesCompanyTemplate(t *testing.T) {
	companyID := uuid.New()
	messages := newMemMessages()
	invoices := &memInvoices{}
	invoices.invoices = append(invoices.invoices, dueInvoice(companyID, date(2024, time.June, 10), db.InvoicePending))

	templates := &memTemplates{templates: []*db.Template{{
		ID:        uuid.New(),
		CompanyID: companyID,
		Kind:      db.KindDeadlineAlert,
		Body:      "Reminder for {customer_name}: pay {invoice_number} by {due_date}",
		IsActive:  true,
	}}}

	s := NewScanner(messages, invoices, templates, nil, zap.NewNop())
	if _, err := s.RunCompany(context.Background(), testConfig(companyID), date(2024, time.June, 8)); err != nil {
		t.Fatalf("RunCompany() error = %v", err)
	}

	alerts := messages.byStatus(db.StatusPending)
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	want := "Reminder for Ali Raza: pay INV-202406-0001 by 2024-06-10"
	if alerts[0].Content != want {
		t.Errorf("content = %q, want %q", alerts[0].Content, want)
	}
}

func TestScannerSkipsCustomersWithoutMobile(t *testing.T) {
	companyID := uuid.New()
	messages := newMemMessages()
	invoices := &memInvoices{}
	inv := dueInvoice(companyID, date(2024, time.June, 10), db.InvoicePending)
	inv.CustomerMobile = ""
	invoices.invoices = append(invoices.invoices, inv)

	s := NewScanner(messages, invoices, &memTemplates{}, nil, zap.NewNop())
	enqueued, err := s.RunCompany(context.Background(), testConfig(companyID), date(2024, time.June, 8))
	if err != nil {
		t.Fatalf("RunCompany() error = %v", err)
	}
	if enqueued != 0 {
		t.Errorf("enqueued = %d for customer without mobile, want 0", enqueued)
	}
}
