package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ispkit/whatsqueue/internal/db"
	"github.com/ispkit/whatsqueue/internal/whatsapp"
)

// memMessages is an in-memory MessageStore that mirrors the SQL semantics of
// the real repository: fetch ordering, retry accounting and the sent guard.
type memMessages struct {
	messages map[uuid.UUID]*db.Message
	seq      int
}

func newMemMessages() *memMessages {
	return &memMessages{messages: make(map[uuid.UUID]*db.Message)}
}

func (m *memMessages) add(msg *db.Message) *db.Message {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.Status == "" {
		msg.Status = db.StatusPending
	}
	if msg.MaxRetry == 0 {
		msg.MaxRetry = 3
	}
	msg.IsActive = true
	m.seq++
	msg.CreatedAt = time.Unix(int64(m.seq), 0)
	m.messages[msg.ID] = msg
	return msg
}

func (m *memMessages) Create(ctx context.Context, msg *db.Message) error {
	m.add(msg)
	return nil
}

func (m *memMessages) FetchSendable(ctx context.Context, companyID uuid.UUID, limit int) ([]*db.Message, error) {
	var out []*db.Message
	now := time.Now()
	for _, msg := range m.messages {
		if msg.CompanyID != companyID || !msg.IsActive {
			continue
		}
		sendable := msg.Status == db.StatusPending ||
			(msg.Status == db.StatusFailed && msg.RetryCount < msg.MaxRetry)
		if !sendable {
			continue
		}
		if msg.ScheduledAt != nil && msg.ScheduledAt.After(now) {
			continue
		}
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memMessages) MarkSent(ctx context.Context, id uuid.UUID, apiResponse json.RawMessage, providerMessageID string) error {
	msg, ok := m.messages[id]
	if !ok {
		return fmt.Errorf("message %s not found", id)
	}
	msg.Status = db.StatusSent
	msg.APIResponse = apiResponse
	msg.ProviderMessageID = &providerMessageID
	return nil
}

func (m *memMessages) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	msg, ok := m.messages[id]
	if !ok {
		return fmt.Errorf("message %s not found", id)
	}
	msg.RetryCount++
	if msg.RetryCount >= msg.MaxRetry {
		msg.Status = db.StatusFailedPermanent
	} else {
		msg.Status = db.StatusFailed
	}
	msg.ErrorMessage = &errMsg
	return nil
}

func (m *memMessages) MarkFailedPermanent(ctx context.Context, id uuid.UUID, errMsg string) error {
	msg, ok := m.messages[id]
	if !ok {
		return fmt.Errorf("message %s not found", id)
	}
	msg.Status = db.StatusFailedPermanent
	msg.RetryCount = msg.MaxRetry
	msg.ErrorMessage = &errMsg
	return nil
}

func (m *memMessages) AlertExistsForInvoice(ctx context.Context, invoiceID uuid.UUID) (bool, error) {
	for _, msg := range m.messages {
		if msg.Kind == db.KindDeadlineAlert && msg.InvoiceID != nil && *msg.InvoiceID == invoiceID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memMessages) byStatus(status string) []*db.Message {
	var out []*db.Message
	for _, msg := range m.messages {
		if msg.Status == status {
			out = append(out, msg)
		}
	}
	return out
}

type quotaKey struct {
	company uuid.UUID
	date    string
}

// memQuotas is an in-memory QuotaStore. limits maps company to its daily
// ceiling, mirroring the config rows ResetDay provisions from.
type memQuotas struct {
	rows   map[quotaKey]*db.DailyQuota
	limits map[uuid.UUID]int
}

func newMemQuotas() *memQuotas {
	return &memQuotas{
		rows:   make(map[quotaKey]*db.DailyQuota),
		limits: make(map[uuid.UUID]int),
	}
}

func (m *memQuotas) key(companyID uuid.UUID, date time.Time) quotaKey {
	return quotaKey{company: companyID, date: date.Format("2006-01-02")}
}

func (m *memQuotas) Get(ctx context.Context, companyID uuid.UUID, date time.Time, quotaLimit int) (*db.DailyQuota, error) {
	k := m.key(companyID, date)
	if q, ok := m.rows[k]; ok {
		return q, nil
	}
	q := &db.DailyQuota{CompanyID: companyID, QuotaDate: date, QuotaLimit: quotaLimit}
	m.rows[k] = q
	return q, nil
}

func (m *memQuotas) IncrementSent(ctx context.Context, companyID uuid.UUID, date time.Time) error {
	k := m.key(companyID, date)
	q, ok := m.rows[k]
	if !ok {
		return fmt.Errorf("no quota row for %s on %s", companyID, k.date)
	}
	q.MessagesSent++
	return nil
}

func (m *memQuotas) ResetDay(ctx context.Context, date time.Time) (int, error) {
	created := 0
	for companyID, limit := range m.limits {
		k := m.key(companyID, date)
		if _, ok := m.rows[k]; ok {
			continue
		}
		m.rows[k] = &db.DailyQuota{CompanyID: companyID, QuotaDate: date, QuotaLimit: limit}
		created++
	}
	return created, nil
}

// memInvoices is an in-memory InvoiceStore.
type memInvoices struct {
	invoices  []*db.Invoice
	customers []*db.Customer
}

func (m *memInvoices) ListDueOn(ctx context.Context, companyID uuid.UUID, dueDate time.Time) ([]*db.Invoice, error) {
	var out []*db.Invoice
	for _, inv := range m.invoices {
		if inv.CompanyID != companyID || !inv.IsActive {
			continue
		}
		if !sameDay(inv.DueDate, dueDate) {
			continue
		}
		switch inv.Status {
		case db.InvoicePending, db.InvoicePartiallyPaid, db.InvoiceOverdue:
			out = append(out, inv)
		}
	}
	return out, nil
}

func (m *memInvoices) Create(ctx context.Context, inv *db.Invoice) error {
	for _, existing := range m.invoices {
		if existing.CompanyID == inv.CompanyID && existing.InvoiceNumber == inv.InvoiceNumber {
			return fmt.Errorf("duplicate invoice number %s for company %s", inv.InvoiceNumber, inv.CompanyID)
		}
	}
	inv.IsActive = true
	m.invoices = append(m.invoices, inv)
	return nil
}

func (m *memInvoices) SubscriptionExistsForMonth(ctx context.Context, customerID uuid.UUID, date time.Time) (bool, error) {
	for _, inv := range m.invoices {
		if inv.CustomerID != customerID || inv.InvoiceType != "subscription" {
			continue
		}
		if inv.BillingStartDate.Year() == date.Year() && inv.BillingStartDate.Month() == date.Month() {
			return true, nil
		}
	}
	return false, nil
}

func (m *memInvoices) ListCustomersByRechargeDay(ctx context.Context, companyID uuid.UUID, day int) ([]*db.Customer, error) {
	var out []*db.Customer
	for _, c := range m.customers {
		if c.CompanyID != companyID || !c.IsActive {
			continue
		}
		if c.RechargeDay != nil && *c.RechargeDay == day {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memInvoices) NextInvoiceNumber(ctx context.Context, companyID uuid.UUID, date time.Time) (string, error) {
	count := 0
	for _, inv := range m.invoices {
		if inv.CompanyID != companyID {
			continue
		}
		if inv.BillingStartDate.Year() == date.Year() && inv.BillingStartDate.Month() == date.Month() {
			count++
		}
	}
	return fmt.Sprintf("INV-%s-%04d", date.Format("200601"), count+1), nil
}

// memTemplates is an in-memory TemplateStore.
type memTemplates struct {
	templates []*db.Template
}

func (m *memTemplates) GetByKind(ctx context.Context, companyID uuid.UUID, kind string) (*db.Template, error) {
	for _, t := range m.templates {
		if t.CompanyID == companyID && t.Kind == kind && t.IsActive {
			return t, nil
		}
	}
	return nil, fmt.Errorf("no %s template for company %s", kind, companyID)
}

// fakeSender records outbound calls and returns scripted errors per mobile.
type fakeSender struct {
	calls    []fakeCall
	failWith map[string]error
}

type fakeCall struct {
	mobile  string
	content string
	media   string
}

func newFakeSender() *fakeSender {
	return &fakeSender{failWith: make(map[string]error)}
}

func (s *fakeSender) send(mobile, content, media string) (*whatsapp.SendResult, error) {
	s.calls = append(s.calls, fakeCall{mobile: mobile, content: content, media: media})
	if err, ok := s.failWith[mobile]; ok {
		return nil, err
	}
	return &whatsapp.SendResult{
		ProviderMessageID: fmt.Sprintf("wamid-%d", len(s.calls)),
		RawResponse:       json.RawMessage(`{"status":"sent"}`),
	}, nil
}

func (s *fakeSender) SendText(ctx context.Context, creds whatsapp.Credentials, mobile, content string) (*whatsapp.SendResult, error) {
	return s.send(mobile, content, db.MediaText)
}

func (s *fakeSender) SendImage(ctx context.Context, creds whatsapp.Credentials, mobile, url, caption string) (*whatsapp.SendResult, error) {
	return s.send(mobile, caption, db.MediaImage)
}

func (s *fakeSender) SendDocument(ctx context.Context, creds whatsapp.Credentials, mobile, url, caption string) (*whatsapp.SendResult, error) {
	return s.send(mobile, caption, db.MediaDocument)
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

func testConfig(companyID uuid.UUID) *db.CompanyConfig {
	return &db.CompanyConfig{
		CompanyID:              companyID,
		APIKey:                 "test-key",
		ServerAddress:          "http://gateway.local",
		AutoSendInvoices:       true,
		AutoSendDeadlineAlerts: true,
		MessageSendTime:        "09:00",
		DeadlineCheckTime:      "09:00",
		AlertDaysBefore:        2,
		DailyQuotaLimit:        200,
		QuotaBuffer:            5,
		InvoicePriority:        db.PriorityMedium,
		AlertPriority:          db.PriorityHigh,
		CustomPriority:         db.PriorityLow,
	}
}
