package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ispkit/whatsqueue/internal/db"
)

// defaultMaxRetry is how many delivery attempts an enqueued message gets
// before it is parked as failed_permanent.
const defaultMaxRetry = 3

// MessageStore is the slice of the message repository the scheduled jobs use.
type MessageStore interface {
	Create(ctx context.Context, msg *db.Message) error
	FetchSendable(ctx context.Context, companyID uuid.UUID, limit int) ([]*db.Message, error)
	MarkSent(ctx context.Context, id uuid.UUID, apiResponse json.RawMessage, providerMessageID string) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	MarkFailedPermanent(ctx context.Context, id uuid.UUID, errMsg string) error
	AlertExistsForInvoice(ctx context.Context, invoiceID uuid.UUID) (bool, error)
}

// QuotaStore tracks daily send counts.
type QuotaStore interface {
	Get(ctx context.Context, companyID uuid.UUID, date time.Time, quotaLimit int) (*db.DailyQuota, error)
	IncrementSent(ctx context.Context, companyID uuid.UUID, date time.Time) error
	ResetDay(ctx context.Context, date time.Time) (int, error)
}

// ConfigStore lists per-company notification configs.
type ConfigStore interface {
	List(ctx context.Context) ([]*db.CompanyConfig, error)
}

// InvoiceStore is the billing surface the alert scanner and the recurring
// generator read and write.
type InvoiceStore interface {
	ListDueOn(ctx context.Context, companyID uuid.UUID, dueDate time.Time) ([]*db.Invoice, error)
	Create(ctx context.Context, inv *db.Invoice) error
	SubscriptionExistsForMonth(ctx context.Context, customerID uuid.UUID, date time.Time) (bool, error)
	ListCustomersByRechargeDay(ctx context.Context, companyID uuid.UUID, day int) ([]*db.Customer, error)
	NextInvoiceNumber(ctx context.Context, companyID uuid.UUID, date time.Time) (string, error)
}

// TemplateStore serves message body templates.
type TemplateStore interface {
	GetByKind(ctx context.Context, companyID uuid.UUID, kind string) (*db.Template, error)
}

// Locker serializes job runs across processes. The Redis job lock satisfies
// this; tests use a no-op.
type Locker interface {
	WithLock(ctx context.Context, job, owner string, fn func(context.Context) error) error
}

// NopLocker runs jobs without cross-process serialization. Used when Redis is
// unavailable and in tests.
type NopLocker struct{}

// WithLock runs fn directly.
func (NopLocker) WithLock(ctx context.Context, job, owner string, fn func(context.Context) error) error {
	return fn(ctx)
}
