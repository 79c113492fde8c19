package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message represents one outbound WhatsApp notification in the queue.
type Message struct {
	ID                uuid.UUID       `json:"id"`
	CompanyID         uuid.UUID       `json:"company_id"`
	CustomerID        uuid.UUID       `json:"customer_id"`
	Mobile            string          `json:"mobile"`
	Kind              string          `json:"kind"`
	Content           string          `json:"content"`
	MediaKind         string          `json:"media_kind"`
	MediaURL          *string         `json:"media_url,omitempty"`
	MediaCaption      *string         `json:"media_caption,omitempty"`
	Priority          int             `json:"priority"`
	ScheduledAt       *time.Time      `json:"scheduled_at,omitempty"`
	InvoiceID         *uuid.UUID      `json:"invoice_id,omitempty"`
	Status            string          `json:"status"`
	RetryCount        int             `json:"retry_count"`
	MaxRetry          int             `json:"max_retry"`
	APIResponse       json.RawMessage `json:"api_response,omitempty"`
	ProviderMessageID *string         `json:"provider_message_id,omitempty"`
	ErrorMessage      *string         `json:"error_message,omitempty"`
	IsActive          bool            `json:"is_active"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Status constants. A message never regresses from sent; failed_permanent
// is terminal and only an operator requeue creates a fresh attempt.
const (
	StatusPending         = "pending"
	StatusSent            = "sent"
	StatusFailed          = "failed"
	StatusFailedPermanent = "failed_permanent"
)

// Message kind constants
const (
	KindInvoice       = "invoice"
	KindDeadlineAlert = "deadline_alert"
	KindCustom        = "custom"
	KindPromotional   = "promotional"
)

// Media kind constants
const (
	MediaText     = "text"
	MediaImage    = "image"
	MediaDocument = "document"
)

// Priority convention: lower value dispatches first.
const (
	PriorityHigh   = 0
	PriorityMedium = 10
	PriorityLow    = 20
)

// DailyQuota is one row per company per calendar date.
type DailyQuota struct {
	CompanyID    uuid.UUID `json:"company_id"`
	QuotaDate    time.Time `json:"quota_date"`
	MessagesSent int       `json:"messages_sent"`
	QuotaLimit   int       `json:"quota_limit"`
}

// Remaining returns how many messages may still be dispatched against this
// quota row given the company's safety buffer. Never negative.
func (q DailyQuota) Remaining(buffer int) int {
	r := q.QuotaLimit - buffer - q.MessagesSent
	if r < 0 {
		return 0
	}
	return r
}

// CompanyConfig holds per-company gateway credentials, auto-send toggles,
// schedule times and quota settings. One row per company.
type CompanyConfig struct {
	CompanyID              uuid.UUID  `json:"company_id"`
	APIKey                 string     `json:"api_key"`
	ServerAddress          string     `json:"server_address"`
	InstanceID             *string    `json:"instance_id,omitempty"`
	AutoSendInvoices       bool       `json:"auto_send_invoices"`
	AutoSendDeadlineAlerts bool       `json:"auto_send_deadline_alerts"`
	MessageSendTime        string     `json:"message_send_time"`
	DeadlineCheckTime      string     `json:"deadline_check_time"`
	AlertDaysBefore        int        `json:"deadline_alert_days_before"`
	DailyQuotaLimit        int        `json:"daily_quota_limit"`
	QuotaBuffer            int        `json:"quota_buffer"`
	InvoicePriority        int        `json:"default_invoice_priority"`
	AlertPriority          int        `json:"default_alert_priority"`
	CustomPriority         int        `json:"default_custom_priority"`
	LastTestAt             *time.Time `json:"last_test_at,omitempty"`
	ConnectionStatus       *string    `json:"connection_status,omitempty"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// Template is a placeholder-bearing message body used by producers.
// Tokens use {name} syntax, e.g. "Dear {customer_name}, invoice {invoice_number} is due".
type Template struct {
	ID              uuid.UUID `json:"id"`
	CompanyID       uuid.UUID `json:"company_id"`
	Name            string    `json:"name"`
	Body            string    `json:"body"`
	Category        *string   `json:"category,omitempty"`
	Kind            string    `json:"kind"`
	DefaultPriority int       `json:"default_priority"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
}

// Invoice status constants (the subset the alert scanner cares about).
const (
	InvoicePending       = "pending"
	InvoicePartiallyPaid = "partially_paid"
	InvoicePaid          = "paid"
	InvoiceOverdue       = "overdue"
	InvoiceCancelled     = "cancelled"
)

// Invoice is the billing side of the producer contract: the alert scanner
// reads due invoices and the recurring generator creates them.
type Invoice struct {
	ID               uuid.UUID `json:"id"`
	InvoiceNumber    string    `json:"invoice_number"`
	CompanyID        uuid.UUID `json:"company_id"`
	CustomerID       uuid.UUID `json:"customer_id"`
	BillingStartDate time.Time `json:"billing_start_date"`
	BillingEndDate   time.Time `json:"billing_end_date"`
	DueDate          time.Time `json:"due_date"`
	TotalAmount      float64   `json:"total_amount"`
	InvoiceType      string    `json:"invoice_type"`
	Status           string    `json:"status"`
	IsActive         bool      `json:"is_active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`

	// Joined customer fields, populated by ListDueOn for alert rendering.
	CustomerName   string `json:"customer_name,omitempty"`
	CustomerMobile string `json:"customer_mobile,omitempty"`
}

// Customer carries the minimum of the subscriber record the queue's
// producers need: where to send, and the recurring billing inputs.
type Customer struct {
	ID          uuid.UUID `json:"id"`
	CompanyID   uuid.UUID `json:"company_id"`
	Name        string    `json:"name"`
	Mobile      string    `json:"mobile"`
	RechargeDay *int      `json:"recharge_day,omitempty"`
	PlanPrice   float64   `json:"plan_price"`
	IsActive    bool      `json:"is_active"`
}
