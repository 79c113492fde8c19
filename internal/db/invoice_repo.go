package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InvoiceRepository covers the billing side of the producer contract: due
// invoices for the alert scanner and recurring invoice creation.
type InvoiceRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewInvoiceRepository creates a new invoice repository
func NewInvoiceRepository(db *DB, logger *zap.Logger) *InvoiceRepository {
	return &InvoiceRepository{
		db:     db,
		logger: logger,
	}
}

// ListDueOn returns a company's active invoices with the given due date that
// still await payment, joined with the customer fields the alert template
// needs.
func (r *InvoiceRepository) ListDueOn(ctx context.Context, companyID uuid.UUID, dueDate time.Time) ([]*Invoice, error) {
	query := `
		SELECT
			i.id, i.invoice_number, i.company_id, i.customer_id,
			i.billing_start_date, i.billing_end_date, i.due_date,
			i.total_amount, i.invoice_type, i.status, i.is_active,
			i.created_at, i.updated_at,
			c.name, c.mobile
		FROM invoices i
		JOIN customers c ON c.id = i.customer_id
		WHERE i.company_id = $1
		  AND i.due_date = $2
		  AND i.is_active
		  AND i.status IN ($3, $4, $5)
		ORDER BY i.created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query,
		companyID, dateOnly(dueDate),
		InvoicePending, InvoicePartiallyPaid, InvoiceOverdue,
	)
	if err != nil {
		return nil, fmt.Errorf("query due invoices: %w", err)
	}
	defer rows.Close()

	var invoices []*Invoice
	for rows.Next() {
		var inv Invoice
		err := rows.Scan(
			&inv.ID,
			&inv.InvoiceNumber,
			&inv.CompanyID,
			&inv.CustomerID,
			&inv.BillingStartDate,
			&inv.BillingEndDate,
			&inv.DueDate,
			&inv.TotalAmount,
			&inv.InvoiceType,
			&inv.Status,
			&inv.IsActive,
			&inv.CreatedAt,
			&inv.UpdatedAt,
			&inv.CustomerName,
			&inv.CustomerMobile,
		)
		if err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		invoices = append(invoices, &inv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return invoices, nil
}

// Create inserts a new invoice
func (r *InvoiceRepository) Create(ctx context.Context, inv *Invoice) error {
	query := `
		INSERT INTO invoices (
			id, invoice_number, company_id, customer_id,
			billing_start_date, billing_end_date, due_date,
			total_amount, invoice_type, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING is_active, created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		inv.ID,
		inv.InvoiceNumber,
		inv.CompanyID,
		inv.CustomerID,
		inv.BillingStartDate,
		inv.BillingEndDate,
		inv.DueDate,
		inv.TotalAmount,
		inv.InvoiceType,
		inv.Status,
	).Scan(&inv.IsActive, &inv.CreatedAt, &inv.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create invoice",
			zap.Error(err),
			zap.String("invoice_number", inv.InvoiceNumber),
		)
		return fmt.Errorf("insert invoice: %w", err)
	}

	r.logger.Info("invoice created",
		zap.String("invoice_id", inv.ID.String()),
		zap.String("invoice_number", inv.InvoiceNumber),
		zap.String("customer_id", inv.CustomerID.String()),
	)

	return nil
}

// SubscriptionExistsForMonth reports whether the customer already has a
// subscription invoice whose billing period starts inside the month of the
// given date. The recurring generator's idempotency check.
func (r *InvoiceRepository) SubscriptionExistsForMonth(ctx context.Context, customerID uuid.UUID, date time.Time) (bool, error) {
	monthStart := time.Date(date.Year(), date.Month(), 1, 0, 0, 0, 0, date.Location())
	nextMonth := monthStart.AddDate(0, 1, 0)

	var exists bool
	err := r.db.Pool().QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM invoices
			WHERE customer_id = $1
			  AND invoice_type = 'subscription'
			  AND billing_start_date >= $2
			  AND billing_start_date < $3
		)
	`, customerID, monthStart, nextMonth).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check monthly invoice: %w", err)
	}

	return exists, nil
}

// ListCustomersByRechargeDay returns a company's active customers whose
// recurring recharge day-of-month matches the given day.
func (r *InvoiceRepository) ListCustomersByRechargeDay(ctx context.Context, companyID uuid.UUID, day int) ([]*Customer, error) {
	query := `
		SELECT id, company_id, name, mobile, recharge_day, plan_price, is_active
		FROM customers
		WHERE company_id = $1 AND is_active AND recharge_day = $2
		ORDER BY name
	`

	rows, err := r.db.Pool().Query(ctx, query, companyID, day)
	if err != nil {
		return nil, fmt.Errorf("query customers: %w", err)
	}
	defer rows.Close()

	var customers []*Customer
	for rows.Next() {
		var c Customer
		err := rows.Scan(&c.ID, &c.CompanyID, &c.Name, &c.Mobile, &c.RechargeDay, &c.PlanPrice, &c.IsActive)
		if err != nil {
			return nil, fmt.Errorf("scan customer: %w", err)
		}
		customers = append(customers, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return customers, nil
}

// NextInvoiceNumber allocates an invoice number of the form INV-YYYYMM-NNNN,
// sequenced per company per month. Numbers are only unique within a company;
// the invoices table scopes its uniqueness constraint accordingly.
func (r *InvoiceRepository) NextInvoiceNumber(ctx context.Context, companyID uuid.UUID, date time.Time) (string, error) {
	monthStart := time.Date(date.Year(), date.Month(), 1, 0, 0, 0, 0, date.Location())
	nextMonth := monthStart.AddDate(0, 1, 0)

	var count int
	err := r.db.Pool().QueryRow(ctx, `
		SELECT COUNT(*) FROM invoices
		WHERE company_id = $1 AND created_at >= $2 AND created_at < $3
	`, companyID, monthStart, nextMonth).Scan(&count)
	if err != nil {
		return "", fmt.Errorf("count invoices: %w", err)
	}

	return fmt.Sprintf("INV-%s-%04d", date.Format("200601"), count+1), nil
}
