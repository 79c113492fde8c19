// Package template renders message bodies from placeholder-bearing templates.
package template

import (
	"fmt"
	"strings"
	"time"
)

// Render substitutes {name}-style tokens in body with the given values.
// Unknown tokens are left in place so a misconfigured template is visible in
// the delivered text rather than silently blanked.
func Render(body string, data map[string]string) string {
	result := body
	for k, v := range data {
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}
	return result
}

// InvoiceData builds the standard substitution map for invoice and
// deadline-alert templates.
func InvoiceData(customerName, invoiceNumber string, amount float64, dueDate time.Time) map[string]string {
	return map[string]string{
		"customer_name":  customerName,
		"invoice_number": invoiceNumber,
		"amount":         fmt.Sprintf("%.2f", amount),
		"due_date":       dueDate.Format("2006-01-02"),
	}
}

// DefaultAlertBody is used when a company has no deadline-alert template
// configured.
const DefaultAlertBody = "Dear {customer_name}, your invoice {invoice_number} of Rs. {amount} is due on {due_date}. Please pay before the due date to avoid service interruption."

// DefaultInvoiceBody is used when a company has no invoice template
// configured.
const DefaultInvoiceBody = "Dear {customer_name}, your invoice {invoice_number} of Rs. {amount} has been generated. Due date: {due_date}."
