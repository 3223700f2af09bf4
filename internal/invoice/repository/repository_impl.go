package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/billingcore/internal/invoice/domain"
	"gorm.io/gorm"
)

const invoiceColumns = `id, tenant_id, subscription_id, invoice_number, currency, status,
		 subtotal, tax_amount, discount_amount, total_amount, amount_paid, amount_due,
		 period_start, period_end, issue_date, due_date, paid_at, finalized_at,
		 voided_at, void_reason, uncollectible_at, metadata, created_at, updated_at`

type repo struct{}

func Provide() invoicedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, invoice *invoicedomain.Invoice) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO invoices (
			id, tenant_id, subscription_id, invoice_number, currency, status,
			subtotal, tax_amount, discount_amount, total_amount, amount_paid, amount_due,
			period_start, period_end, issue_date, due_date, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		invoice.ID,
		invoice.TenantID,
		invoice.SubscriptionID,
		invoice.InvoiceNumber,
		invoice.Currency,
		invoice.Status,
		invoice.Subtotal,
		invoice.TaxAmount,
		invoice.DiscountAmount,
		invoice.TotalAmount,
		invoice.AmountPaid,
		invoice.AmountDue,
		invoice.PeriodStart,
		invoice.PeriodEnd,
		invoice.IssueDate,
		invoice.DueDate,
		invoice.Metadata,
		invoice.CreatedAt,
		invoice.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	return r.findOne(ctx, db, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	return r.findOne(ctx, db, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ? FOR UPDATE`, id)
}

func (r *repo) FindBySubscriptionPeriod(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, periodStart time.Time) (*invoicedomain.Invoice, error) {
	return r.findOne(ctx, db,
		`SELECT `+invoiceColumns+`
		 FROM invoices
		 WHERE subscription_id = ? AND period_start = ?
		 LIMIT 1`,
		subscriptionID,
		periodStart,
	)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&invoice).Error; err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}
	return &invoice, nil
}

// Update writes every mutable column. Callers hold the row lock.
func (r *repo) Update(ctx context.Context, db *gorm.DB, invoice *invoicedomain.Invoice) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET status = ?,
		     subtotal = ?, tax_amount = ?, discount_amount = ?, total_amount = ?,
		     amount_paid = ?, amount_due = ?,
		     paid_at = ?, finalized_at = ?, voided_at = ?, void_reason = ?, uncollectible_at = ?,
		     updated_at = ?
		 WHERE id = ?`,
		invoice.Status,
		invoice.Subtotal,
		invoice.TaxAmount,
		invoice.DiscountAmount,
		invoice.TotalAmount,
		invoice.AmountPaid,
		invoice.AmountDue,
		invoice.PaidAt,
		invoice.FinalizedAt,
		invoice.VoidedAt,
		invoice.VoidReason,
		invoice.UncollectibleAt,
		invoice.UpdatedAt,
		invoice.ID,
	).Error
}

func (r *repo) InsertItem(ctx context.Context, db *gorm.DB, item *invoicedomain.InvoiceItem) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO invoice_items (
			id, invoice_id, tenant_id, description, item_type,
			quantity, unit_price, amount, tax_rate, tax_amount, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID,
		item.InvoiceID,
		item.TenantID,
		item.Description,
		item.ItemType,
		item.Quantity,
		item.UnitPrice,
		item.Amount,
		item.TaxRate,
		item.TaxAmount,
		item.CreatedAt,
	).Error
}

func (r *repo) ListItems(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]invoicedomain.InvoiceItem, error) {
	var items []invoicedomain.InvoiceItem
	err := db.WithContext(ctx).Raw(
		`SELECT id, invoice_id, tenant_id, description, item_type,
		        quantity, unit_price, amount, tax_rate, tax_amount, created_at
		 FROM invoice_items
		 WHERE invoice_id = ?
		 ORDER BY created_at ASC, id ASC`,
		invoiceID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) InsertPayment(ctx context.Context, db *gorm.DB, payment *invoicedomain.InvoicePayment) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO invoice_payments (id, invoice_id, tenant_id, amount, method, reference, paid_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		payment.ID,
		payment.InvoiceID,
		payment.TenantID,
		payment.Amount,
		payment.Method,
		payment.Reference,
		payment.PaidAt,
	).Error
}

func (r *repo) ListPayments(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]invoicedomain.InvoicePayment, error) {
	var payments []invoicedomain.InvoicePayment
	err := db.WithContext(ctx).Raw(
		`SELECT id, invoice_id, tenant_id, amount, method, reference, paid_at
		 FROM invoice_payments
		 WHERE invoice_id = ?
		 ORDER BY paid_at ASC, id ASC`,
		invoiceID,
	).Scan(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}

func (r *repo) ListOverdue(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, now time.Time) ([]invoicedomain.Invoice, error) {
	var invoices []invoicedomain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+`
		 FROM invoices
		 WHERE tenant_id = ? AND status = ? AND due_date < ?
		 ORDER BY due_date ASC, id ASC`,
		tenantID,
		invoicedomain.InvoiceStatusOpen,
		now,
	).Scan(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}
