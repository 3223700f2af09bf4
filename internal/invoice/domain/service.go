package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/smallbiznis/billingcore/internal/credit/domain"
	"github.com/smallbiznis/billingcore/internal/money"
	"github.com/smallbiznis/billingcore/pkg/billingerr"
	"gorm.io/gorm"
)

type CreateDraftRequest struct {
	TenantID       snowflake.ID
	SubscriptionID *snowflake.ID
	PeriodStart    time.Time
	PeriodEnd      time.Time
	// DueDate defaults to the issue date plus the configured payment terms.
	DueDate  time.Time
	Currency string
	Metadata map[string]any
}

type AddItemRequest struct {
	Description string
	Type        ItemType
	Quantity    money.Quantity
	UnitPrice   money.Amount
	TaxRate     money.Quantity
}

// IssueRequest creates, fills and finalizes an invoice in one transaction.
type IssueRequest struct {
	Draft CreateDraftRequest
	Items []AddItemRequest
}

type RecordPaymentRequest struct {
	Amount    money.Amount
	Method    string
	Reference string
}

type ListRequest struct {
	TenantID       snowflake.ID
	SubscriptionID *snowflake.ID
	Status         InvoiceStatus
	Limit          int
	Offset         int
}

type Service interface {
	CreateDraft(ctx context.Context, req CreateDraftRequest) (*Invoice, error)
	AddItem(ctx context.Context, invoiceID snowflake.ID, req AddItemRequest) (*InvoiceWithItems, error)
	SetDiscount(ctx context.Context, invoiceID snowflake.ID, discount money.Amount) (*Invoice, error)
	Finalize(ctx context.Context, invoiceID snowflake.ID) (*Invoice, error)
	Issue(ctx context.Context, req IssueRequest) (*InvoiceWithItems, error)
	RecordPayment(ctx context.Context, invoiceID snowflake.ID, req RecordPaymentRequest) (*Invoice, error)
	ApplyCredits(ctx context.Context, invoiceID snowflake.ID) (creditdomain.ApplyResult, error)
	Void(ctx context.Context, invoiceID snowflake.ID, reason string) (*Invoice, error)
	MarkUncollectible(ctx context.Context, invoiceID snowflake.ID) (*Invoice, error)

	Get(ctx context.Context, invoiceID snowflake.ID) (*InvoiceWithItems, error)
	FindBySubscriptionPeriod(ctx context.Context, subscriptionID snowflake.ID, periodStart time.Time) (*Invoice, error)
	List(ctx context.Context, req ListRequest) ([]Invoice, error)
	ListOverdue(ctx context.Context, tenantID snowflake.ID) ([]Invoice, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	FindBySubscriptionPeriod(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, periodStart time.Time) (*Invoice, error)
	Update(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	InsertItem(ctx context.Context, db *gorm.DB, item *InvoiceItem) error
	ListItems(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]InvoiceItem, error)
	InsertPayment(ctx context.Context, db *gorm.DB, payment *InvoicePayment) error
	ListPayments(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]InvoicePayment, error)
	ListOverdue(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, now time.Time) ([]Invoice, error)
}

var (
	ErrInvalidTenant        = billingerr.New(billingerr.KindInvalidInput, "invalid_tenant", "tenant id is required")
	ErrInvalidPeriod        = billingerr.New(billingerr.KindInvalidInput, "invalid_period", "period end must be after period start")
	ErrInvalidCurrency      = billingerr.New(billingerr.KindInvalidInput, "invalid_currency", "currency is required")
	ErrInvalidDescription   = billingerr.New(billingerr.KindInvalidInput, "invalid_description", "item description is required")
	ErrInvalidItemType      = billingerr.New(billingerr.KindInvalidInput, "invalid_item_type", "item type is unknown")
	ErrNegativeTaxRate      = billingerr.New(billingerr.KindInvalidInput, "negative_tax_rate", "tax rate must not be negative")
	ErrInvalidQuantity      = billingerr.New(billingerr.KindInvalidAmount, "invalid_quantity", "item quantity must be positive")
	ErrInvalidUnitPrice     = billingerr.New(billingerr.KindInvalidAmount, "invalid_unit_price", "unit price must not be negative for charge items")
	ErrInvalidPaymentAmount = billingerr.New(billingerr.KindInvalidAmount, "invalid_payment_amount", "payment amount must be positive")
	ErrInvalidDiscount      = billingerr.New(billingerr.KindInvalidAmount, "invalid_discount", "discount must not be negative")
	ErrInvoiceNotFound      = billingerr.New(billingerr.KindNotFound, "invoice_not_found", "invoice not found")
	ErrInvoiceNotDraft      = billingerr.New(billingerr.KindInvalidState, "invoice_not_draft", "invoice is not draft")
	ErrInvoiceNotOpen       = billingerr.New(billingerr.KindInvalidState, "invoice_not_open", "invoice is not open")
	ErrInvoiceAlreadyPaid   = billingerr.New(billingerr.KindInvalidState, "invoice_already_paid", "invoice is already paid")
	ErrInvoiceTerminal      = billingerr.New(billingerr.KindInvalidState, "invoice_terminal", "invoice is in a terminal state")
	ErrInvoiceExists        = billingerr.New(billingerr.KindConflict, "invoice_already_exists", "an invoice already exists for this subscription period")
)
