// Package domain contains persistence models for invoicing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingcore/internal/invoice/lineitem"
	"github.com/smallbiznis/billingcore/internal/money"
	"gorm.io/datatypes"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "draft"
	InvoiceStatusOpen          InvoiceStatus = "open"
	InvoiceStatusPaid          InvoiceStatus = "paid"
	InvoiceStatusVoid          InvoiceStatus = "void"
	InvoiceStatusUncollectible InvoiceStatus = "uncollectible"
)

var transitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceStatusDraft: {InvoiceStatusOpen, InvoiceStatusVoid},
	InvoiceStatusOpen:  {InvoiceStatusPaid, InvoiceStatusVoid, InvoiceStatusUncollectible},
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s InvoiceStatus) CanTransitionTo(next InvoiceStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s InvoiceStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

type ItemType string

const (
	ItemTypeSubscription ItemType = "subscription"
	ItemTypeUsage        ItemType = "usage"
	ItemTypeCredit       ItemType = "credit"
	ItemTypeFee          ItemType = "fee"
	ItemTypeDiscount     ItemType = "discount"
)

func (t ItemType) Valid() bool {
	switch t {
	case ItemTypeSubscription, ItemTypeUsage, ItemTypeCredit, ItemTypeFee, ItemTypeDiscount:
		return true
	}
	return false
}

// AllowsNegativePrice is true for lines that reduce the invoice.
func (t ItemType) AllowsNegativePrice() bool {
	return t == ItemTypeCredit || t == ItemTypeDiscount
}

// Invoice represents a generated invoice.
type Invoice struct {
	ID              snowflake.ID  `gorm:"primaryKey"`
	TenantID        snowflake.ID  `gorm:"not null;index;uniqueIndex:ux_invoices_tenant_number,priority:1"`
	SubscriptionID  *snowflake.ID `gorm:"index;uniqueIndex:ux_invoices_subscription_period,priority:1"`
	InvoiceNumber   string        `gorm:"type:varchar(32);not null;uniqueIndex:ux_invoices_tenant_number,priority:2"`
	Currency        string        `gorm:"type:varchar(3);not null"`
	Status          InvoiceStatus `gorm:"type:varchar(16);not null;default:'draft';index"`
	Subtotal        money.Amount  `gorm:"not null;default:0"`
	TaxAmount       money.Amount  `gorm:"not null;default:0"`
	DiscountAmount  money.Amount  `gorm:"not null;default:0"`
	TotalAmount     money.Amount  `gorm:"not null;default:0"`
	AmountPaid      money.Amount  `gorm:"not null;default:0"`
	AmountDue       money.Amount  `gorm:"not null;default:0"`
	PeriodStart     time.Time     `gorm:"not null;uniqueIndex:ux_invoices_subscription_period,priority:2"`
	PeriodEnd       time.Time     `gorm:"not null"`
	IssueDate       time.Time     `gorm:"not null"`
	DueDate         time.Time     `gorm:"not null;index"`
	PaidAt          *time.Time
	FinalizedAt     *time.Time
	VoidedAt        *time.Time
	VoidReason      string `gorm:"type:text"`
	UncollectibleAt *time.Time
	Metadata        datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt       time.Time         `gorm:"not null"`
	UpdatedAt       time.Time         `gorm:"not null"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// IsOverdue is derived, never stored: an open invoice past its due date.
func (i Invoice) IsOverdue(now time.Time) bool {
	return i.Status == InvoiceStatusOpen && i.DueDate.Before(now)
}

// ApplyTotals stores totals and re-derives the amount due.
func (i *Invoice) ApplyTotals(t lineitem.Totals) {
	i.Subtotal = t.Subtotal
	i.TaxAmount = t.Tax
	i.DiscountAmount = t.Discount
	i.TotalAmount = t.Total
	i.AmountDue = lineitem.AmountDue(t.Total, i.AmountPaid)
}

// InvoiceItem represents a line on an invoice.
type InvoiceItem struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	InvoiceID   snowflake.ID   `gorm:"not null;index"`
	TenantID    snowflake.ID   `gorm:"not null;index"`
	Description string         `gorm:"type:text;not null"`
	ItemType    ItemType       `gorm:"type:varchar(16);not null"`
	Quantity    money.Quantity `gorm:"not null"`
	UnitPrice   money.Price    `gorm:"not null"`
	Amount      money.Amount   `gorm:"not null"`
	TaxRate     money.Quantity `gorm:"not null;default:0"`
	TaxAmount   money.Amount   `gorm:"not null;default:0"`
	CreatedAt   time.Time      `gorm:"not null"`
}

// TableName sets the database table name.
func (InvoiceItem) TableName() string { return "invoice_items" }

func (it InvoiceItem) Line() lineitem.Line {
	return lineitem.Line{Amount: it.Amount, TaxAmount: it.TaxAmount}
}

// Lines projects items onto their monetary parts.
func Lines(items []InvoiceItem) []lineitem.Line {
	lines := make([]lineitem.Line, 0, len(items))
	for _, it := range items {
		lines = append(lines, it.Line())
	}
	return lines
}

// InvoicePayment is an append-only record of money received, including
// credit applications (method "credit").
type InvoicePayment struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	InvoiceID snowflake.ID `gorm:"not null;index"`
	TenantID  snowflake.ID `gorm:"not null;index"`
	Amount    money.Amount `gorm:"not null"`
	Method    string       `gorm:"type:varchar(32)"`
	Reference string       `gorm:"type:text"`
	PaidAt    time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (InvoicePayment) TableName() string { return "invoice_payments" }

const PaymentMethodCredit = "credit"

type InvoiceWithItems struct {
	Invoice
	Items    []InvoiceItem    `json:"items"`
	Payments []InvoicePayment `json:"payments"`
}
