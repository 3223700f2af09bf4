// Package notify delivers committed invoice events to external renderers and
// notifiers. Sinks never influence billing state: callers invoke them after
// commit and only log their errors.
package notify

import (
	"context"
	"errors"
	"time"
)

// Event types.
const (
	EventInvoiceFinalized = "invoice.finalized"
	EventPaymentRecorded  = "invoice.payment_recorded"
)

// InvoiceItem is the rendered form of an invoice line. Money values are
// decimal strings with two places.
type InvoiceItem struct {
	Description string `json:"description"`
	Type        string `json:"type"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	Amount      string `json:"amount"`
	TaxRate     string `json:"tax_rate"`
	TaxAmount   string `json:"tax_amount"`
}

// Invoice is the committed invoice as the sink sees it.
type Invoice struct {
	ID             string        `json:"id"`
	TenantID       string        `json:"tenant_id"`
	SubscriptionID string        `json:"subscription_id,omitempty"`
	Number         string        `json:"invoice_number"`
	Status         string        `json:"status"`
	Currency       string        `json:"currency"`
	Subtotal       string        `json:"subtotal"`
	TaxAmount      string        `json:"tax_amount"`
	DiscountAmount string        `json:"discount_amount"`
	TotalAmount    string        `json:"total_amount"`
	AmountPaid     string        `json:"amount_paid"`
	AmountDue      string        `json:"amount_due"`
	PeriodStart    time.Time     `json:"period_start"`
	PeriodEnd      time.Time     `json:"period_end"`
	IssueDate      time.Time     `json:"issue_date"`
	DueDate        time.Time     `json:"due_date"`
	PaidAt         *time.Time    `json:"paid_at,omitempty"`
	Items          []InvoiceItem `json:"items"`
}

type InvoiceEvent struct {
	Invoice    Invoice   `json:"invoice"`
	OccurredAt time.Time `json:"occurred_at"`
}

type PaymentEvent struct {
	Invoice    Invoice   `json:"invoice"`
	Amount     string    `json:"amount"`
	Method     string    `json:"method,omitempty"`
	Reference  string    `json:"reference,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Sink interface {
	InvoiceFinalized(ctx context.Context, evt InvoiceEvent) error
	PaymentRecorded(ctx context.Context, evt PaymentEvent) error
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) InvoiceFinalized(context.Context, InvoiceEvent) error { return nil }
func (NopSink) PaymentRecorded(context.Context, PaymentEvent) error  { return nil }

// MultiSink fans an event out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) InvoiceFinalized(ctx context.Context, evt InvoiceEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.InvoiceFinalized(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) PaymentRecorded(ctx context.Context, evt PaymentEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.PaymentRecorded(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
