package service

import (
	"context"

	invoicedomain "github.com/smallbiznis/billingcore/internal/invoice/domain"
	"github.com/smallbiznis/billingcore/internal/notify"
	"go.uber.org/zap"
)

// Sink delivery happens after commit. Failures are logged and counted; the
// invoice stays as committed.

func (s *Service) emitFinalized(ctx context.Context, invoice *invoicedomain.Invoice, items []invoicedomain.InvoiceItem) {
	evt := notify.InvoiceEvent{
		Invoice:    toNotifyInvoice(invoice, items),
		OccurredAt: s.clock.Now(),
	}
	if err := s.sink.InvoiceFinalized(ctx, evt); err != nil {
		s.sinkFailed(ctx, notify.EventInvoiceFinalized, invoice, err)
	}
}

func (s *Service) emitPayment(ctx context.Context, invoice *invoicedomain.Invoice, items []invoicedomain.InvoiceItem, payment *invoicedomain.InvoicePayment) {
	evt := notify.PaymentEvent{
		Invoice:    toNotifyInvoice(invoice, items),
		Amount:     payment.Amount.String(),
		Method:     payment.Method,
		Reference:  payment.Reference,
		OccurredAt: payment.PaidAt,
	}
	if err := s.sink.PaymentRecorded(ctx, evt); err != nil {
		s.sinkFailed(ctx, notify.EventPaymentRecorded, invoice, err)
	}
}

func (s *Service) sinkFailed(ctx context.Context, event string, invoice *invoicedomain.Invoice, err error) {
	s.metrics.RecordSinkFailure(ctx, "invoice", event)
	s.logger(ctx).Warn("invoice sink delivery failed",
		zap.String("event", event),
		zap.String("invoice_id", invoice.ID.String()),
		zap.Error(err),
	)
}

func toNotifyInvoice(invoice *invoicedomain.Invoice, items []invoicedomain.InvoiceItem) notify.Invoice {
	out := notify.Invoice{
		ID:             invoice.ID.String(),
		TenantID:       invoice.TenantID.String(),
		Number:         invoice.InvoiceNumber,
		Status:         string(invoice.Status),
		Currency:       invoice.Currency,
		Subtotal:       invoice.Subtotal.String(),
		TaxAmount:      invoice.TaxAmount.String(),
		DiscountAmount: invoice.DiscountAmount.String(),
		TotalAmount:    invoice.TotalAmount.String(),
		AmountPaid:     invoice.AmountPaid.String(),
		AmountDue:      invoice.AmountDue.String(),
		PeriodStart:    invoice.PeriodStart,
		PeriodEnd:      invoice.PeriodEnd,
		IssueDate:      invoice.IssueDate,
		DueDate:        invoice.DueDate,
		PaidAt:         invoice.PaidAt,
		Items:          make([]notify.InvoiceItem, 0, len(items)),
	}
	if invoice.SubscriptionID != nil {
		out.SubscriptionID = invoice.SubscriptionID.String()
	}
	for _, item := range items {
		out.Items = append(out.Items, notify.InvoiceItem{
			Description: item.Description,
			Type:        string(item.ItemType),
			Quantity:    item.Quantity.String(),
			UnitPrice:   item.UnitPrice.String(),
			Amount:      item.Amount.String(),
			TaxRate:     item.TaxRate.String(),
			TaxAmount:   item.TaxAmount.String(),
		})
	}
	return out
}
