package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/smallbiznis/billingcore/internal/credit/domain"
	invoicedomain "github.com/smallbiznis/billingcore/internal/invoice/domain"
	"github.com/smallbiznis/billingcore/internal/invoice/lineitem"
	"github.com/smallbiznis/billingcore/internal/money"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (s *Service) RecordPayment(ctx context.Context, invoiceID snowflake.ID, req invoicedomain.RecordPaymentRequest) (*invoicedomain.Invoice, error) {
	ctx, span := s.tracer.Start(ctx, "invoice.RecordPayment")
	defer span.End()

	amount := money.Round2(req.Amount)
	var (
		updated *invoicedomain.Invoice
		items   []invoicedomain.InvoiceItem
		payment *invoicedomain.InvoicePayment
	)
	err := s.runInTx(ctx, "invoice.record_payment", func(tx *gorm.DB) error {
		invoice, err := s.lockOpen(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if !amount.IsPositive() {
			return invoicedomain.ErrInvalidPaymentAmount
		}
		p, err := s.applyPaymentTx(ctx, tx, invoice, amount, req.Method, req.Reference, s.clock.Now())
		if err != nil {
			return err
		}
		lines, err := s.repo.ListItems(ctx, tx, invoice.ID)
		if err != nil {
			return err
		}
		updated, items, payment = invoice, lines, p
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("invoice.status", string(updated.Status)),
		attribute.String("invoice.amount_due", updated.AmountDue.String()),
	)
	s.afterPayment(ctx, updated, items, payment)
	return updated, nil
}

// ApplyCredits consumes the tenant's usable credits against the amount due
// and records the consumed total as a single credit payment.
func (s *Service) ApplyCredits(ctx context.Context, invoiceID snowflake.ID) (creditdomain.ApplyResult, error) {
	ctx, span := s.tracer.Start(ctx, "invoice.ApplyCredits")
	defer span.End()

	var (
		result  creditdomain.ApplyResult
		updated *invoicedomain.Invoice
		items   []invoicedomain.InvoiceItem
		payment *invoicedomain.InvoicePayment
	)
	err := s.runInTx(ctx, "invoice.apply_credits", func(tx *gorm.DB) error {
		result, updated, items, payment = creditdomain.ApplyResult{}, nil, nil, nil

		invoice, err := s.lockOpen(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if invoice.AmountDue.IsZero() {
			result.RemainingDue = invoice.AmountDue
			return nil
		}

		invoiceRef := invoice.ID
		applied, err := s.credits.ApplyTx(ctx, tx, creditdomain.ApplyRequest{
			TenantID:  invoice.TenantID,
			InvoiceID: &invoiceRef,
			Currency:  invoice.Currency,
			AmountDue: invoice.AmountDue,
		})
		if err != nil {
			return err
		}
		result = applied
		if !applied.TotalUsed.IsPositive() {
			return nil
		}

		reference := fmt.Sprintf("%d credit allocation(s)", len(applied.Allocations))
		p, err := s.applyPaymentTx(ctx, tx, invoice, applied.TotalUsed, invoicedomain.PaymentMethodCredit, reference, s.clock.Now())
		if err != nil {
			return err
		}
		lines, err := s.repo.ListItems(ctx, tx, invoice.ID)
		if err != nil {
			return err
		}
		updated, items, payment = invoice, lines, p
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return creditdomain.ApplyResult{}, err
	}

	span.SetAttributes(
		attribute.Int("credit.allocations", len(result.Allocations)),
		attribute.String("credit.total_used", result.TotalUsed.String()),
	)
	if payment != nil {
		s.afterPayment(ctx, updated, items, payment)
	}
	return result, nil
}

// applyPaymentTx records a payment and moves the invoice to paid once nothing
// is due. Overpayment is kept in amount_paid; amount_due never goes negative.
func (s *Service) applyPaymentTx(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice, amount money.Amount, method, reference string, now time.Time) (*invoicedomain.InvoicePayment, error) {
	payment := &invoicedomain.InvoicePayment{
		ID:        s.genID.Generate(),
		InvoiceID: invoice.ID,
		TenantID:  invoice.TenantID,
		Amount:    amount,
		Method:    strings.TrimSpace(method),
		Reference: strings.TrimSpace(reference),
		PaidAt:    now,
	}
	if err := s.repo.InsertPayment(ctx, tx, payment); err != nil {
		return nil, err
	}

	invoice.AmountPaid = money.Round2(invoice.AmountPaid + amount)
	invoice.AmountDue = lineitem.AmountDue(invoice.TotalAmount, invoice.AmountPaid)
	if invoice.AmountDue.IsZero() {
		invoice.Status = invoicedomain.InvoiceStatusPaid
		invoice.PaidAt = &now
	}
	invoice.UpdatedAt = now
	if err := s.repo.Update(ctx, tx, invoice); err != nil {
		return nil, err
	}
	return payment, nil
}

func (s *Service) lockOpen(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	invoice, err := s.lock(ctx, tx, invoiceID)
	if err != nil {
		return nil, err
	}
	switch invoice.Status {
	case invoicedomain.InvoiceStatusOpen:
		return invoice, nil
	case invoicedomain.InvoiceStatusPaid:
		return nil, invoicedomain.ErrInvoiceAlreadyPaid
	default:
		return nil, invoicedomain.ErrInvoiceNotOpen.Withf("invoice is %s", invoice.Status)
	}
}

func (s *Service) afterPayment(ctx context.Context, invoice *invoicedomain.Invoice, items []invoicedomain.InvoiceItem, payment *invoicedomain.InvoicePayment) {
	s.metrics.RecordPayment(ctx, payment.Method, invoice.Currency, payment.Amount.Float64())
	if invoice.Status == invoicedomain.InvoiceStatusPaid {
		s.metrics.RecordInvoiceTransition(ctx, string(invoicedomain.InvoiceStatusPaid))
	}
	s.logger(ctx).Info("recorded invoice payment",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("amount", payment.Amount.String()),
		zap.String("method", payment.Method),
		zap.String("status", string(invoice.Status)),
		zap.String("amount_due", invoice.AmountDue.String()),
	)
	s.emitPayment(ctx, invoice, items, payment)
}
