package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/billingcore/internal/invoice/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (s *Service) Void(ctx context.Context, invoiceID snowflake.ID, reason string) (*invoicedomain.Invoice, error) {
	reason = strings.TrimSpace(reason)
	return s.transition(ctx, invoiceID, invoicedomain.InvoiceStatusVoid, func(invoice *invoicedomain.Invoice) {
		now := s.clock.Now()
		invoice.VoidedAt = &now
		invoice.VoidReason = reason
	})
}

func (s *Service) MarkUncollectible(ctx context.Context, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	return s.transition(ctx, invoiceID, invoicedomain.InvoiceStatusUncollectible, func(invoice *invoicedomain.Invoice) {
		now := s.clock.Now()
		invoice.UncollectibleAt = &now
	})
}

func (s *Service) transition(ctx context.Context, invoiceID snowflake.ID, next invoicedomain.InvoiceStatus, apply func(*invoicedomain.Invoice)) (*invoicedomain.Invoice, error) {
	var updated *invoicedomain.Invoice
	err := s.runInTx(ctx, "invoice."+string(next), func(tx *gorm.DB) error {
		invoice, err := s.lock(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if !invoice.Status.CanTransitionTo(next) {
			if invoice.Status == invoicedomain.InvoiceStatusPaid {
				return invoicedomain.ErrInvoiceAlreadyPaid
			}
			if !invoice.Status.Terminal() {
				return invoicedomain.ErrInvoiceNotOpen.Withf("cannot move a %s invoice to %s", invoice.Status, next)
			}
			return invoicedomain.ErrInvoiceTerminal.Withf("invoice is %s", invoice.Status)
		}

		previous := invoice.Status
		invoice.Status = next
		apply(invoice)
		invoice.UpdatedAt = s.clock.Now()
		if err := s.repo.Update(ctx, tx, invoice); err != nil {
			return err
		}
		s.logger(ctx).Debug("invoice transition",
			zap.String("invoice_id", invoice.ID.String()),
			zap.String("from", string(previous)),
			zap.String("to", string(next)),
		)
		updated = invoice
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordInvoiceTransition(ctx, string(next))
	s.logger(ctx).Info("invoice status changed",
		zap.String("invoice_id", updated.ID.String()),
		zap.String("status", string(updated.Status)),
	)
	return updated, nil
}
