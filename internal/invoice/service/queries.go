package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/billingcore/internal/invoice/domain"
	pkgrepository "github.com/smallbiznis/billingcore/pkg/repository"
)

func (s *Service) Get(ctx context.Context, invoiceID snowflake.ID) (*invoicedomain.InvoiceWithItems, error) {
	invoice, err := s.repo.FindByID(ctx, s.db, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	items, err := s.repo.ListItems(ctx, s.db, invoiceID)
	if err != nil {
		return nil, err
	}
	payments, err := s.repo.ListPayments(ctx, s.db, invoiceID)
	if err != nil {
		return nil, err
	}
	return &invoicedomain.InvoiceWithItems{Invoice: *invoice, Items: items, Payments: payments}, nil
}

// FindBySubscriptionPeriod returns nil, nil when no invoice covers the period.
func (s *Service) FindBySubscriptionPeriod(ctx context.Context, subscriptionID snowflake.ID, periodStart time.Time) (*invoicedomain.Invoice, error) {
	return s.repo.FindBySubscriptionPeriod(ctx, s.db, subscriptionID, periodStart.UTC())
}

func (s *Service) List(ctx context.Context, req invoicedomain.ListRequest) ([]invoicedomain.Invoice, error) {
	if req.TenantID == 0 {
		return nil, invoicedomain.ErrInvalidTenant
	}

	filter := &invoicedomain.Invoice{TenantID: req.TenantID, Status: req.Status}
	opts := []pkgrepository.QueryOption{
		pkgrepository.OrderBy("created_at", true),
		pkgrepository.OrderBy("id", true),
		pkgrepository.Paginate(req.Limit, req.Offset),
	}
	if req.SubscriptionID != nil {
		opts = append(opts, pkgrepository.Where("subscription_id = ?", *req.SubscriptionID))
	}

	items, err := s.store.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	invoices := make([]invoicedomain.Invoice, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		invoices = append(invoices, *item)
	}
	return invoices, nil
}

func (s *Service) ListOverdue(ctx context.Context, tenantID snowflake.ID) ([]invoicedomain.Invoice, error) {
	if tenantID == 0 {
		return nil, invoicedomain.ErrInvalidTenant
	}
	return s.repo.ListOverdue(ctx, s.db, tenantID, s.clock.Now())
}
