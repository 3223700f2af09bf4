package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingcore/internal/clock"
	"github.com/smallbiznis/billingcore/internal/config"
	creditdomain "github.com/smallbiznis/billingcore/internal/credit/domain"
	invoicedomain "github.com/smallbiznis/billingcore/internal/invoice/domain"
	"github.com/smallbiznis/billingcore/internal/invoice/lineitem"
	"github.com/smallbiznis/billingcore/internal/invoice/repository"
	"github.com/smallbiznis/billingcore/internal/money"
	"github.com/smallbiznis/billingcore/internal/notify"
	obslogger "github.com/smallbiznis/billingcore/internal/observability/logger"
	"github.com/smallbiznis/billingcore/internal/observability/metrics"
	"github.com/smallbiznis/billingcore/internal/observability/tracing"
	sequencedomain "github.com/smallbiznis/billingcore/internal/sequence/domain"
	"github.com/smallbiznis/billingcore/pkg/billingerr"
	"github.com/smallbiznis/billingcore/pkg/db"
	pkgrepository "github.com/smallbiznis/billingcore/pkg/repository"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Sequence sequencedomain.Service
	Credits  creditdomain.Service
	Sink     notify.Sink                 `optional:"true"`
	Repo     invoicedomain.Repository    `optional:"true"`
	Billing  *config.BillingConfigHolder `optional:"true"`
	Metrics  *metrics.Metrics            `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID    *snowflake.Node
	clock    clock.Clock
	sequence sequencedomain.Service
	credits  creditdomain.Service
	sink     notify.Sink
	repo     invoicedomain.Repository
	store    pkgrepository.Repository[invoicedomain.Invoice]
	billing  *config.BillingConfigHolder
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

func NewService(p ServiceParam) invoicedomain.Service {
	repo := p.Repo
	if repo == nil {
		repo = repository.Provide()
	}
	sink := p.Sink
	if sink == nil {
		sink = notify.NopSink{}
	}
	return &Service{
		db:  p.DB,
		log: p.Log.Named("invoice.service"),

		genID:    p.GenID,
		clock:    p.Clock,
		sequence: p.Sequence,
		credits:  p.Credits,
		sink:     sink,
		repo:     repo,
		store:    pkgrepository.ProvideStore[invoicedomain.Invoice](p.DB),
		billing:  p.Billing,
		metrics:  p.Metrics,
		tracer:   tracing.Tracer("invoice.service"),
	}
}

// errNumberContended marks contention raised by invoice number allocation,
// so an exhausted retry budget surfaces as SequenceExhausted.
var errNumberContended = errors.New("invoice number allocation contended")

func (s *Service) CreateDraft(ctx context.Context, req invoicedomain.CreateDraftRequest) (*invoicedomain.Invoice, error) {
	req, err := normalizeDraft(req)
	if err != nil {
		return nil, err
	}

	var created *invoicedomain.Invoice
	err = s.runInTx(ctx, "invoice.create_draft", func(tx *gorm.DB) error {
		invoice, err := s.createDraftTx(ctx, tx, req)
		if err != nil {
			return err
		}
		created = invoice
		return nil
	})
	if err != nil {
		return nil, surfaceAllocation(err)
	}

	s.metrics.RecordInvoiceCreated(ctx, created.Currency)
	s.logger(ctx).Info("created draft invoice",
		zap.String("invoice_id", created.ID.String()),
		zap.String("tenant_id", created.TenantID.String()),
		zap.String("invoice_number", created.InvoiceNumber),
	)
	return created, nil
}

func (s *Service) AddItem(ctx context.Context, invoiceID snowflake.ID, req invoicedomain.AddItemRequest) (*invoicedomain.InvoiceWithItems, error) {
	req, err := normalizeItem(req)
	if err != nil {
		return nil, err
	}

	var out *invoicedomain.InvoiceWithItems
	err = s.runInTx(ctx, "invoice.add_item", func(tx *gorm.DB) error {
		invoice, err := s.lockDraft(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		if _, err := s.insertItemTx(ctx, tx, invoice, req, now); err != nil {
			return err
		}
		items, err := s.recomputeTx(ctx, tx, invoice, invoice.DiscountAmount, now)
		if err != nil {
			return err
		}
		out = &invoicedomain.InvoiceWithItems{Invoice: *invoice, Items: items}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) SetDiscount(ctx context.Context, invoiceID snowflake.ID, discount money.Amount) (*invoicedomain.Invoice, error) {
	discount = money.Round2(discount)
	if discount.IsNegative() {
		return nil, invoicedomain.ErrInvalidDiscount
	}

	var out *invoicedomain.Invoice
	err := s.runInTx(ctx, "invoice.set_discount", func(tx *gorm.DB) error {
		invoice, err := s.lockDraft(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if _, err := s.recomputeTx(ctx, tx, invoice, discount, s.clock.Now()); err != nil {
			return err
		}
		out = invoice
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) Finalize(ctx context.Context, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	var (
		finalized *invoicedomain.Invoice
		items     []invoicedomain.InvoiceItem
	)
	err := s.runInTx(ctx, "invoice.finalize", func(tx *gorm.DB) error {
		invoice, err := s.lockDraft(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if err := s.finalizeTx(ctx, tx, invoice, s.clock.Now()); err != nil {
			return err
		}
		lines, err := s.repo.ListItems(ctx, tx, invoice.ID)
		if err != nil {
			return err
		}
		finalized, items = invoice, lines
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordInvoiceTransition(ctx, string(invoicedomain.InvoiceStatusOpen))
	s.logger(ctx).Info("finalized invoice",
		zap.String("invoice_id", finalized.ID.String()),
		zap.String("invoice_number", finalized.InvoiceNumber),
		zap.String("total_amount", finalized.TotalAmount.String()),
	)
	s.emitFinalized(ctx, finalized, items)
	return finalized, nil
}

// Issue creates a draft, adds every item and finalizes it atomically. A crash
// or error leaves either nothing or a finalized invoice.
func (s *Service) Issue(ctx context.Context, req invoicedomain.IssueRequest) (*invoicedomain.InvoiceWithItems, error) {
	ctx, span := s.tracer.Start(ctx, "invoice.Issue")
	defer span.End()

	draft, err := normalizeDraft(req.Draft)
	if err != nil {
		return nil, err
	}
	itemReqs := make([]invoicedomain.AddItemRequest, 0, len(req.Items))
	for _, item := range req.Items {
		normalized, err := normalizeItem(item)
		if err != nil {
			return nil, err
		}
		itemReqs = append(itemReqs, normalized)
	}

	var out *invoicedomain.InvoiceWithItems
	err = s.runInTx(ctx, "invoice.issue", func(tx *gorm.DB) error {
		invoice, err := s.createDraftTx(ctx, tx, draft)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		for _, itemReq := range itemReqs {
			if _, err := s.insertItemTx(ctx, tx, invoice, itemReq, now); err != nil {
				return err
			}
		}
		items, err := s.recomputeTx(ctx, tx, invoice, 0, now)
		if err != nil {
			return err
		}
		if err := s.finalizeTx(ctx, tx, invoice, now); err != nil {
			return err
		}
		out = &invoicedomain.InvoiceWithItems{Invoice: *invoice, Items: items}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, surfaceAllocation(err)
	}

	s.metrics.RecordInvoiceCreated(ctx, out.Currency)
	s.metrics.RecordInvoiceTransition(ctx, string(invoicedomain.InvoiceStatusOpen))
	s.logger(ctx).Info("issued invoice",
		zap.String("invoice_id", out.ID.String()),
		zap.String("tenant_id", out.TenantID.String()),
		zap.String("invoice_number", out.InvoiceNumber),
		zap.Int("items", len(out.Items)),
		zap.String("total_amount", out.TotalAmount.String()),
	)
	s.emitFinalized(ctx, &out.Invoice, out.Items)
	return out, nil
}

func (s *Service) createDraftTx(ctx context.Context, tx *gorm.DB, req invoicedomain.CreateDraftRequest) (*invoicedomain.Invoice, error) {
	now := s.clock.Now()
	number, err := s.sequence.AllocateTx(ctx, tx, req.TenantID, now)
	if err != nil {
		if billingerr.IsRetryable(err) {
			return nil, billingerr.Contended(fmt.Errorf("%w: %w", errNumberContended, err))
		}
		return nil, err
	}

	dueDate := req.DueDate
	if dueDate.IsZero() {
		dueDate = now.AddDate(0, 0, s.billingConfig().PaymentTermDays)
	}

	invoice := &invoicedomain.Invoice{
		ID:             s.genID.Generate(),
		TenantID:       req.TenantID,
		SubscriptionID: req.SubscriptionID,
		InvoiceNumber:  number,
		Currency:       req.Currency,
		Status:         invoicedomain.InvoiceStatusDraft,
		PeriodStart:    req.PeriodStart,
		PeriodEnd:      req.PeriodEnd,
		IssueDate:      now,
		DueDate:        dueDate.UTC(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.Metadata != nil {
		invoice.Metadata = datatypes.JSONMap(req.Metadata)
	}

	if err := s.repo.Insert(ctx, tx, invoice); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, invoicedomain.ErrInvoiceExists.Wrap(err)
		}
		return nil, err
	}
	return invoice, nil
}

func (s *Service) insertItemTx(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice, req invoicedomain.AddItemRequest, now time.Time) (*invoicedomain.InvoiceItem, error) {
	amount, tax, err := lineitem.ComputeItem(req.Quantity, req.UnitPrice, req.TaxRate)
	if err != nil {
		return nil, err
	}
	item := &invoicedomain.InvoiceItem{
		ID:          s.genID.Generate(),
		InvoiceID:   invoice.ID,
		TenantID:    invoice.TenantID,
		Description: req.Description,
		ItemType:    req.Type,
		Quantity:    req.Quantity,
		UnitPrice:   money.Price(req.UnitPrice),
		Amount:      amount,
		TaxRate:     req.TaxRate,
		TaxAmount:   tax,
		CreatedAt:   now,
	}
	if err := s.repo.InsertItem(ctx, tx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// recomputeTx re-reads every item and persists fresh totals.
func (s *Service) recomputeTx(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice, discount money.Amount, now time.Time) ([]invoicedomain.InvoiceItem, error) {
	items, err := s.repo.ListItems(ctx, tx, invoice.ID)
	if err != nil {
		return nil, err
	}
	invoice.ApplyTotals(lineitem.InvoiceTotals(invoicedomain.Lines(items), discount))
	invoice.UpdatedAt = now
	if err := s.repo.Update(ctx, tx, invoice); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Service) finalizeTx(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice, now time.Time) error {
	invoice.Status = invoicedomain.InvoiceStatusOpen
	invoice.FinalizedAt = &now
	invoice.UpdatedAt = now
	return s.repo.Update(ctx, tx, invoice)
}

func (s *Service) lockDraft(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	invoice, err := s.lock(ctx, tx, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice.Status != invoicedomain.InvoiceStatusDraft {
		return nil, invoicedomain.ErrInvoiceNotDraft.Withf("invoice is %s", invoice.Status)
	}
	return invoice, nil
}

func (s *Service) lock(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	invoice, err := s.repo.FindByIDForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return invoice, nil
}

func (s *Service) runInTx(ctx context.Context, operation string, fn func(tx *gorm.DB) error) error {
	opts := db.TxOptionsFor(s.billingConfig(), func(attempt int, err error) {
		s.metrics.RecordTxRetry(ctx, operation)
		s.logger(ctx).Debug("retrying contended transaction",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	})
	return db.RunInTx(ctx, s.db, opts, fn)
}

func (s *Service) billingConfig() config.BillingConfig {
	if s.billing == nil {
		return config.DefaultBillingConfig()
	}
	return s.billing.Get()
}

func (s *Service) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func surfaceAllocation(err error) error {
	if billingerr.IsRetryable(err) && errors.Is(err, errNumberContended) {
		return billingerr.SequenceExhausted(err)
	}
	return err
}

func normalizeDraft(req invoicedomain.CreateDraftRequest) (invoicedomain.CreateDraftRequest, error) {
	if req.TenantID == 0 {
		return req, invoicedomain.ErrInvalidTenant
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.Currency == "" {
		return req, invoicedomain.ErrInvalidCurrency
	}
	if req.PeriodStart.IsZero() || !req.PeriodEnd.After(req.PeriodStart) {
		return req, invoicedomain.ErrInvalidPeriod
	}
	if req.SubscriptionID != nil && *req.SubscriptionID == 0 {
		req.SubscriptionID = nil
	}
	req.PeriodStart = req.PeriodStart.UTC()
	req.PeriodEnd = req.PeriodEnd.UTC()
	return req, nil
}

// normalizeItem enforces sign rules by item type. Credit and discount lines
// may carry a negative unit price; quantity is always positive.
func normalizeItem(req invoicedomain.AddItemRequest) (invoicedomain.AddItemRequest, error) {
	req.Description = strings.TrimSpace(req.Description)
	if req.Description == "" {
		return req, invoicedomain.ErrInvalidDescription
	}
	if !req.Type.Valid() {
		return req, invoicedomain.ErrInvalidItemType.Withf("item type %q is unknown", req.Type)
	}
	if req.TaxRate < 0 {
		return req, invoicedomain.ErrNegativeTaxRate
	}
	if req.Quantity <= 0 {
		return req, invoicedomain.ErrInvalidQuantity
	}
	if req.UnitPrice.IsNegative() && !req.Type.AllowsNegativePrice() {
		return req, invoicedomain.ErrInvalidUnitPrice
	}
	return req, nil
}
