package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingcore/internal/clock"
	"github.com/smallbiznis/billingcore/internal/config"
	"github.com/smallbiznis/billingcore/internal/money"
	obslogger "github.com/smallbiznis/billingcore/internal/observability/logger"
	"github.com/smallbiznis/billingcore/internal/observability/metrics"
	"github.com/smallbiznis/billingcore/internal/observability/tracing"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/billingcore/internal/usage/domain"
	"github.com/smallbiznis/billingcore/internal/usage/repository"
	"github.com/smallbiznis/billingcore/pkg/billingerr"
	"github.com/smallbiznis/billingcore/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Subscriptions subscriptiondomain.Service
	Repo          usagedomain.Repository      `optional:"true"`
	Billing       *config.BillingConfigHolder `optional:"true"`
	Metrics       *metrics.Metrics            `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	subscriptions subscriptiondomain.Service
	repo          usagedomain.Repository
	billing       *config.BillingConfigHolder
	metrics       *metrics.Metrics
	tracer        trace.Tracer
}

func NewService(p ServiceParam) usagedomain.Service {
	repo := p.Repo
	if repo == nil {
		repo = repository.Provide()
	}
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("usage.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		subscriptions: p.Subscriptions,
		repo:          repo,
		billing:       p.Billing,
		metrics:       p.Metrics,
		tracer:        tracing.Tracer("usage.service"),
	}
}

func (s *Service) Ingest(ctx context.Context, batch []usagedomain.IngestRecord) ([]usagedomain.UsageRecord, error) {
	ctx, span := s.tracer.Start(ctx, "usage.Ingest")
	defer span.End()

	if len(batch) == 0 {
		return nil, usagedomain.ErrEmptyBatch
	}

	now := s.clock.Now()
	records := make([]usagedomain.UsageRecord, len(batch))
	for i, in := range batch {
		record, err := s.buildRecord(in, now)
		if err != nil {
			return nil, err
		}
		records[i] = record
	}

	var (
		stored   []usagedomain.UsageRecord
		accepted map[string]int
	)
	err := db.RunInTx(ctx, s.db, s.txOptions(ctx, "usage.ingest"), func(tx *gorm.DB) error {
		stored = make([]usagedomain.UsageRecord, 0, len(records))
		accepted = make(map[string]int)
		for i := range records {
			record := records[i]
			inserted, err := s.repo.Insert(ctx, tx, &record)
			if err != nil {
				return err
			}
			if inserted {
				stored = append(stored, record)
				accepted[record.UsageType]++
				continue
			}
			existing, err := s.repo.FindByIdempotencyKey(ctx, tx, record.TenantID, *record.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing == nil {
				// The conflicting row is not visible yet.
				return billingerr.Contended(fmt.Errorf("usage idempotency key %q conflicted but was not found", *record.IdempotencyKey))
			}
			stored = append(stored, *existing)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	total := 0
	for usageType, count := range accepted {
		s.metrics.RecordUsageIngested(ctx, usageType, count)
		total += count
	}
	span.SetAttributes(
		attribute.Int("usage.batch_size", len(batch)),
		attribute.Int("usage.accepted", total),
	)
	s.logger(ctx).Info("ingested usage batch",
		zap.String("tenant_id", records[0].TenantID.String()),
		zap.Int("records", len(batch)),
		zap.Int("accepted", total),
		zap.Int("deduplicated", len(batch)-total),
	)
	return stored, nil
}

func (s *Service) buildRecord(in usagedomain.IngestRecord, now time.Time) (usagedomain.UsageRecord, error) {
	if in.TenantID == 0 {
		return usagedomain.UsageRecord{}, usagedomain.ErrInvalidTenant
	}
	usageType := strings.TrimSpace(in.UsageType)
	if usageType == "" {
		return usagedomain.UsageRecord{}, usagedomain.ErrInvalidUsageType
	}
	unit := strings.TrimSpace(in.Unit)
	if unit == "" {
		return usagedomain.UsageRecord{}, usagedomain.ErrInvalidUnit
	}
	if in.Quantity < 0 {
		return usagedomain.UsageRecord{}, usagedomain.ErrInvalidQuantity.Withf("quantity %s is negative", in.Quantity)
	}
	if !in.PeriodEnd.After(in.PeriodStart) {
		return usagedomain.UsageRecord{}, usagedomain.ErrInvalidPeriod
	}

	record := usagedomain.UsageRecord{
		ID:          s.genID.Generate(),
		TenantID:    in.TenantID,
		UsageType:   usageType,
		Quantity:    in.Quantity,
		Unit:        unit,
		PeriodStart: in.PeriodStart.UTC(),
		PeriodEnd:   in.PeriodEnd.UTC(),
		RecordedAt:  in.RecordedAt.UTC(),
		CreatedAt:   now,
	}
	if in.RecordedAt.IsZero() {
		record.RecordedAt = now
	}
	if in.SubscriptionID != nil && *in.SubscriptionID != 0 {
		subscriptionID := *in.SubscriptionID
		record.SubscriptionID = &subscriptionID
		record.AttributedAt = &now
	}
	if in.IdempotencyKey != nil {
		if key := strings.TrimSpace(*in.IdempotencyKey); key != "" {
			record.IdempotencyKey = &key
		}
	}
	return record, nil
}

func (s *Service) List(ctx context.Context, req usagedomain.WindowRequest) ([]usagedomain.UsageRecord, error) {
	if err := validateWindow(req); err != nil {
		return nil, err
	}
	return s.repo.ListInWindow(ctx, s.db, req.TenantID, req.SubscriptionID, req.PeriodStart.UTC(), req.PeriodEnd.UTC())
}

// Totals sums usage per type over records whose period lies inside the window.
func (s *Service) Totals(ctx context.Context, req usagedomain.WindowRequest) (map[string]money.Quantity, error) {
	if err := validateWindow(req); err != nil {
		return nil, err
	}
	rows, err := s.repo.SumByType(ctx, s.db, req.TenantID, req.SubscriptionID, req.PeriodStart.UTC(), req.PeriodEnd.UTC())
	if err != nil {
		return nil, err
	}
	totals := make(map[string]money.Quantity, len(rows))
	for _, row := range rows {
		totals[row.UsageType] = row.Total
	}
	return totals, nil
}

// Evaluate combines the window totals with the plan's included allowances.
// Types with usage but no plan limit have nothing included.
func (s *Service) Evaluate(ctx context.Context, req usagedomain.WindowRequest, planID snowflake.ID) ([]usagedomain.UsageSummary, error) {
	totals, err := s.Totals(ctx, req)
	if err != nil {
		return nil, err
	}
	limits, err := s.subscriptions.ListPlanUsageLimits(ctx, planID)
	if err != nil {
		return nil, err
	}

	byType := make(map[string]subscriptiondomain.PlanUsageLimit, len(limits))
	for _, limit := range limits {
		byType[limit.UsageType] = limit
	}
	types := make([]string, 0, len(totals)+len(limits))
	for usageType := range totals {
		types = append(types, usageType)
	}
	for usageType := range byType {
		if _, ok := totals[usageType]; !ok {
			types = append(types, usageType)
		}
	}
	sort.Strings(types)

	summaries := make([]usagedomain.UsageSummary, 0, len(types))
	for _, usageType := range types {
		total := totals[usageType]
		limit := byType[usageType]
		summaries = append(summaries, usagedomain.UsageSummary{
			UsageType: usageType,
			Total:     total,
			Included:  limit.Included,
			Limit:     limit.Limit,
			Overage:   usagedomain.BillableOverage(total, limit.Included),
			Status:    usagedomain.Status(total, limit.Limit),
		})
	}
	return summaries, nil
}

func validateWindow(req usagedomain.WindowRequest) error {
	if req.TenantID == 0 {
		return usagedomain.ErrInvalidTenant
	}
	if !req.PeriodEnd.After(req.PeriodStart) {
		return usagedomain.ErrInvalidPeriod
	}
	return nil
}

func (s *Service) txOptions(ctx context.Context, operation string) db.TxOptions {
	cfg := config.DefaultBillingConfig()
	if s.billing != nil {
		cfg = s.billing.Get()
	}
	return db.TxOptionsFor(cfg, func(attempt int, err error) {
		s.metrics.RecordTxRetry(ctx, operation)
		s.logger(ctx).Debug("retrying contended transaction",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	})
}

func (s *Service) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}
