package service

import (
	"context"
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
	"github.com/smallbiznis/billingcore/internal/subscription/repository"
	"github.com/smallbiznis/billingcore/pkg/db"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    subscriptiondomain.Repository `optional:"true"`
	Billing *config.BillingConfigHolder   `optional:"true"`
	Metrics *metrics.Metrics              `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID   *snowflake.Node
	clock   clock.Clock
	repo    subscriptiondomain.Repository
	billing *config.BillingConfigHolder
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	repo := p.Repo
	if repo == nil {
		repo = repository.Provide()
	}
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:   p.GenID,
		clock:   p.Clock,
		repo:    repo,
		billing: p.Billing,
		metrics: p.Metrics,
		tracer:  tracing.Tracer("subscription.service"),
	}
}

func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateRequest) (*subscriptiondomain.TenantSubscription, error) {
	ctx, span := s.tracer.Start(ctx, "subscription.Create")
	defer span.End()

	if req.TenantID == 0 {
		return nil, subscriptiondomain.ErrInvalidTenant
	}
	if req.PlanID == 0 {
		return nil, subscriptiondomain.ErrInvalidPlan
	}
	if !req.BillingCycle.Valid() {
		return nil, subscriptiondomain.ErrInvalidBillingCycle.Withf("billing cycle %q is unknown", req.BillingCycle)
	}
	if req.TrialDays < 0 {
		return nil, subscriptiondomain.ErrInvalidTrialDays
	}

	plan, err := s.activePlan(ctx, s.db, req.PlanID)
	if err != nil {
		return nil, err
	}

	price := plan.PriceFor(req.BillingCycle)
	if req.Price != nil {
		price = money.Round2(*req.Price)
	}
	if price.IsNegative() {
		return nil, subscriptiondomain.ErrInvalidPrice
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = plan.Currency
	}

	now := s.clock.Now()
	start := req.PeriodStart.UTC()
	if req.PeriodStart.IsZero() {
		start = now
	}
	end := req.PeriodEnd.UTC()
	if req.PeriodEnd.IsZero() {
		end = req.BillingCycle.Advance(start, start.Day())
	}
	if !end.After(start) {
		return nil, subscriptiondomain.ErrInvalidPeriod
	}

	autoRenew := true
	if req.AutoRenew != nil {
		autoRenew = *req.AutoRenew
	}

	subscription := &subscriptiondomain.TenantSubscription{
		ID:                 s.genID.Generate(),
		TenantID:           req.TenantID,
		PlanID:             plan.ID,
		Status:             subscriptiondomain.SubscriptionStatusActive,
		BillingCycle:       req.BillingCycle,
		Currency:           currency,
		CurrentPrice:       price,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
		BillingAnchorDay:   int16(start.Day()),
		AutoRenew:          autoRenew,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if req.TrialDays > 0 {
		trialEnd := start.AddDate(0, 0, req.TrialDays)
		subscription.Trial = true
		subscription.TrialEnd = &trialEnd
	}

	err = db.RunInTx(ctx, s.db, s.txOptions(ctx, "subscription.create"), func(tx *gorm.DB) error {
		existing, err := s.repo.FindActiveByTenantForUpdate(ctx, tx, req.TenantID)
		if err != nil {
			return err
		}
		if existing != nil {
			return subscriptiondomain.ErrSubscriptionExists.Withf("tenant %s already has active subscription %s", req.TenantID, existing.ID)
		}
		if err := s.repo.Insert(ctx, tx, subscription); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return subscriptiondomain.ErrSubscriptionExists.Wrap(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger(ctx).Info("created subscription",
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("tenant_id", subscription.TenantID.String()),
		zap.String("plan_id", subscription.PlanID.String()),
		zap.String("billing_cycle", string(subscription.BillingCycle)),
		zap.String("current_price", subscription.CurrentPrice.String()),
	)
	return subscription, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*subscriptiondomain.TenantSubscription, error) {
	subscription, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return subscription, nil
}

func (s *Service) GetActiveByTenant(ctx context.Context, tenantID snowflake.ID) (*subscriptiondomain.TenantSubscription, error) {
	if tenantID == 0 {
		return nil, subscriptiondomain.ErrInvalidTenant
	}
	subscription, err := s.repo.FindActiveByTenant(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return subscription, nil
}

// ListDue returns active subscriptions whose current period ended at or
// before now. A non-positive limit uses the configured batch size.
func (s *Service) ListDue(ctx context.Context, now time.Time, limit int) ([]subscriptiondomain.TenantSubscription, error) {
	if limit <= 0 {
		limit = s.billingConfig().RunBatchSize
	}
	return s.repo.ListDue(ctx, s.db, now.UTC(), limit)
}

// ExpireDue expires cancelled subscriptions past expires_at and active ones
// that will not auto-renew past their period end.
func (s *Service) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	var expired int64
	err := db.RunInTx(ctx, s.db, s.txOptions(ctx, "subscription.expire_due"), func(tx *gorm.DB) error {
		cancelled, err := s.repo.ExpireCancelled(ctx, tx, now)
		if err != nil {
			return err
		}
		lapsed, err := s.repo.ExpireLapsed(ctx, tx, now)
		if err != nil {
			return err
		}
		expired = cancelled + lapsed
		return nil
	})
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		s.logger(ctx).Info("subscriptions expired", zap.Int64("count", expired))
	}
	return int(expired), nil
}

func (s *Service) GetPlan(ctx context.Context, planID snowflake.ID) (*subscriptiondomain.Plan, error) {
	plan, err := s.repo.FindPlan(ctx, s.db, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, subscriptiondomain.ErrPlanNotFound
	}
	return plan, nil
}

func (s *Service) ListPlanUsageLimits(ctx context.Context, planID snowflake.ID) ([]subscriptiondomain.PlanUsageLimit, error) {
	if planID == 0 {
		return nil, subscriptiondomain.ErrInvalidPlan
	}
	return s.repo.ListPlanUsageLimits(ctx, s.db, planID)
}

func (s *Service) activePlan(ctx context.Context, conn *gorm.DB, planID snowflake.ID) (*subscriptiondomain.Plan, error) {
	plan, err := s.repo.FindPlan(ctx, conn, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, subscriptiondomain.ErrPlanNotFound
	}
	if !plan.Active {
		return nil, subscriptiondomain.ErrPlanInactive.Withf("plan %s is not active", plan.Code)
	}
	return plan, nil
}

func (s *Service) txOptions(ctx context.Context, operation string) db.TxOptions {
	return db.TxOptionsFor(s.billingConfig(), func(attempt int, err error) {
		s.metrics.RecordTxRetry(ctx, operation)
		s.logger(ctx).Debug("retrying contended transaction",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	})
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
