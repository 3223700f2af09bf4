package service

import (
	"context"
	"time"

	"github.com/smallbiznis/billingcore/internal/clock"
	"github.com/smallbiznis/billingcore/internal/config"
	"github.com/smallbiznis/billingcore/internal/money"
	obslogger "github.com/smallbiznis/billingcore/internal/observability/logger"
	prorationdomain "github.com/smallbiznis/billingcore/internal/proration/domain"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ServiceParam struct {
	fx.In

	Log     *zap.Logger
	Clock   clock.Clock
	Billing *config.BillingConfigHolder `optional:"true"`
}

type Service struct {
	log     *zap.Logger
	clock   clock.Clock
	billing *config.BillingConfigHolder
}

func NewService(p ServiceParam) prorationdomain.Service {
	return &Service{
		log:     p.Log.Named("proration.service"),
		clock:   p.Clock,
		billing: p.Billing,
	}
}

// Upgrade credits the unused part of the current price and charges the
// unused part of newPrice, both as of now.
func (s *Service) Upgrade(ctx context.Context, sub subscriptiondomain.TenantSubscription, newPrice money.Amount) (prorationdomain.UpgradeResult, error) {
	effective := s.clock.Now()
	credit, err := prorationdomain.Prorate(sub.CurrentPrice, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, effective)
	if err != nil {
		return prorationdomain.UpgradeResult{}, err
	}
	charge, err := prorationdomain.Prorate(newPrice, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, effective)
	if err != nil {
		return prorationdomain.UpgradeResult{}, err
	}

	result := prorationdomain.UpgradeResult{
		Credit:     credit,
		Charge:     charge,
		Net:        money.Max(0, charge-credit),
		UnusedDays: prorationdomain.UnusedDays(sub.CurrentPeriodEnd, effective),
		TotalDays:  prorationdomain.TotalDays(sub.CurrentPeriodStart, sub.CurrentPeriodEnd),
		Effective:  effective,
	}
	s.logger(ctx).Debug("computed upgrade proration",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("credit", result.Credit.String()),
		zap.String("charge", result.Charge.String()),
		zap.String("net", result.Net.String()),
		zap.Int64("unused_days", result.UnusedDays),
	)
	return result, nil
}

// Downgrade returns the credit owed for the price difference. Moving to an
// equal or higher price yields 0.
func (s *Service) Downgrade(ctx context.Context, sub subscriptiondomain.TenantSubscription, newPrice money.Amount) (money.Amount, error) {
	if newPrice >= sub.CurrentPrice {
		return 0, nil
	}
	return prorationdomain.Prorate(sub.CurrentPrice-newPrice, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, s.clock.Now())
}

func (s *Service) CancellationRefund(ctx context.Context, sub subscriptiondomain.TenantSubscription, effective *time.Time) (money.Amount, error) {
	at := s.clock.Now()
	if effective != nil {
		at = *effective
	}
	return prorationdomain.Prorate(sub.CurrentPrice, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, at)
}

func (s *Service) ShouldSkipRefund(sub subscriptiondomain.TenantSubscription, effective time.Time, amount money.Amount) bool {
	cfg := s.billingConfig()
	if prorationdomain.UnusedDays(sub.CurrentPeriodEnd, effective) < int64(cfg.MinUnusedDays) {
		return true
	}
	return money.Round2(amount) < cfg.MinRefundAmount
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
