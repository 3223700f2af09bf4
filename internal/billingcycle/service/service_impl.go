package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	billingcycledomain "github.com/smallbiznis/billingcore/internal/billingcycle/domain"
	"github.com/smallbiznis/billingcore/internal/clock"
	"github.com/smallbiznis/billingcore/internal/config"
	creditdomain "github.com/smallbiznis/billingcore/internal/credit/domain"
	invoicedomain "github.com/smallbiznis/billingcore/internal/invoice/domain"
	"github.com/smallbiznis/billingcore/internal/lock"
	"github.com/smallbiznis/billingcore/internal/money"
	obslogger "github.com/smallbiznis/billingcore/internal/observability/logger"
	"github.com/smallbiznis/billingcore/internal/observability/metrics"
	"github.com/smallbiznis/billingcore/internal/observability/tracing"
	prorationdomain "github.com/smallbiznis/billingcore/internal/proration/domain"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/billingcore/internal/usage/domain"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ServiceParam struct {
	fx.In

	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Subscriptions subscriptiondomain.Service
	Invoices      invoicedomain.Service
	Usage         usagedomain.Service
	Credits       creditdomain.Service
	Proration     prorationdomain.Service
	Locker        lock.Locker                 `optional:"true"`
	Billing       *config.BillingConfigHolder `optional:"true"`
	RunMetrics    *metrics.RunMetrics         `optional:"true"`
	Config        Config                      `optional:"true"`
}

type Service struct {
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	subscriptions subscriptiondomain.Service
	invoices      invoicedomain.Service
	usage         usagedomain.Service
	credits       creditdomain.Service
	proration     prorationdomain.Service
	locker        lock.Locker
	billing       *config.BillingConfigHolder
	runMetrics    *metrics.RunMetrics
	cfg           Config
	tracer        trace.Tracer
}

func NewService(p ServiceParam) billingcycledomain.Service {
	return &Service{
		log:           p.Log.Named("billingcycle.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		subscriptions: p.Subscriptions,
		invoices:      p.Invoices,
		usage:         p.Usage,
		credits:       p.Credits,
		proration:     p.Proration,
		locker:        p.Locker,
		billing:       p.Billing,
		runMetrics:    p.RunMetrics,
		cfg:           p.Config.withDefaults(),
		tracer:        tracing.Tracer("billingcycle.service"),
	}
}

// RunDue handles one batch. Subscriptions more than one period behind are
// caught up by later runs.
func (s *Service) RunDue(ctx context.Context) (billingcycledomain.RunSummary, error) {
	var summary billingcycledomain.RunSummary
	err := s.runJob(ctx, metrics.JobRunDue, s.cfg.RunTimeout, func(ctx context.Context, run *jobRun) error {
		summary = billingcycledomain.RunSummary{RunID: run.runID, StartedAt: run.startedAt}
		now := s.clock.Now()
		due, err := s.subscriptions.ListDue(ctx, now, s.billingConfig().RunBatchSize)
		if err != nil {
			return err
		}
		for _, sub := range due {
			if err := ctx.Err(); err != nil {
				return err
			}
			result := s.processSubscription(ctx, run, sub.ID)
			summary.Results = append(summary.Results, result)
		}
		s.runMetrics.AddBatchProcessed(metrics.JobRunDue, "subscription", run.processedCount)
		return nil
	})
	summary.FinishedAt = s.clock.Now()
	return summary, err
}

func (s *Service) RunSubscription(ctx context.Context, subscriptionID snowflake.ID) (billingcycledomain.SubscriptionResult, error) {
	var result billingcycledomain.SubscriptionResult
	err := s.runJob(ctx, metrics.JobRunDue, s.cfg.RunTimeout, func(ctx context.Context, run *jobRun) error {
		result = s.processSubscription(ctx, run, subscriptionID)
		switch result.Outcome {
		case billingcycledomain.OutcomeNotDue:
			return billingcycledomain.ErrNotDue
		case billingcycledomain.OutcomeLocked:
			return billingcycledomain.ErrLocked
		}
		return result.Err
	})
	return result, err
}

func (s *Service) SweepCredits(ctx context.Context) (int64, error) {
	var expired int64
	err := s.runJob(ctx, metrics.JobSweepCredits, s.cfg.SweepTimeout, func(ctx context.Context, run *jobRun) error {
		n, err := s.credits.ExpireSweep(ctx, s.clock.Now())
		if err != nil {
			return err
		}
		expired = n
		run.AddProcessed(int(n))
		s.runMetrics.AddBatchProcessed(metrics.JobSweepCredits, "credit", int(n))
		return nil
	})
	return expired, err
}

func (s *Service) ExpireSubscriptions(ctx context.Context) (int, error) {
	var expired int
	err := s.runJob(ctx, metrics.JobExpireSubscriptions, s.cfg.SweepTimeout, func(ctx context.Context, run *jobRun) error {
		n, err := s.subscriptions.ExpireDue(ctx, s.clock.Now())
		if err != nil {
			return err
		}
		expired = n
		run.AddProcessed(n)
		s.runMetrics.AddBatchProcessed(metrics.JobExpireSubscriptions, "subscription", n)
		return nil
	})
	return expired, err
}

// processSubscription bills the current period of one subscription and moves
// it to the next period. A rerun after a partial failure finds the period
// invoice and only repeats the steps that did not happen.
func (s *Service) processSubscription(ctx context.Context, run *jobRun, subscriptionID snowflake.ID) billingcycledomain.SubscriptionResult {
	result := billingcycledomain.SubscriptionResult{SubscriptionID: subscriptionID}

	release, ok, err := s.acquire(ctx, subscriptionID)
	if err != nil {
		return s.failed(ctx, run, result, err)
	}
	if !ok {
		result.Outcome = billingcycledomain.OutcomeLocked
		s.runMetrics.IncBatchSkipped(run.job, string(billingcycledomain.OutcomeLocked))
		return result
	}
	defer release()

	sub, err := s.subscriptions.Get(ctx, subscriptionID)
	if err != nil {
		return s.failed(ctx, run, result, err)
	}
	ctx = obslogger.ContextWithTenant(ctx, sub.TenantID.String())
	if sub.Status != subscriptiondomain.SubscriptionStatusActive || sub.CurrentPeriodEnd.After(s.clock.Now()) {
		result.Outcome = billingcycledomain.OutcomeNotDue
		result.NextStatus = sub.Status
		s.runMetrics.IncBatchSkipped(run.job, string(billingcycledomain.OutcomeNotDue))
		return result
	}

	invoice, created, err := s.periodInvoice(ctx, sub)
	if err != nil {
		return s.failed(ctx, run, result, err)
	}
	result.Outcome = billingcycledomain.OutcomeAlreadyInvoiced
	if created {
		result.Outcome = billingcycledomain.OutcomeInvoiced
	}
	result.InvoiceID = invoice.ID
	result.InvoiceNumber = invoice.InvoiceNumber
	result.Total = invoice.TotalAmount

	if invoice.Status == invoicedomain.InvoiceStatusOpen && invoice.AmountDue.IsPositive() {
		applied, err := s.invoices.ApplyCredits(ctx, invoice.ID)
		if err != nil {
			return s.failed(ctx, run, result, err)
		}
		result.CreditsApplied = applied.TotalUsed
	}

	next, err := s.advance(ctx, sub)
	if err != nil {
		return s.failed(ctx, run, result, err)
	}
	result.NextStatus = next.Status

	run.AddProcessed(1)
	s.logSubscriptionBilled(ctx, result)
	return result
}

// periodInvoice returns the invoice for the subscription's current period,
// issuing it when none exists yet.
func (s *Service) periodInvoice(ctx context.Context, sub *subscriptiondomain.TenantSubscription) (*invoicedomain.Invoice, bool, error) {
	existing, err := s.invoices.FindBySubscriptionPeriod(ctx, sub.ID, sub.CurrentPeriodStart)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	items, err := s.cycleItems(ctx, sub)
	if err != nil {
		return nil, false, err
	}
	subscriptionID := sub.ID
	issued, err := s.invoices.Issue(ctx, invoicedomain.IssueRequest{
		Draft: invoicedomain.CreateDraftRequest{
			TenantID:       sub.TenantID,
			SubscriptionID: &subscriptionID,
			PeriodStart:    sub.CurrentPeriodStart,
			PeriodEnd:      sub.CurrentPeriodEnd,
			Currency:       sub.Currency,
		},
		Items: items,
	})
	if errors.Is(err, invoicedomain.ErrInvoiceExists) {
		// Another run issued it between the lookup and the insert.
		existing, findErr := s.invoices.FindBySubscriptionPeriod(ctx, sub.ID, sub.CurrentPeriodStart)
		if findErr != nil {
			return nil, false, findErr
		}
		if existing != nil {
			return existing, false, nil
		}
	}
	if err != nil {
		return nil, false, err
	}
	return &issued.Invoice, true, nil
}

func (s *Service) cycleItems(ctx context.Context, sub *subscriptiondomain.TenantSubscription) ([]invoicedomain.AddItemRequest, error) {
	cfg := s.billingConfig()
	plan, err := s.subscriptions.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}

	price := sub.CurrentPrice
	description := fmt.Sprintf("%s subscription %s to %s", plan.Name,
		sub.CurrentPeriodStart.Format("2006-01-02"), sub.CurrentPeriodEnd.Format("2006-01-02"))
	if sub.Trial && sub.TrialEnd != nil && sub.TrialEnd.After(sub.CurrentPeriodStart) {
		// Only the part of the period after the trial is charged.
		price = 0
		if sub.TrialEnd.Before(sub.CurrentPeriodEnd) {
			price, err = prorationdomain.Prorate(sub.CurrentPrice, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, *sub.TrialEnd)
			if err != nil {
				return nil, err
			}
		}
		description += " (trial)"
	}
	items := []invoicedomain.AddItemRequest{{
		Description: description,
		Type:        invoicedomain.ItemTypeSubscription,
		Quantity:    money.NewQuantity(1),
		UnitPrice:   price,
		TaxRate:     cfg.DefaultTaxRate,
	}}

	subscriptionID := sub.ID
	summaries, err := s.usage.Evaluate(ctx, usagedomain.WindowRequest{
		TenantID:       sub.TenantID,
		SubscriptionID: &subscriptionID,
		PeriodStart:    sub.CurrentPeriodStart,
		PeriodEnd:      sub.CurrentPeriodEnd,
	}, sub.PlanID)
	if err != nil {
		return nil, err
	}
	for _, summary := range summaries {
		unitPrice := cfg.OveragePrice(summary.UsageType)
		if summary.Overage <= 0 || unitPrice <= 0 {
			continue
		}
		items = append(items, invoicedomain.AddItemRequest{
			Description: fmt.Sprintf("%s overage (%s over %s included)", summary.UsageType, summary.Overage, summary.Included),
			Type:        invoicedomain.ItemTypeUsage,
			Quantity:    summary.Overage,
			UnitPrice:   unitPrice,
			TaxRate:     cfg.DefaultTaxRate,
		})
	}
	return items, nil
}

// advance renews auto-renewing subscriptions and expires the rest.
func (s *Service) advance(ctx context.Context, sub *subscriptiondomain.TenantSubscription) (*subscriptiondomain.TenantSubscription, error) {
	if sub.AutoRenew {
		return s.subscriptions.Renew(ctx, sub.ID)
	}
	return s.subscriptions.Expire(ctx, sub.ID)
}

// acquire takes the per-subscription lease. Without a locker every call
// succeeds and the database constraints keep runs idempotent.
func (s *Service) acquire(ctx context.Context, subscriptionID snowflake.ID) (func(), bool, error) {
	if s.locker == nil {
		return func() {}, true, nil
	}
	key := "billingcycle:subscription:" + subscriptionID.String()
	started := s.clock.Now()
	token, ok, err := s.locker.TryLock(ctx, key, s.cfg.LockTTL)
	s.runMetrics.ObserveLockWait("subscription", s.clock.Now().Sub(started))
	if err != nil || !ok {
		return nil, false, err
	}
	return func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.logger(ctx).Warn("failed to release subscription lock",
				zap.String("subscription_id", subscriptionID.String()),
				zap.Error(err),
			)
		}
	}, true, nil
}

func (s *Service) failed(ctx context.Context, run *jobRun, result billingcycledomain.SubscriptionResult, err error) billingcycledomain.SubscriptionResult {
	result.Outcome = billingcycledomain.OutcomeFailed
	result.Err = err
	s.runMetrics.IncBatchSkipped(run.job, metrics.ClassifyRunReason(err))
	s.logSubscriptionError(ctx, run, result.SubscriptionID, err)
	return result
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
