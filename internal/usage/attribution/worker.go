// Package attribution attaches usage records ingested without a subscription
// to the tenant's active subscription, so subscription-scoped totals see them.
package attribution

import (
	"context"
	"time"

	"github.com/smallbiznis/billingcore/internal/clock"
	"github.com/smallbiznis/billingcore/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/billingcore/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	Clock            clock.Clock
	UsageRepo        usagedomain.Repository
	SubscriptionRepo subscriptiondomain.Repository
	Config           Config              `optional:"true"`
	RunMetrics       *metrics.RunMetrics `optional:"true"`
}

type Worker struct {
	db               *gorm.DB
	log              *zap.Logger
	clock            clock.Clock
	usageRepo        usagedomain.Repository
	subscriptionRepo subscriptiondomain.Repository
	runMetrics       *metrics.RunMetrics
	cfg              Config
}

func NewWorker(p Params) *Worker {
	return &Worker{
		db:               p.DB,
		log:              p.Log.Named("usage.attribution"),
		clock:            p.Clock,
		usageRepo:        p.UsageRepo,
		subscriptionRepo: p.SubscriptionRepo,
		runMetrics:       p.RunMetrics,
		cfg:              p.Config.withDefaults(),
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil {
			w.log.Warn("usage attribution run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce processes one batch and returns how many records were handled.
func (w *Worker) RunOnce(parentCtx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(parentCtx, w.cfg.RunTimeout)
	defer cancel()

	started := w.clock.Now()
	w.runMetrics.IncJobRun(metrics.JobAttributeUsage)
	processed, err := w.processBatch(ctx, w.cfg.BatchSize)
	w.runMetrics.ObserveJobDuration(metrics.JobAttributeUsage, w.clock.Now().Sub(started))
	w.runMetrics.AddBatchProcessed(metrics.JobAttributeUsage, "usage_record", processed)
	if err != nil {
		w.runMetrics.IncJobError(metrics.JobAttributeUsage, err)
	}
	return processed, err
}

func (w *Worker) processBatch(ctx context.Context, limit int) (int, error) {
	var rows []usagedomain.AttributionCandidate

	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		rows, err = w.usageRepo.LockUnattributed(ctx, tx, limit)
		return err
	})
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	processed := 0
	for _, row := range rows {
		rowCtx, cancel := context.WithTimeout(ctx, w.cfg.RowTimeout)
		err := w.db.WithContext(rowCtx).Transaction(func(tx *gorm.DB) error {
			return w.attribute(rowCtx, tx, row)
		})
		cancel()

		if err != nil {
			w.runMetrics.IncBatchSkipped(metrics.JobAttributeUsage, metrics.ClassifyRunReason(err))
			w.log.Warn("usage attribution row failed",
				zap.Error(err),
				zap.String("usage_id", row.ID.String()),
			)
			continue
		}
		processed++
	}
	return processed, nil
}

// attribute matches the record to the tenant's active subscription if that
// subscription already existed when the usage was recorded.
func (w *Worker) attribute(ctx context.Context, tx *gorm.DB, row usagedomain.AttributionCandidate) error {
	sub, err := w.subscriptionRepo.FindActiveByTenant(ctx, tx, row.TenantID)
	if err != nil {
		return err
	}
	if sub == nil || row.RecordedAt.Before(sub.CreatedAt) {
		w.log.Debug("usage record has no matching subscription",
			zap.String("usage_id", row.ID.String()),
			zap.String("tenant_id", row.TenantID.String()),
		)
		return w.usageRepo.Attribute(ctx, tx, row.ID, nil, w.clock.Now())
	}
	subscriptionID := sub.ID
	return w.usageRepo.Attribute(ctx, tx, row.ID, &subscriptionID, w.clock.Now())
}
