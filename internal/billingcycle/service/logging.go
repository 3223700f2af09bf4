package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	billingcycledomain "github.com/smallbiznis/billingcore/internal/billingcycle/domain"
	obslogger "github.com/smallbiznis/billingcore/internal/observability/logger"
	"github.com/smallbiznis/billingcore/internal/observability/metrics"
	"github.com/smallbiznis/billingcore/pkg/billingerr"
	"go.uber.org/zap"
)

type jobRun struct {
	job            string
	runID          string
	startedAt      time.Time
	processedCount int
	errorCount     int
}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processedCount += count
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.errorCount++
}

// runJob wraps fn with a timeout, a run id in the log context, and job
// metrics.
func (s *Service) runJob(parent context.Context, job string, timeout time.Duration, fn func(ctx context.Context, run *jobRun) error) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		startedAt: s.clock.Now(),
	}
	ctx = obslogger.ContextWithRun(ctx, run.runID)
	ctx, span := s.tracer.Start(ctx, "billingcycle."+job)
	defer span.End()

	s.logger(ctx).Info("billing job started", zap.String("job", job))
	s.runMetrics.IncJobRun(job)

	err := fn(ctx, run)
	s.runMetrics.ObserveJobDuration(job, s.clock.Now().Sub(run.startedAt))
	if err != nil {
		if run.errorCount == 0 {
			run.IncError()
		}
		span.RecordError(err)
		s.runMetrics.IncJobError(job, err)
	}
	s.logJobFinish(ctx, run, err)
	return err
}

func (s *Service) logJobFinish(ctx context.Context, run *jobRun, err error) {
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.Int64("duration_ms", s.clock.Now().Sub(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processedCount),
		zap.Int("error_count", run.errorCount),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	log := s.logger(ctx)
	if run.errorCount > 0 {
		log.Warn("billing job finished", fields...)
		return
	}
	log.Info("billing job finished", fields...)
}

func (s *Service) logSubscriptionError(ctx context.Context, run *jobRun, subscriptionID snowflake.ID, err error) {
	if err == nil {
		return
	}
	run.IncError()
	retryable := billingerr.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("subscription_id", subscriptionID.String()),
		zap.String("error_type", metrics.ClassifyRunReason(err)),
		zap.Bool("retryable", retryable),
		zap.Error(err),
	}
	s.logger(ctx).Error("subscription billing failed", fields...)
}

func (s *Service) logSubscriptionBilled(ctx context.Context, result billingcycledomain.SubscriptionResult) {
	s.logger(ctx).Info("subscription billed",
		zap.String("subscription_id", result.SubscriptionID.String()),
		zap.String("outcome", string(result.Outcome)),
		zap.String("invoice_id", idString(result.InvoiceID)),
		zap.String("invoice_number", result.InvoiceNumber),
		zap.String("total", result.Total.String()),
		zap.String("credits_applied", result.CreditsApplied.String()),
		zap.String("next_status", string(result.NextStatus)),
	)
}

func idString(id snowflake.ID) string {
	if id == 0 {
		return ""
	}
	return id.String()
}
