package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/billingcore/pkg/billingerr"
	"github.com/smallbiznis/billingcore/pkg/db"
)

const (
	RunReasonDeadlineExceeded     = "deadline_exceeded"
	RunReasonDBLockTimeout        = "db_lock_timeout"
	RunReasonSerializationFailure = "serialization_failure"
	RunReasonUniqueViolation      = "unique_violation"
	RunReasonBusinessRule         = "business_rule"
	RunReasonUnknown              = "unknown"
)

const (
	JobRunDue              = "run_due"
	JobSweepCredits        = "sweep_credits"
	JobExpireSubscriptions = "expire_subscriptions"
	JobAttributeUsage      = "attribute_usage"
)

// RunMetrics captures billing run health for scheduled jobs.
type RunMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobErrors      *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	batchSkipped   *prometheus.CounterVec
	lockWait       *prometheus.HistogramVec
}

var (
	runMetricsOnce sync.Once
	runMetrics     *RunMetrics
)

// Run returns the process-wide run metrics registered on the default registerer.
func Run() *RunMetrics {
	return RunWithConfig(Config{})
}

// RunWithConfig is Run with service labels taken from cfg on first use.
func RunWithConfig(cfg Config) *RunMetrics {
	runMetricsOnce.Do(func() {
		runMetrics = newRunMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return runMetrics
}

func newRunMetrics(registerer prometheus.Registerer, cfg Config) *RunMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "billingcore"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &RunMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "billing_job_runs_total",
			Help:        "Billing job runs by name.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "billing_job_duration_seconds",
			Help:        "Billing job latency.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "billing_job_errors_total",
			Help:        "Billing job errors by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		batchProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "billing_batch_processed_total",
			Help:        "Items processed by billing jobs.",
			ConstLabels: constLabels,
		}, []string{"job", "resource"}),
		batchSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "billing_batch_skipped_total",
			Help:        "Items skipped by billing jobs by reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "billing_lock_wait_seconds",
			Help:        "Time spent acquiring distributed or row locks.",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			ConstLabels: constLabels,
		}, []string{"resource"}),
	}

	registerer.MustRegister(
		m.jobRuns,
		m.jobDuration,
		m.jobErrors,
		m.batchProcessed,
		m.batchSkipped,
		m.lockWait,
	)
	return m
}

func (m *RunMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *RunMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *RunMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyRunReason(err)).Inc()
}

func (m *RunMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

func (m *RunMetrics) IncBatchSkipped(job, reason string) {
	if m == nil {
		return
	}
	m.batchSkipped.WithLabelValues(job, reason).Inc()
}

func (m *RunMetrics) ObserveLockWait(resource string, d time.Duration) {
	if m == nil {
		return
	}
	if d < 0 {
		d = 0
	}
	m.lockWait.WithLabelValues(resource).Observe(d.Seconds())
}

// ClassifyRunReason maps job errors to low-cardinality reasons.
func ClassifyRunReason(err error) string {
	switch {
	case err == nil:
		return RunReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return RunReasonDeadlineExceeded
	case db.IsLockTimeout(err):
		return RunReasonDBLockTimeout
	case db.IsSerializationFailure(err):
		return RunReasonSerializationFailure
	case db.IsDuplicateKeyErr(err):
		return RunReasonUniqueViolation
	}

	switch billingerr.KindOf(err) {
	case billingerr.KindContended, billingerr.KindSequenceExhausted:
		return RunReasonDBLockTimeout
	case billingerr.KindUnknown:
		return RunReasonUnknown
	default:
		return RunReasonBusinessRule
	}
}
