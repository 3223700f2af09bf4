package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/billingcore/pkg/billingerr"
	"gorm.io/gorm"
)

func TestClassifyRunReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"deadline", context.DeadlineExceeded, RunReasonDeadlineExceeded},
		{"db_lock_timeout", &pgconn.PgError{Code: "55P03"}, RunReasonDBLockTimeout},
		{"serialization_failure", &pgconn.PgError{Code: "40001"}, RunReasonSerializationFailure},
		{"unique_violation", gorm.ErrDuplicatedKey, RunReasonUniqueViolation},
		{"contended", billingerr.Contended(errors.New("busy")), RunReasonDBLockTimeout},
		{"business_rule", billingerr.ErrInvalidState, RunReasonBusinessRule},
		{"unknown", errors.New("boom"), RunReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyRunReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newRunMetrics(registry, Config{ServiceName: "billingcore", Environment: "test"})

	m.AddBatchProcessed(JobRunDue, "subscriptions", 3)
	m.AddBatchProcessed(JobRunDue, "subscriptions", 0)

	got := testutil.ToFloat64(m.batchProcessed.WithLabelValues(JobRunDue, "subscriptions"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}
