package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	billingcycledomain "github.com/smallbiznis/billingcore/internal/billingcycle/domain"
	"github.com/smallbiznis/billingcore/internal/config"
	"github.com/smallbiznis/billingcore/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   map[string]int
	summary billingcycledomain.RunSummary
	err     error
}

func (r *fakeRunner) record(job string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = map[string]int{}
	}
	r.calls[job]++
}

func (r *fakeRunner) RunDue(context.Context) (billingcycledomain.RunSummary, error) {
	r.record(metrics.JobRunDue)
	return r.summary, r.err
}

func (r *fakeRunner) RunSubscription(context.Context, snowflake.ID) (billingcycledomain.SubscriptionResult, error) {
	return billingcycledomain.SubscriptionResult{}, nil
}

func (r *fakeRunner) SweepCredits(context.Context) (int64, error) {
	r.record(metrics.JobSweepCredits)
	return 2, r.err
}

func (r *fakeRunner) ExpireSubscriptions(context.Context) (int, error) {
	r.record(metrics.JobExpireSubscriptions)
	return 1, r.err
}

func (r *fakeRunner) ChargeUpgrade(context.Context, snowflake.ID, snowflake.ID) (billingcycledomain.UpgradeCharge, error) {
	return billingcycledomain.UpgradeCharge{}, nil
}

func TestNewSchedulesConfiguredJobs(t *testing.T) {
	cfg := ProvideConfig(config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()))
	s, err := New(Params{Log: zap.NewNop(), Runner: &fakeRunner{}, Config: cfg})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{metrics.JobRunDue, metrics.JobSweepCredits, metrics.JobExpireSubscriptions}, s.Jobs())

	cfg.SweepCredits = ""
	s, err = New(Params{Log: zap.NewNop(), Runner: &fakeRunner{}, Config: cfg})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{metrics.JobRunDue, metrics.JobExpireSubscriptions}, s.Jobs())
}

func TestNewRejectsBadSpec(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop(), Runner: &fakeRunner{}, Config: Config{RunDue: "every five minutes"}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestJobsCallRunner(t *testing.T) {
	runner := &fakeRunner{}
	s, err := New(Params{Log: zap.NewNop(), Runner: runner})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.runDue(ctx))
	require.NoError(t, s.sweepCredits(ctx))
	require.NoError(t, s.expireSubscriptions(ctx))
	assert.Equal(t, map[string]int{
		metrics.JobRunDue:              1,
		metrics.JobSweepCredits:        1,
		metrics.JobExpireSubscriptions: 1,
	}, runner.calls)

	runner.err = errors.New("db down")
	assert.Error(t, s.sweepCredits(ctx))
}

func TestRunDueWarnsOnFailures(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	runner := &fakeRunner{summary: billingcycledomain.RunSummary{
		RunID: "run-1",
		Results: []billingcycledomain.SubscriptionResult{
			{Outcome: billingcycledomain.OutcomeInvoiced},
			{Outcome: billingcycledomain.OutcomeFailed, Err: errors.New("boom")},
		},
	}}
	s, err := New(Params{Log: zap.New(core), Runner: runner})
	require.NoError(t, err)

	require.NoError(t, s.runDue(context.Background()))
	warned := logs.FilterMessage("billing run finished with failures").All()
	require.Len(t, warned, 1)
	assert.Equal(t, int64(1), warned[0].ContextMap()["failed"])
	assert.Equal(t, "run-1", warned[0].ContextMap()["run_id"])
}

func TestStartStop(t *testing.T) {
	s, err := New(Params{Log: zap.NewNop(), Runner: &fakeRunner{}, Config: Config{RunDue: "@every 1h"}})
	require.NoError(t, err)
	s.Start()
	require.NoError(t, s.Stop(context.Background()))
}

func TestCronLoggerFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := cronLogger{log: zap.New(core)}
	l.Info("schedule", "entry", 1, "next", "soon")
	l.Error(errors.New("panic"), "job failed", "entry", 2)

	all := logs.All()
	require.Len(t, all, 2)
	assert.Equal(t, "soon", all[0].ContextMap()["next"])
	assert.Equal(t, zapcore.ErrorLevel, all[1].Level)
}
