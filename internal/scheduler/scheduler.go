// Package scheduler drives the billing runner from cron specs.
package scheduler

import (
	"context"
	"errors"

	"github.com/robfig/cron/v3"
	billingcycledomain "github.com/smallbiznis/billingcore/internal/billingcycle/domain"
	"github.com/smallbiznis/billingcore/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid scheduler config")

type Params struct {
	fx.In

	Log    *zap.Logger
	Runner billingcycledomain.Service
	Config Config `optional:"true"`
}

type Scheduler struct {
	log    *zap.Logger
	runner billingcycledomain.Service
	cron   *cron.Cron
	jobs   map[string]cron.EntryID
	ctx    context.Context
	cancel context.CancelFunc
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Runner == nil {
		return nil, ErrInvalidConfig
	}
	log := p.Log.Named("scheduler").With(zap.String("component", "scheduler"))
	clog := cronLogger{log: log}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		log:    log,
		runner: p.Runner,
		cron: cron.New(
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		),
		jobs:   map[string]cron.EntryID{},
		ctx:    ctx,
		cancel: cancel,
	}

	specs := []struct {
		job  string
		spec string
		fn   func(context.Context) error
	}{
		{metrics.JobRunDue, p.Config.RunDue, s.runDue},
		{metrics.JobSweepCredits, p.Config.SweepCredits, s.sweepCredits},
		{metrics.JobExpireSubscriptions, p.Config.ExpireSubscriptions, s.expireSubscriptions},
	}
	for _, job := range specs {
		if job.spec == "" {
			log.Info("job disabled", zap.String("job", job.job))
			continue
		}
		if err := s.add(job.job, job.spec, job.fn); err != nil {
			cancel()
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(job, spec string, fn func(context.Context) error) error {
	id, err := s.cron.AddFunc(spec, func() {
		// The runner logs and records metrics for each run.
		_ = fn(s.ctx)
	})
	if err != nil {
		return errors.Join(ErrInvalidConfig, err)
	}
	s.jobs[job] = id
	return nil
}

// Jobs returns the names of the scheduled jobs.
func (s *Scheduler) Jobs() []string {
	out := make([]string, 0, len(s.jobs))
	for _, entry := range s.cron.Entries() {
		for name, id := range s.jobs {
			if id == entry.ID {
				out = append(out, name)
			}
		}
	}
	return out
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) runDue(ctx context.Context) error {
	summary, err := s.runner.RunDue(ctx)
	if err != nil {
		return err
	}
	if failed := summary.Count(billingcycledomain.OutcomeFailed); failed > 0 {
		s.log.Warn("billing run finished with failures",
			zap.String("run_id", summary.RunID),
			zap.Int("failed", failed),
			zap.Int("invoiced", summary.Count(billingcycledomain.OutcomeInvoiced)),
		)
	}
	return nil
}

func (s *Scheduler) sweepCredits(ctx context.Context) error {
	_, err := s.runner.SweepCredits(ctx)
	return err
}

func (s *Scheduler) expireSubscriptions(ctx context.Context) error {
	_, err := s.runner.ExpireSubscriptions(ctx)
	return err
}
