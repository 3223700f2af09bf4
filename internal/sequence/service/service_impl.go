package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingcore/internal/clock"
	"github.com/smallbiznis/billingcore/internal/config"
	"github.com/smallbiznis/billingcore/internal/observability/metrics"
	sequencedomain "github.com/smallbiznis/billingcore/internal/sequence/domain"
	"github.com/smallbiznis/billingcore/internal/sequence/repository"
	"github.com/smallbiznis/billingcore/pkg/billingerr"
	"github.com/smallbiznis/billingcore/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Repo    sequencedomain.Repository   `optional:"true"`
	Billing *config.BillingConfigHolder `optional:"true"`
	Metrics *metrics.Metrics            `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	repo    sequencedomain.Repository
	billing *config.BillingConfigHolder
	metrics *metrics.Metrics
}

func NewService(p ServiceParam) sequencedomain.Service {
	repo := p.Repo
	if repo == nil {
		repo = repository.Provide()
	}
	c := p.Clock
	if c == nil {
		c = clock.System()
	}
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("sequence.service"),
		clock:   c,
		repo:    repo,
		billing: p.Billing,
		metrics: p.Metrics,
	}
}

func (s *Service) Allocate(ctx context.Context, tenantID snowflake.ID, date time.Time) (string, error) {
	var number string
	err := db.RunInTx(ctx, s.db, s.txOptions(ctx), func(tx *gorm.DB) error {
		allocated, err := s.AllocateTx(ctx, tx, tenantID, date)
		if err != nil {
			return err
		}
		number = allocated
		return nil
	})
	if err != nil {
		if billingerr.IsRetryable(err) {
			s.metrics.RecordSequenceAllocation(ctx, "exhausted")
			s.log.Warn("invoice number allocation exhausted retries",
				zap.String("tenant_id", tenantID.String()),
				zap.String("sequence_date", sequencedomain.SequenceDay(date)),
				zap.Error(err),
			)
			return "", billingerr.SequenceExhausted(err)
		}
		return "", err
	}

	s.metrics.RecordSequenceAllocation(ctx, "ok")
	return number, nil
}

func (s *Service) AllocateTx(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, date time.Time) (string, error) {
	if tenantID == 0 {
		return "", sequencedomain.ErrInvalidTenant
	}
	if date.IsZero() {
		return "", sequencedomain.ErrInvalidDate
	}

	n, err := s.repo.Next(ctx, tx, tenantID, sequencedomain.SequenceDay(date), s.clock.Now())
	if err != nil {
		if db.IsContention(err) {
			return "", billingerr.Contended(err)
		}
		return "", fmt.Errorf("allocate invoice number: %w", err)
	}
	return sequencedomain.Format(date, n), nil
}

func (s *Service) txOptions(ctx context.Context) db.TxOptions {
	cfg := config.DefaultBillingConfig()
	if s.billing != nil {
		cfg = s.billing.Get()
	}
	return db.TxOptionsFor(cfg, func(attempt int, err error) {
		s.metrics.RecordTxRetry(ctx, "sequence.allocate")
		s.log.Debug("retrying invoice number allocation", zap.Int("attempt", attempt), zap.Error(err))
	})
}
