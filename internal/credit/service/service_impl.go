package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingcore/internal/clock"
	"github.com/smallbiznis/billingcore/internal/config"
	creditdomain "github.com/smallbiznis/billingcore/internal/credit/domain"
	"github.com/smallbiznis/billingcore/internal/credit/repository"
	"github.com/smallbiznis/billingcore/internal/money"
	obslogger "github.com/smallbiznis/billingcore/internal/observability/logger"
	"github.com/smallbiznis/billingcore/internal/observability/metrics"
	"github.com/smallbiznis/billingcore/internal/observability/tracing"
	"github.com/smallbiznis/billingcore/pkg/db"
	pkgrepository "github.com/smallbiznis/billingcore/pkg/repository"
	"go.opentelemetry.io/otel/attribute"
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
	Repo    creditdomain.Repository     `optional:"true"`
	Billing *config.BillingConfigHolder `optional:"true"`
	Metrics *metrics.Metrics            `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    creditdomain.Repository
	store   pkgrepository.Repository[creditdomain.Credit]
	billing *config.BillingConfigHolder
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func NewService(p ServiceParam) creditdomain.Service {
	repo := p.Repo
	if repo == nil {
		repo = repository.Provide()
	}
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("credit.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    repo,
		store:   pkgrepository.ProvideStore[creditdomain.Credit](p.DB),
		billing: p.Billing,
		metrics: p.Metrics,
		tracer:  tracing.Tracer("credit.service"),
	}
}

func (s *Service) Grant(ctx context.Context, req creditdomain.GrantRequest) (*creditdomain.Credit, error) {
	if req.TenantID == 0 {
		return nil, creditdomain.ErrInvalidTenant
	}
	currency := normalizeCurrency(req.Currency)
	if currency == "" {
		return nil, creditdomain.ErrInvalidCurrency
	}
	if !req.Type.Valid() {
		return nil, creditdomain.ErrInvalidCreditType.Withf("credit type %q is unknown", req.Type)
	}
	amount := money.Round2(req.Amount)
	if !amount.IsPositive() {
		return nil, creditdomain.ErrInvalidAmount
	}

	now := s.clock.Now()
	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		if !req.ExpiresAt.After(now) {
			return nil, creditdomain.ErrInvalidExpiry
		}
		utc := req.ExpiresAt.UTC()
		expiresAt = &utc
	}

	credit := &creditdomain.Credit{
		ID:              s.genID.Generate(),
		TenantID:        req.TenantID,
		Amount:          amount,
		RemainingAmount: amount,
		Currency:        currency,
		Type:            req.Type,
		Status:          creditdomain.CreditStatusActive,
		ExpiresAt:       expiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.Insert(ctx, s.db, credit); err != nil {
		return nil, fmt.Errorf("insert credit: %w", err)
	}

	s.logger(ctx).Info("credit granted",
		zap.String("credit_id", credit.ID.String()),
		zap.String("tenant_id", credit.TenantID.String()),
		zap.String("type", string(credit.Type)),
		zap.String("amount", credit.Amount.String()),
	)
	return credit, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*creditdomain.Credit, error) {
	credit, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if credit == nil {
		return nil, creditdomain.ErrCreditNotFound
	}
	return credit, nil
}

func (s *Service) List(ctx context.Context, tenantID snowflake.ID) ([]creditdomain.Credit, error) {
	if tenantID == 0 {
		return nil, creditdomain.ErrInvalidTenant
	}
	items, err := s.store.Find(ctx,
		&creditdomain.Credit{TenantID: tenantID},
		pkgrepository.OrderBy("created_at", false),
		pkgrepository.OrderBy("id", false),
	)
	if err != nil {
		return nil, err
	}

	credits := make([]creditdomain.Credit, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		credits = append(credits, *item)
	}
	return credits, nil
}

func (s *Service) AvailableBalance(ctx context.Context, tenantID snowflake.ID) (money.Amount, error) {
	if tenantID == 0 {
		return 0, creditdomain.ErrInvalidTenant
	}
	return s.repo.SumUsable(ctx, s.db, tenantID, s.clock.Now())
}

func (s *Service) Apply(ctx context.Context, tenantID snowflake.ID, amountDue money.Amount) (creditdomain.ApplyResult, error) {
	var result creditdomain.ApplyResult
	err := db.RunInTx(ctx, s.db, s.txOptions(ctx, "credit.apply"), func(tx *gorm.DB) error {
		applied, err := s.ApplyTx(ctx, tx, creditdomain.ApplyRequest{TenantID: tenantID, AmountDue: amountDue})
		if err != nil {
			return err
		}
		result = applied
		return nil
	})
	if err != nil {
		return creditdomain.ApplyResult{}, err
	}
	return result, nil
}

// ApplyTx draws credits soonest-expiring first until the amount due is
// covered. Each credit is re-read under a row lock right before it is
// decremented, so concurrent appliers cannot spend the same balance twice.
func (s *Service) ApplyTx(ctx context.Context, tx *gorm.DB, req creditdomain.ApplyRequest) (creditdomain.ApplyResult, error) {
	ctx, span := s.tracer.Start(ctx, "credit.ApplyTx")
	defer span.End()

	if req.TenantID == 0 {
		return creditdomain.ApplyResult{}, creditdomain.ErrInvalidTenant
	}
	due := money.Round2(req.AmountDue)
	if due.IsNegative() {
		return creditdomain.ApplyResult{}, creditdomain.ErrNegativeAmountDue
	}
	result := creditdomain.ApplyResult{Allocations: []creditdomain.Allocation{}, RemainingDue: due}
	if due.IsZero() {
		return result, nil
	}

	now := s.clock.Now()
	candidates, err := s.repo.ListUsable(ctx, tx, req.TenantID, normalizeCurrency(req.Currency), now)
	if err != nil {
		return creditdomain.ApplyResult{}, err
	}
	creditdomain.SortForApplication(candidates)

	for _, candidate := range candidates {
		if !result.RemainingDue.IsPositive() {
			break
		}

		credit, err := s.repo.FindByIDForUpdate(ctx, tx, candidate.ID)
		if err != nil {
			return creditdomain.ApplyResult{}, err
		}
		if credit == nil || !credit.Usable(now) {
			continue
		}

		used := money.Min(credit.RemainingAmount, result.RemainingDue)
		remaining := credit.RemainingAmount - used
		status := creditdomain.CreditStatusActive
		if remaining.IsZero() {
			status = creditdomain.CreditStatusUsed
		}
		if err := s.repo.UpdateBalance(ctx, tx, credit.ID, remaining, status, now); err != nil {
			return creditdomain.ApplyResult{}, err
		}
		if err := s.repo.InsertAllocation(ctx, tx, &creditdomain.CreditAllocation{
			ID:        s.genID.Generate(),
			CreditID:  credit.ID,
			TenantID:  credit.TenantID,
			InvoiceID: req.InvoiceID,
			Amount:    used,
			CreatedAt: now,
		}); err != nil {
			return creditdomain.ApplyResult{}, err
		}

		result.Allocations = append(result.Allocations, creditdomain.Allocation{
			CreditID:  credit.ID,
			Used:      used,
			Remaining: remaining,
		})
		result.TotalUsed += used
		result.RemainingDue -= used
	}

	span.SetAttributes(
		attribute.Int("credit.allocations", len(result.Allocations)),
		attribute.String("credit.total_used", result.TotalUsed.String()),
	)
	s.metrics.RecordCreditsApplied(ctx, len(result.Allocations))
	return result, nil
}

func (s *Service) Void(ctx context.Context, id snowflake.ID, reason string) (*creditdomain.Credit, error) {
	var voided *creditdomain.Credit
	err := db.RunInTx(ctx, s.db, s.txOptions(ctx, "credit.void"), func(tx *gorm.DB) error {
		credit, err := s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if credit == nil {
			return creditdomain.ErrCreditNotFound
		}
		if credit.Status != creditdomain.CreditStatusActive {
			return creditdomain.ErrCreditNotVoidable.Withf("credit is %s", credit.Status)
		}

		now := s.clock.Now()
		reason = strings.TrimSpace(reason)
		if err := s.repo.MarkVoid(ctx, tx, id, reason, now); err != nil {
			return err
		}
		credit.Status = creditdomain.CreditStatusVoid
		credit.VoidReason = reason
		credit.UpdatedAt = now
		voided = credit
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger(ctx).Info("credit voided",
		zap.String("credit_id", voided.ID.String()),
		zap.String("reason", voided.VoidReason),
	)
	return voided, nil
}

func (s *Service) ExpireSweep(ctx context.Context, now time.Time) (int64, error) {
	expired, err := s.repo.ExpireBefore(ctx, s.db, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire credits: %w", err)
	}
	if expired > 0 {
		s.logger(ctx).Info("credits expired", zap.Int64("count", expired))
	}
	return expired, nil
}

func (s *Service) txOptions(ctx context.Context, operation string) db.TxOptions {
	cfg := config.DefaultBillingConfig()
	if s.billing != nil {
		cfg = s.billing.Get()
	}
	return db.TxOptionsFor(cfg, func(attempt int, err error) {
		s.metrics.RecordTxRetry(ctx, operation)
		s.logger(ctx).Debug("retrying contended transaction",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	})
}

func (s *Service) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func normalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}
