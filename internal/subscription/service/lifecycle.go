package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	"github.com/smallbiznis/billingcore/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (s *Service) ChangePlan(ctx context.Context, id, newPlanID snowflake.ID) (subscriptiondomain.ChangePlanResult, error) {
	var result subscriptiondomain.ChangePlanResult
	updated, err := s.mutate(ctx, "subscription.change_plan", id, func(tx *gorm.DB, sub *subscriptiondomain.TenantSubscription, _ time.Time) error {
		plan, err := s.planChangeTarget(ctx, tx, sub, newPlanID)
		if err != nil {
			return err
		}
		result = subscriptiondomain.ChangePlanResult{
			OldPlanID: sub.PlanID,
			OldPrice:  sub.CurrentPrice,
			NewPrice:  plan.PriceFor(sub.BillingCycle),
		}
		sub.PlanID = plan.ID
		sub.CurrentPrice = result.NewPrice
		sub.PendingPlanID, sub.PendingPrice = nil, nil
		return nil
	})
	if err != nil {
		return subscriptiondomain.ChangePlanResult{}, err
	}
	result.Subscription = *updated
	return result, nil
}

// SchedulePlanChange records newPlanID to take effect at the next renewal.
func (s *Service) SchedulePlanChange(ctx context.Context, id, newPlanID snowflake.ID) (*subscriptiondomain.TenantSubscription, error) {
	return s.mutate(ctx, "subscription.schedule_plan_change", id, func(tx *gorm.DB, sub *subscriptiondomain.TenantSubscription, _ time.Time) error {
		plan, err := s.planChangeTarget(ctx, tx, sub, newPlanID)
		if err != nil {
			return err
		}
		price := plan.PriceFor(sub.BillingCycle)
		planID := plan.ID
		sub.PendingPlanID = &planID
		sub.PendingPrice = &price
		return nil
	})
}

func (s *Service) Cancel(ctx context.Context, id snowflake.ID, immediately bool) (*subscriptiondomain.TenantSubscription, error) {
	return s.mutate(ctx, "subscription.cancel", id, func(_ *gorm.DB, sub *subscriptiondomain.TenantSubscription, now time.Time) error {
		if err := checkTransition(sub, subscriptiondomain.SubscriptionStatusCancelled); err != nil {
			return err
		}
		expiresAt := sub.CurrentPeriodEnd
		if immediately {
			expiresAt = now
		}
		sub.Status = subscriptiondomain.SubscriptionStatusCancelled
		sub.CancelledAt = &now
		sub.ExpiresAt = &expiresAt
		sub.AutoRenew = false
		return nil
	})
}

// Renew advances the period by one cycle from the prior period end and
// applies any scheduled plan change.
func (s *Service) Renew(ctx context.Context, id snowflake.ID) (*subscriptiondomain.TenantSubscription, error) {
	return s.mutate(ctx, "subscription.renew", id, func(tx *gorm.DB, sub *subscriptiondomain.TenantSubscription, _ time.Time) error {
		if sub.Status != subscriptiondomain.SubscriptionStatusActive {
			if sub.Status == subscriptiondomain.SubscriptionStatusSuspended {
				return subscriptiondomain.ErrInvalidTransition.Withf("suspended subscription must be reactivated before renewal")
			}
			if err := checkTransition(sub, subscriptiondomain.SubscriptionStatusActive); err != nil {
				return err
			}
			if err := s.guardActivation(ctx, tx, sub); err != nil {
				return err
			}
		}

		start := sub.CurrentPeriodEnd
		sub.CurrentPeriodStart = start
		sub.CurrentPeriodEnd = sub.BillingCycle.Advance(start, int(sub.BillingAnchorDay))
		if sub.HasPendingChange() {
			sub.PlanID = *sub.PendingPlanID
			sub.CurrentPrice = *sub.PendingPrice
			sub.PendingPlanID, sub.PendingPrice = nil, nil
		}
		if sub.Trial && sub.TrialEnd != nil && !sub.TrialEnd.After(start) {
			sub.Trial = false
		}
		sub.Status = subscriptiondomain.SubscriptionStatusActive
		sub.CancelledAt = nil
		sub.ExpiresAt = nil
		return nil
	})
}

func (s *Service) Suspend(ctx context.Context, id snowflake.ID) (*subscriptiondomain.TenantSubscription, error) {
	return s.mutate(ctx, "subscription.suspend", id, func(_ *gorm.DB, sub *subscriptiondomain.TenantSubscription, now time.Time) error {
		if err := checkTransition(sub, subscriptiondomain.SubscriptionStatusSuspended); err != nil {
			return err
		}
		sub.Status = subscriptiondomain.SubscriptionStatusSuspended
		sub.SuspendedAt = &now
		return nil
	})
}

// Reactivate returns a suspended or past-due subscription to active.
func (s *Service) Reactivate(ctx context.Context, id snowflake.ID) (*subscriptiondomain.TenantSubscription, error) {
	return s.mutate(ctx, "subscription.reactivate", id, func(tx *gorm.DB, sub *subscriptiondomain.TenantSubscription, _ time.Time) error {
		switch sub.Status {
		case subscriptiondomain.SubscriptionStatusSuspended, subscriptiondomain.SubscriptionStatusPastDue:
		default:
			return subscriptiondomain.ErrInvalidTransition.Withf("cannot reactivate a %s subscription", sub.Status)
		}
		if err := s.guardActivation(ctx, tx, sub); err != nil {
			return err
		}
		sub.Status = subscriptiondomain.SubscriptionStatusActive
		sub.SuspendedAt = nil
		return nil
	})
}

func (s *Service) MarkPastDue(ctx context.Context, id snowflake.ID) (*subscriptiondomain.TenantSubscription, error) {
	return s.mutate(ctx, "subscription.mark_past_due", id, func(_ *gorm.DB, sub *subscriptiondomain.TenantSubscription, _ time.Time) error {
		if err := checkTransition(sub, subscriptiondomain.SubscriptionStatusPastDue); err != nil {
			return err
		}
		sub.Status = subscriptiondomain.SubscriptionStatusPastDue
		return nil
	})
}

func (s *Service) Expire(ctx context.Context, id snowflake.ID) (*subscriptiondomain.TenantSubscription, error) {
	return s.mutate(ctx, "subscription.expire", id, func(_ *gorm.DB, sub *subscriptiondomain.TenantSubscription, now time.Time) error {
		if err := checkTransition(sub, subscriptiondomain.SubscriptionStatusExpired); err != nil {
			return err
		}
		sub.Status = subscriptiondomain.SubscriptionStatusExpired
		if sub.ExpiresAt == nil || sub.ExpiresAt.After(now) {
			sub.ExpiresAt = &now
		}
		return nil
	})
}

// mutate locks the subscription, applies fn and persists the result in one
// transaction. fn must not keep state between attempts.
func (s *Service) mutate(
	ctx context.Context,
	operation string,
	id snowflake.ID,
	fn func(tx *gorm.DB, sub *subscriptiondomain.TenantSubscription, now time.Time) error,
) (*subscriptiondomain.TenantSubscription, error) {
	ctx, span := s.tracer.Start(ctx, operation)
	defer span.End()

	var (
		updated  *subscriptiondomain.TenantSubscription
		previous subscriptiondomain.SubscriptionStatus
	)
	err := db.RunInTx(ctx, s.db, s.txOptions(ctx, operation), func(tx *gorm.DB) error {
		sub, err := s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}

		previous = sub.Status
		now := s.clock.Now()
		if err := fn(tx, sub, now); err != nil {
			return err
		}
		sub.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, sub); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return subscriptiondomain.ErrSubscriptionExists.Wrap(err)
			}
			return err
		}
		updated = sub
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger(ctx).Info("subscription updated",
		zap.String("operation", operation),
		zap.String("subscription_id", updated.ID.String()),
		zap.String("from", string(previous)),
		zap.String("to", string(updated.Status)),
		zap.Time("current_period_end", updated.CurrentPeriodEnd),
	)
	return updated, nil
}

// guardActivation refuses to make sub active while the tenant has another
// active subscription. The partial unique index backs this up for racing
// writers.
func (s *Service) guardActivation(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.TenantSubscription) error {
	active, err := s.repo.FindActiveByTenantForUpdate(ctx, tx, sub.TenantID)
	if err != nil {
		return err
	}
	if active != nil && active.ID != sub.ID {
		return subscriptiondomain.ErrSubscriptionExists.Withf("tenant %s already has active subscription %s", sub.TenantID, active.ID)
	}
	return nil
}

func (s *Service) planChangeTarget(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.TenantSubscription, newPlanID snowflake.ID) (*subscriptiondomain.Plan, error) {
	if sub.Status != subscriptiondomain.SubscriptionStatusActive {
		return nil, subscriptiondomain.ErrNotActive.Withf("subscription is %s", sub.Status)
	}
	if newPlanID == 0 {
		return nil, subscriptiondomain.ErrInvalidPlan
	}
	if newPlanID == sub.PlanID {
		return nil, subscriptiondomain.ErrSamePlan
	}
	plan, err := s.activePlan(ctx, tx, newPlanID)
	if err != nil {
		return nil, err
	}
	if plan.Currency != sub.Currency {
		return nil, subscriptiondomain.ErrCurrencyMismatch.Withf("plan is %s, subscription is %s", plan.Currency, sub.Currency)
	}
	return plan, nil
}

func checkTransition(sub *subscriptiondomain.TenantSubscription, next subscriptiondomain.SubscriptionStatus) error {
	if sub.Status == next {
		return subscriptiondomain.ErrInvalidTransition.Withf("subscription is already %s", next)
	}
	if !sub.Status.CanTransitionTo(next) {
		return subscriptiondomain.ErrInvalidTransition.Withf("cannot move a %s subscription to %s", sub.Status, next)
	}
	return nil
}
