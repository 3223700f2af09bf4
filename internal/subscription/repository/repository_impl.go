package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	"gorm.io/gorm"
)

const subscriptionColumns = `id, tenant_id, plan_id, status, billing_cycle, currency, current_price,
		 current_period_start, current_period_end, billing_anchor_day, cancelled_at,
		 expires_at, suspended_at, auto_renew, trial, trial_end, pending_plan_id,
		 pending_price, created_at, updated_at`

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.TenantSubscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO tenant_subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.TenantID,
		subscription.PlanID,
		subscription.Status,
		subscription.BillingCycle,
		subscription.Currency,
		subscription.CurrentPrice,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.BillingAnchorDay,
		subscription.CancelledAt,
		subscription.ExpiresAt,
		subscription.SuspendedAt,
		subscription.AutoRenew,
		subscription.Trial,
		subscription.TrialEnd,
		subscription.PendingPlanID,
		subscription.PendingPrice,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.TenantSubscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE tenant_subscriptions
		SET plan_id = ?, status = ?, current_price = ?, current_period_start = ?,
			current_period_end = ?, cancelled_at = ?, expires_at = ?, suspended_at = ?,
			auto_renew = ?, trial = ?, trial_end = ?, pending_plan_id = ?, pending_price = ?,
			updated_at = ?
		WHERE id = ?`,
		subscription.PlanID,
		subscription.Status,
		subscription.CurrentPrice,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.CancelledAt,
		subscription.ExpiresAt,
		subscription.SuspendedAt,
		subscription.AutoRenew,
		subscription.Trial,
		subscription.TrialEnd,
		subscription.PendingPlanID,
		subscription.PendingPrice,
		subscription.UpdatedAt,
		subscription.ID,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.TenantSubscription, error) {
	return r.findOne(ctx, db, `SELECT `+subscriptionColumns+` FROM tenant_subscriptions WHERE id = ?`, id)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.TenantSubscription, error) {
	return r.findOne(ctx, db, `SELECT `+subscriptionColumns+` FROM tenant_subscriptions WHERE id = ? FOR UPDATE`, id)
}

func (r *repo) FindActiveByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*subscriptiondomain.TenantSubscription, error) {
	return r.findOne(ctx, db,
		`SELECT `+subscriptionColumns+` FROM tenant_subscriptions
		WHERE tenant_id = ? AND status = ?
		LIMIT 1`,
		tenantID, subscriptiondomain.SubscriptionStatusActive,
	)
}

func (r *repo) FindActiveByTenantForUpdate(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*subscriptiondomain.TenantSubscription, error) {
	return r.findOne(ctx, db,
		`SELECT `+subscriptionColumns+` FROM tenant_subscriptions
		WHERE tenant_id = ? AND status = ?
		LIMIT 1
		FOR UPDATE`,
		tenantID, subscriptiondomain.SubscriptionStatusActive,
	)
}

// ListDue claims active subscriptions whose period has ended. Rows locked by
// another runner are skipped.
func (r *repo) ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]subscriptiondomain.TenantSubscription, error) {
	var items []subscriptiondomain.TenantSubscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM tenant_subscriptions
		WHERE status = ? AND current_period_end <= ?
		ORDER BY current_period_end ASC, id ASC
		LIMIT ?
		FOR UPDATE SKIP LOCKED`,
		subscriptiondomain.SubscriptionStatusActive, now, limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ExpireCancelled(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE tenant_subscriptions
		SET status = ?, updated_at = ?
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		subscriptiondomain.SubscriptionStatusExpired, now,
		subscriptiondomain.SubscriptionStatusCancelled, now,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) ExpireLapsed(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE tenant_subscriptions
		SET status = ?, expires_at = current_period_end, updated_at = ?
		WHERE status = ? AND auto_renew = ? AND current_period_end <= ?`,
		subscriptiondomain.SubscriptionStatusExpired, now,
		subscriptiondomain.SubscriptionStatusActive, false, now,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) FindPlan(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Plan, error) {
	var plan subscriptiondomain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT id, code, name, currency, monthly_price, yearly_price, active, created_at, updated_at
		FROM plans
		WHERE id = ?`,
		id,
	).Scan(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == 0 {
		return nil, nil
	}
	return &plan, nil
}

func (r *repo) ListPlanUsageLimits(ctx context.Context, db *gorm.DB, planID snowflake.ID) ([]subscriptiondomain.PlanUsageLimit, error) {
	var limits []subscriptiondomain.PlanUsageLimit
	err := db.WithContext(ctx).Raw(
		`SELECT plan_id, usage_type, included, usage_limit
		FROM plan_usage_limits
		WHERE plan_id = ?
		ORDER BY usage_type ASC`,
		planID,
	).Scan(&limits).Error
	if err != nil {
		return nil, err
	}
	return limits, nil
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*subscriptiondomain.TenantSubscription, error) {
	var subscription subscriptiondomain.TenantSubscription
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&subscription).Error; err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}
