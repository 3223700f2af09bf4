package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingcore/internal/money"
	"github.com/smallbiznis/billingcore/pkg/billingerr"
)

type CreateRequest struct {
	TenantID     snowflake.ID
	PlanID       snowflake.ID
	BillingCycle BillingCycle
	// Price overrides the plan price for the cycle.
	Price       *money.Amount
	Currency    string
	PeriodStart time.Time
	PeriodEnd   time.Time
	// AutoRenew defaults to true.
	AutoRenew *bool
	TrialDays int
}

// ChangePlanResult carries the prices a caller hands to proration.
type ChangePlanResult struct {
	Subscription TenantSubscription
	OldPlanID    snowflake.ID
	OldPrice     money.Amount
	NewPrice     money.Amount
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*TenantSubscription, error)
	Get(ctx context.Context, id snowflake.ID) (*TenantSubscription, error)
	GetActiveByTenant(ctx context.Context, tenantID snowflake.ID) (*TenantSubscription, error)

	// ChangePlan only updates plan and price; it never charges or credits.
	ChangePlan(ctx context.Context, id, newPlanID snowflake.ID) (ChangePlanResult, error)
	SchedulePlanChange(ctx context.Context, id, newPlanID snowflake.ID) (*TenantSubscription, error)
	Cancel(ctx context.Context, id snowflake.ID, immediately bool) (*TenantSubscription, error)
	Renew(ctx context.Context, id snowflake.ID) (*TenantSubscription, error)
	Suspend(ctx context.Context, id snowflake.ID) (*TenantSubscription, error)
	Reactivate(ctx context.Context, id snowflake.ID) (*TenantSubscription, error)
	MarkPastDue(ctx context.Context, id snowflake.ID) (*TenantSubscription, error)
	Expire(ctx context.Context, id snowflake.ID) (*TenantSubscription, error)
	ExpireDue(ctx context.Context, now time.Time) (int, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]TenantSubscription, error)

	GetPlan(ctx context.Context, planID snowflake.ID) (*Plan, error)
	ListPlanUsageLimits(ctx context.Context, planID snowflake.ID) ([]PlanUsageLimit, error)
}

var (
	ErrInvalidTenant        = billingerr.New(billingerr.KindInvalidInput, "invalid_tenant", "tenant id is required")
	ErrInvalidPlan          = billingerr.New(billingerr.KindInvalidInput, "invalid_plan", "plan id is required")
	ErrInvalidBillingCycle  = billingerr.New(billingerr.KindInvalidInput, "invalid_billing_cycle", "billing cycle must be monthly or yearly")
	ErrInvalidPeriod        = billingerr.New(billingerr.KindInvalidInput, "invalid_period", "period end must be after period start")
	ErrInvalidTrialDays     = billingerr.New(billingerr.KindInvalidInput, "invalid_trial_days", "trial days must not be negative")
	ErrSamePlan             = billingerr.New(billingerr.KindInvalidInput, "same_plan", "subscription is already on this plan")
	ErrCurrencyMismatch     = billingerr.New(billingerr.KindInvalidInput, "currency_mismatch", "plan currency differs from the subscription")
	ErrInvalidPrice         = billingerr.New(billingerr.KindInvalidAmount, "invalid_price", "price must not be negative")
	ErrSubscriptionNotFound = billingerr.New(billingerr.KindNotFound, "subscription_not_found", "subscription not found")
	ErrPlanNotFound         = billingerr.New(billingerr.KindNotFound, "plan_not_found", "plan not found")
	ErrPlanInactive         = billingerr.New(billingerr.KindInvalidState, "plan_inactive", "plan is not active")
	ErrNotActive            = billingerr.New(billingerr.KindInvalidState, "subscription_not_active", "subscription is not active")
	ErrInvalidTransition    = billingerr.New(billingerr.KindInvalidState, "invalid_transition", "subscription transition is not allowed")
	ErrSubscriptionExists   = billingerr.New(billingerr.KindConflict, "subscription_already_active", "tenant already has an active subscription")
)
