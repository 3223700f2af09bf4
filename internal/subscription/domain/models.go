// Package domain contains persistence models for tenant subscriptions and plans.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingcore/internal/money"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
	SubscriptionStatusSuspended SubscriptionStatus = "suspended"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
)

// Renew covers active → active and cancelled/expired/past_due → active.
// Suspended subscriptions return to active only through reactivation.
var transitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionStatusActive: {
		SubscriptionStatusCancelled,
		SubscriptionStatusSuspended,
		SubscriptionStatusExpired,
		SubscriptionStatusPastDue,
	},
	SubscriptionStatusCancelled: {SubscriptionStatusActive, SubscriptionStatusExpired},
	SubscriptionStatusExpired:   {SubscriptionStatusActive},
	SubscriptionStatusSuspended: {SubscriptionStatusActive},
	SubscriptionStatusPastDue:   {SubscriptionStatusActive, SubscriptionStatusCancelled, SubscriptionStatusExpired},
}

func (s SubscriptionStatus) CanTransitionTo(next SubscriptionStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type BillingCycle string

const (
	BillingCycleMonthly BillingCycle = "monthly"
	BillingCycleYearly  BillingCycle = "yearly"
)

func (c BillingCycle) Valid() bool {
	return c == BillingCycleMonthly || c == BillingCycleYearly
}

// Advance moves t forward one cycle. The result lands on anchorDay, clamped
// to the last day of the target month, so a Jan 31 anchor bills on Feb 29
// and then Mar 31. A non-positive anchorDay uses t's own day.
func (c BillingCycle) Advance(t time.Time, anchorDay int) time.Time {
	months := 1
	if c == BillingCycleYearly {
		months = 12
	}
	if anchorDay <= 0 {
		anchorDay = t.Day()
	}

	y, m, _ := t.Date()
	first := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if anchorDay > last {
		anchorDay = last
	}
	return first.AddDate(0, 0, anchorDay-1)
}

// TenantSubscription captures a tenant's billing agreement. At most one row
// per tenant is active; the partial unique index enforces it in the store.
type TenantSubscription struct {
	ID                 snowflake.ID       `gorm:"primaryKey"`
	TenantID           snowflake.ID       `gorm:"not null;index;uniqueIndex:ux_tenant_subscriptions_active,where:status = 'active'"`
	PlanID             snowflake.ID       `gorm:"not null;index"`
	Status             SubscriptionStatus `gorm:"type:varchar(16);not null;index"`
	BillingCycle       BillingCycle       `gorm:"type:varchar(16);not null"`
	Currency           string             `gorm:"type:varchar(3);not null"`
	CurrentPrice       money.Amount       `gorm:"not null;default:0"`
	CurrentPeriodStart time.Time          `gorm:"not null"`
	CurrentPeriodEnd   time.Time          `gorm:"not null;index"`
	BillingAnchorDay   int16              `gorm:"type:smallint;not null;default:0"`
	CancelledAt        *time.Time         `gorm:""`
	ExpiresAt          *time.Time         `gorm:"index"`
	SuspendedAt        *time.Time         `gorm:""`
	AutoRenew          bool               `gorm:"not null;default:true"`
	Trial              bool               `gorm:"not null;default:false"`
	TrialEnd           *time.Time         `gorm:""`
	PendingPlanID      *snowflake.ID      `gorm:""`
	PendingPrice       *money.Amount      `gorm:""`
	CreatedAt          time.Time          `gorm:"not null"`
	UpdatedAt          time.Time          `gorm:"not null"`
}

// TableName sets the database table name.
func (TenantSubscription) TableName() string { return "tenant_subscriptions" }

// HasPendingChange reports whether a plan change waits for the next renewal.
func (s TenantSubscription) HasPendingChange() bool {
	return s.PendingPlanID != nil && s.PendingPrice != nil
}

// Plan is a priced offering. Plans are managed outside the billing core.
type Plan struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	Code         string       `gorm:"type:varchar(64);not null;uniqueIndex"`
	Name         string       `gorm:"type:text;not null"`
	Currency     string       `gorm:"type:varchar(3);not null"`
	MonthlyPrice money.Amount `gorm:"not null;default:0"`
	YearlyPrice  money.Amount `gorm:"not null;default:0"`
	Active       bool         `gorm:"not null"`
	CreatedAt    time.Time    `gorm:"not null"`
	UpdatedAt    time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }

// PriceFor returns the plan price for one cycle.
func (p Plan) PriceFor(cycle BillingCycle) money.Amount {
	if cycle == BillingCycleYearly {
		return p.YearlyPrice
	}
	return p.MonthlyPrice
}

// PlanUsageLimit is the included quantity and soft limit of one usage type.
type PlanUsageLimit struct {
	PlanID    snowflake.ID   `gorm:"primaryKey"`
	UsageType string         `gorm:"primaryKey;type:varchar(64)"`
	Included  money.Quantity `gorm:"not null;default:0"`
	Limit     money.Quantity `gorm:"column:usage_limit;not null;default:0"`
}

// TableName sets the database table name.
func (PlanUsageLimit) TableName() string { return "plan_usage_limits" }
