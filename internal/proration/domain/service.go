package domain

import (
	"context"
	"time"

	"github.com/smallbiznis/billingcore/internal/money"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
)

// UpgradeResult is the mid-period adjustment for moving to a higher price.
// Net is billed immediately by the caller.
type UpgradeResult struct {
	Credit     money.Amount
	Charge     money.Amount
	Net        money.Amount
	UnusedDays int64
	TotalDays  int64
	Effective  time.Time
}

// Service computes amounts only. It never creates invoices or credits.
type Service interface {
	Upgrade(ctx context.Context, sub subscriptiondomain.TenantSubscription, newPrice money.Amount) (UpgradeResult, error)
	Downgrade(ctx context.Context, sub subscriptiondomain.TenantSubscription, newPrice money.Amount) (money.Amount, error)
	// CancellationRefund uses now when effective is nil.
	CancellationRefund(ctx context.Context, sub subscriptiondomain.TenantSubscription, effective *time.Time) (money.Amount, error)
	// ShouldSkipRefund reports whether a refund is too small to be worth issuing.
	ShouldSkipRefund(sub subscriptiondomain.TenantSubscription, effective time.Time, amount money.Amount) bool
}
