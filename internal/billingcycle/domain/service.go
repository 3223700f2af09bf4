package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingcore/pkg/billingerr"
)

type Service interface {
	// RunDue bills one batch of subscriptions whose period has ended.
	// Per-subscription failures are reported in the summary, not returned.
	RunDue(ctx context.Context) (RunSummary, error)
	RunSubscription(ctx context.Context, subscriptionID snowflake.ID) (SubscriptionResult, error)
	SweepCredits(ctx context.Context) (int64, error)
	ExpireSubscriptions(ctx context.Context) (int, error)
	// ChargeUpgrade moves the subscription to a more expensive plan now and
	// invoices the prorated difference.
	ChargeUpgrade(ctx context.Context, subscriptionID, newPlanID snowflake.ID) (UpgradeCharge, error)
}

var (
	ErrNotDue     = billingerr.New(billingerr.KindInvalidState, "subscription_not_due", "subscription period has not ended")
	ErrNotUpgrade = billingerr.New(billingerr.KindInvalidInput, "not_an_upgrade", "new plan is not more expensive; schedule the change instead")
	ErrLocked     = billingerr.New(billingerr.KindContended, "subscription_locked", "subscription is being billed by another run")
)
