package attribution

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingcore/internal/clock"
	"github.com/smallbiznis/billingcore/internal/money"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/billingcore/internal/subscription/repository"
	usagedomain "github.com/smallbiznis/billingcore/internal/usage/domain"
	usagerepository "github.com/smallbiznis/billingcore/internal/usage/repository"
	"github.com/smallbiznis/billingcore/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunOnceAttributesToActiveSubscription(t *testing.T) {
	conn := dbtest.Open(t, &usagedomain.UsageRecord{}, &subscriptiondomain.TenantSubscription{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	now := time.Date(2024, 6, 20, 0, 0, 0, 0, time.UTC)
	subscribedAt := now.AddDate(0, 0, -10)

	sub := subscriptiondomain.TenantSubscription{
		ID:                 node.Generate(),
		TenantID:           1,
		PlanID:             node.Generate(),
		Status:             subscriptiondomain.SubscriptionStatusActive,
		BillingCycle:       subscriptiondomain.BillingCycleMonthly,
		Currency:           "USD",
		CurrentPrice:       money.MustParse("49.00"),
		CurrentPeriodStart: subscribedAt,
		CurrentPeriodEnd:   subscribedAt.AddDate(0, 1, 0),
		AutoRenew:          true,
		CreatedAt:          subscribedAt,
		UpdatedAt:          subscribedAt,
	}
	require.NoError(t, conn.Create(&sub).Error)

	preset := node.Generate()
	newRecord := func(tenant snowflake.ID, recordedAt time.Time, subscriptionID *snowflake.ID) usagedomain.UsageRecord {
		r := usagedomain.UsageRecord{
			ID:             node.Generate(),
			TenantID:       tenant,
			SubscriptionID: subscriptionID,
			UsageType:      "api_calls",
			Quantity:       money.NewQuantity(10),
			Unit:           "call",
			PeriodStart:    recordedAt,
			PeriodEnd:      recordedAt.Add(time.Hour),
			RecordedAt:     recordedAt,
			CreatedAt:      recordedAt,
		}
		if subscriptionID != nil {
			r.AttributedAt = &recordedAt
		}
		return r
	}
	matched := newRecord(1, now.Add(-time.Hour), nil)
	beforeSubscription := newRecord(1, subscribedAt.Add(-time.Hour), nil)
	noSubscription := newRecord(2, now.Add(-time.Hour), nil)
	alreadySet := newRecord(1, now.Add(-time.Hour), &preset)
	for _, r := range []usagedomain.UsageRecord{matched, beforeSubscription, noSubscription, alreadySet} {
		record := r
		require.NoError(t, conn.Create(&record).Error)
	}

	worker := NewWorker(Params{
		DB:               conn,
		Log:              zap.NewNop(),
		Clock:            clock.NewFakeClock(now),
		UsageRepo:        usagerepository.Provide(),
		SubscriptionRepo: subscriptionrepository.Provide(),
	})

	processed, err := worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, processed)

	load := func(id snowflake.ID) usagedomain.UsageRecord {
		var r usagedomain.UsageRecord
		require.NoError(t, conn.First(&r, "id = ?", id).Error)
		return r
	}
	got := load(matched.ID)
	require.NotNil(t, got.SubscriptionID)
	assert.Equal(t, sub.ID, *got.SubscriptionID)
	assert.NotNil(t, got.AttributedAt)

	got = load(beforeSubscription.ID)
	assert.Nil(t, got.SubscriptionID)
	assert.NotNil(t, got.AttributedAt)

	got = load(noSubscription.ID)
	assert.Nil(t, got.SubscriptionID)
	assert.NotNil(t, got.AttributedAt)

	got = load(alreadySet.ID)
	require.NotNil(t, got.SubscriptionID)
	assert.Equal(t, preset, *got.SubscriptionID)

	processed, err = worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, processed)
}
