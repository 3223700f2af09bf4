package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingcore/internal/clock"
	"github.com/smallbiznis/billingcore/internal/money"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	"github.com/smallbiznis/billingcore/pkg/billingerr"
	"github.com/smallbiznis/billingcore/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const tenantID = snowflake.ID(900)

var start = time.Date(2024, 1, 31, 10, 0, 0, 0, time.UTC)

type fixture struct {
	svc   subscriptiondomain.Service
	db    *gorm.DB
	clock *clock.FakeClock
	node  *snowflake.Node
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	conn := dbtest.Open(t,
		&subscriptiondomain.TenantSubscription{},
		&subscriptiondomain.Plan{},
		&subscriptiondomain.PlanUsageLimit{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fc := clock.NewFakeClock(start)
	return fixture{
		svc: NewService(ServiceParam{
			DB:    conn,
			Log:   zap.NewNop(),
			GenID: node,
			Clock: fc,
		}),
		db:    conn,
		clock: fc,
		node:  node,
	}
}

func (f fixture) plan(t *testing.T, code, monthly, currency string) subscriptiondomain.Plan {
	t.Helper()
	plan := subscriptiondomain.Plan{
		ID:           f.node.Generate(),
		Code:         code,
		Name:         code,
		Currency:     currency,
		MonthlyPrice: money.MustParse(monthly),
		YearlyPrice:  10 * money.MustParse(monthly),
		Active:       true,
		CreatedAt:    start,
		UpdatedAt:    start,
	}
	require.NoError(t, f.db.Create(&plan).Error)
	return plan
}

func (f fixture) create(t *testing.T, tenant snowflake.ID, plan subscriptiondomain.Plan, opts ...func(*subscriptiondomain.CreateRequest)) *subscriptiondomain.TenantSubscription {
	t.Helper()
	req := subscriptiondomain.CreateRequest{
		TenantID:     tenant,
		PlanID:       plan.ID,
		BillingCycle: subscriptiondomain.BillingCycleMonthly,
	}
	for _, opt := range opts {
		opt(&req)
	}
	sub, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	return sub
}

func assertTime(t *testing.T, want, got time.Time) {
	t.Helper()
	assert.True(t, want.Equal(got), "want %s, got %s", want, got)
}

func TestCreateDefaultsFromPlan(t *testing.T) {
	f := newFixture(t)
	pro := f.plan(t, "pro", "49.00", "USD")

	sub := f.create(t, tenantID, pro)

	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, "49.00", sub.CurrentPrice.String())
	assert.Equal(t, "USD", sub.Currency)
	assert.True(t, sub.AutoRenew)
	assert.False(t, sub.Trial)
	assert.Equal(t, int16(31), sub.BillingAnchorDay)
	assertTime(t, start, sub.CurrentPeriodStart)
	assertTime(t, time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC), sub.CurrentPeriodEnd)

	stored, err := f.svc.GetActiveByTenant(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, stored.ID)
	assert.Equal(t, "49.00", stored.CurrentPrice.String())
}

func TestCreateWithOverrides(t *testing.T) {
	f := newFixture(t)
	pro := f.plan(t, "pro", "49.00", "USD")

	price := money.MustParse("39.00")
	noRenew := false
	sub := f.create(t, tenantID, pro, func(r *subscriptiondomain.CreateRequest) {
		r.BillingCycle = subscriptiondomain.BillingCycleYearly
		r.Price = &price
		r.AutoRenew = &noRenew
		r.TrialDays = 14
	})

	assert.Equal(t, "39.00", sub.CurrentPrice.String())
	assert.False(t, sub.AutoRenew)
	assert.True(t, sub.Trial)
	require.NotNil(t, sub.TrialEnd)
	assertTime(t, start.AddDate(0, 0, 14), *sub.TrialEnd)
	assertTime(t, time.Date(2025, 1, 31, 10, 0, 0, 0, time.UTC), sub.CurrentPeriodEnd)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pro := f.plan(t, "pro", "49.00", "USD")

	negative := money.MustParse("-1.00")
	cases := []struct {
		name string
		req  subscriptiondomain.CreateRequest
		want error
	}{
		{"missing tenant", subscriptiondomain.CreateRequest{PlanID: pro.ID, BillingCycle: subscriptiondomain.BillingCycleMonthly}, subscriptiondomain.ErrInvalidTenant},
		{"missing plan", subscriptiondomain.CreateRequest{TenantID: tenantID, BillingCycle: subscriptiondomain.BillingCycleMonthly}, subscriptiondomain.ErrInvalidPlan},
		{"bad cycle", subscriptiondomain.CreateRequest{TenantID: tenantID, PlanID: pro.ID, BillingCycle: "weekly"}, subscriptiondomain.ErrInvalidBillingCycle},
		{"unknown plan", subscriptiondomain.CreateRequest{TenantID: tenantID, PlanID: 1, BillingCycle: subscriptiondomain.BillingCycleMonthly}, subscriptiondomain.ErrPlanNotFound},
		{"negative price", subscriptiondomain.CreateRequest{TenantID: tenantID, PlanID: pro.ID, BillingCycle: subscriptiondomain.BillingCycleMonthly, Price: &negative}, subscriptiondomain.ErrInvalidPrice},
		{"inverted period", subscriptiondomain.CreateRequest{
			TenantID: tenantID, PlanID: pro.ID, BillingCycle: subscriptiondomain.BillingCycleMonthly,
			PeriodStart: start, PeriodEnd: start.Add(-time.Hour),
		}, subscriptiondomain.ErrInvalidPeriod},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCreateRejectsSecondActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pro := f.plan(t, "pro", "49.00", "USD")

	first := f.create(t, tenantID, pro)
	_, err := f.svc.Create(ctx, subscriptiondomain.CreateRequest{
		TenantID:     tenantID,
		PlanID:       pro.ID,
		BillingCycle: subscriptiondomain.BillingCycleMonthly,
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionExists)
	assert.ErrorIs(t, err, billingerr.ErrConflict)

	// Another tenant is unaffected.
	f.create(t, tenantID+1, pro)

	_, err = f.svc.Cancel(ctx, first.ID, true)
	require.NoError(t, err)
	second := f.create(t, tenantID, pro)

	// The cancelled one cannot come back while the new one is active.
	_, err = f.svc.Renew(ctx, first.ID)
	assert.ErrorIs(t, err, billingerr.ErrConflict)

	active, err := f.svc.GetActiveByTenant(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
}

func TestConcurrentCreateHasOneWinner(t *testing.T) {
	f := newFixture(t)
	pro := f.plan(t, "pro", "49.00", "USD")

	var created, conflicts atomic.Int32
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := f.svc.Create(context.Background(), subscriptiondomain.CreateRequest{
				TenantID:     tenantID,
				PlanID:       pro.ID,
				BillingCycle: subscriptiondomain.BillingCycleMonthly,
			})
			switch {
			case err == nil:
				created.Add(1)
			case billingerr.KindOf(err) == billingerr.KindConflict:
				conflicts.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(9), conflicts.Load())
}

func TestRenewAdvancesWithMonthEndClamping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.create(t, tenantID, f.plan(t, "pro", "49.00", "USD"))

	renewed, err := f.svc.Renew(ctx, sub.ID)
	require.NoError(t, err)
	assertTime(t, time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC), renewed.CurrentPeriodStart)
	assertTime(t, time.Date(2024, 3, 31, 10, 0, 0, 0, time.UTC), renewed.CurrentPeriodEnd)

	renewed, err = f.svc.Renew(ctx, sub.ID)
	require.NoError(t, err)
	assertTime(t, time.Date(2024, 4, 30, 10, 0, 0, 0, time.UTC), renewed.CurrentPeriodEnd)

	stored, err := f.svc.Get(ctx, sub.ID)
	require.NoError(t, err)
	assertTime(t, time.Date(2024, 3, 31, 10, 0, 0, 0, time.UTC), stored.CurrentPeriodStart)
}

func TestRenewAppliesScheduledPlanChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pro := f.plan(t, "pro", "99.00", "USD")
	basic := f.plan(t, "basic", "49.00", "USD")
	sub := f.create(t, tenantID, pro)

	scheduled, err := f.svc.SchedulePlanChange(ctx, sub.ID, basic.ID)
	require.NoError(t, err)
	assert.Equal(t, pro.ID, scheduled.PlanID)
	assert.Equal(t, "99.00", scheduled.CurrentPrice.String())
	require.True(t, scheduled.HasPendingChange())

	renewed, err := f.svc.Renew(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, basic.ID, renewed.PlanID)
	assert.Equal(t, "49.00", renewed.CurrentPrice.String())
	assert.False(t, renewed.HasPendingChange())

	stored, err := f.svc.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.PendingPlanID)
	assert.Nil(t, stored.PendingPrice)
}

func TestChangePlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	basic := f.plan(t, "basic", "49.00", "USD")
	pro := f.plan(t, "pro", "99.00", "USD")
	euro := f.plan(t, "euro", "89.00", "EUR")
	retired := f.plan(t, "retired", "10.00", "USD")
	require.NoError(t, f.db.Model(&subscriptiondomain.Plan{}).Where("id = ?", retired.ID).Update("active", false).Error)

	sub := f.create(t, tenantID, basic)

	result, err := f.svc.ChangePlan(ctx, sub.ID, pro.ID)
	require.NoError(t, err)
	assert.Equal(t, basic.ID, result.OldPlanID)
	assert.Equal(t, "49.00", result.OldPrice.String())
	assert.Equal(t, "99.00", result.NewPrice.String())
	assert.Equal(t, pro.ID, result.Subscription.PlanID)
	assert.Equal(t, "99.00", result.Subscription.CurrentPrice.String())
	// Period is untouched.
	assertTime(t, sub.CurrentPeriodEnd, result.Subscription.CurrentPeriodEnd)

	_, err = f.svc.ChangePlan(ctx, sub.ID, pro.ID)
	assert.ErrorIs(t, err, subscriptiondomain.ErrSamePlan)
	_, err = f.svc.ChangePlan(ctx, sub.ID, euro.ID)
	assert.ErrorIs(t, err, subscriptiondomain.ErrCurrencyMismatch)
	_, err = f.svc.ChangePlan(ctx, sub.ID, retired.ID)
	assert.ErrorIs(t, err, subscriptiondomain.ErrPlanInactive)
	_, err = f.svc.ChangePlan(ctx, sub.ID, 1)
	assert.ErrorIs(t, err, subscriptiondomain.ErrPlanNotFound)

	_, err = f.svc.Suspend(ctx, sub.ID)
	require.NoError(t, err)
	_, err = f.svc.ChangePlan(ctx, sub.ID, basic.ID)
	assert.ErrorIs(t, err, subscriptiondomain.ErrNotActive)
	assert.ErrorIs(t, err, billingerr.ErrInvalidState)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pro := f.plan(t, "pro", "49.00", "USD")

	atPeriodEnd := f.create(t, tenantID, pro)
	f.clock.Advance(48 * time.Hour)
	cancelled, err := f.svc.Cancel(ctx, atPeriodEnd.ID, false)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.ExpiresAt)
	assertTime(t, atPeriodEnd.CurrentPeriodEnd, *cancelled.ExpiresAt)
	require.NotNil(t, cancelled.CancelledAt)
	assertTime(t, f.clock.Now(), *cancelled.CancelledAt)
	assert.False(t, cancelled.AutoRenew)

	_, err = f.svc.Cancel(ctx, atPeriodEnd.ID, true)
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)

	immediate := f.create(t, tenantID+1, pro)
	cancelled, err = f.svc.Cancel(ctx, immediate.ID, true)
	require.NoError(t, err)
	require.NotNil(t, cancelled.ExpiresAt)
	assertTime(t, f.clock.Now(), *cancelled.ExpiresAt)

	_, err = f.svc.Cancel(ctx, snowflake.ID(1), true)
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)
}

func TestSuspendAndReactivate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.create(t, tenantID, f.plan(t, "pro", "49.00", "USD"))

	suspended, err := f.svc.Suspend(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusSuspended, suspended.Status)
	require.NotNil(t, suspended.SuspendedAt)

	_, err = f.svc.Suspend(ctx, sub.ID)
	assert.ErrorIs(t, err, billingerr.ErrInvalidState)
	_, err = f.svc.Renew(ctx, sub.ID)
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)

	active, err := f.svc.Reactivate(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, active.Status)
	assert.Nil(t, active.SuspendedAt)

	_, err = f.svc.Reactivate(ctx, sub.ID)
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)
}

func TestPastDueRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.create(t, tenantID, f.plan(t, "pro", "49.00", "USD"))

	pastDue, err := f.svc.MarkPastDue(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusPastDue, pastDue.Status)

	_, err = f.svc.GetActiveByTenant(ctx, tenantID)
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)

	_, err = f.svc.MarkPastDue(ctx, sub.ID)
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)

	active, err := f.svc.Reactivate(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, active.Status)
}

func TestExpire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.create(t, tenantID, f.plan(t, "pro", "49.00", "USD"))

	expired, err := f.svc.Expire(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusExpired, expired.Status)
	require.NotNil(t, expired.ExpiresAt)

	_, err = f.svc.Expire(ctx, sub.ID)
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)

	revived, err := f.svc.Renew(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, revived.Status)
	assert.Nil(t, revived.ExpiresAt)
}

func TestExpireDueIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pro := f.plan(t, "pro", "49.00", "USD")
	noRenew := false

	cancelled := f.create(t, tenantID, pro)
	_, err := f.svc.Cancel(ctx, cancelled.ID, true)
	require.NoError(t, err)
	lapsing := f.create(t, tenantID+1, pro, func(r *subscriptiondomain.CreateRequest) { r.AutoRenew = &noRenew })
	renewing := f.create(t, tenantID+2, pro)
	atPeriodEnd := f.create(t, tenantID+3, pro)
	_, err = f.svc.Cancel(ctx, atPeriodEnd.ID, false)
	require.NoError(t, err)

	count, err := f.svc.ExpireDue(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	now := lapsing.CurrentPeriodEnd.Add(time.Minute)
	count, err = f.svc.ExpireDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = f.svc.ExpireDue(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, count)

	for id, want := range map[snowflake.ID]subscriptiondomain.SubscriptionStatus{
		cancelled.ID:   subscriptiondomain.SubscriptionStatusExpired,
		lapsing.ID:     subscriptiondomain.SubscriptionStatusExpired,
		atPeriodEnd.ID: subscriptiondomain.SubscriptionStatusExpired,
		renewing.ID:    subscriptiondomain.SubscriptionStatusActive,
	} {
		sub, err := f.svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, sub.Status, "subscription %s", id)
	}
}

func TestListDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pro := f.plan(t, "pro", "49.00", "USD")

	early := f.create(t, tenantID, pro, func(r *subscriptiondomain.CreateRequest) {
		r.PeriodStart = start.AddDate(0, -1, 0)
		r.PeriodEnd = start.Add(-time.Hour)
	})
	late := f.create(t, tenantID+1, pro, func(r *subscriptiondomain.CreateRequest) {
		r.PeriodStart = start.AddDate(0, -1, 0)
		r.PeriodEnd = start
	})
	f.create(t, tenantID+2, pro)
	suspended := f.create(t, tenantID+3, pro, func(r *subscriptiondomain.CreateRequest) {
		r.PeriodStart = start.AddDate(0, -1, 0)
		r.PeriodEnd = start.Add(-2 * time.Hour)
	})
	_, err := f.svc.Suspend(ctx, suspended.ID)
	require.NoError(t, err)

	due, err := f.svc.ListDue(ctx, start, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, early.ID, due[0].ID)
	assert.Equal(t, late.ID, due[1].ID)

	due, err = f.svc.ListDue(ctx, start, 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestPlanUsageLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pro := f.plan(t, "pro", "49.00", "USD")
	require.NoError(t, f.db.Create(&[]subscriptiondomain.PlanUsageLimit{
		{PlanID: pro.ID, UsageType: "storage_gb", Included: money.NewQuantity(10), Limit: money.NewQuantity(20)},
		{PlanID: pro.ID, UsageType: "api_calls", Included: money.NewQuantity(1000), Limit: money.NewQuantity(5000)},
	}).Error)

	limits, err := f.svc.ListPlanUsageLimits(ctx, pro.ID)
	require.NoError(t, err)
	require.Len(t, limits, 2)
	assert.Equal(t, "api_calls", limits[0].UsageType)
	assert.Equal(t, money.NewQuantity(1000), limits[0].Included)
	assert.Equal(t, money.NewQuantity(20), limits[1].Limit)

	plan, err := f.svc.GetPlan(ctx, pro.ID)
	require.NoError(t, err)
	assert.Equal(t, "pro", plan.Code)
	_, err = f.svc.GetPlan(ctx, 1)
	assert.ErrorIs(t, err, subscriptiondomain.ErrPlanNotFound)
}
