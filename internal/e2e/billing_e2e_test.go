// Package e2e runs whole billing flows through the fx-wired services.
package e2e

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingcore/internal/billingcycle"
	billingcycledomain "github.com/smallbiznis/billingcore/internal/billingcycle/domain"
	"github.com/smallbiznis/billingcore/internal/clock"
	"github.com/smallbiznis/billingcore/internal/config"
	"github.com/smallbiznis/billingcore/internal/credit"
	creditdomain "github.com/smallbiznis/billingcore/internal/credit/domain"
	"github.com/smallbiznis/billingcore/internal/invoice"
	invoicedomain "github.com/smallbiznis/billingcore/internal/invoice/domain"
	"github.com/smallbiznis/billingcore/internal/migration"
	"github.com/smallbiznis/billingcore/internal/money"
	"github.com/smallbiznis/billingcore/internal/notify"
	"github.com/smallbiznis/billingcore/internal/proration"
	"github.com/smallbiznis/billingcore/internal/sequence"
	sequencedomain "github.com/smallbiznis/billingcore/internal/sequence/domain"
	"github.com/smallbiznis/billingcore/internal/subscription"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	"github.com/smallbiznis/billingcore/internal/usage"
	usagedomain "github.com/smallbiznis/billingcore/internal/usage/domain"
	"github.com/smallbiznis/billingcore/pkg/billingerr"
	"github.com/smallbiznis/billingcore/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const tenantID = snowflake.ID(4242)

var start = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	db    *gorm.DB
	clock *clock.FakeClock
	node  *snowflake.Node

	Sequences     sequencedomain.Service
	Credits       creditdomain.Service
	Invoices      invoicedomain.Service
	Subscriptions subscriptiondomain.Service
	Usage         usagedomain.Service
	Runner        billingcycledomain.Service
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	conn := dbtest.Open(t)
	require.NoError(t, migration.AutoMigrate(conn))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	env := &testEnv{db: conn, clock: clock.NewFakeClock(start), node: node}

	cfg := config.DefaultBillingConfig()
	cfg.OverageUnitPrice = money.MustParse("0.01")

	app := fxtest.New(t,
		fx.Supply(config.Config{}),
		fx.Supply(conn),
		fx.Supply(node),
		fx.Supply(config.NewStaticBillingConfigHolder(cfg)),
		fx.Provide(zap.NewNop),
		fx.Provide(func() clock.Clock { return env.clock }),
		notify.Module,
		sequence.Module,
		credit.Module,
		invoice.Module,
		subscription.Module,
		proration.Module,
		usage.Module,
		billingcycle.Module,
		fx.Populate(
			&env.Sequences,
			&env.Credits,
			&env.Invoices,
			&env.Subscriptions,
			&env.Usage,
			&env.Runner,
		),
	)
	app.RequireStart()
	t.Cleanup(app.RequireStop)
	return env
}

func (e *testEnv) plan(t *testing.T, code, monthly string) subscriptiondomain.Plan {
	t.Helper()
	plan := subscriptiondomain.Plan{
		ID:           e.node.Generate(),
		Code:         code,
		Name:         code,
		Currency:     "USD",
		MonthlyPrice: money.MustParse(monthly),
		YearlyPrice:  10 * money.MustParse(monthly),
		Active:       true,
		CreatedAt:    start,
		UpdatedAt:    start,
	}
	require.NoError(t, e.db.Create(&plan).Error)
	return plan
}

func TestInvoiceTotalsWithTax(t *testing.T) {
	env := newEnv(t)
	invoice, err := env.Invoices.Issue(context.Background(), invoicedomain.IssueRequest{
		Draft: invoicedomain.CreateDraftRequest{
			TenantID:    tenantID,
			PeriodStart: start,
			PeriodEnd:   start.AddDate(0, 1, 0),
			Currency:    "USD",
		},
		Items: []invoicedomain.AddItemRequest{{
			Description: "Pro plan",
			Type:        invoicedomain.ItemTypeSubscription,
			Quantity:    money.NewQuantity(1),
			UnitPrice:   money.MustParse("49.00"),
			TaxRate:     money.NewQuantity(10),
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("49.00"), invoice.Subtotal)
	assert.Equal(t, money.MustParse("4.90"), invoice.TaxAmount)
	assert.Equal(t, money.MustParse("53.90"), invoice.TotalAmount)
	assert.Equal(t, invoicedomain.InvoiceStatusOpen, invoice.Status)

	paid, err := env.Invoices.RecordPayment(context.Background(), invoice.ID, invoicedomain.RecordPaymentRequest{
		Amount: money.MustParse("53.90"),
		Method: "card",
	})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, paid.Status)
	assert.True(t, paid.AmountDue.IsZero())
	assert.NotNil(t, paid.PaidAt)

	_, err = env.Invoices.RecordPayment(context.Background(), invoice.ID, invoicedomain.RecordPaymentRequest{
		Amount: money.MustParse("53.90"),
		Method: "card",
	})
	assert.ErrorIs(t, err, billingerr.ErrInvalidState)
}

func TestCreditsApplySoonestExpiringFirst(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	soon := start.AddDate(0, 0, 3)

	first, err := env.Credits.Grant(ctx, creditdomain.GrantRequest{
		TenantID:  tenantID,
		Amount:    money.MustParse("20.00"),
		Currency:  "USD",
		Type:      creditdomain.CreditTypePromotional,
		ExpiresAt: &soon,
	})
	require.NoError(t, err)
	second, err := env.Credits.Grant(ctx, creditdomain.GrantRequest{
		TenantID: tenantID,
		Amount:   money.MustParse("50.00"),
		Currency: "USD",
		Type:     creditdomain.CreditTypeRefund,
	})
	require.NoError(t, err)

	result, err := env.Credits.Apply(ctx, tenantID, money.MustParse("60.00"))
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("60.00"), result.TotalUsed)
	assert.True(t, result.RemainingDue.IsZero())
	require.Len(t, result.Allocations, 2)
	assert.Equal(t, first.ID, result.Allocations[0].CreditID)
	assert.Equal(t, money.MustParse("20.00"), result.Allocations[0].Used)
	assert.Equal(t, second.ID, result.Allocations[1].CreditID)
	assert.Equal(t, money.MustParse("10.00"), result.Allocations[1].Remaining)

	used, err := env.Credits.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, creditdomain.CreditStatusUsed, used.Status)
}

func TestConcurrentAllocationIsGapless(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	day := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)

	numbers := make([]string, 50)
	var g errgroup.Group
	for i := range numbers {
		g.Go(func() error {
			number, err := env.Sequences.Allocate(ctx, tenantID, day)
			numbers[i] = number
			return err
		})
	}
	require.NoError(t, g.Wait())

	counters := make([]int64, 0, len(numbers))
	for _, number := range numbers {
		_, n, err := sequencedomain.ParseNumber(number)
		require.NoError(t, err)
		counters = append(counters, n)
	}
	sort.Slice(counters, func(i, j int) bool { return counters[i] < counters[j] })
	for i, n := range counters {
		assert.Equal(t, int64(i+1), n)
	}
}

func TestSubscriptionBillingCycle(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	pro := env.plan(t, "pro", "49.00")
	business := env.plan(t, "business", "99.00")

	sub, err := env.Subscriptions.Create(ctx, subscriptiondomain.CreateRequest{
		TenantID:     tenantID,
		PlanID:       pro.ID,
		BillingCycle: subscriptiondomain.BillingCycleMonthly,
		PeriodStart:  start,
		PeriodEnd:    start.AddDate(0, 1, 0),
	})
	require.NoError(t, err)

	// Halfway through June the tenant upgrades.
	env.clock.Set(time.Date(2024, 6, 16, 0, 0, 0, 0, time.UTC))
	charge, err := env.Runner.ChargeUpgrade(ctx, sub.ID, business.ID)
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("25.00"), charge.Proration.Net)
	require.NotNil(t, charge.Invoice)

	subscriptionID := sub.ID
	_, err = env.Usage.Ingest(ctx, []usagedomain.IngestRecord{{
		TenantID:       tenantID,
		SubscriptionID: &subscriptionID,
		UsageType:      "exports",
		Quantity:       money.NewQuantity(300),
		Unit:           "files",
		PeriodStart:    time.Date(2024, 6, 20, 0, 0, 0, 0, time.UTC),
		PeriodEnd:      time.Date(2024, 6, 21, 0, 0, 0, 0, time.UTC),
	}})
	require.NoError(t, err)

	env.clock.Set(time.Date(2024, 7, 1, 0, 10, 0, 0, time.UTC))
	summary, err := env.Runner.RunDue(ctx)
	require.NoError(t, err)
	require.Len(t, summary.Results, 1)
	result := summary.Results[0]
	require.NoError(t, result.Err)
	// 99.00 for the plan plus 300 unincluded exports at 0.01.
	assert.Equal(t, money.MustParse("102.00"), result.Total)

	invoices, err := env.Invoices.List(ctx, invoicedomain.ListRequest{TenantID: tenantID})
	require.NoError(t, err)
	assert.Len(t, invoices, 2)

	renewed, err := env.Subscriptions.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, renewed.Status)
	assert.True(t, renewed.CurrentPeriodStart.Equal(time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)))
}
