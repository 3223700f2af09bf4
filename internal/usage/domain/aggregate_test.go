package domain

import (
	"testing"

	"github.com/smallbiznis/billingcore/internal/money"
	"github.com/stretchr/testify/assert"
)

func TestSum(t *testing.T) {
	records := []UsageRecord{
		{UsageType: "api_calls", Quantity: money.NewQuantity(1200)},
		{UsageType: "storage_gb", Quantity: money.MustParseQuantity("1.2500")},
		{UsageType: "api_calls", Quantity: money.NewQuantity(300)},
		{UsageType: "storage_gb", Quantity: money.MustParseQuantity("0.0001")},
	}

	grouped := Sum(records, true)
	assert.Equal(t, map[string]money.Quantity{
		"api_calls":  money.NewQuantity(1500),
		"storage_gb": money.MustParseQuantity("1.2501"),
	}, grouped)

	all := Sum(records, false)
	assert.Equal(t, map[string]money.Quantity{AllTypes: money.MustParseQuantity("1501.2501")}, all)

	assert.Empty(t, Sum(nil, true))
}

func TestBillableOverage(t *testing.T) {
	assert.Equal(t, money.NewQuantity(500), BillableOverage(money.NewQuantity(1500), money.NewQuantity(1000)))
	assert.Zero(t, BillableOverage(money.NewQuantity(800), money.NewQuantity(1000)))
	assert.Zero(t, BillableOverage(money.NewQuantity(1000), money.NewQuantity(1000)))
	assert.Equal(t, money.MustParseQuantity("0.5"), BillableOverage(money.MustParseQuantity("0.5"), 0))
}

func TestStatusThresholds(t *testing.T) {
	limit := money.NewQuantity(1000)
	cases := []struct {
		total string
		want  UsageStatus
	}{
		{"0", UsageStatusLow},
		{"499.9999", UsageStatusLow},
		{"500", UsageStatusMedium},
		{"799.9999", UsageStatusMedium},
		{"800", UsageStatusHigh},
		{"999.9999", UsageStatusHigh},
		{"1000", UsageStatusExceeded},
		{"2500", UsageStatusExceeded},
	}
	for _, tc := range cases {
		t.Run(tc.total, func(t *testing.T) {
			assert.Equal(t, tc.want, Status(money.MustParseQuantity(tc.total), limit))
		})
	}
}

func TestStatusWithoutLimitIsLow(t *testing.T) {
	assert.Equal(t, UsageStatusLow, Status(money.NewQuantity(1_000_000), 0))
}
