package config

import (
	"strings"
	"testing"
	"time"

	"github.com/smallbiznis/billingcore/internal/money"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBillingYML = `
billing:
  defaultTaxRate: "11"
  paymentTermDays: 30
  minRefundAmount: "2.50"
  overageUnitPrice: "0.0100"
  overageUnitPrices:
    api_calls: "0.0020"
  lockTimeout: 5s
  schedule:
    runDue: "@every 1m"
`

func TestDecodeBillingConfig(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yml")
	setBillingDefaults(v)
	require.NoError(t, v.ReadConfig(strings.NewReader(sampleBillingYML)))

	cfg, err := decodeBillingConfig(v)
	require.NoError(t, err)

	assert.Equal(t, money.NewQuantity(11), cfg.DefaultTaxRate)
	assert.Equal(t, 30, cfg.PaymentTermDays)
	assert.Equal(t, 3, cfg.MinUnusedDays)
	assert.Equal(t, money.MustParse("2.50"), cfg.MinRefundAmount)
	assert.Equal(t, 5*time.Second, cfg.LockTimeout)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, "@every 1m", cfg.Schedule.RunDue)
	assert.Equal(t, "0 * * * *", cfg.Schedule.SweepCredits)
	assert.Equal(t, money.MustParse("0.002"), cfg.OveragePrice("api_calls"))
	assert.Equal(t, money.MustParse("0.01"), cfg.OveragePrice("storage_gb"))
}

func TestDecodeBillingConfigRejectsBadValues(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yml")
	setBillingDefaults(v)
	require.NoError(t, v.ReadConfig(strings.NewReader("billing:\n  minRefundAmount: \"abc\"\n")))

	_, err := decodeBillingConfig(v)
	assert.ErrorContains(t, err, "minRefundAmount")

	v.Set("billing.minRefundAmount", "1.00")
	v.Set("billing.retryAttempts", 0)
	_, err = decodeBillingConfig(v)
	assert.ErrorContains(t, err, "retryAttempts")
}

func TestStaticHolder(t *testing.T) {
	holder := NewStaticBillingConfigHolder(DefaultBillingConfig())
	assert.Equal(t, money.FromMajor(1), holder.Get().MinRefundAmount)
	assert.Equal(t, 2*time.Second, holder.Get().LockTimeout)
}
