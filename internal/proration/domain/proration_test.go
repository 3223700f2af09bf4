package domain

import (
	"testing"
	"time"

	"github.com/smallbiznis/billingcore/internal/money"
	"github.com/smallbiznis/billingcore/pkg/billingerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	periodStart = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
)

func TestDays(t *testing.T) {
	assert.Equal(t, int64(30), TotalDays(periodStart, periodEnd))
	assert.Equal(t, int64(15), UnusedDays(periodEnd, periodStart.AddDate(0, 0, 15)))
	// A started day counts as a whole day.
	assert.Equal(t, int64(16), UnusedDays(periodEnd, periodStart.AddDate(0, 0, 15).Add(-time.Minute)))
	assert.Equal(t, int64(1), UnusedDays(periodEnd, periodEnd.Add(-time.Second)))
	assert.Zero(t, UnusedDays(periodEnd, periodEnd.Add(time.Hour)))
	assert.Zero(t, TotalDays(periodEnd, periodStart))
}

func TestProrate(t *testing.T) {
	mid := periodStart.AddDate(0, 0, 15)
	cases := []struct {
		name      string
		amount    string
		effective time.Time
		want      string
	}{
		{"half of basic", "49.00", mid, "24.50"},
		{"half of pro", "99.00", mid, "49.50"},
		{"full period unused", "49.00", periodStart, "49.00"},
		{"nothing unused", "49.00", periodEnd, "0.00"},
		{"after period end", "49.00", periodEnd.AddDate(0, 0, 2), "0.00"},
		{"one third", "10.00", periodStart.AddDate(0, 0, 20), "3.33"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Prorate(money.MustParse(tc.amount), periodStart, periodEnd, tc.effective)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.String())
		})
	}
}

func TestProrateRejectsBadInput(t *testing.T) {
	_, err := Prorate(money.MustParse("49.00"), periodStart, periodEnd, periodStart.Add(-time.Second))
	assert.ErrorIs(t, err, ErrEffectiveTooSoon)
	assert.ErrorIs(t, err, billingerr.ErrInvalidInput)

	_, err = Prorate(money.MustParse("49.00"), periodEnd, periodStart, periodEnd)
	assert.ErrorIs(t, err, ErrInvalidPeriod)

	_, err = Prorate(money.MustParse("49.00"), periodStart, periodStart, periodStart)
	assert.ErrorIs(t, err, ErrInvalidPeriod)
}
