// Package domain holds the whole-day proration rules used for plan changes
// and cancellations.
package domain

import (
	"time"

	"github.com/smallbiznis/billingcore/internal/money"
	"github.com/smallbiznis/billingcore/pkg/billingerr"
)

const day = 24 * time.Hour

var (
	ErrInvalidPeriod    = billingerr.New(billingerr.KindInvalidInput, "invalid_period", "period start must be before period end")
	ErrEffectiveTooSoon = billingerr.New(billingerr.KindInvalidInput, "effective_before_period", "effective date is before the period start")
)

// TotalDays is the number of started days in [start, end).
func TotalDays(start, end time.Time) int64 {
	return ceilDays(end.Sub(start))
}

// UnusedDays is the number of started days left between effective and end,
// never negative.
func UnusedDays(end, effective time.Time) int64 {
	return ceilDays(end.Sub(effective))
}

func ceilDays(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	days := int64(d / day)
	if d%day != 0 {
		days++
	}
	return days
}

// Prorate returns round2(amount * unused/total) for a change effective at
// effective within [start, end).
func Prorate(amount money.Amount, start, end, effective time.Time) (money.Amount, error) {
	if !start.Before(end) {
		return 0, ErrInvalidPeriod.Withf("period %s to %s is empty", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	if effective.Before(start) {
		return 0, ErrEffectiveTooSoon.Withf("effective %s is before %s", effective.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return money.MulRatio(amount, UnusedDays(end, effective), TotalDays(start, end))
}
