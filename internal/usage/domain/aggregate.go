package domain

import (
	"github.com/smallbiznis/billingcore/internal/money"
)

// AllTypes is the Sum key used when records are not grouped by type.
const AllTypes = "*"

const (
	mediumThreshold = 50
	highThreshold   = 80
)

// Sum adds quantities per usage type, or under AllTypes when groupByType is
// false.
func Sum(records []UsageRecord, groupByType bool) map[string]money.Quantity {
	totals := make(map[string]money.Quantity)
	for _, record := range records {
		key := AllTypes
		if groupByType {
			key = record.UsageType
		}
		totals[key] += record.Quantity
	}
	return totals
}

// BillableOverage is the usage above what the plan includes.
func BillableOverage(total, included money.Quantity) money.Quantity {
	return money.MaxQuantity(0, total-included)
}

// Status compares total to limit. A zero limit means unlimited.
func Status(total, limit money.Quantity) UsageStatus {
	if limit <= 0 {
		return UsageStatusLow
	}
	// Compare total*100 with limit*threshold to stay in integers.
	scaled := int64(total) * 100
	switch {
	case scaled >= int64(limit)*100:
		return UsageStatusExceeded
	case scaled >= int64(limit)*highThreshold:
		return UsageStatusHigh
	case scaled >= int64(limit)*mediumThreshold:
		return UsageStatusMedium
	default:
		return UsageStatusLow
	}
}
