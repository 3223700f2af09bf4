// Package domain contains the usage records and the pure aggregation rules used
// to decide overage billing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingcore/internal/money"
)

// UsageRecord stores one metered quantity for a period. Records are append-only.
type UsageRecord struct {
	ID             snowflake.ID   `gorm:"primaryKey"`
	TenantID       snowflake.ID   `gorm:"not null;index:idx_usage_records_window,priority:1;uniqueIndex:ux_usage_records_idempotency,priority:1"`
	SubscriptionID *snowflake.ID  `gorm:"index"`
	UsageType      string         `gorm:"type:text;not null;index:idx_usage_records_window,priority:2"`
	Quantity       money.Quantity `gorm:"not null"`
	Unit           string         `gorm:"type:text;not null"`
	PeriodStart    time.Time      `gorm:"not null;index:idx_usage_records_window,priority:3"`
	PeriodEnd      time.Time      `gorm:"not null"`
	RecordedAt     time.Time      `gorm:"not null"`
	IdempotencyKey *string        `gorm:"type:text;uniqueIndex:ux_usage_records_idempotency,priority:2"`
	// AttributedAt is set once the record has been matched to a subscription,
	// or once matching was attempted and the tenant had none.
	AttributedAt *time.Time
	CreatedAt    time.Time `gorm:"not null"`
}

func (UsageRecord) TableName() string { return "usage_records" }

// UsageStatus buckets consumption against a plan limit.
type UsageStatus string

const (
	UsageStatusLow      UsageStatus = "low"
	UsageStatusMedium   UsageStatus = "medium"
	UsageStatusHigh     UsageStatus = "high"
	UsageStatusExceeded UsageStatus = "exceeded"
)

// UsageSummary is the per-type evaluation of a billing window.
type UsageSummary struct {
	UsageType string
	Total     money.Quantity
	Included  money.Quantity
	Limit     money.Quantity
	Overage   money.Quantity
	Status    UsageStatus
}

// TypeTotal is one row of a grouped SUM.
type TypeTotal struct {
	UsageType string
	Total     money.Quantity
}

// AttributionCandidate is a record waiting for subscription matching.
type AttributionCandidate struct {
	ID         snowflake.ID
	TenantID   snowflake.ID
	UsageType  string
	RecordedAt time.Time
}
