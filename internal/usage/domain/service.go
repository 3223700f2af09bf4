package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingcore/internal/money"
	"github.com/smallbiznis/billingcore/pkg/billingerr"
)

// IngestRecord is one usage measurement as received at the boundary.
type IngestRecord struct {
	TenantID       snowflake.ID
	SubscriptionID *snowflake.ID
	UsageType      string
	Quantity       money.Quantity
	Unit           string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	RecordedAt     time.Time
	IdempotencyKey *string
}

type WindowRequest struct {
	TenantID       snowflake.ID
	SubscriptionID *snowflake.ID
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

type Service interface {
	// Ingest stores the batch atomically. Records whose idempotency key is
	// already stored are returned as the stored copy.
	Ingest(ctx context.Context, records []IngestRecord) ([]UsageRecord, error)
	List(ctx context.Context, req WindowRequest) ([]UsageRecord, error)
	Totals(ctx context.Context, req WindowRequest) (map[string]money.Quantity, error)
	Evaluate(ctx context.Context, req WindowRequest, planID snowflake.ID) ([]UsageSummary, error)
}

var (
	ErrInvalidTenant    = billingerr.New(billingerr.KindInvalidInput, "invalid_tenant", "tenant id is required")
	ErrInvalidUsageType = billingerr.New(billingerr.KindInvalidInput, "invalid_usage_type", "usage type is required")
	ErrInvalidUnit      = billingerr.New(billingerr.KindInvalidInput, "invalid_unit", "unit is required")
	ErrInvalidPeriod    = billingerr.New(billingerr.KindInvalidInput, "invalid_period", "period end must be after period start")
	ErrInvalidQuantity  = billingerr.New(billingerr.KindInvalidInput, "invalid_quantity", "quantity must not be negative")
	ErrEmptyBatch       = billingerr.New(billingerr.KindInvalidInput, "empty_batch", "at least one usage record is required")
)
