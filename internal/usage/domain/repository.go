package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// Insert reports false when a record with the same idempotency key exists.
	Insert(ctx context.Context, db *gorm.DB, record *UsageRecord) (bool, error)
	FindByIdempotencyKey(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, key string) (*UsageRecord, error)
	SumByType(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, subscriptionID *snowflake.ID, start, end time.Time) ([]TypeTotal, error)
	ListInWindow(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, subscriptionID *snowflake.ID, start, end time.Time) ([]UsageRecord, error)

	LockUnattributed(ctx context.Context, db *gorm.DB, limit int) ([]AttributionCandidate, error)
	Attribute(ctx context.Context, db *gorm.DB, id snowflake.ID, subscriptionID *snowflake.ID, at time.Time) error
}
