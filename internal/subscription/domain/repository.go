package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *TenantSubscription) error
	Update(ctx context.Context, db *gorm.DB, subscription *TenantSubscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*TenantSubscription, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*TenantSubscription, error)
	FindActiveByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*TenantSubscription, error)
	FindActiveByTenantForUpdate(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*TenantSubscription, error)
	ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]TenantSubscription, error)
	ExpireCancelled(ctx context.Context, db *gorm.DB, now time.Time) (int64, error)
	ExpireLapsed(ctx context.Context, db *gorm.DB, now time.Time) (int64, error)

	FindPlan(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Plan, error)
	ListPlanUsageLimits(ctx context.Context, db *gorm.DB, planID snowflake.ID) ([]PlanUsageLimit, error)
}
