package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/billingcore/internal/usage/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const usageColumns = `id, tenant_id, subscription_id, usage_type, quantity, unit,
		 period_start, period_end, recorded_at, idempotency_key, attributed_at, created_at`

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *usagedomain.UsageRecord) (bool, error) {
	conn := db.WithContext(ctx)
	if record.IdempotencyKey != nil {
		conn = conn.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "idempotency_key"}},
			DoNothing: true,
		})
	}
	result := conn.Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByIdempotencyKey(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, key string) (*usagedomain.UsageRecord, error) {
	var record usagedomain.UsageRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+usageColumns+` FROM usage_records WHERE tenant_id = ? AND idempotency_key = ?`,
		tenantID, key,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

// SumByType totals records whose period lies inside [start, end].
func (r *repo) SumByType(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, subscriptionID *snowflake.ID, start, end time.Time) ([]usagedomain.TypeTotal, error) {
	where, args := windowFilter(tenantID, subscriptionID, start, end)
	var rows []usagedomain.TypeTotal
	err := db.WithContext(ctx).Raw(
		`SELECT usage_type, SUM(quantity) AS total
		 FROM usage_records
		 WHERE `+where+`
		 GROUP BY usage_type
		 ORDER BY usage_type`,
		args...,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) ListInWindow(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, subscriptionID *snowflake.ID, start, end time.Time) ([]usagedomain.UsageRecord, error) {
	where, args := windowFilter(tenantID, subscriptionID, start, end)
	var records []usagedomain.UsageRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+usageColumns+`
		 FROM usage_records
		 WHERE `+where+`
		 ORDER BY period_start, id`,
		args...,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func windowFilter(tenantID snowflake.ID, subscriptionID *snowflake.ID, start, end time.Time) (string, []any) {
	where := `tenant_id = ? AND period_start >= ? AND period_end <= ?`
	args := []any{tenantID, start, end}
	if subscriptionID != nil {
		where += ` AND subscription_id = ?`
		args = append(args, *subscriptionID)
	}
	return where, args
}

func (r *repo) LockUnattributed(ctx context.Context, db *gorm.DB, limit int) ([]usagedomain.AttributionCandidate, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []usagedomain.AttributionCandidate
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, usage_type, recorded_at
		 FROM usage_records
		 WHERE attributed_at IS NULL
		 ORDER BY recorded_at ASC, id ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Attribute sets the subscription of an unattributed record. A nil
// subscriptionID only marks the record as processed.
func (r *repo) Attribute(ctx context.Context, db *gorm.DB, id snowflake.ID, subscriptionID *snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE usage_records
		 SET subscription_id = COALESCE(subscription_id, ?),
		     attributed_at = ?
		 WHERE id = ? AND attributed_at IS NULL`,
		subscriptionID,
		at,
		id,
	).Error
}
