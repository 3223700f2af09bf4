package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	sequencedomain "github.com/smallbiznis/billingcore/internal/sequence/domain"
	"github.com/smallbiznis/billingcore/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() sequencedomain.Repository {
	return &repo{}
}

// Next increments the counter row and reads it back. The upsert holds the
// row lock until the surrounding transaction ends, so concurrent callers for
// the same key are serialized and never observe the same value.
func (r *repo) Next(ctx context.Context, conn *gorm.DB, tenantID snowflake.ID, day string, now time.Time) (int64, error) {
	upsert := `INSERT INTO invoice_sequences (tenant_id, sequence_date, last_value, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (tenant_id, sequence_date)
		DO UPDATE SET last_value = invoice_sequences.last_value + 1, updated_at = excluded.updated_at`
	if conn.Dialector.Name() == db.DialectMySQL {
		upsert = `INSERT INTO invoice_sequences (tenant_id, sequence_date, last_value, updated_at)
			VALUES (?, ?, 1, ?)
			ON DUPLICATE KEY UPDATE last_value = last_value + 1, updated_at = VALUES(updated_at)`
	}

	if err := conn.WithContext(ctx).Exec(upsert, tenantID, day, now).Error; err != nil {
		return 0, err
	}

	var value int64
	err := conn.WithContext(ctx).Raw(
		`SELECT last_value
		 FROM invoice_sequences
		 WHERE tenant_id = ? AND sequence_date = ?`,
		tenantID,
		day,
	).Scan(&value).Error
	if err != nil {
		return 0, err
	}
	return value, nil
}
