package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/smallbiznis/billingcore/internal/credit/domain"
	"github.com/smallbiznis/billingcore/internal/money"
	"gorm.io/gorm"
)

const creditColumns = `id, tenant_id, amount, remaining_amount, currency, type, status,
		 expires_at, void_reason, created_at, updated_at`

type repo struct{}

func Provide() creditdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, credit *creditdomain.Credit) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credits (
			id, tenant_id, amount, remaining_amount, currency, type, status,
			expires_at, void_reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		credit.ID,
		credit.TenantID,
		credit.Amount,
		credit.RemainingAmount,
		credit.Currency,
		credit.Type,
		credit.Status,
		credit.ExpiresAt,
		credit.VoidReason,
		credit.CreatedAt,
		credit.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*creditdomain.Credit, error) {
	return r.findOne(ctx, db, `SELECT `+creditColumns+` FROM credits WHERE id = ?`, id)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*creditdomain.Credit, error) {
	return r.findOne(ctx, db, `SELECT `+creditColumns+` FROM credits WHERE id = ? FOR UPDATE`, id)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*creditdomain.Credit, error) {
	var credit creditdomain.Credit
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&credit).Error; err != nil {
		return nil, err
	}
	if credit.ID == 0 {
		return nil, nil
	}
	return &credit, nil
}

// ListUsable returns active, unexpired credits with a balance in application
// order. The service sorts again; the SQL order keeps lock acquisition
// consistent across concurrent appliers.
func (r *repo) ListUsable(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, currency string, now time.Time) ([]creditdomain.Credit, error) {
	query := `SELECT ` + creditColumns + `
		 FROM credits
		 WHERE tenant_id = ?
		   AND status = ?
		   AND remaining_amount > 0
		   AND (expires_at IS NULL OR expires_at > ?)`
	args := []any{tenantID, creditdomain.CreditStatusActive, now}
	if currency != "" {
		query += ` AND currency = ?`
		args = append(args, currency)
	}
	query += ` ORDER BY CASE WHEN expires_at IS NULL THEN 1 ELSE 0 END, expires_at ASC, created_at ASC, id ASC`

	var credits []creditdomain.Credit
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&credits).Error; err != nil {
		return nil, err
	}
	return credits, nil
}

func (r *repo) SumUsable(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, now time.Time) (money.Amount, error) {
	var cents int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(remaining_amount), 0)
		 FROM credits
		 WHERE tenant_id = ?
		   AND status = ?
		   AND (expires_at IS NULL OR expires_at > ?)`,
		tenantID,
		creditdomain.CreditStatusActive,
		now,
	).Scan(&cents).Error
	if err != nil {
		return 0, err
	}
	return money.FromCents(cents), nil
}

func (r *repo) UpdateBalance(ctx context.Context, db *gorm.DB, id snowflake.ID, remaining money.Amount, status creditdomain.CreditStatus, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE credits
		 SET remaining_amount = ?, status = ?, updated_at = ?
		 WHERE id = ?`,
		remaining,
		status,
		now,
		id,
	).Error
}

func (r *repo) MarkVoid(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE credits
		 SET status = ?, void_reason = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		creditdomain.CreditStatusVoid,
		reason,
		now,
		id,
		creditdomain.CreditStatusActive,
	).Error
}

// ExpireBefore flips every active credit whose expiry has passed. Running it
// again at the same instant matches no rows.
func (r *repo) ExpireBefore(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE credits
		 SET status = ?, updated_at = ?
		 WHERE status = ? AND expires_at IS NOT NULL AND expires_at < ?`,
		creditdomain.CreditStatusExpired,
		now,
		creditdomain.CreditStatusActive,
		now,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *repo) InsertAllocation(ctx context.Context, db *gorm.DB, allocation *creditdomain.CreditAllocation) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_allocations (id, credit_id, tenant_id, invoice_id, amount, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		allocation.ID,
		allocation.CreditID,
		allocation.TenantID,
		allocation.InvoiceID,
		allocation.Amount,
		allocation.CreatedAt,
	).Error
}
