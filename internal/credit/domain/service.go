package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingcore/internal/money"
	"github.com/smallbiznis/billingcore/pkg/billingerr"
	"gorm.io/gorm"
)

type GrantRequest struct {
	TenantID  snowflake.ID
	Amount    money.Amount
	Currency  string
	Type      CreditType
	ExpiresAt *time.Time
}

// ApplyRequest draws credits inside a caller transaction. An empty Currency
// matches credits in any currency.
type ApplyRequest struct {
	TenantID  snowflake.ID
	InvoiceID *snowflake.ID
	Currency  string
	AmountDue money.Amount
}

type Allocation struct {
	CreditID  snowflake.ID `json:"credit_id"`
	Used      money.Amount `json:"used"`
	Remaining money.Amount `json:"remaining"`
}

type ApplyResult struct {
	Allocations  []Allocation `json:"allocations"`
	TotalUsed    money.Amount `json:"total_used"`
	RemainingDue money.Amount `json:"remaining_due"`
}

type Service interface {
	Grant(ctx context.Context, req GrantRequest) (*Credit, error)
	Get(ctx context.Context, id snowflake.ID) (*Credit, error)
	List(ctx context.Context, tenantID snowflake.ID) ([]Credit, error)
	AvailableBalance(ctx context.Context, tenantID snowflake.ID) (money.Amount, error)
	Apply(ctx context.Context, tenantID snowflake.ID, amountDue money.Amount) (ApplyResult, error)
	ApplyTx(ctx context.Context, tx *gorm.DB, req ApplyRequest) (ApplyResult, error)
	Void(ctx context.Context, id snowflake.ID, reason string) (*Credit, error)
	ExpireSweep(ctx context.Context, now time.Time) (int64, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, credit *Credit) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Credit, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Credit, error)
	ListUsable(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, currency string, now time.Time) ([]Credit, error)
	SumUsable(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, now time.Time) (money.Amount, error)
	UpdateBalance(ctx context.Context, db *gorm.DB, id snowflake.ID, remaining money.Amount, status CreditStatus, now time.Time) error
	MarkVoid(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, now time.Time) error
	ExpireBefore(ctx context.Context, db *gorm.DB, now time.Time) (int64, error)
	InsertAllocation(ctx context.Context, db *gorm.DB, allocation *CreditAllocation) error
}

var (
	ErrInvalidTenant     = billingerr.New(billingerr.KindInvalidInput, "invalid_tenant", "tenant id is required")
	ErrInvalidCurrency   = billingerr.New(billingerr.KindInvalidInput, "invalid_currency", "currency is required")
	ErrInvalidCreditType = billingerr.New(billingerr.KindInvalidInput, "invalid_credit_type", "credit type is unknown")
	ErrInvalidExpiry     = billingerr.New(billingerr.KindInvalidInput, "invalid_credit_expiry", "credit expiry must be in the future")
	ErrInvalidAmount     = billingerr.New(billingerr.KindInvalidAmount, "invalid_credit_amount", "credit amount must be positive")
	ErrNegativeAmountDue = billingerr.New(billingerr.KindInvalidAmount, "negative_amount_due", "amount due must not be negative")
	ErrCreditNotFound    = billingerr.New(billingerr.KindNotFound, "credit_not_found", "credit not found")
	ErrCreditNotVoidable = billingerr.New(billingerr.KindInvalidState, "credit_not_voidable", "only active credits can be voided")
)
