// Package domain contains the tenant credit ledger models.
package domain

import (
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingcore/internal/money"
)

type CreditType string

const (
	CreditTypePromotional CreditType = "promotional"
	CreditTypeRefund      CreditType = "refund"
	CreditTypeAdjustment  CreditType = "adjustment"
	CreditTypeTrial       CreditType = "trial"
)

func (t CreditType) Valid() bool {
	switch t {
	case CreditTypePromotional, CreditTypeRefund, CreditTypeAdjustment, CreditTypeTrial:
		return true
	}
	return false
}

type CreditStatus string

const (
	CreditStatusActive  CreditStatus = "active"
	CreditStatusUsed    CreditStatus = "used"
	CreditStatusExpired CreditStatus = "expired"
	CreditStatusVoid    CreditStatus = "void"
)

// Credit is a prepaid or granted balance owned by a tenant.
type Credit struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	TenantID        snowflake.ID `gorm:"not null;index:idx_credits_tenant_status,priority:1"`
	Amount          money.Amount `gorm:"not null"`
	RemainingAmount money.Amount `gorm:"not null"`
	Currency        string       `gorm:"type:varchar(3);not null"`
	Type            CreditType   `gorm:"type:varchar(32);not null"`
	Status          CreditStatus `gorm:"type:varchar(16);not null;default:'active';index:idx_credits_tenant_status,priority:2"`
	ExpiresAt       *time.Time   `gorm:"index"`
	VoidReason      string       `gorm:"type:text"`
	CreatedAt       time.Time    `gorm:"not null"`
	UpdatedAt       time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (Credit) TableName() string { return "credits" }

// Usable reports whether the credit can be drawn at now.
func (c Credit) Usable(now time.Time) bool {
	if c.Status != CreditStatusActive || !c.RemainingAmount.IsPositive() {
		return false
	}
	return c.ExpiresAt == nil || c.ExpiresAt.After(now)
}

// CreditAllocation records one draw against a credit.
type CreditAllocation struct {
	ID        snowflake.ID  `gorm:"primaryKey"`
	CreditID  snowflake.ID  `gorm:"not null;index"`
	TenantID  snowflake.ID  `gorm:"not null;index"`
	InvoiceID *snowflake.ID `gorm:"index"`
	Amount    money.Amount  `gorm:"not null"`
	CreatedAt time.Time     `gorm:"not null"`
}

// TableName sets the database table name.
func (CreditAllocation) TableName() string { return "credit_allocations" }

// SortForApplication orders credits soonest-expiring first. Credits that
// never expire go last; ties break on creation time, then id.
func SortForApplication(credits []Credit) {
	sort.SliceStable(credits, func(i, j int) bool {
		a, b := credits[i], credits[j]
		switch {
		case a.ExpiresAt == nil && b.ExpiresAt != nil:
			return false
		case a.ExpiresAt != nil && b.ExpiresAt == nil:
			return true
		case a.ExpiresAt != nil && !a.ExpiresAt.Equal(*b.ExpiresAt):
			return a.ExpiresAt.Before(*b.ExpiresAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
