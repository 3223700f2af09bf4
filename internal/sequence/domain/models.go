// Package domain contains the invoice number sequence model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// InvoiceSequence is the per-tenant, per-day invoice number counter.
type InvoiceSequence struct {
	TenantID     snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	SequenceDate string       `gorm:"primaryKey;type:varchar(8)"`
	LastValue    int64        `gorm:"not null;default:0"`
	UpdatedAt    time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (InvoiceSequence) TableName() string { return "invoice_sequences" }
