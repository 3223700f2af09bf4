package domain

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingcore/pkg/billingerr"
	"gorm.io/gorm"
)

type Service interface {
	// Allocate reserves the next number in its own transaction.
	Allocate(ctx context.Context, tenantID snowflake.ID, date time.Time) (string, error)
	// AllocateTx reserves the next number inside tx. The number is released
	// if tx rolls back.
	AllocateTx(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, date time.Time) (string, error)
}

type Repository interface {
	Next(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, day string, now time.Time) (int64, error)
}

const (
	numberPrefix = "INV"
	dayLayout    = "20060102"
)

var (
	ErrInvalidTenant        = billingerr.New(billingerr.KindInvalidInput, "invalid_tenant", "tenant id is required")
	ErrInvalidDate          = billingerr.New(billingerr.KindInvalidInput, "invalid_sequence_date", "sequence date is required")
	ErrInvalidInvoiceNumber = billingerr.New(billingerr.KindInvalidInput, "invalid_invoice_number", "invoice number is malformed")

	numberPattern = regexp.MustCompile(`^INV-(\d{8})-(\d{4,})$`)
)

// SequenceDay is the counter key for date: its UTC calendar day.
func SequenceDay(date time.Time) string {
	return date.UTC().Format(dayLayout)
}

// Format renders INV-YYYYMMDD-NNNN with at least four digits.
func Format(date time.Time, n int64) string {
	return fmt.Sprintf("%s-%s-%04d", numberPrefix, SequenceDay(date), n)
}

// ParseNumber splits an invoice number into its UTC day and counter value.
func ParseNumber(number string) (time.Time, int64, error) {
	match := numberPattern.FindStringSubmatch(number)
	if match == nil {
		return time.Time{}, 0, ErrInvalidInvoiceNumber.Withf("%q does not match INV-YYYYMMDD-NNNN", number)
	}
	day, err := time.ParseInLocation(dayLayout, match[1], time.UTC)
	if err != nil {
		return time.Time{}, 0, ErrInvalidInvoiceNumber.Wrap(err)
	}
	n, err := strconv.ParseInt(match[2], 10, 64)
	if err != nil || n < 1 {
		return time.Time{}, 0, ErrInvalidInvoiceNumber.Withf("%q has an invalid counter", number)
	}
	return day, n, nil
}
