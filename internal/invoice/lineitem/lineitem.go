// Package lineitem computes invoice line amounts and invoice totals.
//
// Item amounts are rounded once, when the item is computed. Aggregation sums
// the stored (already rounded) values and rounds each partial sum exactly
// once, so totals never drift when an invoice is recomputed.
package lineitem

import (
	"github.com/smallbiznis/billingcore/internal/money"
	"github.com/smallbiznis/billingcore/pkg/billingerr"
)

var ErrNegativeTaxRate = billingerr.New(billingerr.KindInvalidAmount, "negative_tax_rate", "tax rate must not be negative")

// Line is the monetary part of an invoice item.
type Line struct {
	Amount    money.Amount
	TaxAmount money.Amount
}

// Totals are the invoice-level sums derived from its lines.
type Totals struct {
	Subtotal money.Amount
	Tax      money.Amount
	Discount money.Amount
	Total    money.Amount
}

// ComputeItem returns round2(quantity*unitPrice) and round2(amount*taxRate/100).
// It does not know item types; sign rules belong to the caller.
func ComputeItem(quantity money.Quantity, unitPrice money.Amount, taxRate money.Quantity) (money.Amount, money.Amount, error) {
	if taxRate < 0 {
		return 0, 0, ErrNegativeTaxRate
	}
	amount, err := money.MulQuantity(quantity, unitPrice)
	if err != nil {
		return 0, 0, err
	}
	tax, err := money.ApplyPercent(amount, taxRate)
	if err != nil {
		return 0, 0, err
	}
	return amount, tax, nil
}

// Aggregate sums lines into subtotal, tax and total with no discount.
func Aggregate(lines []Line) Totals {
	return InvoiceTotals(lines, 0)
}

// InvoiceTotals is Aggregate with an invoice-level discount subtracted.
func InvoiceTotals(lines []Line, discount money.Amount) Totals {
	var amounts, taxes money.Amount
	for _, l := range lines {
		amounts += l.Amount
		taxes += l.TaxAmount
	}

	subtotal := money.Round2(amounts)
	tax := money.Round2(taxes)
	discount = money.Round2(discount)
	return Totals{
		Subtotal: subtotal,
		Tax:      tax,
		Discount: discount,
		Total:    money.Round2(subtotal + tax - discount),
	}
}

// AmountDue is max(0, total - paid).
func AmountDue(total, paid money.Amount) money.Amount {
	return money.Max(0, money.Round2(total-paid))
}
