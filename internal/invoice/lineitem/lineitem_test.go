package lineitem

import (
	"math/rand"
	"testing"

	"github.com/smallbiznis/billingcore/internal/money"
	"github.com/smallbiznis/billingcore/pkg/billingerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeItem(t *testing.T) {
	cases := []struct {
		name      string
		quantity  string
		unitPrice string
		taxRate   string
		amount    string
		tax       string
	}{
		{"single seat", "1", "49.00", "10", "49.00", "4.90"},
		{"fractional usage", "0.3333", "0.12", "0", "0.04", "0.00"},
		{"half cent tax", "1", "0.65", "11", "0.65", "0.07"},
		{"credit line", "1", "-15.00", "10", "-15.00", "-1.50"},
		{"bulk", "1250", "0.0125", "11", "15.63", "1.72"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			amount, tax, err := ComputeItem(money.MustParseQuantity(tc.quantity), money.MustParse(tc.unitPrice), money.MustParseQuantity(tc.taxRate))
			require.NoError(t, err)
			assert.Equal(t, tc.amount, amount.String())
			assert.Equal(t, tc.tax, tax.String())
		})
	}
}

func TestComputeItemRejectsNegativeTaxRate(t *testing.T) {
	_, _, err := ComputeItem(money.NewQuantity(1), money.MustParse("10.00"), money.MustParseQuantity("-1"))
	assert.ErrorIs(t, err, ErrNegativeTaxRate)
	assert.ErrorIs(t, err, billingerr.ErrInvalidAmount)
}

func TestComputeItemRejectsOutOfRangeProduct(t *testing.T) {
	_, _, err := ComputeItem(money.NewQuantity(1_000_000_000), money.MustParse("900000000000.00"), 0)
	assert.ErrorIs(t, err, money.ErrInvalidAmount)

	_, _, err = ComputeItem(money.NewQuantity(1), money.MustParse("900000000000.00"), money.NewQuantity(1_000_000))
	assert.ErrorIs(t, err, billingerr.ErrInvalidAmount)
}

func TestAggregateSingleItem(t *testing.T) {
	amount, tax, err := ComputeItem(money.NewQuantity(1), money.MustParse("49.00"), money.NewQuantity(10))
	require.NoError(t, err)

	totals := Aggregate([]Line{{Amount: amount, TaxAmount: tax}})
	assert.Equal(t, "49.00", totals.Subtotal.String())
	assert.Equal(t, "4.90", totals.Tax.String())
	assert.Equal(t, "53.90", totals.Total.String())
}

func TestAggregateIsOrderIndependent(t *testing.T) {
	lines := []Line{
		{Amount: money.MustParse("49.00"), TaxAmount: money.MustParse("4.90")},
		{Amount: money.MustParse("0.07"), TaxAmount: money.MustParse("0.01")},
		{Amount: money.MustParse("-15.00"), TaxAmount: money.MustParse("-1.50")},
		{Amount: money.MustParse("12.34"), TaxAmount: money.MustParse("1.23")},
		{Amount: money.MustParse("0.01"), TaxAmount: 0},
	}
	want := Aggregate(lines)
	assert.Equal(t, "46.42", want.Subtotal.String())
	assert.Equal(t, "4.64", want.Tax.String())
	assert.Equal(t, "51.06", want.Total.String())

	r := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]Line(nil), lines...)
		r.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, Aggregate(shuffled))
	}
}

func TestInvoiceTotalsWithDiscount(t *testing.T) {
	lines := []Line{{Amount: money.MustParse("100.00"), TaxAmount: money.MustParse("11.00")}}

	totals := InvoiceTotals(lines, money.MustParse("20.00"))
	assert.Equal(t, "91.00", totals.Total.String())
	assert.Equal(t, totals.Total, money.Round2(totals.Subtotal+totals.Tax-totals.Discount))

	assert.Equal(t, Totals{}, Aggregate(nil))
}

func TestAmountDue(t *testing.T) {
	assert.Equal(t, money.MustParse("3.90"), AmountDue(money.MustParse("53.90"), money.MustParse("50.00")))
	assert.Equal(t, money.Amount(0), AmountDue(money.MustParse("53.90"), money.MustParse("53.90")))
	assert.Equal(t, money.Amount(0), AmountDue(money.MustParse("53.90"), money.MustParse("60.00")))
}
