// Package money implements the fixed-precision arithmetic used by every
// billing component.
//
// Amount and Quantity are integers scaled by 10^4. All monetary results that
// leave this package through the Mul*/Apply* helpers are already rounded to
// 2 decimals (half away from zero). Storage and presentation use Round2.
package money

import (
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billingcore/pkg/billingerr"
)

// Scale is the number of internal decimal places.
const Scale = 4

const (
	unit = 10_000 // 1.0000
	cent = 100    // 0.01
)

// Amount is a monetary value in 1/10000 of the currency major unit.
type Amount int64

// Quantity is a non-monetary decimal (usage quantity, percentage rate) in 1/10000 units.
type Quantity int64

var (
	ErrInvalidAmount = billingerr.New(billingerr.KindInvalidAmount, "invalid_amount", "amount must be a finite decimal with at most 4 places")

	maxScaled = decimal.NewFromInt(math.MaxInt64)
	minScaled = decimal.NewFromInt(math.MinInt64)
)

// FromCents builds an Amount from minor units.
func FromCents(cents int64) Amount { return Amount(cents * cent) }

// FromMajor builds an Amount from whole major units.
func FromMajor(major int64) Amount { return Amount(major * unit) }

// FromFloat converts f, rounding to 4 places. NaN and ±Inf are rejected.
func FromFloat(f float64) (Amount, error) {
	scaled, err := scaledFromFloat(f)
	return Amount(scaled), err
}

// Parse reads a decimal string such as "49.00" or "-0.0125".
func Parse(s string) (Amount, error) {
	scaled, err := scaledFromString(s)
	return Amount(scaled), err
}

// MustParse is Parse for constants; it panics on malformed input.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Round2 rounds half away from zero to 2 decimals.
func Round2(a Amount) Amount {
	return Amount(roundDiv(int64(a), cent) * cent)
}

// Cents returns the amount in minor units after Round2.
func (a Amount) Cents() int64 { return int64(Round2(a)) / cent }

// IsZero reports whether a is exactly zero.
func (a Amount) IsZero() bool { return a == 0 }

// IsNegative reports whether a is below zero.
func (a Amount) IsNegative() bool { return a < 0 }

// IsPositive reports whether a is above zero.
func (a Amount) IsPositive() bool { return a > 0 }

// Decimal exposes the exact value as a shopspring decimal.
func (a Amount) Decimal() decimal.Decimal { return decimal.New(int64(a), -Scale) }

// String formats the amount with 2 decimals, e.g. "53.90".
func (a Amount) String() string { return a.Decimal().StringFixed(2) }

// Float64 is for display and metrics only.
func (a Amount) Float64() float64 { return float64(a) / unit }

// Max returns the larger of a and b.
func Max(a, b Amount) Amount {
	if a > b {
		return a
	}
	return b
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// Sum adds raw values without intermediate rounding.
func Sum(values ...Amount) Amount {
	var total Amount
	for _, v := range values {
		total += v
	}
	return total
}

// MulQuantity returns round2(q * price). A product outside the Amount range
// is ErrInvalidAmount.
func MulQuantity(q Quantity, price Amount) (Amount, error) {
	product := new(big.Int).Mul(big.NewInt(int64(q)), big.NewInt(int64(price)))
	// q*price is in 1e-8 units; one cent is 1e6 of them.
	return centsToAmount(roundBig(product, big.NewInt(unit*unit/cent)))
}

// ApplyPercent returns round2(a * rate / 100) where rate is a percentage.
func ApplyPercent(a Amount, rate Quantity) (Amount, error) {
	product := new(big.Int).Mul(big.NewInt(int64(a)), big.NewInt(int64(rate)))
	// a*rate is in 1e-8 units; dividing by 100 for percent leaves 1e8 per cent.
	return centsToAmount(roundBig(product, big.NewInt(unit*unit*100/cent)))
}

// MulRatio returns round2(a * num / den). A non-positive den yields 0.
func MulRatio(a Amount, num, den int64) (Amount, error) {
	if den <= 0 {
		return 0, nil
	}
	product := new(big.Int).Mul(big.NewInt(int64(a)), big.NewInt(num))
	divisor := new(big.Int).Mul(big.NewInt(den), big.NewInt(cent))
	return centsToAmount(roundBig(product, divisor))
}

// NewQuantity builds a Quantity from whole units.
func NewQuantity(n int64) Quantity { return Quantity(n * unit) }

// QuantityFromFloat converts f, rounding to 4 places. NaN and ±Inf are rejected.
func QuantityFromFloat(f float64) (Quantity, error) {
	scaled, err := scaledFromFloat(f)
	return Quantity(scaled), err
}

// ParseQuantity reads a decimal string with at most 4 places.
func ParseQuantity(s string) (Quantity, error) {
	scaled, err := scaledFromString(s)
	return Quantity(scaled), err
}

// MustParseQuantity is ParseQuantity for constants.
func MustParseQuantity(s string) Quantity {
	q, err := ParseQuantity(s)
	if err != nil {
		panic(err)
	}
	return q
}

// Decimal exposes the exact value as a shopspring decimal.
func (q Quantity) Decimal() decimal.Decimal { return decimal.New(int64(q), -Scale) }

// String formats q without trailing zeros, e.g. "12.5".
func (q Quantity) String() string { return q.Decimal().String() }

// Float64 is for display and metrics only.
func (q Quantity) Float64() float64 { return float64(q) / unit }

// MaxQuantity returns the larger of a and b.
func MaxQuantity(a, b Quantity) Quantity {
	if a > b {
		return a
	}
	return b
}

func scaledFromFloat(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, ErrInvalidAmount.Withf("non-finite value %v", f)
	}
	return scaledFromDecimal(decimal.NewFromFloat(f).Round(Scale))
}

func scaledFromString(s string) (int64, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return 0, ErrInvalidAmount.Withf("empty value")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, ErrInvalidAmount.Wrap(err)
	}
	if !d.Equal(d.Round(Scale)) {
		return 0, ErrInvalidAmount.Withf("%q has more than %d decimal places", raw, Scale)
	}
	return scaledFromDecimal(d)
}

func scaledFromDecimal(d decimal.Decimal) (int64, error) {
	shifted := d.Shift(Scale)
	if shifted.GreaterThan(maxScaled) || shifted.LessThan(minScaled) {
		return 0, ErrInvalidAmount.Withf("%s is out of range", d.String())
	}
	return shifted.IntPart(), nil
}

// roundDiv divides n by a positive d rounding half away from zero.
func roundDiv(n, d int64) int64 {
	q := n / d
	r := n % d
	if r < 0 {
		r = -r
	}
	if 2*r >= d {
		if n < 0 {
			q--
		} else {
			q++
		}
	}
	return q
}

func roundBig(n, d *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(n, d, new(big.Int))
	r.Abs(r).Lsh(r, 1)
	if r.Cmp(new(big.Int).Abs(d)) >= 0 {
		if n.Sign() < 0 {
			q.Sub(q, big.NewInt(1))
		} else {
			q.Add(q, big.NewInt(1))
		}
	}
	return q
}

var (
	maxCents = big.NewInt(math.MaxInt64 / cent)
	minCents = big.NewInt(math.MinInt64 / cent)
)

func centsToAmount(cents *big.Int) (Amount, error) {
	if cents.Cmp(maxCents) > 0 || cents.Cmp(minCents) < 0 {
		return 0, ErrInvalidAmount.Withf("result of %s cents is out of range", cents.String())
	}
	return Amount(cents.Int64() * cent), nil
}
