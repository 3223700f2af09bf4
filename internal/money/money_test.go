package money

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/smallbiznis/billingcore/pkg/billingerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRound2HalfAwayFromZero(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1.005", "1.01"},
		{"1.0049", "1.00"},
		{"-1.005", "-1.01"},
		{"-0.0050", "-0.01"},
		{"0.0049", "0.00"},
		{"24.5", "24.50"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, MustParse(tc.want), Round2(MustParse(tc.in)))
		})
	}
}

func TestFromFloatRejectsNonFinite(t *testing.T) {
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := FromFloat(f)
		require.Error(t, err)
		assert.ErrorIs(t, err, billingerr.ErrInvalidAmount)

		_, err = QuantityFromFloat(f)
		assert.ErrorIs(t, err, billingerr.ErrInvalidAmount)
	}

	a, err := FromFloat(49.99)
	require.NoError(t, err)
	assert.Equal(t, Amount(499900), a)
}

func TestParse(t *testing.T) {
	a, err := Parse(" 49.00 ")
	require.NoError(t, err)
	assert.Equal(t, FromCents(4900), a)
	assert.Equal(t, "49.00", a.String())

	_, err = Parse("1.23456")
	assert.ErrorIs(t, err, billingerr.ErrInvalidAmount)

	_, err = Parse("abc")
	assert.ErrorIs(t, err, billingerr.ErrInvalidAmount)

	_, err = Parse("")
	assert.ErrorIs(t, err, billingerr.ErrInvalidAmount)

	// Trailing zeros past the scale are not extra precision.
	a, err = Parse("1.50000")
	require.NoError(t, err)
	assert.Equal(t, FromCents(150), a)
}

func mustAmount(t *testing.T) func(Amount, error) Amount {
	return func(a Amount, err error) Amount {
		t.Helper()
		require.NoError(t, err)
		return a
	}
}

func TestMulQuantity(t *testing.T) {
	got := mustAmount(t)
	assert.Equal(t, MustParse("49.00"), got(MulQuantity(NewQuantity(1), MustParse("49.00"))))
	assert.Equal(t, MustParse("0.04"), got(MulQuantity(MustParseQuantity("0.3333"), MustParse("0.1200"))))
	assert.Equal(t, MustParse("-15.00"), got(MulQuantity(NewQuantity(3), MustParse("-5.00"))))
	assert.Equal(t, MustParse("1.25"), got(MulQuantity(MustParseQuantity("12.5"), MustParse("0.10"))))
}

func TestApplyPercent(t *testing.T) {
	got := mustAmount(t)
	assert.Equal(t, MustParse("4.90"), got(ApplyPercent(MustParse("49.00"), NewQuantity(10))))
	assert.Equal(t, MustParse("0.07"), got(ApplyPercent(MustParse("0.65"), NewQuantity(11))))
	assert.Equal(t, MustParse("-1.50"), got(ApplyPercent(MustParse("-15.00"), NewQuantity(10))))
	assert.Equal(t, Amount(0), got(ApplyPercent(MustParse("100.00"), 0)))
}

func TestMulRatio(t *testing.T) {
	got := mustAmount(t)
	assert.Equal(t, MustParse("24.50"), got(MulRatio(MustParse("49.00"), 15, 30)))
	assert.Equal(t, MustParse("49.50"), got(MulRatio(MustParse("99.00"), 15, 30)))
	assert.Equal(t, MustParse("3.33"), got(MulRatio(MustParse("10.00"), 1, 3)))
	assert.Equal(t, MustParse("6.67"), got(MulRatio(MustParse("10.00"), 2, 3)))
	assert.Equal(t, Amount(0), got(MulRatio(MustParse("10.00"), 1, 0)))
}

func TestMultiplicationOutOfRange(t *testing.T) {
	huge := Amount(math.MaxInt64 / 2)

	_, err := MulQuantity(NewQuantity(1_000_000), huge)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.ErrorIs(t, err, billingerr.ErrInvalidAmount)

	_, err = MulQuantity(NewQuantity(-1_000_000), huge)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ApplyPercent(huge, NewQuantity(1_000))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = MulRatio(huge, 1_000, 1)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	// The largest whole-cent value still fits.
	limit := FromCents(math.MaxInt64 / cent)
	a, err := MulQuantity(NewQuantity(1), limit)
	require.NoError(t, err)
	assert.Equal(t, limit, a)
}

func TestSumMaxMin(t *testing.T) {
	values := []Amount{MustParse("0.005"), MustParse("0.005"), MustParse("1.00")}
	assert.Equal(t, MustParse("1.01"), Sum(values...))
	assert.Equal(t, MustParse("1.00"), Max(MustParse("1.00"), MustParse("-2.00")))
	assert.Equal(t, MustParse("-2.00"), Min(MustParse("1.00"), MustParse("-2.00")))
	assert.Equal(t, Amount(0), Max(0, MustParse("-0.01")))
}

func TestAmountStorage(t *testing.T) {
	v, err := MustParse("53.90").Value()
	require.NoError(t, err)
	assert.Equal(t, int64(5390), v)

	var a Amount
	require.NoError(t, a.Scan(int64(5390)))
	assert.Equal(t, MustParse("53.90"), a)
	require.NoError(t, a.Scan([]byte("125")))
	assert.Equal(t, MustParse("1.25"), a)
	require.NoError(t, a.Scan(float64(42)))
	assert.Equal(t, MustParse("0.42"), a)
	require.NoError(t, a.Scan(nil))
	assert.Equal(t, Amount(0), a)
	assert.Error(t, a.Scan(true))
}

func TestQuantityStorage(t *testing.T) {
	v, err := MustParseQuantity("12.5").Value()
	require.NoError(t, err)
	assert.Equal(t, "12.5000", v)

	var q Quantity
	require.NoError(t, q.Scan(int64(7)))
	assert.Equal(t, NewQuantity(7), q)
	require.NoError(t, q.Scan(12.3456))
	assert.Equal(t, MustParseQuantity("12.3456"), q)
	require.NoError(t, q.Scan("0.0001"))
	assert.Equal(t, Quantity(1), q)
}

func TestJSON(t *testing.T) {
	type payload struct {
		Amount   Amount   `json:"amount"`
		Quantity Quantity `json:"quantity"`
	}

	raw, err := json.Marshal(payload{Amount: MustParse("53.90"), Quantity: MustParseQuantity("2.5")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"53.9","quantity":"2.5"}`, string(raw))

	var out payload
	require.NoError(t, json.Unmarshal([]byte(`{"amount":49.99,"quantity":"3"}`), &out))
	assert.Equal(t, MustParse("49.99"), out.Amount)
	assert.Equal(t, NewQuantity(3), out.Quantity)
}

func TestPriceKeepsSubCentDigits(t *testing.T) {
	p := Price(MustParse("0.0125"))
	v, err := p.Value()
	require.NoError(t, err)
	assert.Equal(t, "0.0125", v)
	assert.Equal(t, "0.0125", p.String())
	assert.Equal(t, "49.00", Price(MustParse("49")).String())

	var scanned Price
	require.NoError(t, scanned.Scan([]byte("0.0125")))
	assert.Equal(t, p, scanned)
	require.NoError(t, scanned.Scan(int64(3)))
	assert.Equal(t, Price(FromMajor(3)), scanned)
}
