package money

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Value stores the amount as cents.
func (a Amount) Value() (driver.Value, error) {
	return a.Cents(), nil
}

// Scan reads a cents column.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = 0
	case int64:
		*a = FromCents(v)
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrInvalidAmount.Withf("non-finite cents %v", v)
		}
		*a = FromCents(int64(math.Round(v)))
	case []byte:
		return a.scanText(string(v))
	case string:
		return a.scanText(v)
	default:
		return fmt.Errorf("money: cannot scan %T into Amount", src)
	}
	return nil
}

func (a *Amount) scanText(s string) error {
	cents, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return ErrInvalidAmount.Wrap(err)
	}
	*a = FromCents(cents)
	return nil
}

func (Amount) GormDataType() string { return "bigint" }

// MarshalJSON renders the exact value as a decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Decimal().String())
}

// UnmarshalJSON accepts "49.00" or 49.00.
func (a *Amount) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(unquote(data))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value stores the quantity as a numeric string.
func (q Quantity) Value() (driver.Value, error) {
	return q.Decimal().StringFixed(Scale), nil
}

// Scan reads a numeric(20,4) column. Integers are whole units.
func (q *Quantity) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*q = 0
	case int64:
		*q = NewQuantity(v)
	case float64:
		parsed, err := QuantityFromFloat(v)
		if err != nil {
			return err
		}
		*q = parsed
	case []byte:
		return q.scanText(string(v))
	case string:
		return q.scanText(v)
	default:
		return fmt.Errorf("money: cannot scan %T into Quantity", src)
	}
	return nil
}

func (q *Quantity) scanText(s string) error {
	parsed, err := ParseQuantity(s)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

func (Quantity) GormDataType() string { return "numeric(20,4)" }

func (q Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.Decimal().String())
}

func (q *Quantity) UnmarshalJSON(data []byte) error {
	parsed, err := ParseQuantity(unquote(data))
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

func unquote(data []byte) string {
	s := strings.TrimSpace(string(data))
	if unq, err := strconv.Unquote(s); err == nil {
		return unq
	}
	return s
}

// Price is an Amount persisted at full internal precision. Unit prices may
// carry sub-cent digits (0.0125 per call) that a cents column would lose.
type Price Amount

// Amount returns p for arithmetic.
func (p Price) Amount() Amount { return Amount(p) }

// String uses 2 decimals unless sub-cent digits are present.
func (p Price) String() string {
	d := Amount(p).Decimal()
	if d.Equal(d.Round(2)) {
		return d.StringFixed(2)
	}
	return d.String()
}

func (p Price) Value() (driver.Value, error) {
	return Amount(p).Decimal().StringFixed(Scale), nil
}

// Scan reads a numeric(20,4) column. Integers are whole units.
func (p *Price) Scan(src any) error {
	var q Quantity
	if err := q.Scan(src); err != nil {
		return err
	}
	*p = Price(q)
	return nil
}

func (Price) GormDataType() string { return "numeric(20,4)" }

func (p Price) MarshalJSON() ([]byte, error) {
	return json.Marshal(Amount(p).Decimal().String())
}

func (p *Price) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(unquote(data))
	if err != nil {
		return err
	}
	*p = Price(parsed)
	return nil
}
