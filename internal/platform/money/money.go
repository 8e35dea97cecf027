// Package money provides the rounding, percentage and coercion helpers every
// settlement calculator routes through. Amounts are decimal values in major
// currency units with two fractional digits.
package money

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits kept for currency amounts.
const Scale = 2

var hundred = decimal.NewFromInt(100)

// Zero is the zero amount.
var Zero = decimal.Zero

// Round2 rounds to two decimal places, half away from zero. For the
// non-negative amounts the engine handles this is half-up rounding.
func Round2(x decimal.Decimal) decimal.Decimal {
	return x.Round(Scale)
}

// PercentOf returns base * pct / 100 without rounding.
func PercentOf(base, pct decimal.Decimal) decimal.Decimal {
	return base.Mul(pct).Div(hundred)
}

// FromFloat converts a float64 to an amount. NaN and infinities become zero.
func FromFloat(f float64) decimal.Decimal {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(f)
}

// Float converts an amount back to float64 for storage in documents.
func Float(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// NonNegative clamps negative amounts to zero.
func NonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Coerce accepts a currency amount encoded as a native number or a numeric
// string. The second return value is false when the input was present but
// unparseable; the amount is zero in that case. Nil yields (0, true).
func Coerce(v any) (decimal.Decimal, bool) {
	switch value := v.(type) {
	case nil:
		return decimal.Zero, true
	case decimal.Decimal:
		return value, true
	case float64:
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(value), true
	case float32:
		return Coerce(float64(value))
	case int:
		return decimal.NewFromInt(int64(value)), true
	case int32:
		return decimal.NewFromInt(int64(value)), true
	case int64:
		return decimal.NewFromInt(value), true
	case json.Number:
		return Coerce(value.String())
	case string:
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			return decimal.Zero, true
		}
		trimmed = strings.ReplaceAll(trimmed, ",", "")
		// strconv rejects forms decimal would accept loosely (e.g. "1e400").
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(trimmed)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	default:
		return decimal.Zero, false
	}
}

// Amount coerces v and rounds the result to currency precision, discarding
// the validity flag. It never panics and never yields NaN.
func Amount(v any) decimal.Decimal {
	d, _ := Coerce(v)
	return Round2(d)
}

// Quantity coerces a stock or line quantity stored as a number or numeric
// string. Fractional values are truncated; invalid input yields (0, false).
func Quantity(v any) (int, bool) {
	d, ok := Coerce(v)
	if !ok {
		return 0, false
	}
	return int(d.IntPart()), true
}
