// Package money converts between integer minor units and the decimal
// strings used by the gateway and by display code. Ledger arithmetic never
// leaves int64 minor units.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// CurrencyETB is the only settlement currency. One birr is 100 santim.
const CurrencyETB = "ETB"

const minorExponent = 2

var ErrFractionalMinor = errors.New("amount has more precision than minor units allow")

// ToDecimal renders minor units as a major-unit decimal, e.g. 35000 -> 350.00.
func ToDecimal(minor int64) decimal.Decimal {
	return decimal.New(minor, -minorExponent)
}

// FormatMajor renders minor units as a fixed two-place string for gateway requests.
func FormatMajor(minor int64) string {
	return ToDecimal(minor).StringFixed(minorExponent)
}

// ParseMajor parses a major-unit decimal string ("350", "350.00") into minor units.
// Values that do not land exactly on a minor unit are rejected rather than rounded.
func ParseMajor(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	scaled := d.Shift(minorExponent)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("parse amount %q: %w", s, ErrFractionalMinor)
	}
	return scaled.IntPart(), nil
}

// Converter formats ETB minor units for presentation, with a USD equivalent
// at a fixed display rate.
type Converter struct {
	ETBPerUSD decimal.Decimal
}

func NewConverter(etbPerUSD int64) Converter {
	return Converter{ETBPerUSD: decimal.NewFromInt(etbPerUSD)}
}

// USD returns the USD equivalent of an ETB minor amount, rounded to cents.
func (c Converter) USD(minor int64) decimal.Decimal {
	if c.ETBPerUSD.IsZero() {
		return decimal.Zero
	}
	return ToDecimal(minor).DivRound(c.ETBPerUSD, minorExponent)
}

// Display renders "1,600.00 ETB (~$10.00)".
func (c Converter) Display(minor int64) string {
	return fmt.Sprintf("%s ETB (~$%s)", groupThousands(FormatMajor(minor)), c.USD(minor).StringFixed(minorExponent))
}

func groupThousands(s string) string {
	sign := ""
	if len(s) > 0 && s[0] == '-' {
		sign, s = "-", s[1:]
	}
	intPart, frac := s, ""
	for i := range s {
		if s[i] == '.' {
			intPart, frac = s[:i], s[i:]
			break
		}
	}
	var out []byte
	for i := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, intPart[i])
	}
	return sign + string(out) + frac
}
