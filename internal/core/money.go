// Package core provides money parsing and handling utilities.
//
// Amounts are held as integer cents. Decimal text is parsed and rendered
// through shopspring/decimal so rounding follows one rule everywhere:
// half away from zero on the third fractional digit.
package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAmount converts a positive decimal string to Money.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators.
//
// Examples:
//
//	ParseAmount("12.34")  -> 1234
//	ParseAmount("12,345") -> 1235
//	ParseAmount("0")      -> ErrInvalidAmount
func ParseAmount(s string) (Money, error) {
	m, err := ParseSignedAmount(s)
	if err != nil {
		return Money{}, err
	}
	if m.Cents <= 0 {
		return Money{}, ErrInvalidAmount
	}
	return m, nil
}

// ParseSignedAmount is ParseAmount without the sign restriction, used for
// adjustments and configuration values.
func ParseSignedAmount(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Money{}, ErrInvalidAmount
	}
	s = strings.ReplaceAll(s, ",", ".")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, ErrInvalidAmount
	}
	return FromDecimal(d)
}

// FromDecimal rounds d to cents.
func FromDecimal(d decimal.Decimal) (Money, error) {
	cents := d.Round(2).Shift(2)
	if !cents.IsInteger() || cents.Abs().GreaterThan(decimal.NewFromInt(maxCents)) {
		return Money{}, ErrInvalidAmount
	}
	return Money{Cents: cents.IntPart()}, nil
}

const maxCents = (1<<63 - 1) / 100

// Cents is a shorthand constructor.
func Cents(c int64) Money {
	return Money{Cents: c}
}

// Decimal returns the exact decimal value of m.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Cents, -2)
}

// String renders m with exactly two fractional digits.
func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

// Units returns the value as a float64 for display and metrics only.
func (m Money) Units() float64 {
	return m.Decimal().InexactFloat64()
}

func (m Money) Add(o Money) Money { return Money{Cents: m.Cents + o.Cents} }
func (m Money) Sub(o Money) Money { return Money{Cents: m.Cents - o.Cents} }
func (m Money) Neg() Money        { return Money{Cents: -m.Cents} }
func (m Money) IsZero() bool      { return m.Cents == 0 }
func (m Money) IsNegative() bool  { return m.Cents < 0 }

// LessThan compares by cents.
func (m Money) LessThan(o Money) bool { return m.Cents < o.Cents }
