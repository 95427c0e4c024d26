// Package finance provides exact monetary arithmetic in currency minor units.
package finance

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/currency"
)

var (
	ErrCurrencyMismatch = errors.New("currency mismatch")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrOverflow         = errors.New("amount overflow")
)

// Money represents a monetary value in a specific currency.
// It uses integer math (minor units) to avoid floating point errors.
type Money struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"` // ISO 4217 code
	Scale       int    `json:"scale"`    // e.g. 2 for USD/EUR, 0 for JPY
}

// ScaleOf returns the number of minor-unit digits for an ISO 4217 code.
// Unknown codes fall back to 2.
func ScaleOf(code string) int {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return 2
	}
	scale, _ := currency.Standard.Rounding(unit)
	return scale
}

// NormalizeCurrency upper-cases and validates an ISO 4217 code.
func NormalizeCurrency(code string) (string, error) {
	unit, err := currency.ParseISO(strings.TrimSpace(code))
	if err != nil {
		return "", fmt.Errorf("unknown currency %q: %w", code, err)
	}
	return unit.String(), nil
}

// NewMoney creates a new Money instance from an amount already in minor units.
func NewMoney(amount int64, code string) Money {
	return Money{
		AmountMinor: amount,
		Currency:    code,
		Scale:       ScaleOf(code),
	}
}

// ParseMoney converts a decimal string such as "299.00" into minor units.
// More fractional digits than the currency allows is an error, never rounded.
func ParseMoney(amount, code string) (Money, error) {
	cur, err := NormalizeCurrency(code)
	if err != nil {
		return Money{}, err
	}
	scale := ScaleOf(cur)

	s := strings.TrimSpace(amount)
	if s == "" {
		return Money{}, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	neg := false
	if s[0] == '-' || s[0] == '+' {
		neg = s[0] == '-'
		s = s[1:]
	}

	whole, frac, hasDot := strings.Cut(s, ".")
	if whole == "" || (hasDot && frac == "") {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if len(frac) > scale {
		// Trailing zeros beyond the minor unit carry no value.
		trimmed := strings.TrimRight(frac[scale:], "0")
		if trimmed != "" {
			return Money{}, fmt.Errorf("%w: %q has more than %d decimal places for %s", ErrInvalidAmount, amount, scale, cur)
		}
		frac = frac[:scale]
	}
	frac += strings.Repeat("0", scale-len(frac))

	digits := whole + frac
	for _, r := range digits {
		if r < '0' || r > '9' {
			return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
		}
	}
	minor, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrOverflow, amount)
	}
	if neg {
		minor = -minor
	}
	return Money{AmountMinor: minor, Currency: cur, Scale: scale}, nil
}

// MustParse is ParseMoney for constants in tests and fixtures.
func MustParse(amount, code string) Money {
	m, err := ParseMoney(amount, code)
	if err != nil {
		panic(err)
	}
	return m
}

// Zero returns a zero amount in the given currency.
func Zero(code string) Money {
	return NewMoney(0, code)
}

// Add adds two Money amounts. Returns error on currency mismatch.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	if m.Scale != other.Scale {
		return Money{}, fmt.Errorf("scale mismatch: %d vs %d", m.Scale, other.Scale)
	}
	sum := m.AmountMinor + other.AmountMinor
	if (other.AmountMinor > 0 && sum < m.AmountMinor) || (other.AmountMinor < 0 && sum > m.AmountMinor) {
		return Money{}, ErrOverflow
	}
	return Money{
		AmountMinor: sum,
		Currency:    m.Currency,
		Scale:       m.Scale,
	}, nil
}

// Sub subtracts other Money from m. Returns error on currency mismatch.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return m.Add(Money{AmountMinor: -other.AmountMinor, Currency: other.Currency, Scale: other.Scale})
}

// Mul multiplies the amount by an integer quantity.
func (m Money) Mul(qty int64) (Money, error) {
	if qty != 0 && m.AmountMinor != 0 {
		if abs(m.AmountMinor) > math.MaxInt64/abs(qty) {
			return Money{}, ErrOverflow
		}
	}
	return Money{
		AmountMinor: m.AmountMinor * qty,
		Currency:    m.Currency,
		Scale:       m.Scale,
	}, nil
}

// Cmp compares two amounts of the same currency: -1, 0 or +1.
func (m Money) Cmp(other Money) (int, error) {
	if m.Currency != other.Currency {
		return 0, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	switch {
	case m.AmountMinor < other.AmountMinor:
		return -1, nil
	case m.AmountMinor > other.AmountMinor:
		return 1, nil
	default:
		return 0, nil
	}
}

// Equal reports exact equality of amount and currency.
func (m Money) Equal(other Money) bool {
	return m.Currency == other.Currency && m.AmountMinor == other.AmountMinor
}

// IsZero returns true if the amount is 0.
func (m Money) IsZero() bool {
	return m.AmountMinor == 0
}

// IsPositive returns true if the amount is > 0.
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

// IsNegative returns true if the amount is < 0.
func (m Money) IsNegative() bool {
	return m.AmountMinor < 0
}

// Decimal renders the amount as a plain decimal string ("299.00").
func (m Money) Decimal() string {
	v := m.AmountMinor
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	if m.Scale <= 0 {
		return sign + strconv.FormatInt(v, 10)
	}
	s := strconv.FormatInt(v, 10)
	if len(s) <= m.Scale {
		s = strings.Repeat("0", m.Scale-len(s)+1) + s
	}
	return sign + s[:len(s)-m.Scale] + "." + s[len(s)-m.Scale:]
}

func (m Money) String() string {
	return m.Decimal() + " " + m.Currency
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
