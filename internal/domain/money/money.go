// Package money provides a fixed-point currency amount stored in integer
// minor units.
package money

import (
	"fmt"
	"math"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Currency is an ISO-4217 currency code.
type Currency string

const (
	MXN Currency = "MXN"
	USD Currency = "USD"
	EUR Currency = "EUR"
	CAD Currency = "CAD"
	JPY Currency = "JPY"
)

var (
	// ErrInvalidCurrency is returned when a currency code is not supported.
	ErrInvalidCurrency = errors.New("invalid currency")
	// ErrCurrencyMismatch is returned when combining amounts in different currencies.
	ErrCurrencyMismatch = errors.New("currency mismatch")
	// ErrOverflow is returned when a result does not fit in int64 minor units.
	ErrOverflow = errors.New("amount overflow")
)

// exponents maps each supported currency to its number of minor-unit digits.
var exponents = map[Currency]int32{
	MXN: 2,
	USD: 2,
	EUR: 2,
	CAD: 2,
	JPY: 0,
}

// ParseCurrency normalizes and validates a currency code.
func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", errors.Wrapf(ErrInvalidCurrency, "%q", s)
	}
	return c, nil
}

// IsValid reports whether c is a supported currency.
func (c Currency) IsValid() bool {
	_, ok := exponents[c]
	return ok
}

// Exponent returns the number of minor-unit digits of c.
func (c Currency) Exponent() int32 {
	if e, ok := exponents[c]; ok {
		return e
	}
	return 2
}

// Money is an amount in minor units of Currency.
type Money struct {
	Amount   int64    `json:"amount"`
	Currency Currency `json:"currency"`
}

// New returns amount minor units of c.
func New(amount int64, c Currency) Money {
	return Money{Amount: amount, Currency: c}
}

// Zero returns a zero amount of c.
func Zero(c Currency) Money {
	return Money{Currency: c}
}

// FromDecimal converts a major-unit amount, rounding half-up to the minor unit.
func FromDecimal(d decimal.Decimal, c Currency) Money {
	minor := d.Shift(c.Exponent()).Round(0)
	return Money{Amount: minor.IntPart(), Currency: c}
}

// ParseMajor parses a major-unit string such as "1000.00".
func ParseMajor(s string, c Currency) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Money{}, errors.Wrapf(err, "parse amount %q", s)
	}
	return FromDecimal(d, c), nil
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Amount, -m.Currency.Exponent())
}

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool { return m.Amount == 0 }

// IsNegative reports whether the amount is below zero.
func (m Money) IsNegative() bool { return m.Amount < 0 }

// SameCurrency reports whether m and o share a currency.
func (m Money) SameCurrency(o Money) bool { return m.Currency == o.Currency }

func (m Money) check(o Money) error {
	if m.Currency != o.Currency {
		return errors.Wrapf(ErrCurrencyMismatch, "%s vs %s", m.Currency, o.Currency)
	}
	return nil
}

// Add returns m + o.
func (m Money) Add(o Money) (Money, error) {
	if err := m.check(o); err != nil {
		return Money{}, err
	}
	sum := m.Amount + o.Amount
	if (o.Amount > 0 && sum < m.Amount) || (o.Amount < 0 && sum > m.Amount) {
		return Money{}, errors.Wrapf(ErrOverflow, "%s + %s", m, o)
	}
	return Money{Amount: sum, Currency: m.Currency}, nil
}

// Sub returns m - o. The result may be negative; callers clamp deltas.
func (m Money) Sub(o Money) (Money, error) {
	if err := m.check(o); err != nil {
		return Money{}, err
	}
	diff := m.Amount - o.Amount
	if (o.Amount > 0 && diff > m.Amount) || (o.Amount < 0 && diff < m.Amount) {
		return Money{}, errors.Wrapf(ErrOverflow, "%s - %s", m, o)
	}
	return Money{Amount: diff, Currency: m.Currency}, nil
}

// Cmp compares m and o: -1 if m < o, 0 if equal, +1 if m > o.
func (m Money) Cmp(o Money) (int, error) {
	if err := m.check(o); err != nil {
		return 0, err
	}
	switch {
	case m.Amount < o.Amount:
		return -1, nil
	case m.Amount > o.Amount:
		return 1, nil
	default:
		return 0, nil
	}
}

// Times returns m multiplied by qty.
func (m Money) Times(qty int64) (Money, error) {
	if m.Amount == 0 || qty == 0 {
		return Zero(m.Currency), nil
	}
	p := m.Amount * qty
	if p/qty != m.Amount || (m.Amount == -1 && qty == math.MinInt64) || (qty == -1 && m.Amount == math.MinInt64) {
		return Money{}, errors.Wrapf(ErrOverflow, "%s x %d", m, qty)
	}
	return Money{Amount: p, Currency: m.Currency}, nil
}

// MulRate multiplies m by a fractional rate, rounding half-up to the minor unit.
func (m Money) MulRate(rate decimal.Decimal) Money {
	v := decimal.NewFromInt(m.Amount).Mul(rate).Round(0)
	return Money{Amount: v.IntPart(), Currency: m.Currency}
}

// PercentFloor returns floor(m * pct / 100).
func (m Money) PercentFloor(pct decimal.Decimal) Money {
	v := decimal.NewFromInt(m.Amount).Mul(pct).Div(decimal.NewFromInt(100)).Floor()
	return Money{Amount: v.IntPart(), Currency: m.Currency}
}

// ClampZero returns m, or zero when m is negative.
func (m Money) ClampZero() Money {
	if m.Amount < 0 {
		return Zero(m.Currency)
	}
	return m
}

// Min returns the smaller of a and b. Both must share a currency.
func Min(a, b Money) (Money, error) {
	c, err := a.Cmp(b)
	if err != nil {
		return Money{}, err
	}
	if c <= 0 {
		return a, nil
	}
	return b, nil
}

// Sum adds all amounts; an empty list yields zero of c.
func Sum(c Currency, amounts ...Money) (Money, error) {
	total := Zero(c)
	for _, a := range amounts {
		var err error
		if total, err = total.Add(a); err != nil {
			return Money{}, err
		}
	}
	return total, nil
}

func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Decimal().StringFixed(m.Currency.Exponent()), m.Currency)
}
