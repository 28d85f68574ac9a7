// Package tax computes flat-rate sales tax by destination jurisdiction.
//
// Jurisdictions that are not configured, and addresses without a country,
// are taxed at zero. This is a known approximation rather than an error:
// a missing rate never fails checkout.
package tax

import (
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-engine/internal/domain/cart"
	"github.com/xenking/storefront-engine/internal/domain/money"
)

// DefaultRates is the built-in jurisdiction table. Keys are "CC" or "CC-ST".
func DefaultRates() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"MX":    decimal.RequireFromString("0.16"),
		"MX-BC": decimal.RequireFromString("0.08"),
		"CA":    decimal.RequireFromString("0.05"),
		"CA-ON": decimal.RequireFromString("0.13"),
		"DE":    decimal.RequireFromString("0.19"),
		"US-CA": decimal.RequireFromString("0.0725"),
		"US-NY": decimal.RequireFromString("0.04"),
		"US-TX": decimal.RequireFromString("0.0625"),
	}
}

// Engine looks up a flat rate per jurisdiction. It performs no I/O.
type Engine struct {
	rates map[string]decimal.Decimal
}

// NewEngine returns an Engine over the given rate table.
func NewEngine(rates map[string]decimal.Decimal) *Engine {
	normalized := make(map[string]decimal.Decimal, len(rates))
	for k, v := range rates {
		normalized[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	return &Engine{rates: normalized}
}

// ParseRates converts a string table such as {"MX": "0.16"} into decimals.
func ParseRates(raw map[string]string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(raw))
	for k, v := range raw {
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return nil, errors.Wrapf(err, "tax rate %q", k)
		}
		if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
			return nil, errors.Errorf("tax rate %q: %s out of range [0, 1]", k, v)
		}
		out[k] = d
	}
	return out, nil
}

// Rate returns the rate that applies to addr; a state entry wins over the
// country entry. Unknown jurisdictions yield zero.
func (e *Engine) Rate(addr cart.Address) decimal.Decimal {
	country := strings.ToUpper(strings.TrimSpace(addr.Country))
	if country == "" {
		return decimal.Zero
	}
	if state := strings.ToUpper(strings.TrimSpace(addr.State)); state != "" {
		if r, ok := e.rates[country+"-"+state]; ok {
			return r
		}
	}
	if r, ok := e.rates[country]; ok {
		return r
	}
	return decimal.Zero
}

// ComputeTax returns the tax owed on the cart subtotal shipped to addr.
func (e *Engine) ComputeTax(c cart.Cart, addr cart.Address) money.Money {
	subtotal, err := c.Subtotal()
	if err != nil {
		return money.Zero(c.Currency())
	}
	return e.TaxOn(subtotal, addr)
}

// TaxOn returns the tax owed on an arbitrary taxable base, rounded half-up
// to the minor unit. Negative bases are taxed as zero.
func (e *Engine) TaxOn(base money.Money, addr cart.Address) money.Money {
	base = base.ClampZero()
	return base.MulRate(e.Rate(addr))
}
