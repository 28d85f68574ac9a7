package coupon

import (
	"github.com/go-faster/errors"

	"github.com/xenking/storefront-engine/internal/domain/money"
)

// Discount computes the discount c grants on subtotal. The result is never
// negative and never exceeds subtotal.
func Discount(c *Coupon, subtotal money.Money) (money.Money, error) {
	var amount money.Money
	switch c.Type {
	case DiscountPercentage:
		amount = applyPercentage(c, subtotal)
	case DiscountFixed:
		amount = applyFixed(c, subtotal)
	default:
		return money.Money{}, errors.Errorf("unsupported discount type: %q", c.Type)
	}
	return capAtSubtotal(amount.ClampZero(), subtotal)
}

func applyPercentage(c *Coupon, subtotal money.Money) money.Money {
	return subtotal.PercentFloor(c.Value)
}

func applyFixed(c *Coupon, subtotal money.Money) money.Money {
	return money.FromDecimal(c.Value, subtotal.Currency)
}

func capAtSubtotal(amount, subtotal money.Money) (money.Money, error) {
	return money.Min(amount, subtotal.ClampZero())
}
