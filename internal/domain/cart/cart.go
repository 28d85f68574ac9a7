// Package cart defines the priced shopping cart handed to checkout.
package cart

import (
	"reflect"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"

	"github.com/xenking/storefront-engine/internal/domain/apperr"
	"github.com/xenking/storefront-engine/internal/domain/money"
)

// Address is a shipping destination.
type Address struct {
	Line1      string `json:"line1,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// Line is a single product entry in a cart.
type Line struct {
	ProductID string      `json:"product_id" validate:"required"`
	UnitPrice money.Money `json:"unit_price"`
	Quantity  int         `json:"quantity" validate:"gt=0"`
}

// Cart is an ordered list of lines, a destination, and an optional coupon.
// A Cart is treated as immutable once priced; revisions produce a new Cart.
type Cart struct {
	Lines       []Line  `json:"lines" validate:"required,min=1,dive"`
	Destination Address `json:"destination"`
	CouponCode  string  `json:"coupon_code,omitempty"`
}

// Validator checks cart shape. It is safe for concurrent use.
type Validator struct {
	v *validator.Validate
}

// NewValidator returns a Validator reporting fields by their JSON names.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return &Validator{v: v}
}

// Validate returns an *apperr.ValidationError describing the first problem
// with c, or nil.
func (val *Validator) Validate(c Cart) error {
	if err := val.v.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if ok := asValidationErrors(err, &fieldErrs); ok && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return apperr.Invalid(fieldPath(fe), message(fe))
		}
		return apperr.Invalid("cart", err.Error())
	}

	cur := c.Lines[0].UnitPrice.Currency
	if !cur.IsValid() {
		return apperr.Invalid("lines[0].unit_price.currency", "unsupported currency")
	}
	for i, l := range c.Lines {
		if l.UnitPrice.Currency != cur {
			return apperr.Invalid(linePath(i, "unit_price.currency"), "all lines must share one currency")
		}
		if l.UnitPrice.IsNegative() {
			return apperr.Invalid(linePath(i, "unit_price.amount"), "must not be negative")
		}
	}
	if _, err := c.Subtotal(); err != nil {
		return err
	}
	return nil
}

// Currency returns the currency of the cart's lines.
func (c Cart) Currency() money.Currency {
	if len(c.Lines) == 0 {
		return ""
	}
	return c.Lines[0].UnitPrice.Currency
}

// Subtotal recomputes the sum of unitPrice * quantity over all lines. An
// amount too large for int64 minor units yields an *apperr.ValidationError.
func (c Cart) Subtotal() (money.Money, error) {
	total := money.Zero(c.Currency())
	for i, l := range c.Lines {
		lineTotal, err := l.UnitPrice.Times(int64(l.Quantity))
		if err != nil {
			return money.Money{}, &apperr.ValidationError{Field: linePath(i, "quantity"), Reason: "line total out of range", Err: err}
		}
		total, err = total.Add(lineTotal)
		if errors.Is(err, money.ErrOverflow) {
			return money.Money{}, &apperr.ValidationError{Field: "lines", Reason: "subtotal out of range", Err: err}
		}
		if err != nil {
			return money.Money{}, err
		}
	}
	return total, nil
}
