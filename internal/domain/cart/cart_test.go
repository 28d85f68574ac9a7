package cart

import (
	"math"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront-engine/internal/domain/apperr"
	"github.com/xenking/storefront-engine/internal/domain/money"
)

func TestCart_Subtotal(t *testing.T) {
	c := Cart{Lines: []Line{
		{ProductID: "p1", UnitPrice: money.New(25000, money.MXN), Quantity: 2},
		{ProductID: "p2", UnitPrice: money.New(50000, money.MXN), Quantity: 1},
	}}

	got, err := c.Subtotal()
	require.NoError(t, err)
	assert.Equal(t, money.New(100000, money.MXN), got)
}

func TestCart_SubtotalOverflow(t *testing.T) {
	c := Cart{Lines: []Line{{ProductID: "p1", UnitPrice: money.New(math.MaxInt64/2+1, money.MXN), Quantity: 2}}}

	_, err := c.Subtotal()
	require.ErrorIs(t, err, money.ErrOverflow)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestValidator_Validate(t *testing.T) {
	mxn := func(a int64) money.Money { return money.New(a, money.MXN) }

	tests := []struct {
		name      string
		cart      Cart
		wantField string
	}{
		{
			name: "valid",
			cart: Cart{Lines: []Line{{ProductID: "p1", UnitPrice: mxn(100), Quantity: 1}}},
		},
		{
			name:      "no lines",
			cart:      Cart{},
			wantField: "lines",
		},
		{
			name:      "zero quantity",
			cart:      Cart{Lines: []Line{{ProductID: "p1", UnitPrice: mxn(100), Quantity: 0}}},
			wantField: "lines[0].quantity",
		},
		{
			name:      "missing product",
			cart:      Cart{Lines: []Line{{UnitPrice: mxn(100), Quantity: 1}}},
			wantField: "lines[0].product_id",
		},
		{
			name: "mixed currency",
			cart: Cart{Lines: []Line{
				{ProductID: "p1", UnitPrice: mxn(100), Quantity: 1},
				{ProductID: "p2", UnitPrice: money.New(100, money.USD), Quantity: 1},
			}},
			wantField: "lines[1].unit_price.currency",
		},
		{
			name:      "negative price",
			cart:      Cart{Lines: []Line{{ProductID: "p1", UnitPrice: mxn(-1), Quantity: 1}}},
			wantField: "lines[0].unit_price.amount",
		},
		{
			name:      "line total overflows",
			cart:      Cart{Lines: []Line{{ProductID: "p1", UnitPrice: mxn(math.MaxInt64/2 + 1), Quantity: 2}}},
			wantField: "lines[0].quantity",
		},
		{
			name: "subtotal overflows",
			cart: Cart{Lines: []Line{
				{ProductID: "p1", UnitPrice: mxn(math.MaxInt64 - 10), Quantity: 1},
				{ProductID: "p2", UnitPrice: mxn(11), Quantity: 1},
			}},
			wantField: "lines",
		},
		{
			name:      "unknown currency",
			cart:      Cart{Lines: []Line{{ProductID: "p1", UnitPrice: money.New(1, "ZZZ"), Quantity: 1}}},
			wantField: "lines[0].unit_price.currency",
		},
	}

	v := NewValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.cart)
			if tt.wantField == "" {
				require.NoError(t, err)
				return
			}
			var vErr *apperr.ValidationError
			require.True(t, errors.As(err, &vErr), "expected ValidationError, got %v", err)
			assert.Equal(t, tt.wantField, vErr.Field)
		})
	}
}
