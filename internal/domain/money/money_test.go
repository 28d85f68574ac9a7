package money

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCurrency(t *testing.T) {
	c, err := ParseCurrency(" mxn ")
	require.NoError(t, err)
	assert.Equal(t, MXN, c)

	_, err = ParseCurrency("XXX")
	require.ErrorIs(t, err, ErrInvalidCurrency)
}

func TestFromDecimal_RoundsHalfUp(t *testing.T) {
	tests := []struct {
		in   string
		cur  Currency
		want int64
	}{
		{in: "1000.00", cur: MXN, want: 100000},
		{in: "0.005", cur: USD, want: 1},
		{in: "0.004", cur: USD, want: 0},
		{in: "12.345", cur: EUR, want: 1235},
		{in: "150.5", cur: JPY, want: 151},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := FromDecimal(decimal.RequireFromString(tt.in), tt.cur)
			assert.Equal(t, tt.want, got.Amount)
			assert.Equal(t, tt.cur, got.Currency)
		})
	}
}

func TestMoney_Arithmetic(t *testing.T) {
	a := New(1500, MXN)
	b := New(500, MXN)

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), sum.Amount)

	diff, err := b.Sub(a)
	require.NoError(t, err)
	assert.True(t, diff.IsNegative())
	assert.True(t, diff.ClampZero().IsZero())

	_, err = a.Add(New(1, USD))
	require.ErrorIs(t, err, ErrCurrencyMismatch)

	m, err := Min(a, b)
	require.NoError(t, err)
	assert.Equal(t, b, m)

	total, err := Sum(MXN, a, b, New(1, MXN))
	require.NoError(t, err)
	assert.Equal(t, int64(2001), total.Amount)
}

func TestMoney_MulRate(t *testing.T) {
	// 900.00 MXN at 16% -> 144.00 MXN.
	got := New(90000, MXN).MulRate(decimal.RequireFromString("0.16"))
	assert.Equal(t, int64(14400), got.Amount)

	// 0.05 * 0.1 = 0.005 -> rounds half-up to 0.01.
	got = New(5, USD).MulRate(decimal.RequireFromString("0.1"))
	assert.Equal(t, int64(1), got.Amount)
}

func TestMoney_PercentFloor(t *testing.T) {
	assert.Equal(t, int64(10000), New(100000, MXN).PercentFloor(decimal.NewFromInt(10)).Amount)
	// 999 * 15 / 100 = 149.85 -> 149.
	assert.Equal(t, int64(149), New(999, USD).PercentFloor(decimal.NewFromInt(15)).Amount)
}

func TestMoney_String(t *testing.T) {
	assert.Equal(t, "1094.00 MXN", New(109400, MXN).String())
	assert.Equal(t, "500 JPY", New(500, JPY).String())
}

func TestMoney_Overflow(t *testing.T) {
	big := New(math.MaxInt64/2+1, MXN)

	_, err := big.Times(2)
	require.ErrorIs(t, err, ErrOverflow)

	_, err = big.Add(big)
	require.ErrorIs(t, err, ErrOverflow)

	_, err = New(math.MinInt64+1, MXN).Sub(New(2, MXN))
	require.ErrorIs(t, err, ErrOverflow)

	got, err := New(2500, MXN).Times(3)
	require.NoError(t, err)
	assert.Equal(t, int64(7500), got.Amount)

	got, err = big.Times(0)
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}
