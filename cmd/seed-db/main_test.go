package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront-engine/internal/domain/auth"
	"github.com/xenking/storefront-engine/internal/domain/coupon"
)

func TestReadCoupons(t *testing.T) {
	coupons, err := readCoupons("../../db/seed/coupons.json")
	require.NoError(t, err)
	require.Len(t, coupons, 3)

	assert.Equal(t, "WELCOME10", coupons[0].Code)
	assert.Equal(t, coupon.DiscountFixed, coupons[1].Type)
	require.NotNil(t, coupons[1].MinCartTotal)
	assert.Equal(t, 500, coupons[2].UsageLimit)
	require.NotNil(t, coupons[2].ExpiresAt)
}

func TestSeedKey(t *testing.T) {
	key, err := seedKey(options{})
	require.NoError(t, err)
	assert.Nil(t, key)

	_, err = seedKey(options{apiKey: "raw"})
	require.ErrorContains(t, err, "pepper")

	_, err = seedKey(options{apiKey: "raw", pepper: "p", scopes: "checkout,refunds"})
	require.ErrorContains(t, err, `unknown scope "refunds"`)

	key, err = seedKey(options{apiKey: "raw", pepper: "p", actor: "ops:seed", scopes: " checkout , returns,"})
	require.NoError(t, err)
	assert.Equal(t, []string{auth.ScopeCheckout, auth.ScopeReturns}, key.Scopes)
	assert.Equal(t, auth.HashKey([]byte("p"), "raw"), key.Hash)
	assert.NotContains(t, key.Hash, "raw")
}
