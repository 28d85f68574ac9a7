package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront-engine/internal/domain/apperr"
	"github.com/xenking/storefront-engine/internal/domain/auth"
	"github.com/xenking/storefront-engine/internal/domain/coupon"
	"github.com/xenking/storefront-engine/internal/domain/money"
	"github.com/xenking/storefront-engine/internal/domain/order"
	"github.com/xenking/storefront-engine/internal/domain/returns"
	"github.com/xenking/storefront-engine/internal/domain/txn"
)

func testOrder(id string, status order.Status) *order.Order {
	return &order.Order{
		ID:        id,
		Total:     money.New(1000, money.USD),
		Status:    status,
		Version:   1,
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		StatusHistory: []order.StatusChange{
			{To: status, Actor: "test"},
		},
	}
}

func TestOrderRepository_CAS(t *testing.T) {
	s := New()
	repo := s.Orders()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, testOrder("o1", order.StatusPending)))
	require.ErrorIs(t, repo.Create(ctx, testOrder("o1", order.StatusPending)), apperr.ErrConflict)

	change := order.StatusChange{From: order.StatusPending, To: order.StatusProcessing, Actor: "a"}
	require.NoError(t, repo.AppendStatus(ctx, "o1", 1, change))
	require.ErrorIs(t, repo.AppendStatus(ctx, "o1", 1, change), apperr.ErrConflict)

	o, err := repo.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusProcessing, o.Status)
	assert.Equal(t, int64(2), o.Version)
	assert.Len(t, o.StatusHistory, 2)

	_, err = repo.Get(ctx, "missing")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestOrderRepository_GetReturnsCopy(t *testing.T) {
	s := New()
	repo := s.Orders()
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, testOrder("o1", order.StatusPending)))

	o, err := repo.Get(ctx, "o1")
	require.NoError(t, err)
	o.Status = order.StatusCancelled
	o.StatusHistory[0].Actor = "mutated"

	again, err := repo.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, again.Status)
	assert.Equal(t, "test", again.StatusHistory[0].Actor)
}

func TestOrderRepository_ListByStatus(t *testing.T) {
	s := New()
	repo := s.Orders()
	ctx := context.Background()
	for i, id := range []string{"c", "a", "b"} {
		o := testOrder(id, order.StatusShipped)
		o.CreatedAt = o.CreatedAt.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.Create(ctx, o))
	}
	require.NoError(t, repo.Create(ctx, testOrder("d", order.StatusPaid)))

	got, err := repo.ListByStatus(ctx, order.StatusShipped, order.Cursor{}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "a", got[1].ID)

	rest, err := repo.ListByStatus(ctx, order.StatusShipped, got[1].Cursor(), 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "b", rest[0].ID)

	rest, err = repo.ListByStatus(ctx, order.StatusShipped, rest[0].Cursor(), 2)
	require.NoError(t, err)
	assert.Empty(t, rest)
}


func TestStore_WithinTxRollsBack(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Orders().Create(ctx, testOrder("o1", order.StatusDelivered)))

	var hookRan bool
	boom := errors.New("payment declined")
	err := s.WithinTx(ctx, func(ctx context.Context) error {
		require.True(t, txn.InTx(ctx))
		txn.AfterCommit(ctx, func() { hookRan = true })

		change := order.StatusChange{From: order.StatusDelivered, To: order.StatusRefunded, Actor: "a"}
		require.NoError(t, s.Orders().AppendStatus(ctx, "o1", 1, change))
		require.NoError(t, s.Orders().Create(ctx, testOrder("o2", order.StatusPending)))
		require.NoError(t, s.Returns().Create(ctx, &returns.Request{ID: "r1", OrderID: "o1", Version: 1}))
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, hookRan)

	o, err := s.Orders().Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusDelivered, o.Status)
	assert.Equal(t, int64(1), o.Version)

	_, err = s.Orders().Get(ctx, "o2")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = s.Returns().Get(ctx, "r1")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestStore_WithinTxCommitsAndRunsHooks(t *testing.T) {
	s := New()
	ctx := context.Background()

	var hookRan bool
	err := s.WithinTx(ctx, func(ctx context.Context) error {
		txn.AfterCommit(ctx, func() { hookRan = true })
		// Nested units join the outer one.
		return s.WithinTx(ctx, func(ctx context.Context) error {
			return s.Orders().Create(ctx, testOrder("o1", order.StatusPending))
		})
	})
	require.NoError(t, err)
	assert.True(t, hookRan)

	_, err = s.Orders().Get(ctx, "o1")
	require.NoError(t, err)
}

func TestReturnRepository_Update(t *testing.T) {
	s := New()
	repo := s.Returns()
	ctx := context.Background()

	req := &returns.Request{ID: "r1", OrderID: "o1", Status: returns.StatusPending, Version: 1}
	require.NoError(t, repo.Create(ctx, req))

	req.Status = returns.StatusRejected
	require.NoError(t, repo.Update(ctx, req, 1))
	require.ErrorIs(t, repo.Update(ctx, req, 1), apperr.ErrConflict)

	got, err := repo.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, returns.StatusRejected, got.Status)
	assert.Equal(t, int64(2), got.Version)

	list, err := repo.ListByOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCouponRepository_RedeemIdempotent(t *testing.T) {
	s := New()
	repo := s.Coupons()
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, coupon.Coupon{
		Code:       "save10",
		Type:       coupon.DiscountPercentage,
		Value:      decimal.NewFromInt(10),
		UsageLimit: 2,
	}))

	counted, err := repo.Redeem(ctx, "SAVE10", "o1")
	require.NoError(t, err)
	assert.True(t, counted)

	counted, err = repo.Redeem(ctx, "save10", "o1")
	require.NoError(t, err)
	assert.False(t, counted)

	counted, err = repo.Redeem(ctx, "SAVE10", "o2")
	require.NoError(t, err)
	assert.True(t, counted)

	_, err = repo.Redeem(ctx, "SAVE10", "o3")
	require.ErrorIs(t, err, coupon.ErrInvalidCoupon)

	c, err := repo.FindByCode(ctx, "save10")
	require.NoError(t, err)
	assert.Equal(t, 2, c.UsageCount)

	codes, err := repo.ListCodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"SAVE10"}, codes)
}

func TestCouponRepository_ConcurrentRedeemSameOrder(t *testing.T) {
	s := New()
	repo := s.Coupons()
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, coupon.Coupon{Code: "X", Type: coupon.DiscountFixed, Value: decimal.NewFromInt(5)}))

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = repo.Redeem(ctx, "X", "o1")
		}()
	}
	wg.Wait()

	c, err := repo.FindByCode(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, 1, c.UsageCount)
}

func TestAPIKeyRepository(t *testing.T) {
	s := New()
	repo := s.APIKeys()
	ctx := context.Background()

	hash := auth.HashKey([]byte("p"), "raw")
	require.NoError(t, repo.Save(ctx, auth.Key{ID: "k1", Hash: hash, Actor: "ops"}))

	k, err := repo.FindByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "ops", k.Actor)

	_, err = repo.FindByHash(ctx, "nope")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}
