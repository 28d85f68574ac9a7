package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-engine/internal/domain/apperr"
	"github.com/xenking/storefront-engine/internal/domain/coupon"
	"github.com/xenking/storefront-engine/internal/domain/money"
)

const (
	selectCouponSQL = `SELECT code, discount_type, value, min_total, min_currency, expires_at,
		usage_limit, usage_count, description FROM coupons WHERE code = $1`

	upsertCouponSQL = `INSERT INTO coupons (code, discount_type, value, min_total, min_currency,
		expires_at, usage_limit, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (code) DO UPDATE SET
			discount_type = EXCLUDED.discount_type,
			value = EXCLUDED.value,
			min_total = EXCLUDED.min_total,
			min_currency = EXCLUDED.min_currency,
			expires_at = EXCLUDED.expires_at,
			usage_limit = EXCLUDED.usage_limit,
			description = EXCLUDED.description`

	insertRedemptionSQL = `INSERT INTO coupon_redemptions (code, order_id) VALUES ($1, $2)
		ON CONFLICT (code, order_id) DO NOTHING`

	incrementUsageSQL = `UPDATE coupons SET usage_count = usage_count + 1
		WHERE code = $1 AND (usage_limit = 0 OR usage_count < usage_limit)`

	listCodesSQL = `SELECT code FROM coupons ORDER BY code`
)

// CouponRepository implements coupon.Repository and coupon.CodeLister.
type CouponRepository struct {
	s *Store
}

var (
	_ coupon.Repository = (*CouponRepository)(nil)
	_ coupon.CodeLister = (*CouponRepository)(nil)
)

// Save inserts or replaces a coupon definition, keeping its usage count.
func (r *CouponRepository) Save(ctx context.Context, c coupon.Coupon) error {
	if err := c.Validate(); err != nil {
		return err
	}
	var (
		minTotal    *int64
		minCurrency *string
	)
	if c.MinCartTotal != nil {
		amt, cur := c.MinCartTotal.Amount, string(c.MinCartTotal.Currency)
		minTotal, minCurrency = &amt, &cur
	}
	_, err := r.s.conn(ctx).Exec(ctx, upsertCouponSQL,
		coupon.NormalizeCode(c.Code), string(c.Type), c.Value, minTotal, minCurrency,
		c.ExpiresAt, c.UsageLimit, c.Description,
	)
	return apperr.Storage("save coupon", err)
}

func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	code = coupon.NormalizeCode(code)
	rows, err := r.s.conn(ctx).Query(ctx, selectCouponSQL+forUpdate(ctx), code)
	if err != nil {
		return nil, apperr.Storage("find coupon", err)
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("coupon", code)
	}
	if err != nil {
		return nil, apperr.Storage("find coupon", err)
	}
	return &c, nil
}

// Redeem records the (code, order) pair and increments the usage count with
// a conditional update, both in one transaction.
func (r *CouponRepository) Redeem(ctx context.Context, code, orderID string) (bool, error) {
	code = coupon.NormalizeCode(code)
	var counted bool
	err := r.s.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := r.FindByCode(ctx, code); err != nil {
			return err
		}
		c := r.s.conn(ctx)
		tag, err := c.Exec(ctx, insertRedemptionSQL, code, orderID)
		if err != nil {
			return apperr.Storage("insert redemption", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		tag, err = c.Exec(ctx, incrementUsageSQL, code)
		if err != nil {
			return apperr.Storage("increment usage", err)
		}
		if tag.RowsAffected() == 0 {
			return coupon.UsageLimitReached(code)
		}
		counted = true
		return nil
	})
	return counted, err
}

func (r *CouponRepository) ListCodes(ctx context.Context) ([]string, error) {
	rows, err := r.s.conn(ctx).Query(ctx, listCodesSQL)
	if err != nil {
		return nil, apperr.Storage("list coupon codes", err)
	}
	codes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, apperr.Storage("scan coupon codes", err)
	}
	return codes, nil
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c            coupon.Coupon
		discountType string
		value        decimal.Decimal
		minTotal     *int64
		minCurrency  *string
		expiresAt    *time.Time
		usageLimit   int32
		usageCount   int32
	)
	err := row.Scan(
		&c.Code, &discountType, &value, &minTotal, &minCurrency, &expiresAt,
		&usageLimit, &usageCount, &c.Description,
	)
	c.Type = coupon.DiscountType(discountType)
	c.Value = value
	if minTotal != nil && minCurrency != nil {
		m := money.New(*minTotal, money.Currency(*minCurrency))
		c.MinCartTotal = &m
	}
	c.ExpiresAt = expiresAt
	c.UsageLimit = int(usageLimit)
	c.UsageCount = int(usageCount)
	return c, err
}
