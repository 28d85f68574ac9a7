package memory

import (
	"context"
	"slices"

	"github.com/xenking/storefront-engine/internal/domain/apperr"
	"github.com/xenking/storefront-engine/internal/domain/coupon"
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
	code := coupon.NormalizeCode(c.Code)
	c.Code = code
	return r.s.write(ctx, func(undo func(func())) error {
		prev, ok := r.s.coupons[code]
		if ok {
			c.UsageCount = prev.UsageCount
		}
		r.s.coupons[code] = &c
		undo(func() {
			if ok {
				r.s.coupons[code] = prev
				return
			}
			delete(r.s.coupons, code)
		})
		return nil
	})
}

func (r *CouponRepository) FindByCode(_ context.Context, code string) (*coupon.Coupon, error) {
	code = coupon.NormalizeCode(code)
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	c, ok := r.s.coupons[code]
	if !ok {
		return nil, apperr.NotFound("coupon", code)
	}
	cp := *c
	return &cp, nil
}

func (r *CouponRepository) Redeem(ctx context.Context, code, orderID string) (bool, error) {
	code = coupon.NormalizeCode(code)
	var counted bool
	err := r.s.write(ctx, func(undo func(func())) error {
		c, ok := r.s.coupons[code]
		if !ok {
			return apperr.NotFound("coupon", code)
		}
		redeemed := r.s.redemptions[code]
		if _, done := redeemed[orderID]; done {
			return nil
		}
		if c.UsageLimit > 0 && c.UsageCount >= c.UsageLimit {
			return coupon.UsageLimitReached(code)
		}
		if redeemed == nil {
			redeemed = make(map[string]struct{})
			r.s.redemptions[code] = redeemed
		}
		redeemed[orderID] = struct{}{}
		c.UsageCount++
		counted = true
		undo(func() {
			delete(redeemed, orderID)
			c.UsageCount--
		})
		return nil
	})
	return counted, err
}

func (r *CouponRepository) ListCodes(_ context.Context) ([]string, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	codes := make([]string, 0, len(r.s.coupons))
	for code := range r.s.coupons {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	return codes, nil
}
