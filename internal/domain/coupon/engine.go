package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/storefront-engine/internal/domain/apperr"
	"github.com/xenking/storefront-engine/internal/domain/money"
)

// Engine validates coupons against a subtotal and records redemptions.
//
// Apply is read-only and safe to call on every cart view. Redeem must be
// called once the owning order exists; it is idempotent on the order id.
type Engine struct {
	repo Repository
	now  func() time.Time
}

// NewEngine creates an Engine backed by the given Repository.
func NewEngine(repo Repository) *Engine {
	return &Engine{repo: repo, now: time.Now}
}

// Apply looks up the coupon, checks expiry, usage and minimum-total rules,
// and computes the discount. It does not modify the coupon.
func (e *Engine) Apply(ctx context.Context, code string, subtotal money.Money) (*Application, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, apperr.Invalid("coupon_code", "is empty")
	}

	c, err := e.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, invalid(code, ReasonNotFound, "")
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}

	now := e.now()
	if c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
		return nil, invalid(code, ReasonExpired, "expired at "+c.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if c.UsageLimit > 0 && c.UsageCount >= c.UsageLimit {
		return nil, invalid(code, ReasonUsageLimit, "")
	}
	if c.MinCartTotal != nil {
		if !c.MinCartTotal.SameCurrency(subtotal) {
			return nil, invalid(code, ReasonCurrencyMismatch, "minimum is in "+string(c.MinCartTotal.Currency))
		}
		if subtotal.Amount < c.MinCartTotal.Amount {
			return nil, invalid(code, ReasonBelowMinimum, "minimum is "+c.MinCartTotal.String())
		}
	}

	d, err := Discount(c, subtotal)
	if err != nil {
		return nil, err
	}

	return &Application{Coupon: *c, Discount: d}, nil
}

// Redeem counts one use of code for orderID. Repeated calls with the same
// order id do not count again.
func (e *Engine) Redeem(ctx context.Context, code, orderID string) (bool, error) {
	code = NormalizeCode(code)
	if code == "" || orderID == "" {
		return false, apperr.Invalid("redemption", "code and order id are required")
	}
	counted, err := e.repo.Redeem(ctx, code, orderID)
	if err != nil {
		return false, errors.Wrap(err, "redeem coupon")
	}
	return counted, nil
}
