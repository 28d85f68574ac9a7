package coupon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-engine/internal/domain/apperr"
	"github.com/xenking/storefront-engine/internal/domain/money"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes Value percent off the subtotal, rounded down.
	DiscountPercentage DiscountType = "PERCENTAGE"
	// DiscountFixed takes Value major units off the subtotal, capped at the subtotal.
	DiscountFixed DiscountType = "FIXED"
)

// IsValid reports whether t is a known discount type.
func (t DiscountType) IsValid() bool {
	return t == DiscountPercentage || t == DiscountFixed
}

// ParseDiscountType accepts either case.
func ParseDiscountType(s string) (DiscountType, error) {
	t := DiscountType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", errors.Errorf("unsupported discount type: %q", s)
	}
	return t, nil
}

// Reason identifies which coupon rule rejected a cart.
type Reason string

const (
	ReasonNotFound         Reason = "not_found"
	ReasonExpired          Reason = "expired"
	ReasonUsageLimit       Reason = "usage_limit_reached"
	ReasonBelowMinimum     Reason = "below_minimum_total"
	ReasonCurrencyMismatch Reason = "currency_mismatch"
)

// ErrInvalidCoupon matches every *InvalidCouponError via errors.Is.
var ErrInvalidCoupon = errors.New("invalid coupon code")

// InvalidCouponError reports why a coupon cannot be applied.
type InvalidCouponError struct {
	Code   string
	Reason Reason
	Detail string
}

func (e *InvalidCouponError) Error() string {
	msg := fmt.Sprintf("coupon %q rejected: %s", e.Code, e.Reason)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *InvalidCouponError) Is(target error) bool { return target == ErrInvalidCoupon }

func (e *InvalidCouponError) ErrorCode() apperr.Code { return apperr.CodeInvalidCoupon }

func invalid(code string, reason Reason, detail string) *InvalidCouponError {
	return &InvalidCouponError{Code: code, Reason: reason, Detail: detail}
}

// UsageLimitReached is returned by repositories whose conditional increment
// finds the coupon exhausted.
func UsageLimitReached(code string) error {
	return invalid(code, ReasonUsageLimit, "")
}

// Coupon is a merchant-defined discount code.
type Coupon struct {
	Code         string
	Type         DiscountType
	Value        decimal.Decimal
	MinCartTotal *money.Money
	ExpiresAt    *time.Time
	// UsageLimit of zero means unlimited.
	UsageLimit  int
	UsageCount  int
	Description string
}

// Validate checks the definition of a coupon before it is stored.
func (c *Coupon) Validate() error {
	if NormalizeCode(c.Code) == "" {
		return apperr.Invalid("code", "is required")
	}
	if !c.Type.IsValid() {
		return apperr.Invalid("type", fmt.Sprintf("unsupported discount type %q", c.Type))
	}
	if !c.Value.IsPositive() {
		return apperr.Invalid("value", "must be positive")
	}
	if c.Type == DiscountPercentage && c.Value.GreaterThan(decimal.NewFromInt(100)) {
		return apperr.Invalid("value", "percentage must not exceed 100")
	}
	if c.UsageLimit < 0 {
		return apperr.Invalid("usage_limit", "must not be negative")
	}
	return nil
}

// Application is the validated result of applying a coupon to a subtotal.
type Application struct {
	Coupon   Coupon
	Discount money.Money
}

// Repository provides lookup and redemption of coupons.
type Repository interface {
	// FindByCode returns an apperr.NotFoundError when the code is unknown.
	FindByCode(ctx context.Context, code string) (*Coupon, error)
	// Redeem increments the usage count once per (code, orderID). It reports
	// whether this call performed the increment.
	Redeem(ctx context.Context, code, orderID string) (bool, error)
}

// CodeLister enumerates every stored coupon code.
type CodeLister interface {
	ListCodes(ctx context.Context) ([]string, error)
}

// NormalizeCode canonicalizes a code for lookup.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
