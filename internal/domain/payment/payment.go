// Package payment describes the payment provider capability the engine
// depends on for refunds.
package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/storefront-engine/internal/domain/apperr"
	"github.com/xenking/storefront-engine/internal/domain/money"
)

// RefundStatus mirrors the provider's refund lifecycle.
type RefundStatus string

const (
	RefundPending   RefundStatus = "PENDING"
	RefundCompleted RefundStatus = "COMPLETED"
	RefundRejected  RefundStatus = "REJECTED"
	RefundFailed    RefundStatus = "FAILED"
)

// RefundReceipt is the provider's acknowledgement of a refund.
type RefundReceipt struct {
	ID        string       `json:"id"`
	Status    RefundStatus `json:"status"`
	Amount    money.Money  `json:"amount"`
	CreatedAt time.Time    `json:"created_at"`
}

// Provider issues refunds against captured payments. Calls with the same
// idempotency key must not refund twice.
type Provider interface {
	Refund(ctx context.Context, paymentRef string, amount money.Money, idempotencyKey string) (*RefundReceipt, error)
}

// ErrRefundFailed matches every *RefundError.
var ErrRefundFailed = errors.New("refund failed")

// RefundError reports a refund the provider declined or could not process.
type RefundError struct {
	PaymentRef string
	Code       string
	Detail     string
}

func (e *RefundError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("refund of payment %s failed: %s", e.PaymentRef, e.Detail)
	}
	return fmt.Sprintf("refund of payment %s failed: %s: %s", e.PaymentRef, e.Code, e.Detail)
}

func (e *RefundError) Is(target error) bool { return target == ErrRefundFailed }

func (e *RefundError) ErrorCode() apperr.Code { return apperr.CodeDependency }
