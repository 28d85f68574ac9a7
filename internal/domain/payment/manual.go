package payment

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xenking/storefront-engine/internal/domain/apperr"
	"github.com/xenking/storefront-engine/internal/domain/money"
)

// Manual records refunds for back-office settlement when no payment gateway
// is configured. Receipts stay PENDING until someone settles them by hand.
type Manual struct {
	mu       sync.Mutex
	receipts map[string]*RefundReceipt
	now      func() time.Time
}

var _ Provider = (*Manual)(nil)

// NewManual creates an empty manual refund ledger.
func NewManual() *Manual {
	return &Manual{receipts: make(map[string]*RefundReceipt), now: time.Now}
}

func (m *Manual) Refund(_ context.Context, paymentRef string, amount money.Money, idempotencyKey string) (*RefundReceipt, error) {
	if paymentRef == "" {
		return nil, apperr.Invalid("payment_ref", "is required")
	}
	if idempotencyKey == "" {
		return nil, apperr.Invalid("idempotency_key", "is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.receipts[idempotencyKey]; ok {
		cp := *r
		return &cp, nil
	}
	r := &RefundReceipt{
		ID:        uuid.NewString(),
		Status:    RefundPending,
		Amount:    amount,
		CreatedAt: m.now(),
	}
	m.receipts[idempotencyKey] = r
	cp := *r
	return &cp, nil
}

// Len returns the number of distinct refunds recorded.
func (m *Manual) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.receipts)
}
