// Package square issues refunds through the Square Payments API.
package square

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	sq "github.com/square/square-go-sdk"
	sqclient "github.com/square/square-go-sdk/client"
	sqcore "github.com/square/square-go-sdk/core"
	sqoption "github.com/square/square-go-sdk/option"
	"go.uber.org/zap"

	"github.com/xenking/storefront-engine/internal/domain/money"
	"github.com/xenking/storefront-engine/internal/domain/payment"
)

const (
	sandboxEnv    = "sandbox"
	productionEnv = "production"
)

var baseURLs = map[string]string{
	sandboxEnv:    "https://connect.squareupsandbox.com",
	productionEnv: "https://connect.squareup.com",
}

var errAccessTokenRequired = errors.New("square access token is required")

// refunder is the slice of the Square SDK used here.
type refunder interface {
	RefundPayment(ctx context.Context, req *sq.RefundPaymentRequest, opts ...sqoption.RequestOption) (*sq.RefundPaymentResponse, error)
}

// Refunds implements payment.Provider.
type Refunds struct {
	api refunder
	now func() time.Time
}

var _ payment.Provider = (*Refunds)(nil)

// New creates a Square refunds client for environment "sandbox" or
// "production".
func New(accessToken, environment string) (*Refunds, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return nil, errAccessTokenRequired
	}
	env := strings.ToLower(strings.TrimSpace(environment))
	if env == "" {
		env = sandboxEnv
	}
	baseURL, ok := baseURLs[env]
	if !ok {
		return nil, errors.Errorf("square environment must be %q or %q", sandboxEnv, productionEnv)
	}

	sdk := sqclient.NewClient(
		sqoption.WithBaseURL(baseURL),
		sqoption.WithToken(accessToken),
	)
	return &Refunds{api: sdk.Refunds, now: time.Now}, nil
}

// refundPayload is decoded from the SDK refund object.
type refundPayload struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// Refund refunds amount of paymentRef. Square deduplicates on the
// idempotency key, so repeating a call returns the original refund.
func (r *Refunds) Refund(ctx context.Context, paymentRef string, amount money.Money, idempotencyKey string) (*payment.RefundReceipt, error) {
	lg := zctx.From(ctx).With(
		zap.String("payment_id", paymentRef),
		zap.String("idempotency_key", idempotencyKey),
	)

	amt := amount.Amount
	cur := sq.Currency(amount.Currency)
	req := &sq.RefundPaymentRequest{
		IdempotencyKey: idempotencyKey,
		AmountMoney:    &sq.Money{Amount: &amt, Currency: &cur},
		PaymentID:      &paymentRef,
	}

	resp, err := r.api.RefundPayment(ctx, req)
	if err != nil {
		lg.Warn("Square refund failed", zap.Error(err))
		return nil, mapError(paymentRef, err)
	}

	raw, err := json.Marshal(resp.GetRefund())
	if err != nil {
		return nil, errors.Wrap(err, "encode square refund")
	}
	var p refundPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(err, "decode square refund")
	}

	receipt := &payment.RefundReceipt{
		ID:        p.ID,
		Status:    refundStatus(p.Status),
		Amount:    amount,
		CreatedAt: r.now(),
	}
	if t, err := time.Parse(time.RFC3339, p.CreatedAt); err == nil {
		receipt.CreatedAt = t
	}
	if receipt.Status == payment.RefundRejected || receipt.Status == payment.RefundFailed {
		lg.Warn("Square refund declined",
			zap.String("refund_id", receipt.ID),
			zap.String("status", string(receipt.Status)),
		)
		return nil, &payment.RefundError{
			PaymentRef: paymentRef,
			Code:       string(receipt.Status),
			Detail:     "refund " + receipt.ID + " was " + strings.ToLower(string(receipt.Status)),
		}
	}
	lg.Info("Square refund issued",
		zap.String("refund_id", receipt.ID),
		zap.String("status", string(receipt.Status)),
	)
	return receipt, nil
}

func refundStatus(s string) payment.RefundStatus {
	switch strings.ToUpper(s) {
	case "COMPLETED":
		return payment.RefundCompleted
	case "REJECTED":
		return payment.RefundRejected
	case "FAILED":
		return payment.RefundFailed
	default:
		return payment.RefundPending
	}
}

func mapError(paymentRef string, err error) error {
	var apiErr *sqcore.APIError
	if !errors.As(err, &apiErr) {
		return errors.Wrap(err, "square refund")
	}
	rerr := &payment.RefundError{PaymentRef: paymentRef, Detail: apiErr.Error()}
	if errs := extractErrors(apiErr); len(errs) > 0 && errs[0] != nil {
		rerr.Code = string(errs[0].Code)
		if errs[0].Detail != nil {
			rerr.Detail = *errs[0].Detail
		}
	}
	return rerr
}

func extractErrors(apiErr *sqcore.APIError) []*sq.Error {
	inner := apiErr.Unwrap()
	if inner == nil {
		return nil
	}
	var payload struct {
		Errors []*sq.Error `json:"errors"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(inner.Error())), &payload); err != nil {
		return nil
	}
	return payload.Errors
}
