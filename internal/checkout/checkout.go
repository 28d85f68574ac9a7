// Package checkout turns a priced cart into a PENDING order.
package checkout

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/storefront-engine/internal/domain/apperr"
	"github.com/xenking/storefront-engine/internal/domain/cart"
	"github.com/xenking/storefront-engine/internal/domain/coupon"
	"github.com/xenking/storefront-engine/internal/domain/money"
	"github.com/xenking/storefront-engine/internal/domain/order"
	"github.com/xenking/storefront-engine/internal/domain/shipping"
	"github.com/xenking/storefront-engine/internal/domain/tax"
)

// ErrQuoteExpired matches every *QuoteExpiredError.
var ErrQuoteExpired = errors.New("shipping quote expired")

// QuoteExpiredError reports a selected quote past its expiry. The caller
// must re-quote.
type QuoteExpiredError struct {
	Carrier      string
	ServiceLevel string
	ExpiredAt    time.Time
}

func (e *QuoteExpiredError) Error() string {
	return fmt.Sprintf("%s %s quote expired at %s, request new rates",
		e.Carrier, e.ServiceLevel, e.ExpiredAt.UTC().Format(time.RFC3339))
}

func (e *QuoteExpiredError) Is(target error) bool { return target == ErrQuoteExpired }

func (e *QuoteExpiredError) ErrorCode() apperr.Code { return apperr.CodeQuoteExpired }

// Coupons is the coupon capability checkout depends on.
type Coupons interface {
	Apply(ctx context.Context, code string, subtotal money.Money) (*coupon.Application, error)
	Redeem(ctx context.Context, code, orderID string) (bool, error)
}

// QuoteVerifier confirms that a selected quote was issued for a route and
// weight, returning the issued quote.
type QuoteVerifier interface {
	Issued(ctx context.Context, fromZip, toZip string, weight float64, q shipping.Quote) (shipping.Quote, error)
}

// Request is a single checkout attempt.
type Request struct {
	Cart       cart.Cart
	Quote      shipping.Quote
	Actor      string
	PaymentRef string

	// Weight is the parcel weight the quote was requested for. Required
	// when quotes are verified.
	Weight float64
	// FromZip overrides the origin the quote was requested from.
	FromZip string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTracerProvider sets the provider checkout spans are created with.
// Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Orchestrator) {
		if tp != nil {
			s.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithQuoteVerifier makes checkout accept only quotes that v issued. fromZip
// is the origin used when a request does not name one.
func WithQuoteVerifier(v QuoteVerifier, fromZip string) Option {
	return func(s *Orchestrator) {
		s.quotes = v
		s.fromZip = fromZip
	}
}

const tracerName = "github.com/xenking/storefront-engine/internal/checkout"

// Orchestrator prices a cart and creates the order.
type Orchestrator struct {
	validator *cart.Validator
	coupons   Coupons
	taxes     *tax.Engine
	orders    order.Repository
	quotes    QuoteVerifier
	fromZip   string
	tracer    trace.Tracer
	now       func() time.Time
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(validator *cart.Validator, coupons Coupons, taxes *tax.Engine, orders order.Repository, opts ...Option) *Orchestrator {
	s := &Orchestrator{
		validator: validator,
		coupons:   coupons,
		taxes:     taxes,
		orders:    orders,
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Checkout prices req.Cart and stores a PENDING order. Nothing is persisted
// unless every pricing step succeeds; the order insert is the commit point.
// Coupon redemption afterwards is best effort and never fails the checkout.
func (s *Orchestrator) Checkout(ctx context.Context, req Request) (*order.Order, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.Checkout", trace.WithAttributes(
		attribute.Int("checkout.lines", len(req.Cart.Lines)),
		attribute.String("checkout.carrier", req.Quote.Carrier),
		attribute.Bool("checkout.coupon", strings.TrimSpace(req.Cart.CouponCode) != ""),
	))
	defer span.End()

	o, err := s.checkout(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperr.CodeOf(err)))
		return nil, err
	}
	span.SetAttributes(
		attribute.String("order.id", o.ID),
		attribute.String("order.currency", string(o.Total.Currency)),
		attribute.Int64("order.total_minor", o.Total.Amount),
	)
	return o, nil
}

func (s *Orchestrator) checkout(ctx context.Context, req Request) (*order.Order, error) {
	if strings.TrimSpace(req.Actor) == "" {
		return nil, apperr.Invalid("actor", "is required")
	}
	if err := s.validator.Validate(req.Cart); err != nil {
		return nil, err
	}

	subtotal, err := req.Cart.Subtotal()
	if err != nil {
		return nil, errors.Wrap(err, "subtotal")
	}
	cur := subtotal.Currency

	discount := money.Zero(cur)
	code := coupon.NormalizeCode(req.Cart.CouponCode)
	if code != "" {
		app, err := s.coupons.Apply(ctx, code, subtotal)
		if err != nil {
			return nil, errors.Wrap(err, "apply coupon")
		}
		discount = app.Discount
	}

	taxable, err := subtotal.Sub(discount)
	if err != nil {
		return nil, errors.Wrap(err, "taxable base")
	}
	taxAmount := s.taxes.TaxOn(taxable.ClampZero(), req.Cart.Destination)

	now := s.now()
	quote, err := s.selectedQuote(ctx, req, cur, now)
	if err != nil {
		return nil, err
	}
	shippingCost := quote.Price

	total, err := money.Sum(cur, taxable.ClampZero(), taxAmount, shippingCost)
	if errors.Is(err, money.ErrOverflow) {
		return nil, &apperr.ValidationError{Field: "total", Reason: "order total out of range", Err: err}
	}
	if err != nil {
		return nil, errors.Wrap(err, "total")
	}
	lines, err := orderLines(req.Cart.Lines)
	if err != nil {
		return nil, errors.Wrap(err, "order lines")
	}

	// Abandon before the commit point if the caller went away.
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "checkout aborted")
	}

	o := &order.Order{
		ID:           uuid.NewString(),
		Lines:        lines,
		Subtotal:     subtotal,
		Discount:     discount,
		Tax:          taxAmount,
		ShippingCost: shippingCost,
		Total:        total,
		CouponCode:   code,
		Shipping:     quote,
		Destination:  req.Cart.Destination,
		Weight:       req.Weight,
		PaymentRef:   req.PaymentRef,
		Status:       order.StatusPending,
		StatusHistory: []order.StatusChange{
			{To: order.StatusPending, Actor: req.Actor, At: now},
		},
		Version:   1,
		CreatedAt: now,
	}
	if err := s.orders.Create(ctx, o); err != nil {
		return nil, errors.Wrap(err, "create order")
	}

	if code != "" {
		s.redeem(context.WithoutCancel(ctx), code, o.ID)
	}
	return o, nil
}

// selectedQuote checks the quote the caller chose. With a verifier the issued
// quote replaces the caller's copy, so its price and expiry are authoritative.
func (s *Orchestrator) selectedQuote(ctx context.Context, req Request, cur money.Currency, now time.Time) (shipping.Quote, error) {
	q := req.Quote
	if q.Carrier == "" {
		return shipping.Quote{}, apperr.Invalid("quote.carrier", "is required")
	}
	if math.IsNaN(req.Weight) || req.Weight < 0 || req.Weight > shipping.MaxWeight {
		return shipping.Quote{}, apperr.Invalid("weight", fmt.Sprintf("must be between 0 and %g", shipping.MaxWeight))
	}
	if !q.LiveAt(now) {
		return shipping.Quote{}, expired(q)
	}

	if s.quotes != nil {
		from := req.FromZip
		if from == "" {
			from = s.fromZip
		}
		issued, err := s.quotes.Issued(ctx, from, req.Cart.Destination.PostalCode, req.Weight, q)
		if err != nil {
			return shipping.Quote{}, errors.Wrap(err, "verify quote")
		}
		if !issued.LiveAt(now) {
			return shipping.Quote{}, expired(issued)
		}
		q = issued
	}

	if q.Price.Currency != cur {
		return shipping.Quote{}, &apperr.ValidationError{
			Field:  "quote.price.currency",
			Reason: fmt.Sprintf("quote priced in %s, cart in %s", q.Price.Currency, cur),
			Err:    money.ErrCurrencyMismatch,
		}
	}
	if q.Price.IsNegative() {
		return shipping.Quote{}, apperr.Invalid("quote.price", "must not be negative")
	}
	return q, nil
}

func expired(q shipping.Quote) *QuoteExpiredError {
	return &QuoteExpiredError{
		Carrier:      q.Carrier,
		ServiceLevel: q.ServiceLevel,
		ExpiredAt:    q.ExpiresAt,
	}
}

func (s *Orchestrator) redeem(ctx context.Context, code, orderID string) {
	lg := zctx.From(ctx)
	counted, err := s.coupons.Redeem(ctx, code, orderID)
	if err != nil {
		lg.Warn("Coupon redemption failed, order kept",
			zap.String("coupon", code),
			zap.String("order_id", orderID),
			zap.Error(err),
		)
		return
	}
	if !counted {
		lg.Debug("Coupon already redeemed for order",
			zap.String("coupon", code),
			zap.String("order_id", orderID),
		)
	}
}

func orderLines(lines []cart.Line) ([]order.Line, error) {
	out := make([]order.Line, len(lines))
	for i, l := range lines {
		lineTotal, err := l.UnitPrice.Times(int64(l.Quantity))
		if err != nil {
			return nil, err
		}
		out[i] = order.Line{
			ID:        uuid.NewString(),
			ProductID: l.ProductID,
			UnitPrice: l.UnitPrice,
			Quantity:  l.Quantity,
			LineTotal: lineTotal,
		}
	}
	return out, nil
}
