package shipping

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront-engine/internal/domain/apperr"
)

const (
	// DefaultTTL bounds quote lifetime; carrier pricing is volatile.
	DefaultTTL = 5 * time.Minute
	// DefaultProviderTimeout bounds each carrier call.
	DefaultProviderTimeout = 3 * time.Second
	// MaxWeight is the heaviest parcel, in kilograms, the resolver quotes.
	MaxWeight = 1000.0
)

// ErrProviderTimeout is reported for a carrier that did not answer in time.
var ErrProviderTimeout = errors.New("provider timed out")

// Option configures a Resolver.
type Option func(*Resolver)

// WithTTL sets the quote lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithProviderTimeout sets the per-provider call timeout.
func WithProviderTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithMeterProvider records cache and provider metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(r *Resolver) {
		if mp != nil {
			r.meterProvider = mp
		}
	}
}

// Resolver compares rates across providers, caching each carrier's quote.
type Resolver struct {
	providers     []Provider
	cache         Cache
	ttl           time.Duration
	timeout       time.Duration
	now           func() time.Time
	meterProvider metric.MeterProvider
	metrics       resolverMetrics
}

// NewResolver returns a Resolver over providers backed by cache.
func NewResolver(cache Cache, providers []Provider, opts ...Option) *Resolver {
	r := &Resolver{
		providers:     providers,
		cache:         cache,
		ttl:           DefaultTTL,
		timeout:       DefaultProviderTimeout,
		now:           time.Now,
		meterProvider: noop.NewMeterProvider(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.metrics = newResolverMetrics(r.meterProvider.Meter("github.com/xenking/storefront-engine/shipping"))
	return r
}

// Providers returns the registered providers.
func (r *Resolver) Providers() []Provider {
	return r.providers
}

// Provider returns the registered provider with the given name.
func (r *Resolver) Provider(name string) (Provider, bool) {
	for _, p := range r.providers {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// CompareRates returns one quote per carrier that answered, sorted ascending
// by price. Carriers that fail or time out are omitted; if none answer it
// returns a *NoRatesAvailableError.
func (r *Resolver) CompareRates(ctx context.Context, fromZip, toZip string, weight float64) ([]Quote, error) {
	fromZip, toZip, bucket, err := route(fromZip, toZip, weight)
	if err != nil {
		return nil, err
	}

	quotes := make([]*Quote, len(r.providers))
	failures := make([]error, len(r.providers))

	var g errgroup.Group
	for i, p := range r.providers {
		g.Go(func() error {
			q, err := r.quote(ctx, p, fromZip, toZip, bucket)
			if err != nil {
				failures[i] = err
				return nil
			}
			quotes[i] = &q
			return nil
		})
	}
	_ = g.Wait()

	lg := zctx.From(ctx)
	result := make([]Quote, 0, len(quotes))
	var failed []ProviderFailure
	for i, q := range quotes {
		if q != nil {
			result = append(result, *q)
			continue
		}
		name := r.providers[i].Name()
		lg.Warn("Carrier omitted from rate comparison",
			zap.String("carrier", name),
			zap.String("from_zip", fromZip),
			zap.String("to_zip", toZip),
			zap.Error(failures[i]),
		)
		failed = append(failed, ProviderFailure{Carrier: name, Err: failures[i]})
	}

	if len(result) == 0 {
		return nil, &NoRatesAvailableError{FromZip: fromZip, ToZip: toZip, Failures: failed}
	}

	slices.SortStableFunc(result, func(a, b Quote) int {
		return cmp.Or(
			cmp.Compare(a.Price.Amount, b.Price.Amount),
			cmp.Compare(a.Carrier, b.Carrier),
			cmp.Compare(a.ServiceLevel, b.ServiceLevel),
		)
	})
	return result, nil
}

// Issued returns the quote the resolver handed out for the route, weight and
// carrier of q. It returns an *UnknownQuoteError when no live quote is cached
// or when q's service level or price differ from it.
func (r *Resolver) Issued(ctx context.Context, fromZip, toZip string, weight float64, q Quote) (Quote, error) {
	fromZip, toZip, bucket, err := route(fromZip, toZip, weight)
	if err != nil {
		return Quote{}, err
	}
	key := Key{FromZip: fromZip, ToZip: toZip, WeightBucket: bucket, Carrier: q.Carrier}

	cached, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		return Quote{}, apperr.Storage("read rate cache", err)
	}
	if !ok || !cached.LiveAt(r.now()) {
		return Quote{}, &UnknownQuoteError{Carrier: q.Carrier, Reason: "no live quote for this route, request new rates"}
	}
	if cached.ServiceLevel != q.ServiceLevel || cached.Price != q.Price {
		return Quote{}, &UnknownQuoteError{Carrier: q.Carrier, Reason: "quote differs from the one issued"}
	}
	return cached, nil
}

func route(fromZip, toZip string, weight float64) (string, string, int, error) {
	fromZip, toZip = strings.TrimSpace(fromZip), strings.TrimSpace(toZip)
	if fromZip == "" {
		return "", "", 0, apperr.Invalid("from_zip", "is required")
	}
	if toZip == "" {
		return "", "", 0, apperr.Invalid("to_zip", "is required")
	}
	if math.IsNaN(weight) || weight <= 0 || weight > MaxWeight {
		return "", "", 0, apperr.Invalid("weight", fmt.Sprintf("must be greater than 0 and at most %g", MaxWeight))
	}
	return fromZip, toZip, WeightBucket(weight), nil
}

// quote returns a live cached quote for p or fetches a fresh one.
func (r *Resolver) quote(ctx context.Context, p Provider, fromZip, toZip string, bucket int) (Quote, error) {
	name := p.Name()
	key := Key{FromZip: fromZip, ToZip: toZip, WeightBucket: bucket, Carrier: name}
	attrs := metric.WithAttributes(attribute.String("carrier", name))

	cached, ok, err := r.cache.Get(ctx, key)
	switch {
	case err != nil:
		zctx.From(ctx).Warn("Rate cache read failed", zap.String("key", key.String()), zap.Error(err))
	case ok && cached.LiveAt(r.now()):
		r.metrics.cacheHits.Add(ctx, 1, attrs)
		return cached, nil
	}
	r.metrics.cacheMisses.Add(ctx, 1, attrs)

	start := time.Now()
	rate, err := r.callProvider(ctx, p, fromZip, toZip, float64(bucket))
	r.metrics.latency.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		r.metrics.failures.Add(ctx, 1, attrs)
		return Quote{}, err
	}

	now := r.now()
	q := Quote{
		Carrier:       name,
		ServiceLevel:  rate.ServiceLevel,
		Price:         rate.Price,
		EstimatedDays: rate.EstimatedDays,
		QuotedAt:      now,
		ExpiresAt:     now.Add(r.ttl),
	}
	if err := r.cache.Set(ctx, key, q); err != nil {
		zctx.From(ctx).Warn("Rate cache write failed", zap.String("key", key.String()), zap.Error(err))
	}
	return q, nil
}

type rateResult struct {
	rate Rate
	err  error
}

// callProvider bounds a provider call by the configured timeout even when the
// adapter ignores context cancellation.
func (r *Resolver) callProvider(ctx context.Context, p Provider, fromZip, toZip string, weight float64) (Rate, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan rateResult, 1)
	go func() {
		rate, err := p.QuoteRate(ctx, fromZip, toZip, weight)
		done <- rateResult{rate: rate, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Rate{}, errors.Wrapf(ErrProviderTimeout, "%s after %s", p.Name(), r.timeout)
			}
			return Rate{}, res.err
		}
		if res.rate.Price.IsNegative() {
			return Rate{}, errors.Errorf("%s returned negative price %s", p.Name(), res.rate.Price)
		}
		return res.rate, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Rate{}, errors.Wrapf(ErrProviderTimeout, "%s after %s", p.Name(), r.timeout)
		}
		return Rate{}, ctx.Err()
	}
}

type resolverMetrics struct {
	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter
	failures    metric.Int64Counter
	latency     metric.Float64Histogram
}

func newResolverMetrics(meter metric.Meter) resolverMetrics {
	var m resolverMetrics
	var err error
	if m.cacheHits, err = meter.Int64Counter("shipping.rate_cache.hits"); err != nil {
		m.cacheHits, _ = noop.NewMeterProvider().Meter("").Int64Counter("")
	}
	if m.cacheMisses, err = meter.Int64Counter("shipping.rate_cache.misses"); err != nil {
		m.cacheMisses, _ = noop.NewMeterProvider().Meter("").Int64Counter("")
	}
	if m.failures, err = meter.Int64Counter("shipping.provider.failures"); err != nil {
		m.failures, _ = noop.NewMeterProvider().Meter("").Int64Counter("")
	}
	if m.latency, err = meter.Float64Histogram("shipping.provider.latency", metric.WithUnit("s")); err != nil {
		m.latency, _ = noop.NewMeterProvider().Meter("").Float64Histogram("")
	}
	return m
}
