package shipping

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront-engine/internal/domain/apperr"
	"github.com/xenking/storefront-engine/internal/domain/money"
)

type fakeProvider struct {
	name  string
	price int64
	delay time.Duration
	// ignoreCtx makes the provider sleep through cancellation.
	ignoreCtx bool
	err       error
	calls     atomic.Int32

	mu         sync.Mutex
	lastWeight float64
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) QuoteRate(ctx context.Context, fromZip, toZip string, weight float64) (Rate, error) {
	p.calls.Add(1)
	p.mu.Lock()
	p.lastWeight = weight
	p.mu.Unlock()

	if p.delay > 0 {
		if p.ignoreCtx {
			time.Sleep(p.delay)
		} else {
			select {
			case <-time.After(p.delay):
			case <-ctx.Done():
				return Rate{}, ctx.Err()
			}
		}
	}
	if p.err != nil {
		return Rate{}, p.err
	}
	return Rate{Price: money.New(p.price, money.MXN), ServiceLevel: "ground", EstimatedDays: 3}, nil
}

func (p *fakeProvider) CreateLabel(context.Context, LabelRequest) (*Label, error) {
	return nil, errors.New("not implemented")
}

func (p *fakeProvider) GetTracking(context.Context, string) (*TrackingInfo, error) {
	return nil, errors.New("not implemented")
}

func (p *fakeProvider) CancelLabel(context.Context, string) error { return nil }

func TestResolver_CompareRates_OmitsTimedOutProvider(t *testing.T) {
	p1 := &fakeProvider{name: "alpha", price: 9000}
	p2 := &fakeProvider{name: "bravo", price: 1000, delay: time.Second}
	p3 := &fakeProvider{name: "charlie", price: 5000}

	r := NewResolver(NewMemoryCache(), []Provider{p1, p2, p3}, WithProviderTimeout(50*time.Millisecond))

	start := time.Now()
	quotes, err := r.CompareRates(context.Background(), "06600", "64000", 2.5)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	require.Len(t, quotes, 2)
	assert.Equal(t, "charlie", quotes[0].Carrier)
	assert.Equal(t, int64(5000), quotes[0].Price.Amount)
	assert.Equal(t, "alpha", quotes[1].Carrier)
}

func TestResolver_CompareRates_BoundsProviderIgnoringContext(t *testing.T) {
	slow := &fakeProvider{name: "stuck", price: 1, delay: 300 * time.Millisecond, ignoreCtx: true}
	fast := &fakeProvider{name: "fast", price: 2}

	r := NewResolver(NewMemoryCache(), []Provider{slow, fast}, WithProviderTimeout(20*time.Millisecond))

	start := time.Now()
	quotes, err := r.CompareRates(context.Background(), "1", "2", 1)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	require.Len(t, quotes, 1)
	assert.Equal(t, "fast", quotes[0].Carrier)
}

func TestResolver_CompareRates_OmitsUnavailableRoute(t *testing.T) {
	p1 := &fakeProvider{name: "alpha", err: &RateUnavailableError{Carrier: "alpha", Reason: "no coverage"}}
	p2 := &fakeProvider{name: "bravo", price: 700}

	r := NewResolver(NewMemoryCache(), []Provider{p1, p2})
	quotes, err := r.CompareRates(context.Background(), "1", "2", 1)
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, "bravo", quotes[0].Carrier)
}

func TestResolver_CompareRates_AllFail(t *testing.T) {
	p1 := &fakeProvider{name: "alpha", err: &RateUnavailableError{Carrier: "alpha", Reason: "no coverage"}}
	p2 := &fakeProvider{name: "bravo", delay: time.Second}

	r := NewResolver(NewMemoryCache(), []Provider{p1, p2}, WithProviderTimeout(10*time.Millisecond))
	_, err := r.CompareRates(context.Background(), "1", "2", 1)

	require.ErrorIs(t, err, ErrNoRatesAvailable)
	var nrErr *NoRatesAvailableError
	require.ErrorAs(t, err, &nrErr)
	require.Len(t, nrErr.Failures, 2)
	assert.ErrorIs(t, nrErr.Failures[0].Err, ErrRateUnavailable)
	assert.ErrorIs(t, nrErr.Failures[1].Err, ErrProviderTimeout)
	assert.Equal(t, apperr.CodeNoRates, apperr.CodeOf(err))
}

func TestResolver_CompareRates_NoProviders(t *testing.T) {
	r := NewResolver(NewMemoryCache(), nil)
	_, err := r.CompareRates(context.Background(), "1", "2", 1)
	require.ErrorIs(t, err, ErrNoRatesAvailable)
}

func TestResolver_CompareRates_Validation(t *testing.T) {
	r := NewResolver(NewMemoryCache(), []Provider{&fakeProvider{name: "a"}})

	tests := []struct {
		name   string
		from   string
		to     string
		weight float64
		field  string
	}{
		{name: "missing origin", to: "2", weight: 1, field: "from_zip"},
		{name: "missing destination", from: "1", weight: 1, field: "to_zip"},
		{name: "zero weight", from: "1", to: "2", weight: 0, field: "weight"},
		{name: "negative weight", from: "1", to: "2", weight: -3, field: "weight"},
		{name: "too heavy", from: "1", to: "2", weight: MaxWeight + 1, field: "weight"},
		{name: "infinite weight", from: "1", to: "2", weight: math.Inf(1), field: "weight"},
		{name: "nan weight", from: "1", to: "2", weight: math.NaN(), field: "weight"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.CompareRates(context.Background(), tt.from, tt.to, tt.weight)
			var vErr *apperr.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestResolver_CachesPerWeightBucket(t *testing.T) {
	p := &fakeProvider{name: "alpha", price: 100}
	cache := NewMemoryCache()
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	r := NewResolver(cache, []Provider{p}, WithTTL(5*time.Minute))
	r.now = func() time.Time { return now }
	ctx := context.Background()

	first, err := r.CompareRates(ctx, "1", "2", 1.2)
	require.NoError(t, err)
	assert.Equal(t, 2.0, p.lastWeight)

	// 1.9 falls in the same bucket as 1.2.
	second, err := r.CompareRates(ctx, "1", "2", 1.9)
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, first, second)
	assert.Equal(t, now.Add(5*time.Minute), second[0].ExpiresAt)

	_, err = r.CompareRates(ctx, "1", "2", 2.1)
	require.NoError(t, err)
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestResolver_RequeriesAfterExpiry(t *testing.T) {
	p := &fakeProvider{name: "alpha", price: 100}
	cache := NewMemoryCache()
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	cache.now = clock

	r := NewResolver(cache, []Provider{p}, WithTTL(time.Minute))
	r.now = clock
	ctx := context.Background()

	_, err := r.CompareRates(ctx, "1", "2", 1)
	require.NoError(t, err)

	now = now.Add(59 * time.Second)
	_, err = r.CompareRates(ctx, "1", "2", 1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.calls.Load())

	now = now.Add(time.Second)
	quotes, err := r.CompareRates(ctx, "1", "2", 1)
	require.NoError(t, err)
	assert.Equal(t, int32(2), p.calls.Load())
	assert.Equal(t, now.Add(time.Minute), quotes[0].ExpiresAt)
}

func TestResolver_Issued(t *testing.T) {
	p := &fakeProvider{name: "alpha", price: 100}
	cache := NewMemoryCache()
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	cache.now = clock

	r := NewResolver(cache, []Provider{p}, WithTTL(time.Minute))
	r.now = clock
	ctx := context.Background()

	quotes, err := r.CompareRates(ctx, "1", "2", 1.5)
	require.NoError(t, err)
	issued := quotes[0]

	got, err := r.Issued(ctx, " 1", "2 ", 1.9, issued)
	require.NoError(t, err)
	assert.Equal(t, issued, got)

	forged := issued
	forged.Price = money.New(0, money.MXN)
	forged.ExpiresAt = now.Add(24 * time.Hour)
	_, err = r.Issued(ctx, "1", "2", 1.5, forged)
	require.ErrorIs(t, err, ErrUnknownQuote)
	assert.Equal(t, apperr.CodeUnknownQuote, apperr.CodeOf(err))

	_, err = r.Issued(ctx, "1", "3", 1.5, issued)
	require.ErrorIs(t, err, ErrUnknownQuote)

	_, err = r.Issued(ctx, "1", "2", 3, issued)
	require.ErrorIs(t, err, ErrUnknownQuote)

	_, err = r.Issued(ctx, "1", "2", MaxWeight*2, issued)
	var vErr *apperr.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "weight", vErr.Field)

	now = now.Add(time.Minute)
	_, err = r.Issued(ctx, "1", "2", 1.5, issued)
	require.ErrorIs(t, err, ErrUnknownQuote)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestResolver_IssuedCacheFailure(t *testing.T) {
	r := NewResolver(failingCache{}, []Provider{&fakeProvider{name: "alpha"}})
	_, err := r.Issued(context.Background(), "1", "2", 1, Quote{Carrier: "alpha"})
	assert.Equal(t, apperr.CodeStorage, apperr.CodeOf(err))
}

type staleCache struct{ q Quote }

func (c *staleCache) Get(context.Context, Key) (Quote, bool, error) { return c.q, true, nil }
func (c *staleCache) Set(_ context.Context, _ Key, q Quote) error   { c.q = q; return nil }

func TestResolver_RechecksExpiryOnCacheRead(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	cache := &staleCache{q: Quote{Carrier: "alpha", Price: money.New(1, money.MXN), ExpiresAt: now.Add(-time.Second)}}
	p := &fakeProvider{name: "alpha", price: 100}

	r := NewResolver(cache, []Provider{p})
	r.now = func() time.Time { return now }

	quotes, err := r.CompareRates(context.Background(), "1", "2", 1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, int64(100), quotes[0].Price.Amount)
}

type failingCache struct{}

func (failingCache) Get(context.Context, Key) (Quote, bool, error) {
	return Quote{}, false, errors.New("cache down")
}
func (failingCache) Set(context.Context, Key, Quote) error { return errors.New("cache down") }

func TestResolver_CacheErrorsDegradeToMiss(t *testing.T) {
	p := &fakeProvider{name: "alpha", price: 100}
	r := NewResolver(failingCache{}, []Provider{p})

	quotes, err := r.CompareRates(context.Background(), "1", "2", 1)
	require.NoError(t, err)
	require.Len(t, quotes, 1)
}

func TestResolver_Provider(t *testing.T) {
	p := &fakeProvider{name: "alpha"}
	r := NewResolver(NewMemoryCache(), []Provider{p})

	got, ok := r.Provider("alpha")
	require.True(t, ok)
	assert.Same(t, p, got)

	_, ok = r.Provider("bravo")
	assert.False(t, ok)
}
