package httpmiddleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, mutate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	if mutate != nil {
		mutate(req)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimit_UnderLimit(t *testing.T) {
	h := RateLimit(RateLimitConfig{Max: 5, Window: time.Minute})(okHandler())

	for i := range 5 {
		w := serve(h, nil)
		assert.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
		assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	}
}

func TestRateLimit_OverLimit(t *testing.T) {
	h := RateLimit(RateLimitConfig{Max: 2, Window: time.Minute})(okHandler())
	for range 2 {
		require.Equal(t, http.StatusOK, serve(h, nil).Code)
	}

	w := serve(h, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "RATE_LIMITED", body["code"])
	assert.Equal(t, true, body["retryable"])
}

func TestRateLimit_KeyedByAPIKey(t *testing.T) {
	h := RateLimit(RateLimitConfig{Max: 1, Window: time.Minute})(okHandler())
	withKey := func(k string) func(*http.Request) {
		return func(r *http.Request) { r.Header.Set("X-Api-Key", k) }
	}

	assert.Equal(t, http.StatusOK, serve(h, withKey("key-a")).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(h, withKey("key-a")).Code)
	assert.Equal(t, http.StatusOK, serve(h, withKey("key-b")).Code)
	// Same IP without a key has its own budget.
	assert.Equal(t, http.StatusOK, serve(h, nil).Code)
}

func TestRateLimit_Disabled(t *testing.T) {
	h := RateLimit(RateLimitConfig{})(okHandler())
	for range 10 {
		w := serve(h, nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, time.Time) (Decision, error) {
	return Decision{}, errors.New("redis down")
}

func TestRateLimit_FailsOpen(t *testing.T) {
	h := RateLimit(RateLimitConfig{Max: 1, Window: time.Minute, Limiter: failingLimiter{}})(okHandler())
	for range 3 {
		assert.Equal(t, http.StatusOK, serve(h, nil).Code)
	}
}

func TestClientKey(t *testing.T) {
	for _, tt := range []struct {
		name   string
		mutate func(*http.Request)
		want   string
	}{
		{"RemoteAddr", nil, "ip:10.0.0.1"},
		{"ForwardedFor", func(r *http.Request) { r.Header.Set("X-Forwarded-For", "203.0.113.50, 70.41.3.18") }, "ip:203.0.113.50"},
		{"RealIP", func(r *http.Request) { r.Header.Set("X-Real-IP", "198.51.100.7") }, "ip:198.51.100.7"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = "10.0.0.1:1234"
			if tt.mutate != nil {
				tt.mutate(req)
			}
			assert.Equal(t, tt.want, ClientKey(req))
		})
	}

	a := httptest.NewRequest(http.MethodGet, "/", nil)
	a.Header.Set("X-Api-Key", "secret")
	b := httptest.NewRequest(http.MethodGet, "/", nil)
	b.Header.Set("Authorization", "Bearer secret")
	assert.Equal(t, ClientKey(a), ClientKey(b))
	assert.NotContains(t, ClientKey(a), "secret")
}

func TestSlidingWindow_WeightsPreviousWindow(t *testing.T) {
	l := NewSlidingWindow(10, time.Minute)
	ctx := context.Background()
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	for range 10 {
		d, err := l.Allow(ctx, "k", start)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	// A quarter into the next window, 75% of the previous count still applies.
	next := start.Add(time.Minute + 15*time.Second)
	allowed := 0
	for range 10 {
		d, err := l.Allow(ctx, "k", next)
		require.NoError(t, err)
		if d.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)

	// Two idle windows reset the key.
	d, err := l.Allow(ctx, "k", start.Add(3*time.Minute))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 9, d.Remaining)
}

func TestSlidingWindow_Sweep(t *testing.T) {
	l := NewSlidingWindow(1, time.Minute)
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	_, _ = l.Allow(context.Background(), "a", start)
	_, _ = l.Allow(context.Background(), "b", start.Add(2*time.Minute))

	assert.Equal(t, 1, l.Sweep(start.Add(2*time.Minute)))
	assert.Len(t, l.windows, 1)
}
