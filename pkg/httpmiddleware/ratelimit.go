package httpmiddleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Decision is the outcome of a single Limiter check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter counts requests per key.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (Decision, error)
}

// RateLimitConfig configures RateLimit.
type RateLimitConfig struct {
	// Max requests per Window and key. Zero disables limiting.
	Max    int
	Window time.Duration
	// KeyFunc defaults to ClientKey.
	KeyFunc func(*http.Request) string
	// Limiter defaults to an in-process sliding window.
	Limiter Limiter
}

// window tracks counts for the current and previous fixed windows.
type window struct {
	prevCount float64
	currCount float64
	currStart time.Time
}

// SlidingWindow approximates a sliding window by weighting the previous fixed
// window by its overlap with the current one. State is per process.
type SlidingWindow struct {
	max  int
	size time.Duration

	mu      sync.Mutex
	windows map[string]*window
}

var _ Limiter = (*SlidingWindow)(nil)

// NewSlidingWindow creates a limiter allowing max requests per size.
func NewSlidingWindow(max int, size time.Duration) *SlidingWindow {
	return &SlidingWindow{max: max, size: size, windows: make(map[string]*window)}
}

func (l *SlidingWindow) Allow(_ context.Context, key string, now time.Time) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := now.Truncate(l.size)
	w, ok := l.windows[key]
	switch {
	case !ok:
		w = &window{currStart: start}
		l.windows[key] = w
	case start.Sub(w.currStart) >= 2*l.size:
		*w = window{currStart: start}
	case start.After(w.currStart):
		*w = window{prevCount: w.currCount, currStart: start}
	}

	overlap := 1 - float64(now.Sub(start))/float64(l.size)
	count := w.prevCount*overlap + w.currCount
	d := Decision{ResetAt: start.Add(l.size)}
	if count >= float64(l.max) {
		return d, nil
	}
	w.currCount++
	d.Allowed = true
	d.Remaining = max(0, int(float64(l.max)-count-1))
	return d, nil
}

// Sweep drops keys idle for two windows.
func (l *SlidingWindow) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, w := range l.windows {
		if now.Sub(w.currStart) >= 2*l.size {
			delete(l.windows, key)
			n++
		}
	}
	return n
}

// StartSweeper runs Sweep every two windows until ctx is done.
func (l *SlidingWindow) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(2 * l.size)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				l.Sweep(now)
			}
		}
	}()
}

// RateLimit rejects requests over the per-key limit with 429. Responses carry
// X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset. A failing
// Limiter lets the request through.
func RateLimit(cfg RateLimitConfig) Middleware {
	if cfg.Max <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientKey
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewSlidingWindow(cfg.Max, cfg.Window)
	}
	now := time.Now
	limit := strconv.Itoa(cfg.Max)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t := now()
			d, err := cfg.Limiter.Allow(r.Context(), cfg.KeyFunc(r), t)
			if err != nil {
				zctx.From(r.Context()).Warn("Rate limiter unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			retry := max(0, d.ResetAt.Sub(t))
			h.Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
			h.Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"code":      "RATE_LIMITED",
				"message":   "rate limit exceeded",
				"retryable": true,
			})
		})
	}
}

// ClientKey identifies the caller by API key when present, otherwise by IP.
// Keys are hashed so raw secrets never reach the limiter store.
func ClientKey(r *http.Request) string {
	key := r.Header.Get("X-Api-Key")
	if key == "" {
		if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			key = v
		}
	}
	if key = strings.TrimSpace(key); key != "" {
		sum := sha256.Sum256([]byte(key))
		return "key:" + hex.EncodeToString(sum[:8])
	}
	return "ip:" + ClientIP(r)
}

// ClientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then
// RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
