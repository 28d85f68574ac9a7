package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/storefront-engine/pkg/httpmiddleware"
)

const rateLimitPrefix = "storefront:ratelimit:"

type counter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RateLimiter is a fixed-window limiter shared by every API instance.
type RateLimiter struct {
	store  counter
	max    int64
	window time.Duration
}

var _ httpmiddleware.Limiter = (*RateLimiter)(nil)

// NewRateLimiter allows max requests per window and key.
func NewRateLimiter(client redis.Cmdable, max int, window time.Duration) *RateLimiter {
	return &RateLimiter{store: client, max: int64(max), window: window}
}

func (l *RateLimiter) Allow(ctx context.Context, key string, now time.Time) (httpmiddleware.Decision, error) {
	start := now.Truncate(l.window)
	k := rateLimitPrefix + key + ":" + strconv.FormatInt(start.Unix(), 10)

	count, err := l.store.Incr(ctx, k).Result()
	if err != nil {
		return httpmiddleware.Decision{}, errors.Wrap(err, "redis incr")
	}
	if count == 1 {
		if err := l.store.Expire(ctx, k, l.window).Err(); err != nil {
			return httpmiddleware.Decision{}, errors.Wrap(err, "redis expire")
		}
	}
	return httpmiddleware.Decision{
		Allowed:   count <= l.max,
		Remaining: int(max(0, l.max-count)),
		ResetAt:   start.Add(l.window),
	}, nil
}
