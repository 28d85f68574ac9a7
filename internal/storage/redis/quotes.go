// Package redis shares shipping quotes between instances through Redis.
package redis

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/storefront-engine/internal/domain/shipping"
)

const keyPrefix = "storefront:quote:"

// store is the subset of redis.Cmdable the cache uses.
type store interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// QuoteCache implements shipping.Cache. Entries expire in Redis when the
// quote does, so a hit is always live.
type QuoteCache struct {
	store store
	now   func() time.Time
}

var _ shipping.Cache = (*QuoteCache)(nil)

// Config holds connection settings.
type Config struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

// NewClient opens a client for cfg. Addr may be host:port or a redis:// URL.
func NewClient(cfg Config) (*redis.Client, error) {
	if strings.HasPrefix(cfg.Addr, "redis://") || strings.HasPrefix(cfg.Addr, "rediss://") {
		opts, err := redis.ParseURL(cfg.Addr)
		if err != nil {
			return nil, errors.Wrap(err, "parse redis url")
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), nil
}

// NewQuoteCache wraps client.
func NewQuoteCache(client redis.Cmdable) *QuoteCache {
	return &QuoteCache{store: client, now: time.Now}
}

func cacheKey(k shipping.Key) string {
	return keyPrefix + k.String()
}

func (c *QuoteCache) Get(ctx context.Context, key shipping.Key) (shipping.Quote, bool, error) {
	raw, err := c.store.Get(ctx, cacheKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return shipping.Quote{}, false, nil
	}
	if err != nil {
		return shipping.Quote{}, false, errors.Wrap(err, "redis get")
	}

	var q shipping.Quote
	if err := json.Unmarshal(raw, &q); err != nil {
		return shipping.Quote{}, false, errors.Wrap(err, "decode quote")
	}
	// Redis expiry has millisecond granularity.
	if !q.LiveAt(c.now()) {
		return shipping.Quote{}, false, nil
	}
	return q, true, nil
}

// Set stores q until it expires. Already expired quotes are not stored.
func (c *QuoteCache) Set(ctx context.Context, key shipping.Key, q shipping.Quote) error {
	ttl := q.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(q)
	if err != nil {
		return errors.Wrap(err, "encode quote")
	}
	if err := c.store.Set(ctx, cacheKey(key), raw, ttl).Err(); err != nil {
		return errors.Wrap(err, "redis set")
	}
	return nil
}

// Ping checks connectivity; used by the readiness check.
func (c *QuoteCache) Ping(ctx context.Context) error {
	return c.store.Ping(ctx).Err()
}
