package shipping

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/xenking/storefront-engine/internal/domain/money"
)

// Quote is a carrier rate with a bounded lifetime.
type Quote struct {
	Carrier       string      `json:"carrier"`
	ServiceLevel  string      `json:"service_level"`
	Price         money.Money `json:"price"`
	EstimatedDays int         `json:"estimated_days"`
	QuotedAt      time.Time   `json:"quoted_at"`
	ExpiresAt     time.Time   `json:"expires_at"`
}

// LiveAt reports whether q may still be returned to a caller at now.
func (q Quote) LiveAt(now time.Time) bool {
	return now.Before(q.ExpiresAt)
}

// Key identifies a cached quote.
type Key struct {
	FromZip      string
	ToZip        string
	WeightBucket int
	Carrier      string
}

// String renders the key as "from:to:bucket:carrier".
func (k Key) String() string {
	return strings.Join([]string{k.FromZip, k.ToZip, strconv.Itoa(k.WeightBucket), k.Carrier}, ":")
}

// WeightBucket quantizes a weight to bound cache cardinality.
func WeightBucket(weight float64) int {
	return int(math.Ceil(weight))
}

// Cache stores quotes by key. Implementations must treat entries whose
// ExpiresAt has passed as absent.
type Cache interface {
	Get(ctx context.Context, key Key) (Quote, bool, error)
	Set(ctx context.Context, key Key, q Quote) error
}
