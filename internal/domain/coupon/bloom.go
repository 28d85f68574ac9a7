package coupon

import (
	"context"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var _ Repository = (*BloomGuard)(nil)

// BloomGuard fronts a Repository with a bloom filter of known codes.
//
// Coupons may be written by other processes, so the filter is never the last
// word on absence. Codes the filter has not seen are still looked up, but
// concurrent lookups of the same code share one repository call, so a burst
// of guessed codes costs one query per distinct code. A code found despite a
// filter miss is added to the filter.
type BloomGuard struct {
	repo     Repository
	capacity uint
	fpRate   float64
	unknown  singleflight.Group

	mu     sync.RWMutex
	filter *bloom.BloomFilter
}

// NewBloomGuard wraps repo. capacity and fpRate size the filter.
func NewBloomGuard(repo Repository, capacity uint, fpRate float64) *BloomGuard {
	return &BloomGuard{repo: repo, capacity: capacity, fpRate: fpRate}
}

// Load (re)builds the filter from every code the lister returns.
func (g *BloomGuard) Load(ctx context.Context, lister CodeLister) error {
	codes, err := lister.ListCodes(ctx)
	if err != nil {
		return errors.Wrap(err, "list coupon codes")
	}
	capacity := g.capacity
	if n := uint(len(codes)); n > capacity {
		capacity = n
	}
	filter := bloom.NewWithEstimates(capacity, g.fpRate)
	for _, code := range codes {
		filter.AddString(NormalizeCode(code))
	}

	g.mu.Lock()
	g.filter = filter
	g.mu.Unlock()
	return nil
}

// StartRefresher reloads the filter every interval until ctx is done. Load
// errors are logged and the previous filter kept.
func (g *BloomGuard) StartRefresher(ctx context.Context, lister CodeLister, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := g.Load(ctx, lister); err != nil && ctx.Err() == nil {
					zctx.From(ctx).Warn("Coupon filter refresh failed", zap.Error(err))
				}
			}
		}
	}()
}

// Add registers a code with the filter.
func (g *BloomGuard) Add(code string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.filter != nil {
		g.filter.AddString(NormalizeCode(code))
	}
}

func (g *BloomGuard) mayContain(code string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.filter == nil {
		return true
	}
	return g.filter.TestString(code)
}

// FindByCode looks code up in the repository.
func (g *BloomGuard) FindByCode(ctx context.Context, code string) (*Coupon, error) {
	code = NormalizeCode(code)
	if g.mayContain(code) {
		return g.repo.FindByCode(ctx, code)
	}

	v, err, _ := g.unknown.Do(code, func() (any, error) {
		c, err := g.repo.FindByCode(context.WithoutCancel(ctx), code)
		if err != nil {
			return nil, err
		}
		g.Add(code)
		zctx.From(ctx).Debug("Coupon missing from filter", zap.String("coupon", code))
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	cp := *v.(*Coupon)
	return &cp, nil
}

// Redeem delegates to the wrapped repository.
func (g *BloomGuard) Redeem(ctx context.Context, code, orderID string) (bool, error) {
	return g.repo.Redeem(ctx, code, orderID)
}
