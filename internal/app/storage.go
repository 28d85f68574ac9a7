package app

import (
	"context"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/storefront-engine/internal/domain/auth"
	"github.com/xenking/storefront-engine/internal/domain/coupon"
	"github.com/xenking/storefront-engine/internal/domain/order"
	"github.com/xenking/storefront-engine/internal/domain/returns"
	"github.com/xenking/storefront-engine/internal/domain/txn"
	"github.com/xenking/storefront-engine/internal/storage/memory"
	"github.com/xenking/storefront-engine/internal/storage/postgres"
	"github.com/xenking/storefront-engine/pkg/health"
)

type couponStore interface {
	coupon.Repository
	coupon.CodeLister
	Save(ctx context.Context, c coupon.Coupon) error
}

type keyStore interface {
	auth.Repository
	Save(ctx context.Context, k auth.Key) error
}

// storage is the persistence backend selected by configuration.
type storage struct {
	name    string
	tx      txn.Transactor
	orders  order.Repository
	returns returns.Repository
	coupons couponStore
	keys    keyStore

	// ping is nil for the in-memory backend.
	ping  health.CheckFunc
	close func()
}

// openStorage connects to PostgreSQL and migrates it, or falls back to
// in-memory storage when no database URL is configured.
func openStorage(ctx context.Context, lg *zap.Logger, cfg *Config) (*storage, error) {
	if cfg.DatabaseURL == "" {
		lg.Warn("No database configured, using in-memory storage")
		st := memory.New()
		return &storage{
			name:    "memory",
			tx:      st,
			orders:  st.Orders(),
			returns: st.Returns(),
			coupons: st.Coupons(),
			keys:    st.APIKeys(),
			close:   func() {},
		}, nil
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	st := postgres.New(pool)
	return &storage{
		name:    "postgres",
		tx:      st,
		orders:  st.Orders(),
		returns: st.Returns(),
		coupons: st.Coupons(),
		keys:    st.APIKeys(),
		ping:    st.Ping,
		close:   pool.Close,
	}, nil
}

// bootstrapAdminKey stores raw as an admin key so a fresh deployment can be
// operated before keys are seeded.
func bootstrapAdminKey(ctx context.Context, keys keyStore, pepper []byte, raw string) error {
	if raw == "" {
		return nil
	}
	err := keys.Save(ctx, auth.Key{
		ID:     "bootstrap-admin",
		Hash:   auth.HashKey(pepper, raw),
		Name:   "Bootstrap admin key",
		Actor:  "admin:bootstrap",
		Scopes: []string{auth.ScopeAdmin},
	})
	return errors.Wrap(err, "save bootstrap key")
}
