// Command seed-db loads starter coupons and an API key into PostgreSQL.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-engine/internal/domain/auth"
	"github.com/xenking/storefront-engine/internal/domain/coupon"
	"github.com/xenking/storefront-engine/internal/domain/money"
	"github.com/xenking/storefront-engine/internal/storage/postgres"
)

type couponJSON struct {
	Code         string          `json:"code"`
	Type         string          `json:"type"`
	Value        decimal.Decimal `json:"value"`
	MinCartTotal *money.Money    `json:"min_cart_total"`
	ExpiresAt    *time.Time      `json:"expires_at"`
	UsageLimit   int             `json:"usage_limit"`
	Description  string          `json:"description"`
}

type options struct {
	databaseURL string
	couponsFile string
	apiKey      string
	pepper      string
	actor       string
	scopes      string
}

func main() {
	var opts options

	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.couponsFile, "coupons-file", "db/seed/coupons.json", "path to coupons JSON file")
	flag.StringVar(&opts.apiKey, "api-key", "", "API key to seed (or STORE_SEED_API_KEY env)")
	flag.StringVar(&opts.pepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or STORE_API_KEY_PEPPER env)")
	flag.StringVar(&opts.actor, "actor", "ops:seed", "actor recorded for changes made with the key")
	flag.StringVar(&opts.scopes, "scopes", "checkout,orders,returns", "comma-separated scopes granted to the key")
	flag.Parse()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if opts.apiKey == "" {
		opts.apiKey = os.Getenv("STORE_SEED_API_KEY")
	}
	if opts.pepper == "" {
		opts.pepper = os.Getenv("STORE_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, opts options) error {
	coupons, err := readCoupons(opts.couponsFile)
	if err != nil {
		return errors.Wrap(err, "read coupons")
	}
	key, err := seedKey(opts)
	if err != nil {
		return err
	}

	slog.Info("connecting to database")
	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")
	if err := postgres.Migrate(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}
	st := postgres.New(pool)

	for _, c := range coupons {
		if err := st.Coupons().Save(ctx, c); err != nil {
			return errors.Wrapf(err, "upsert coupon %s", c.Code)
		}
		slog.Info("upserted coupon", slog.String("code", c.Code), slog.String("description", c.Description))
	}

	if key == nil {
		slog.Warn("no API key given, skipping key seed")
		return nil
	}
	if err := st.APIKeys().Save(ctx, *key); err != nil {
		return errors.Wrap(err, "upsert API key")
	}
	slog.Info("upserted API key",
		slog.String("id", key.ID),
		slog.String("actor", key.Actor),
		slog.Any("scopes", key.Scopes),
	)
	return nil
}

func readCoupons(path string) ([]coupon.Coupon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read file")
	}
	var raw []couponJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "parse coupons JSON")
	}

	out := make([]coupon.Coupon, 0, len(raw))
	for _, r := range raw {
		t, err := coupon.ParseDiscountType(r.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "coupon %s", r.Code)
		}
		c := coupon.Coupon{
			Code:         coupon.NormalizeCode(r.Code),
			Type:         t,
			Value:        r.Value,
			MinCartTotal: r.MinCartTotal,
			ExpiresAt:    r.ExpiresAt,
			UsageLimit:   r.UsageLimit,
			Description:  r.Description,
		}
		if err := c.Validate(); err != nil {
			return nil, errors.Wrapf(err, "coupon %s", r.Code)
		}
		out = append(out, c)
	}
	return out, nil
}

// seedKey builds the key record, or nil when no raw key was given.
func seedKey(opts options) (*auth.Key, error) {
	if opts.apiKey == "" {
		return nil, nil
	}
	if opts.pepper == "" {
		return nil, errors.New("API key pepper is required: set --api-key-pepper or STORE_API_KEY_PEPPER")
	}
	var scopes []string
	for _, s := range strings.Split(opts.scopes, ",") {
		s = strings.TrimSpace(s)
		switch s {
		case "":
			continue
		case auth.ScopeCheckout, auth.ScopeOrders, auth.ScopeReturns, auth.ScopeAdmin:
			scopes = append(scopes, s)
		default:
			return nil, errors.Errorf("unknown scope %q", s)
		}
	}
	if len(scopes) == 0 {
		return nil, errors.New("at least one scope is required")
	}
	return &auth.Key{
		ID:     "default",
		Hash:   auth.HashKey([]byte(opts.pepper), opts.apiKey),
		Name:   "Default seeded key",
		Actor:  opts.actor,
		Scopes: scopes,
	}, nil
}
