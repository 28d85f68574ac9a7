package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront-engine/internal/carrier/flatrate"
	"github.com/xenking/storefront-engine/internal/carrier/rest"
	"github.com/xenking/storefront-engine/internal/checkout"
	"github.com/xenking/storefront-engine/internal/domain/auth"
	"github.com/xenking/storefront-engine/internal/domain/cart"
	"github.com/xenking/storefront-engine/internal/domain/coupon"
	"github.com/xenking/storefront-engine/internal/domain/notify"
	"github.com/xenking/storefront-engine/internal/domain/order"
	"github.com/xenking/storefront-engine/internal/domain/payment"
	"github.com/xenking/storefront-engine/internal/domain/returns"
	"github.com/xenking/storefront-engine/internal/domain/shipping"
	"github.com/xenking/storefront-engine/internal/domain/tax"
	"github.com/xenking/storefront-engine/internal/fulfillment"
	"github.com/xenking/storefront-engine/internal/handler"
	"github.com/xenking/storefront-engine/internal/notify/amqp"
	"github.com/xenking/storefront-engine/internal/payment/square"
	"github.com/xenking/storefront-engine/internal/storage/redis"
	"github.com/xenking/storefront-engine/pkg/health"
	"github.com/xenking/storefront-engine/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server and the tracking
// poller, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) (rerr error) {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	healthSvc := health.New()
	healthSvc.Add(health.Liveness, "goroutines", health.GoroutineCountCheck(10000), health.WithTimeout(time.Second))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		healthSvc,
	)

	// Persistence.
	st, err := openStorage(ctx, lg, cfg)
	if err != nil {
		return err
	}
	defer st.close()
	if st.ping != nil {
		healthSvc.Add(health.Readiness, st.name, st.ping, health.WithTimeout(5*time.Second))
	}
	pepper := []byte(cfg.APIKeyPepper)
	if err := bootstrapAdminKey(ctx, st.keys, pepper, cfg.AdminKey); err != nil {
		return err
	}

	// Redis backs the quote cache and the rate limiter when configured.
	var rdb *goredis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = redis.NewClient(cfg.Redis)
		if err != nil {
			return errors.Wrap(err, "redis client")
		}
		defer func() { rerr = multierr.Append(rerr, errors.Wrap(rdb.Close(), "close redis")) }()
	}

	// Shipping.
	providers, err := buildCarriers(cfg.Shipping)
	if err != nil {
		return err
	}
	var cache shipping.Cache
	if rdb != nil {
		qc := redis.NewQuoteCache(rdb)
		healthSvc.Add(health.Readiness, "redis", health.PingCheck(qc))
		cache = qc
	} else {
		mc := shipping.NewMemoryCache()
		mc.StartSweeper(ctx, cfg.Shipping.SweepInterval)
		cache = mc
	}
	resolver := shipping.NewResolver(cache, providers,
		shipping.WithTTL(cfg.Shipping.QuoteTTL),
		shipping.WithProviderTimeout(cfg.Shipping.ProviderTimeout),
		shipping.WithMeterProvider(m.MeterProvider()),
	)

	// Notifications.
	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.AMQP.URL != "" {
		pub, err := amqp.Dial(cfg.AMQP)
		if err != nil {
			return errors.Wrap(err, "amqp")
		}
		defer func() { rerr = multierr.Append(rerr, pub.Close()) }()
		healthSvc.Add(health.Readiness, "amqp", health.PingCheck(pub))
		notifier = pub
	}

	// Payments.
	payments, err := buildPayments(lg, cfg.Square)
	if err != nil {
		return err
	}

	// Coupons.
	guard := coupon.NewBloomGuard(st.coupons, cfg.Coupons.FilterCapacity, cfg.Coupons.FilterFPRate)
	if err := guard.Load(ctx, st.coupons); err != nil {
		return errors.Wrap(err, "load coupon filter")
	}
	guard.StartRefresher(ctx, st.coupons, cfg.Coupons.FilterRefresh)
	coupons := coupon.NewEngine(guard)

	rates := tax.DefaultRates()
	if len(cfg.TaxRates) > 0 {
		overrides, err := tax.ParseRates(cfg.TaxRates)
		if err != nil {
			return errors.Wrap(err, "tax rates")
		}
		for k, v := range overrides {
			rates[strings.ToUpper(strings.TrimSpace(k))] = v
		}
	}

	// Order lifecycle.
	machine := order.NewMachine(st.orders)
	tracker := fulfillment.NewTracker(st.orders, machine, resolver, fulfillment.TrackerConfig{
		Interval:      cfg.Tracking.Interval,
		BatchSize:     cfg.Tracking.BatchSize,
		LookupTimeout: cfg.Tracking.LookupTimeout,
	}, fulfillment.NewTrackerMetrics(reg))
	machine.Observe(fulfillment.NewAnnouncer(notifier))
	machine.Observe(fulfillment.NewLabelCanceller(resolver))
	machine.Observe(tracker)

	returnSvc := returns.NewService(st.returns, st.orders, machine, payments, st.tx,
		returns.WithNotifier(notifier),
	)

	h := handler.New(handler.Config{FromZip: cfg.FromZip}, handler.Deps{
		Rates: resolver,
		Checkout: checkout.NewOrchestrator(
			cart.NewValidator(),
			coupons,
			tax.NewEngine(rates),
			st.orders,
			checkout.WithQuoteVerifier(resolver, cfg.FromZip),
			checkout.WithTracerProvider(m.TracerProvider()),
		),
		Orders:      st.orders,
		Machine:     machine,
		Fulfillment: fulfillment.NewService(st.orders, machine, resolver, cfg.FromZip),
		Returns:     returnSvc,
		Coupons:     coupons,
		Auth:        auth.NewAuthenticator(st.keys, pepper),
	})

	var limiter httpmiddleware.Limiter
	if rdb != nil {
		limiter = redis.NewRateLimiter(rdb, cfg.RateLimit.Max, cfg.RateLimit.Window)
	} else if cfg.RateLimit.Max > 0 {
		sw := httpmiddleware.NewSlidingWindow(cfg.RateLimit.Max, cfg.RateLimit.Window)
		sw.StartSweeper(ctx)
		limiter = sw
	}

	api := httpmiddleware.Wrap(
		otelhttp.NewHandler(h.Routes(), "storefront-api",
			otelhttp.WithTracerProvider(m.TracerProvider()),
			otelhttp.WithMeterProvider(m.MeterProvider()),
		),
		httpmiddleware.CORS(httpmiddleware.CORSConfig{
			AllowOrigins:     cfg.CORS.Origins,
			AllowHeaders:     []string{"Content-Type", "Authorization", httpmiddleware.RequestIDHeader, handler.APIKeyHeader},
			ExposeHeaders:    []string{"Location", httpmiddleware.RequestIDHeader, "Retry-After"},
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           86400,
		}),
		httpmiddleware.RateLimit(httpmiddleware.RateLimitConfig{
			Max:     cfg.RateLimit.Max,
			Window:  cfg.RateLimit.Window,
			Limiter: limiter,
		}),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/api/", http.StripPrefix("/api", api))

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Recovery(),
		),
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("Tracking poller started", zap.Duration("interval", cfg.Tracking.Interval))
		return tracker.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		err := server.Shutdown(shutdownCtx)

		// Let observers and return notifications queued by the last
		// requests finish before connections close.
		machine.Wait()
		returnSvc.Wait()
		healthSvc.Stop()
		return errors.Wrap(err, "shutdown")
	})
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr), zap.String("storage", st.name))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	return g.Wait()
}

// buildCarriers creates the configured carrier adapters.
func buildCarriers(cfg ShippingConfig) ([]shipping.Provider, error) {
	var providers []shipping.Provider
	for _, c := range cfg.Carriers {
		p, err := flatrate.New(c)
		if err != nil {
			return nil, errors.Wrapf(err, "carrier %q", c.Name)
		}
		providers = append(providers, p)
	}
	for _, c := range cfg.Remote {
		p, err := rest.New(c.Name, c.BaseURL, c.APIKey)
		if err != nil {
			return nil, errors.Wrapf(err, "carrier %q", c.Name)
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return nil, errors.New("no carriers configured")
	}
	return providers, nil
}

// buildPayments selects Square refunds when a token is configured.
func buildPayments(lg *zap.Logger, cfg SquareConfig) (payment.Provider, error) {
	if cfg.AccessToken == "" {
		lg.Warn("Square is not configured, refunds are recorded manually")
		return payment.NewManual(), nil
	}
	p, err := square.New(cfg.AccessToken, cfg.Environment)
	if err != nil {
		return nil, errors.Wrap(err, "square")
	}
	return p, nil
}
