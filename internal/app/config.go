package app

import (
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"

	"github.com/xenking/storefront-engine/internal/carrier/flatrate"
	"github.com/xenking/storefront-engine/internal/domain/money"
	"github.com/xenking/storefront-engine/internal/notify/amqp"
	"github.com/xenking/storefront-engine/internal/storage/redis"
)

// Config holds the complete application configuration, loadable from
// environment variables (STORE_ prefix), flags, a .env file or YAML config
// files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL; in-memory storage when empty" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (STORE_API_KEY_PEPPER)" flag:"api-key-pepper"`
	AdminKey     string `usage:"Raw API key stored with admin scope at startup" flag:"admin-key"`
	FromZip      string `default:"06600" usage:"Warehouse postal code labels ship from" flag:"from-zip"`
	Redis        redis.Config
	AMQP         amqp.Config
	Square       SquareConfig
	Shipping     ShippingConfig

	// TaxRates overrides the built-in table, e.g. "MX:0.16,US-CA:0.0725".
	TaxRates  map[string]string `usage:"Tax rate per jurisdiction (CC or CC-ST)" flag:"tax-rates"`
	Coupons   CouponConfig
	Tracking  TrackingConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Graceful  GracefulConfig
}

// SquareConfig enables Square refunds. Manual refunds are used without a token.
type SquareConfig struct {
	AccessToken string `usage:"Square access token" flag:"square-access-token"`
	Environment string `default:"sandbox" usage:"Square environment: sandbox or production"`
}

// ShippingConfig controls carriers and the rate cache.
type ShippingConfig struct {
	QuoteTTL        time.Duration `default:"5m" usage:"How long a shipping quote stays valid"`
	ProviderTimeout time.Duration `default:"3s" usage:"Per-carrier rate request timeout"`
	SweepInterval   time.Duration `default:"1m" usage:"Expired quote sweep interval (memory cache)"`

	// Carriers are table-priced carriers. DefaultCarriers is used when empty.
	Carriers []flatrate.Config
	Remote   []RemoteCarrierConfig
}

// RemoteCarrierConfig points at a carrier exposing the JSON carrier API.
type RemoteCarrierConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// CouponConfig sizes and refreshes the known-code filter.
type CouponConfig struct {
	FilterCapacity uint          `default:"100000" usage:"Expected number of coupon codes"`
	FilterFPRate   float64       `default:"0.001" usage:"Bloom filter false positive rate"`
	FilterRefresh  time.Duration `default:"5m" usage:"How often the coupon filter is rebuilt from storage"`
}

// TrackingConfig controls the delivery tracking poller.
type TrackingConfig struct {
	Interval      time.Duration `default:"5m" usage:"Tracking poll interval"`
	BatchSize     int           `default:"100" usage:"Shipped orders checked per pass"`
	LookupTimeout time.Duration `default:"10s" usage:"Per-shipment carrier lookup timeout"`
}

// RateLimitConfig controls the per-client rate limiter. Counters live in
// Redis when it is configured.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window; 0 disables"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// DefaultCarriers are used when no carrier is configured.
func DefaultCarriers() []flatrate.Config {
	return []flatrate.Config{
		{
			Name:          "estafeta",
			ServiceLevel:  "ground",
			Currency:      money.MXN,
			BaseFee:       9900,
			PerKg:         1500,
			PerZone:       2000,
			EstimatedDays: 5,
			MaxWeight:     70,
		},
		{
			Name:          "dhl",
			ServiceLevel:  "express",
			Currency:      money.MXN,
			BaseFee:       19900,
			PerKg:         3500,
			PerZone:       4000,
			EstimatedDays: 2,
			MaxWeight:     30,
		},
	}
}

// LoadConfig reads .env (if present), then environment variables and YAML
// config files, and applies platform defaults.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "load .env")
	}

	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "STORE",
		Files:     []string{"config.yaml", "/etc/storefront/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL != "" && c.APIKeyPepper == "" {
		return errors.New("api key pepper is required with a database: set STORE_API_KEY_PEPPER")
	}
	if c.Shipping.QuoteTTL <= 0 {
		return errors.New("shipping quote ttl must be positive")
	}
	switch strings.ToLower(c.Square.Environment) {
	case "", "sandbox", "production":
	default:
		return errors.Errorf("unknown square environment %q", c.Square.Environment)
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) such as DATABASE_URL, REDIS_URL and PORT.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = os.Getenv("REDIS_URL")
	}
	if c.AMQP.URL == "" {
		c.AMQP.URL = os.Getenv("AMQP_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
	if len(c.Shipping.Carriers) == 0 && len(c.Shipping.Remote) == 0 {
		c.Shipping.Carriers = DefaultCarriers()
	}
}
