// Command api-server serves the storefront order API.
package main

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	storefront "github.com/xenking/storefront-engine/internal/app"
)

func main() {
	app.Run(func(ctx context.Context, lg *zap.Logger, m *app.Telemetry) error {
		cfg, err := storefront.LoadConfig()
		if err != nil {
			return errors.Wrap(err, "config")
		}
		lg.Info("Config loaded",
			zap.Bool("postgres", cfg.DatabaseURL != ""),
			zap.Bool("redis", cfg.Redis.Addr != ""),
			zap.Bool("amqp", cfg.AMQP.URL != ""),
			zap.Bool("square", cfg.Square.AccessToken != ""),
			zap.Int("carriers", len(cfg.Shipping.Carriers)+len(cfg.Shipping.Remote)),
		)
		return storefront.Run(ctx, lg, m, cfg)
	})
}
