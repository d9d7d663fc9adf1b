// Command admission-gateway runs the add-on admission layer as an HTTP
// service: it verifies platform webhooks and lifecycle callbacks, rate
// limits callers and keeps the installation tokens of every workspace.
//
// Configuration comes from the environment, optionally layered over a YAML
// or JSON file named by ADMISSION_CONFIG_FILE:
//
//	ADDON_KEY=rules-addon JWT_JWKS_URI=https://example.test/.well-known/jwks.json \
//	    go run ./cmd/admission-gateway
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"

	"github.com/StricklySoft/addon-admission/pkg/config"
)

const configFileEnv = "ADMISSION_CONFIG_FILE"

func main() {
	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := loadConfig(config.New().WithFile(os.Getenv(configFileEnv)))
	if err != nil {
		bootLogger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.slogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("admission gateway failed", "error", err)
		os.Exit(1)
	}
	logger.Info("admission gateway stopped")
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	a, err := newApp(cfg, logger, otel.GetMeterProvider())
	if err != nil {
		return err
	}
	defer a.close()

	srv, err := a.build(ctx)
	if err != nil {
		return err
	}
	logger.Info("admission gateway configured",
		"addon_key", cfg.AddonKey,
		"environment", cfg.Environment,
		"token_store", cfg.TokenStore.Backend,
		"rate_limit", cfg.RateLimit.Enabled,
		"rate_limit_backend", cfg.RateLimit.Backend,
		"allow_hmac", cfg.Admission.AllowHMAC,
	)
	return srv.Start(ctx)
}
