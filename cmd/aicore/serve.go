package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/storefront-ai/config"
	"github.com/vnmchuo/storefront-ai/internal/api"
	"github.com/vnmchuo/storefront-ai/internal/audit"
	"github.com/vnmchuo/storefront-ai/internal/auth"
	"github.com/vnmchuo/storefront-ai/internal/billing"
	"github.com/vnmchuo/storefront-ai/internal/features/description"
	"github.com/vnmchuo/storefront-ai/internal/orchestrator"
	"github.com/vnmchuo/storefront-ai/internal/provider"
	"github.com/vnmchuo/storefront-ai/internal/provider/factory"
	"github.com/vnmchuo/storefront-ai/internal/secrets"
	"github.com/vnmchuo/storefront-ai/internal/settings"
	"github.com/vnmchuo/storefront-ai/internal/telemetry"
	"github.com/vnmchuo/storefront-ai/pkg/ratelimit"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the generation HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	aiCfg, err := config.LoadAI(cfg.AIConfigPath)
	if err != nil {
		return err
	}

	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
		ServiceName:    serviceName,
		ServiceVersion: version,
		ExporterType:   cfg.OTELExporterType,
		Endpoint:       cfg.OTELExporterEndpoint,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}
	defer shutdownTracer()

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("failed to connect postgres: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	logger.Info("Redis connected")

	billingStore := billing.NewPostgresStore(pool)

	auditSink, closeAudit, err := newAuditSink(cfg, pool, logger)
	if err != nil {
		return err
	}
	defer closeAudit()

	tracer := otel.GetTracerProvider().Tracer(serviceName)
	dispatcher, err := orchestrator.New(*aiCfg, orchestrator.Deps{
		Factory:   factory.New(),
		Secrets:   secrets.NewEnvResolver(),
		Settings:  settings.NewRedisStore(rdb),
		CostSink:  billingStore,
		AuditSink: auditSink,
		Logger:    logger.Named("orchestrator"),
		Tracer:    tracer,
	})
	if err != nil {
		return err
	}
	defer dispatcher.Shutdown()

	if err := dispatcher.Initialize(ctx); err != nil {
		return err
	}
	dispatcher.RegisterFeature(description.Name, description.New(dispatcher, featurePricing(aiCfg, description.Name)))

	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb, logger.Named("auth"))
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
	handler := api.NewHandler(dispatcher, billingStore, limiter, tracer, logger.Named("api"))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(handler, authMiddleware, logger.Named("http")),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// SIGHUP is the configuration-change signal: rebuild the provider set.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := dispatcher.Reinitialize(ctx); err != nil {
					logger.Error("reinitialize failed", zap.Error(err))
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("aicore starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func newAuditSink(cfg *config.Config, pool *pgxpool.Pool, logger *zap.Logger) (orchestrator.UsageSink, func(), error) {
	if cfg.AuditSink != "nats" {
		return audit.NewPostgresStore(pool), func() {}, nil
	}
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name(serviceName),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect nats: %w", err)
	}
	logger.Info("NATS connected", zap.String("url", nc.ConnectedUrl()))
	return audit.NewNATSPublisher(nc), func() { _ = nc.Drain() }, nil
}

// featurePricing prices a feature's pre-call estimate against its default
// provider, or the first configured one.
func featurePricing(cfg *orchestrator.Config, feature string) provider.Pricing {
	name := ""
	for _, f := range cfg.Features {
		if f.Name == feature {
			name = f.DefaultProvider
		}
	}
	for _, p := range cfg.Providers {
		if p.Name == name || name == "" {
			return p.Pricing()
		}
	}
	return provider.Pricing{}
}
