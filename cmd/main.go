/**
 * @description
 * This is the main entry point for the payout-service. It exposes three commands:
 * serve runs the HTTP API, batch consumer and reconciliation scheduler; migrate applies
 * the embedded schema migrations; sweep runs one reconciliation pass and exits.
 *
 * @dependencies
 * - github.com/spf13/cobra: Command-line structure.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Webhook dedup fast path.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/railclient: Clients for the two payout rails.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/transfa/payout-service/internal/api"
	"github.com/transfa/payout-service/internal/app"
	"github.com/transfa/payout-service/internal/config"
	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/internal/store"
	rmrabbit "github.com/transfa/payout-service/pkg/rabbitmq"
	"github.com/transfa/payout-service/pkg/railclient"
)

var Version = "dev"

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	rootCmd := &cobra.Command{
		Use:           "payout-service",
		Short:         "Multi-rail creator payout disbursement engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(serveCmd(logger))
	rootCmd.AddCommand(migrateCmd(logger))
	rootCmd.AddCommand(sweepCmd(logger))

	if err := rootCmd.Execute(); err != nil {
		logger.Error("command failed", "component", "bootstrap", "error", err)
		os.Exit(1)
	}
}

func serveCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the payout API, batch consumer and reconciliation scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(logger)
		},
	}
}

func migrateCmd(logger *slog.Logger) *cobra.Command {
	var direction string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(".")
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			if err := store.Migrate(ctx, cfg.DatabaseURL, direction); err != nil {
				return err
			}
			logger.Info("migrations finished", "component", "bootstrap", "direction", direction)
			return nil
		},
	}
	cmd.Flags().StringVar(&direction, "direction", "up", "migration direction (up, down, status)")
	return cmd
}

func sweepCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(".")
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			dbpool, err := openPool(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer dbpool.Close()

			producer := openProducer(cfg, logger)
			defer producer.Close()
			events := app.NewEventPublisher(producer, cfg.EventsExchange, logger)

			sweeper := app.NewSweeper(store.NewPostgresRepository(dbpool), buildProviders(cfg), events, sweepConfig(cfg), logger)
			report, err := sweeper.Run(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("sweep finished", "component", "bootstrap",
				"checked", report.Checked, "converged", report.Converged, "resumed", report.Resumed,
				"abandoned", report.Abandoned, "errors", report.Errors)
			return nil
		},
	}
}

func runServe(logger *slog.Logger) error {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.WebhookSecret == "" {
		logger.Warn("webhook secret not configured; all callbacks will be rejected", "component", "bootstrap", "env", "WEBHOOK_SECRET")
	}
	if cfg.InternalAPIKey == "" {
		logger.Warn("internal api key not configured; payout endpoints are unauthenticated", "component", "bootstrap", "env", "INTERNAL_API_KEY")
	}
	logger.Info("starting payout-service", "component", "bootstrap", "port", cfg.ServerPort, "version", Version)

	catalog, err := app.LoadRailCatalog(cfg.RailTablePath)
	if err != nil {
		return fmt.Errorf("load rail table: %w", err)
	}
	logger.Info("rail table loaded", "component", "bootstrap",
		"version", catalog.Version(), "rail_b_currencies", len(catalog.RailBCurrencies()))

	if cfg.AutoMigrate {
		migrateCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err := store.Migrate(migrateCtx, cfg.DatabaseURL, "up")
		cancel()
		if err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		logger.Info("migrations applied", "component", "bootstrap")
	}

	dbpool, err := openPool(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer dbpool.Close()
	logger.Info("database connected", "component", "bootstrap")

	producer := openProducer(cfg, logger)
	defer producer.Close()
	events := app.NewEventPublisher(producer, cfg.EventsExchange, logger)

	var dedup app.WebhookDeduper
	if redisClient := openRedis(cfg, logger); redisClient != nil {
		defer redisClient.Close()
		dedup = app.NewRedisWebhookDeduper(redisClient, cfg.RedisKeyPrefix, cfg.WebhookDedupTTL())
	}

	repository := store.NewPostgresRepository(dbpool)
	providers := buildProviders(cfg)

	payoutService := app.NewService(repository, catalog, providers, events, app.ServiceConfig{
		Retry: app.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay(),
			CapDelay:    cfg.RetryCapDelay(),
			CallTimeout: cfg.ProviderCallTimeout(),
		},
		BatchMaxConcurrent:      cfg.BatchMaxConcurrent,
		BatchMaxConcurrentLimit: cfg.BatchMaxConcurrentLimit,
		BatchMaxItems:           cfg.BatchMaxItems,
	}, logger)
	reconciler := app.NewWebhookReconciler(repository, cfg.WebhookSecret, dedup, events, logger)

	sweeper := app.NewSweeper(repository, providers, events, sweepConfig(cfg), logger)
	scheduler := app.NewScheduler(sweeper, cfg.SweepSchedule, logger)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	// Batch requests arriving over the bus are optional; the HTTP API works without them.
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			logger.Warn("rabbitmq consumer unavailable; batch requests over the bus disabled", "component", "bootstrap", "error", err)
		} else {
			defer rabbitConsumer.Close()
			batchConsumer := app.NewBatchRequestConsumer(payoutService, events, logger)
			bindings := map[string]func([]byte) bool{
				app.RoutingKeyBatchRequested: batchConsumer.HandleMessage,
			}
			if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.BatchQueue, 1, bindings); err != nil {
				return fmt.Errorf("start batch consumer: %w", err)
			}
			logger.Info("batch request consumer started", "component", "bootstrap", "queue", cfg.BatchQueue)
		}
	}

	router := api.PayoutRoutes(
		api.NewPayoutHandlers(payoutService, logger),
		api.NewWebhookHandlers(reconciler, cfg.WebhookTimeout(), logger),
		cfg.InternalAPIKey,
	)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "component", "http", "addr", serverAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-serverErr:
		logger.Error("server stopped unexpectedly", "component", "http", "error", err)
	}
	logger.Info("shutdown started", "component", "http")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "component", "http", "error", err)
	}
	<-scheduler.Stop().Done()
	payoutService.Wait()

	logger.Info("shutdown complete", "component", "http")
	return nil
}

func openPool(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return dbpool, nil
}

func openProducer(cfg config.Config, logger *slog.Logger) rmrabbit.Publisher {
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		logger.Warn("rabbitmq url missing; status events disabled", "component", "bootstrap", "env", "RABBITMQ_URL")
		return &rmrabbit.EventProducerFallback{}
	}
	producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", "component", "bootstrap", "error", err)
		return &rmrabbit.EventProducerFallback{}
	}
	logger.Info("rabbitmq producer connected", "component", "bootstrap")
	return producer
}

func openRedis(cfg config.Config, logger *slog.Logger) *redis.Client {
	if cfg.RedisURL == "" {
		logger.Info("redis url missing; webhook dedup uses the ledger only", "component", "bootstrap")
		return nil
	}
	options, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed; webhook dedup uses the ledger only", "component", "bootstrap", "error", err)
		return nil
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; webhook dedup uses the ledger only", "component", "bootstrap", "error", err)
		client.Close()
		return nil
	}
	logger.Info("redis connected", "component", "bootstrap")
	return client
}

func buildProviders(cfg config.Config) app.Providers {
	return app.Providers{
		domain.RailA: railclient.NewConnectedAccountClient(cfg.RailAAPIBaseURL, cfg.RailAAPIKey, cfg.ProviderCallTimeout()),
		domain.RailB: railclient.NewBankTransferClient(cfg.RailBAPIBaseURL, cfg.RailBAPIKey, cfg.ProviderCallTimeout()),
	}
}

func sweepConfig(cfg config.Config) app.SweepConfig {
	return app.SweepConfig{
		StaleAfter:     time.Duration(cfg.SweepStaleMinutes) * time.Minute,
		AbandonedAfter: time.Duration(cfg.SweepAbandonedMinutes) * time.Minute,
		BatchSize:      cfg.SweepBatchSize,
		CallTimeout:    cfg.ProviderCallTimeout(),
	}
}
