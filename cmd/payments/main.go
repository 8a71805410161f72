package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/kelseyhightower/envconfig"

	"github.com/thinkwithmahesh/Hasivu-sub008/internal/common/database"
	"github.com/thinkwithmahesh/Hasivu-sub008/internal/common/events"
	"github.com/thinkwithmahesh/Hasivu-sub008/internal/common/middleware"
	natsclient "github.com/thinkwithmahesh/Hasivu-sub008/internal/common/nats"
	"github.com/thinkwithmahesh/Hasivu-sub008/internal/gateway"
	"github.com/thinkwithmahesh/Hasivu-sub008/internal/idempotency"
	"github.com/thinkwithmahesh/Hasivu-sub008/internal/payments"
	paymentsapi "github.com/thinkwithmahesh/Hasivu-sub008/internal/payments/api"
	paymentstore "github.com/thinkwithmahesh/Hasivu-sub008/internal/payments/store"
	"github.com/thinkwithmahesh/Hasivu-sub008/internal/payments/webhook"
	"github.com/thinkwithmahesh/Hasivu-sub008/internal/targets"
	"github.com/thinkwithmahesh/Hasivu-sub008/migrations"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"PAYMENTS_PORT" default:"8086"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	RunMigrate  bool   `envconfig:"RUN_MIGRATIONS" default:"true"`
	NATSEnabled bool   `envconfig:"NATS_ENABLED" default:"false"`

	Database database.Config
	NATS     natsclient.Config
	Gateway  gateway.Config
	Payments payments.Config
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	// Create context that listens for shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Run schema migrations
	if cfg.RunMigrate {
		if err := runMigrations(cfg.Database.URL); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	// Connect to database
	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Event publisher: NATS JetStream when enabled, no-op otherwise
	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.NATSEnabled {
		nc, err := natsclient.New(ctx, cfg.NATS, logger)
		if err != nil {
			logger.Error("failed to connect to nats", "error", err)
			os.Exit(1)
		}
		defer nc.Close()

		if _, err := nc.EnsureStream(ctx, natsclient.DefaultStreamConfig("PAYMENTS", []string{"payments.>"})); err != nil {
			logger.Error("failed to ensure stream", "error", err)
			os.Exit(1)
		}
		publisher = natsclient.NewPublisher(nc, logger)
	}

	// Wire the payment core
	gatewayClient := gateway.NewHTTPClient(cfg.Gateway, logger)
	store := paymentstore.New(db)
	targetStore := targets.NewStore(db)
	dedupe := idempotency.NewStore(db)

	service := payments.NewService(db, store, targetStore, gatewayClient, publisher, logger, cfg.Payments)
	engine := webhook.NewEngine(db, service, gatewayClient, dedupe, logger, cfg.Payments)
	handler := paymentsapi.NewHandler(service, engine, logger)

	// Setup router
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.PrincipalExtractor)
	r.Use(chimw.Compress(5))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Ready check
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// API routes
	r.Route("/api/v1/payments", func(r chi.Router) {
		r.Mount("/", handler.Routes())
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting payments service",
			"port", cfg.Port,
			"environment", cfg.Environment,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func runMigrations(databaseURL string) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}

	// The pgx/v5 migrate driver registers under the pgx5 scheme.
	url := strings.Replace(databaseURL, "postgres://", "pgx5://", 1)

	m, err := migrate.NewWithSourceInstance("iofs", src, url)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
