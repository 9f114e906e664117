package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	"vinowpay/internal/common/database"
	"vinowpay/internal/common/middleware"
	"vinowpay/internal/common/nats"
	"vinowpay/internal/common/redis"
	"vinowpay/internal/jobs"
	"vinowpay/internal/order"
	orderapi "vinowpay/internal/order/api"
	orderstore "vinowpay/internal/order/store"
	"vinowpay/internal/payment"
	paymentapi "vinowpay/internal/payment/api"
	paymentstore "vinowpay/internal/payment/store"
	"vinowpay/internal/recon"
	reconapi "vinowpay/internal/recon/api"
	"vinowpay/internal/recon/feed"
	reconstore "vinowpay/internal/recon/store"
	"vinowpay/internal/settlement"
	settlementapi "vinowpay/internal/settlement/api"
	"vinowpay/internal/settlement/bank"
	settlementstore "vinowpay/internal/settlement/store"
	"vinowpay/migrations"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`

	Database   database.Config
	NATS       nats.Config
	Redis      redis.Config
	Payment    payment.Config
	Feed       feed.Config
	Bank       bank.Config
	Settlement settlement.Config
	Jobs       jobs.Config
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

	// Migrate and connect to database
	if cfg.Database.Migrate {
		if err := database.Migrate(cfg.Database.URL, migrations.FS, logger); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
	}

	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Connect to NATS and ensure the event stream
	natsClient, err := nats.New(ctx, cfg.NATS, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()

	if _, err := natsClient.EnsureStream(ctx, nats.DefaultStreamConfig("VINOWPAY_EVENTS", []string{"events.>"})); err != nil {
		logger.Error("failed to ensure event stream", "error", err)
		os.Exit(1)
	}
	publisher := nats.NewPublisher(natsClient, logger)

	// Connect to Redis for idempotency replay
	redisClient, err := redis.New(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	idempotencyStore := redis.NewIdempotencyStore(redisClient)

	// Stores
	orderStore := orderstore.New(db)
	paymentStore := paymentstore.New(db)
	reconStore := reconstore.New(db)
	settlementStore := settlementstore.New(db)

	// Services
	orderService := order.NewService(orderStore, publisher, logger)
	paymentService := payment.NewService(paymentStore, orderService, cfg.Payment, publisher, logger)
	statementFeed := feed.NewClient(cfg.Feed, logger)
	reconService := recon.NewService(reconStore, statementFeed, publisher, logger)
	bankClient := bank.NewClient(cfg.Bank, logger)
	settlementService := settlement.NewService(cfg.Settlement, settlementStore, reconStore, bankClient, publisher, logger)

	// Handlers
	orderHandler := orderapi.NewHandler(orderService)
	paymentHandler := paymentapi.NewHandler(paymentService, logger)
	reconHandler := reconapi.NewHandler(reconService)
	settlementHandler := settlementapi.NewHandler(settlementService)

	// Router
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.MerchantExtractor)
	r.Use(middleware.OperatorExtractor)
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.With(middleware.Idempotency(idempotencyStore, cfg.IdempotencyTTL)).
			Mount("/orders", orderHandler.Routes())
		r.Mount("/payments", paymentHandler.Routes())
		r.Mount("/reconciliation", reconHandler.Routes())
		r.Mount("/disputes", reconHandler.DisputeRoutes())
		r.Mount("/settlements", settlementHandler.Routes())
	})

	// Background jobs
	jobManager, err := jobs.NewManager(cfg.Jobs, paymentService, reconService, settlementService, settlementStore, logger)
	if err != nil {
		logger.Error("failed to create job manager", "error", err)
		os.Exit(1)
	}
	if err := jobManager.Start(); err != nil {
		logger.Error("failed to start jobs", "error", err)
		os.Exit(1)
	}

	// Server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting vinowpay service",
			"port", cfg.Port,
			"environment", cfg.Environment,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := jobManager.Stop(); err != nil {
		logger.Error("job shutdown error", "error", err)
	}

	logger.Info("stopped")
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
