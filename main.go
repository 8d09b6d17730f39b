package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"wa-router/internal/circuitbreaker"
	"wa-router/internal/common/logging"
	"wa-router/internal/config"
	"wa-router/internal/dispatcher"
	"wa-router/internal/dlq"
	"wa-router/internal/forwarder"
	"wa-router/internal/middleware"
	"wa-router/internal/ratelimit"
	"wa-router/internal/routing"
	"wa-router/internal/signature"
	"wa-router/internal/telemetry"
)

func main() {
	startMarker := time.Now()

	godotenv.Load()

	cfg := config.Load()

	logger, err := logging.NewZapLogger(logging.LogConfig{
		Level:      logging.ParseLevel(cfg.LogLevel),
		TimeFormat: time.RFC3339,
		Name:       cfg.ServiceName,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)
	defer logging.MustSync()

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", err)
		os.Exit(1)
	}

	dlqStore, err := dlq.NewStore(dlq.Config{
		Backend:       cfg.DLQBackend,
		SQLitePath:    cfg.DLQSQLitePath,
		PostgresURL:   cfg.DLQPostgresURL,
		RedisAddress:  cfg.DLQRedisAddress,
		RedisPassword: cfg.DLQRedisPassword,
		RedisDB:       cfg.DLQRedisDB,
	})
	if err != nil {
		logger.Error("Failed to initialize dead-letter store", err)
		os.Exit(1)
	}
	defer dlqStore.Close()

	d := dispatcher.New(dispatcher.Options{
		Config: cfg,
		Engine: routing.NewEngine(routing.Options{
			Unified: cfg.UnifiedRouting,
			Logger:  logger,
		}),
		Circuits: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold:   cfg.CircuitThreshold,
			OpenTimeout: cfg.CircuitOpenTimeout,
		}, logger),
		Limiter: ratelimit.NewLimiter(ratelimit.Config{
			Window:      cfg.RateLimitWindow,
			MaxRequests: cfg.RateLimitMax,
		}, logger),
		Forwarder: forwarder.NewClient(forwarder.Config{
			MaxAttempts:          cfg.RetryMaxAttempts,
			BaseDelay:            cfg.RetryBaseDelay,
			AttemptTimeout:       cfg.RouterTimeout,
			RetriableStatusCodes: cfg.RetriableStatusCodes,
		}, logger),
		Tracker: telemetry.NewLatencyTracker(telemetry.Config{
			WindowSize:   cfg.LatencyWindowSize,
			ColdStartSLO: cfg.ColdStartSLO,
			P95SLO:       cfg.P95SLO,
		}, logger),
		Verifier: signature.NewVerifier(signature.Config{
			AppSecret:         cfg.AppSecret,
			InternalJWTSecret: cfg.InternalJWTSecret,
			AllowUnsigned:     cfg.AllowUnsigned,
		}, logger),
		DLQStore: dlqStore,
		Logger:   logger,
	})
	d.SetStartMarker(startMarker)

	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware)
	d.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("Server starting",
			logging.String("port", cfg.Port),
			logging.String("service", cfg.ServiceName),
			logging.Bool("unified_routing", cfg.UnifiedRouting),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed to start", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", err)
		os.Exit(1)
	}

	logger.Info("Server exited")
}
