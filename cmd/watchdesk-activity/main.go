// Package main is the entry point for the activity service: HTTP intake,
// anomaly rules and the outbox dispatcher in one process.
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

	"github.com/redis/go-redis/v9"

	"watchdesk/internal/activity"
	"watchdesk/internal/broker"
	"watchdesk/internal/config"
	"watchdesk/internal/ingest"
	"watchdesk/internal/outbox"
	"watchdesk/internal/rules"
	"watchdesk/internal/storage"
	"watchdesk/internal/telemetry"
)

func main() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("WATCHDESK_LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"brokers", cfg.Broker.Brokers,
		"redis_lease", cfg.Redis.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := storage.Connect(ctx, cfg.Databases.Activity)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	slog.Info("running database migrations", "service", "activity")
	if err := storage.NewMigrator(pool, "activity").Run(ctx); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	metrics := telemetry.New("activity")

	// Broker publisher for the dispatcher
	publisher, err := broker.NewPublisher(cfg.Broker, logger)
	if err != nil {
		slog.Error("failed to create publisher", "error", err)
		os.Exit(1)
	}

	// Optional dispatcher leader lease
	var leader *outbox.Leader
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		leader = outbox.NewLeader(redisClient, cfg.Redis.LeaseKey, cfg.Redis.LeaseTTL, logger)
	}

	dispatcher, err := outbox.NewDispatcher(cfg.Dispatcher, outbox.NewPostgresStore(pool), publisher, leader, logger)
	if err != nil {
		slog.Error("failed to create dispatcher", "error", err)
		os.Exit(1)
	}
	dispatcher.WithMetrics(metrics.OutboxDispatched, metrics.OutboxRetries, metrics.OutboxDeadLetters)

	if err := dispatcher.Start(); err != nil {
		slog.Error("failed to start dispatcher", "error", err)
		os.Exit(1)
	}

	// Intake pipeline
	engine := rules.NewEngine(cfg.Rules, logger)
	store := activity.NewPostgresStore(pool, outbox.NewWriter("activity"))
	service := activity.NewService(store, engine, logger, metrics)

	handler := ingest.NewHandler(service, metrics.Handler(), logger).
		WithMaxPayload(cfg.Ingest.MaxPayloadSize)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting activity server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting new requests first; in-flight writes commit their
	// outbox rows, then the dispatcher gets a last chance to drain them.
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	if err := dispatcher.Stop(); err != nil {
		slog.Error("dispatcher stop error", "error", err)
	}

	if leader != nil {
		leader.Release(shutdownCtx)
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			slog.Error("redis close error", "error", err)
		}
	}

	if err := publisher.Close(); err != nil {
		slog.Error("publisher close error", "error", err)
	}

	cancel()
	pool.Close()

	dispatched, retried, deadLetters := dispatcher.Stats()
	published, publishFailures := publisher.Stats()
	slog.Info("shutdown complete",
		"outbox_dispatched", dispatched,
		"outbox_retried", retried,
		"outbox_dead_letters", deadLetters,
		"published", published,
		"publish_failures", publishFailures,
	)
}
