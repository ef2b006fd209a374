// Package main is the entry point for the projector services. One binary
// hosts all downstream consumers; -service selects which projection this
// process runs, each in its own consumer group against its own store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"watchdesk/internal/archive"
	"watchdesk/internal/broker"
	"watchdesk/internal/config"
	"watchdesk/internal/projector"
	"watchdesk/internal/storage"
	"watchdesk/internal/telemetry"
)

func main() {
	service := flag.String("service", "", "projection to run: notifications, metrics, reports or archive")
	flag.Parse()

	// Setup structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("WATCHDESK_LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", *service)
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := telemetry.New(*service)

	// Each projection consumes under its own group so the stream fans
	// out: every service sees every event, offsets tracked per group.
	brokerCfg := cfg.Broker
	brokerCfg.ConsumerGroup = fmt.Sprintf("watchdesk-%s", *service)

	var (
		handlers map[string]broker.Handler
		cleanup  func()
	)

	switch *service {
	case "notifications":
		pool := mustConnect(ctx, cfg.Databases.Notifications, "notifications")
		p := projector.NewNotifications(projector.NewPostgresNotificationStore(pool), logger, metrics)
		handlers = p.Handlers()
		cleanup = pool.Close

	case "metrics":
		pool := mustConnect(ctx, cfg.Databases.Metrics, "metrics")
		p := projector.NewMetricsRollups(projector.NewPostgresMetricsStore(pool), logger, metrics)
		handlers = p.Handlers()
		cleanup = pool.Close

	case "reports":
		pool := mustConnect(ctx, cfg.Databases.Reports, "reports")
		p := projector.NewReports(projector.NewPostgresReportStore(pool), logger, metrics)
		handlers = p.Handlers()
		cleanup = pool.Close

	case "archive":
		client, err := archive.NewClient(cfg.Archive.ClickHouse)
		if err != nil {
			slog.Error("failed to connect to ClickHouse", "error", err)
			os.Exit(1)
		}
		if err := client.EnsureSchema(ctx); err != nil {
			slog.Error("failed to ensure archive schema", "error", err)
			os.Exit(1)
		}
		writer := archive.NewWriter(client, cfg.Archive.Writer)
		handlers = archive.NewConsumer(writer, logger).Handlers()
		cleanup = func() {
			if err := writer.Close(); err != nil {
				slog.Error("archive writer close error", "error", err)
			}
			if err := client.Close(); err != nil {
				slog.Error("clickhouse close error", "error", err)
			}
			m := writer.Metrics()
			slog.Info("archive metrics",
				"rows_written", m.Written,
				"rows_failed", m.Failed,
				"batches", m.Batches,
			)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown -service %q\n", *service)
		flag.Usage()
		os.Exit(2)
	}

	consumers, err := broker.NewConsumerSet(brokerCfg, handlers, logger)
	if err != nil {
		slog.Error("failed to create consumers", "error", err)
		os.Exit(1)
	}
	if err := consumers.Start(); err != nil {
		slog.Error("failed to start consumers", "error", err)
		os.Exit(1)
	}
	slog.Info("projector started", "consumer_group", brokerCfg.ConsumerGroup, "topics", len(handlers))

	// Metrics endpoint
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","service":%q}`, *service)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting metrics server", "address", server.Addr)
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

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	if err := consumers.Stop(); err != nil {
		slog.Error("consumer stop error", "error", err)
	}

	cancel()
	cleanup()

	slog.Info("shutdown complete")
}

// mustConnect opens the service database and applies its migrations.
func mustConnect(ctx context.Context, cfg storage.Config, service string) *pgxpool.Pool {
	pool, err := storage.Connect(ctx, cfg)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	slog.Info("running database migrations", "schema", service)
	if err := storage.NewMigrator(pool, service).Run(ctx); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	return pool
}
