// gateway runs the broker connection service with its admin endpoints.
//
// Usage: go run ./cmd/gateway --config configs/gateway.example.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rickgao/brokerlink/internal/config"
	"github.com/rickgao/brokerlink/internal/database"
	"github.com/rickgao/brokerlink/internal/gateway"
	"github.com/rickgao/brokerlink/internal/logging"
	"github.com/rickgao/brokerlink/internal/metrics"
	"github.com/rickgao/brokerlink/internal/publish"
	"github.com/rickgao/brokerlink/internal/tracing"
	"github.com/rickgao/brokerlink/internal/version"
	"github.com/rickgao/brokerlink/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/gateway.example.yaml", "path to config file")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the config")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging, os.Stdout).With("instance_id", cfg.Instance.ID)
	slog.SetDefault(logger)
	logger.Info("starting gateway",
		"version", version.String(),
		"config", *configPath,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	tp, err := tracing.Setup(ctx, cfg.Tracing, version.Version, os.Stdout)
	if err != nil {
		logger.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	gwCfg, err := cfg.GatewaySettings()
	if err != nil {
		logger.Error("invalid gateway settings", "error", err)
		os.Exit(1)
	}
	svc := gateway.New(gwCfg, gateway.Deps{
		Logger:  logger,
		Metrics: m,
		Tracer:  tp.Tracer("brokerlink"),
	})
	svc.Start(ctx)

	// Sinks run until the service's last events are drained, not until the
	// signal.
	sinkCtx, sinkCancel := context.WithCancel(context.Background())
	defer sinkCancel()
	var drained []<-chan struct{}

	// Audit log
	var pool *pgxpool.Pool
	var auditWriter *writer.EventWriter
	if cfg.Audit.Enabled {
		logger.Info("connecting to audit database",
			"host", cfg.Audit.Database.Host,
			"port", cfg.Audit.Database.Port,
			"database", cfg.Audit.Database.Name,
		)
		pool, err = database.Connect(ctx, cfg.Audit.Database)
		if err != nil {
			logger.Error("failed to connect to audit database", "error", err)
			os.Exit(1)
		}
		if err := writer.EnsureSchema(ctx, pool); err != nil {
			logger.Error("failed to create audit schema", "error", err)
			os.Exit(1)
		}
		sub := svc.Subscribe(writer.AuditedTypes()...)
		auditWriter = writer.NewEventWriter(writer.WriterConfig{
			BatchSize:     cfg.Audit.BatchSize,
			FlushInterval: cfg.Audit.FlushInterval,
		}, sub.C(), pool, m, logger)
		auditWriter.Start(sinkCtx)
		drained = append(drained, auditWriter.Done())
	}

	// Event export
	var publisher *publish.KafkaPublisher
	if cfg.Events.Enabled {
		pcfg := publish.Config{
			Brokers:      cfg.Events.Brokers,
			Topic:        cfg.Events.Topic,
			BatchSize:    cfg.Events.BatchSize,
			BatchTimeout: cfg.Events.BatchTimeout,
		}
		sub := svc.Subscribe()
		publisher = publish.NewKafkaPublisher(pcfg, publish.NewWriter(pcfg), sub.C(), m, logger)
		publisher.Start(sinkCtx)
		drained = append(drained, publisher.Done())
		logger.Info("exporting events", "brokers", cfg.Events.Brokers, "topic", cfg.Events.Topic)
	}

	var db pinger
	if pool != nil {
		db = pool
	}
	adminServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           newAdminHandler(svc, db, reg, cfg.Metrics.Path, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("starting admin server", "port", cfg.Metrics.Port)
		if err := adminServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("admin server error", "error", err)
		}
	}()

	logger.Info("gateway running",
		"broker", cfg.Broker.WSURL,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	adminServer.Shutdown(shutdownCtx)
	svc.Stop(shutdownCtx)
	for _, done := range drained {
		select {
		case <-done:
		case <-shutdownCtx.Done():
			logger.Warn("event sinks did not drain before the shutdown deadline")
		}
	}
	sinkCancel()
	if auditWriter != nil {
		auditWriter.Stop(shutdownCtx)
	}
	if publisher != nil {
		if err := publisher.Stop(shutdownCtx); err != nil {
			logger.Warn("kafka writer close failed", "error", err)
		}
	}
	if pool != nil {
		pool.Close()
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", "error", err)
	}

	logger.Info("gateway stopped")
}
