// Package main provides the entry point for the Oxidized-Bio API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/SampleBias/Oxidized-Bio/internal/config"
	"github.com/SampleBias/Oxidized-Bio/internal/database"
	"github.com/SampleBias/Oxidized-Bio/internal/dispatcher"
	"github.com/SampleBias/Oxidized-Bio/internal/engine"
	"github.com/SampleBias/Oxidized-Bio/internal/notify"
	"github.com/SampleBias/Oxidized-Bio/internal/observability"
	"github.com/SampleBias/Oxidized-Bio/internal/repository"
	httpserver "github.com/SampleBias/Oxidized-Bio/internal/server/http"
)

// healthService is the gRPC health service name reported by the server.
const healthService = "oxidizedbio.v1.Orchestrator"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Set up structured logging.
	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	logger = logger.With().Str("component", "server").Logger()
	logger.Info().Msg("oxidized-bio server starting")

	metrics := observability.NewMetrics(cfg.Metrics.Namespace)

	// Set up context with graceful shutdown via OS signals.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to PostgreSQL.
	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	logger.Info().Msg("database connection established")

	// Run migrations if configured.
	if cfg.Database.MigrationAutoRun {
		source, err := database.MigrationSource(cfg.Database.MigrationPath)
		if err != nil {
			return fmt.Errorf("load migrations: %w", err)
		}
		migrator, err := database.NewMigrator(db, source, logger)
		if err != nil {
			return fmt.Errorf("create migrator: %w", err)
		}
		defer func() {
			if closeErr := migrator.Close(); closeErr != nil {
				logger.Error().Err(closeErr).Msg("failed to close migrator")
			}
		}()

		if err := migrator.Up(); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	// Create repositories.
	workflowRepo := repository.NewPgWorkflowRepository(db)
	jobRepo := repository.NewPgJobRepository(db)

	// Progress events. With Postgres notifications enabled every process
	// publishes through pg_notify and the hub is fed by the listener only,
	// so local and remote events arrive through the same path.
	hub := notify.NewHub(cfg.Notify.BufferSize, metrics)
	defer hub.Close()

	var sinks []notify.Sink
	if cfg.Notify.PostgresEnabled {
		sinks = append(sinks, notify.NewPgSink(db, cfg.Notify.PostgresChannel))
	} else {
		sinks = append(sinks, hub)
	}

	var kafkaSink *notify.KafkaSink
	if cfg.Kafka.Enabled {
		kafkaSink = notify.NewKafkaSink(notify.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
		}, logger, metrics)
		sinks = append(sinks, kafkaSink)
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("kafka event sink enabled")
	}
	bus := notify.NewBus(logger, metrics, sinks...)

	queue := dispatcher.NewQueue(jobRepo, logger, metrics, nil)
	eng := engine.New(workflowRepo, queue, bus, engine.Config{
		Logger:  logger,
		Metrics: metrics,
	})

	// Create gRPC server with keepalive and size limits. It carries the
	// health and reflection services.
	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(16*1024*1024), // 16MB
		grpc.MaxSendMsgSize(16*1024*1024), // 16MB
		grpc.MaxConcurrentStreams(100),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     15 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 5 * time.Minute,
			Time:                  5 * time.Minute,
			Timeout:               1 * time.Minute,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Minute,
			PermitWithoutStream: true,
		}),
	)

	// Register gRPC health check.
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

	// Enable reflection for debugging.
	reflection.Register(grpcServer)

	// Start gRPC listener.
	grpcAddr := cfg.Server.GRPCAddress()
	grpcListener, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("listen on gRPC port: %w", err)
	}

	httpCfg := httpserver.Config{
		Address:         cfg.Server.HTTPAddress(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     2 * time.Minute,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Heartbeat:       cfg.Server.StreamHeartbeat,
		CORSOrigins:     cfg.Server.CORSOrigins,
	}
	httpSrv := httpserver.NewServer(httpCfg, eng, hub, db, logger)

	// Set up Prometheus metrics handler on a separate port if configured.
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress(),
			Handler:      metricsMux,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
	}

	// Channel to collect server errors.
	errCh := make(chan error, 4)

	if cfg.Notify.PostgresEnabled {
		listener := notify.NewPgListener(db, hub, notify.ListenerConfig{
			Channel: cfg.Notify.PostgresChannel,
			Logger:  logger,
		})
		go func() {
			if err := listener.Run(ctx); err != nil {
				errCh <- fmt.Errorf("notification listener error: %w", err)
			}
		}()
	}

	// Start gRPC server in background.
	go func() {
		logger.Info().
			Str("address", grpcAddr).
			Msg("gRPC server starting")
		if err := grpcServer.Serve(grpcListener); err != nil {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	// Start HTTP REST API server in background.
	go func() {
		logger.Info().
			Str("address", httpCfg.Address).
			Msg("HTTP REST API server starting")
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Start metrics server if configured.
	if metricsServer != nil {
		go func() {
			logger.Info().
				Str("address", metricsServer.Addr).
				Msg("metrics server starting")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	readyLog := logger.Info().
		Str("grpc_address", grpcAddr).
		Str("http_address", httpCfg.Address).
		Strs("event_sinks", bus.Sinks())
	if metricsServer != nil {
		readyLog = readyLog.Str("metrics_address", metricsServer.Addr)
	}
	readyLog.Msg("oxidized-bio server is ready")

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	// Graceful shutdown.
	logger.Info().Msg("shutting down oxidized-bio server")

	// Mark health as not serving.
	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Open event streams end when the hub closes.
	hub.Close()

	// Shut down HTTP REST API server with timeout.
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// Shut down metrics server if running.
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("metrics server shutdown error")
		}
	}

	// Gracefully stop gRPC server with timeout.
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		logger.Info().Msg("gRPC server stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn().Msg("gRPC server forced shutdown due to timeout")
		grpcServer.Stop()
	}

	// Flush pending Kafka events.
	if kafkaSink != nil {
		if err := kafkaSink.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close kafka sink")
		}
	}

	logger.Info().Msg("oxidized-bio server shutdown complete")
	return nil
}
