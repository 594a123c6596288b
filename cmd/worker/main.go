// Package main provides the entry point for the Oxidized-Bio stage worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/SampleBias/Oxidized-Bio/internal/agents"
	"github.com/SampleBias/Oxidized-Bio/internal/config"
	"github.com/SampleBias/Oxidized-Bio/internal/control"
	"github.com/SampleBias/Oxidized-Bio/internal/database"
	"github.com/SampleBias/Oxidized-Bio/internal/dataset"
	"github.com/SampleBias/Oxidized-Bio/internal/dispatcher"
	"github.com/SampleBias/Oxidized-Bio/internal/engine"
	"github.com/SampleBias/Oxidized-Bio/internal/llm"
	"github.com/SampleBias/Oxidized-Bio/internal/notify"
	"github.com/SampleBias/Oxidized-Bio/internal/observability"
	"github.com/SampleBias/Oxidized-Bio/internal/repository"
	"github.com/SampleBias/Oxidized-Bio/internal/resilience"
	"github.com/SampleBias/Oxidized-Bio/internal/search"
)

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
	logger = logger.With().Str("component", "worker").Logger()
	logger.Info().Msg("oxidized-bio worker starting")

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

	// Create repositories.
	workflowRepo := repository.NewPgWorkflowRepository(db)
	jobRepo := repository.NewPgJobRepository(db)

	// Event sinks. The worker has no subscribers of its own.
	var sinks []notify.Sink
	if cfg.Notify.PostgresEnabled {
		sinks = append(sinks, notify.NewPgSink(db, cfg.Notify.PostgresChannel))
	} else {
		logger.Warn().Msg("postgres notifications disabled; API server streams will not see worker events")
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
	}
	bus := notify.NewBus(logger, metrics, sinks...)

	queue := dispatcher.NewQueue(jobRepo, logger, metrics, nil)
	eng := engine.New(workflowRepo, queue, bus, engine.Config{
		Logger:  logger,
		Metrics: metrics,
	})

	// LLM gateway.
	gateway, err := buildGateway(ctx, &cfg.LLM, logger, metrics)
	if err != nil {
		return err
	}

	// Search backends.
	searchBackend, err := buildSearch(&cfg.Search, logger, metrics)
	if err != nil {
		return err
	}

	registry, err := agents.NewDefaultRegistry(agents.Deps{
		LLM:    gateway,
		Search: searchBackend,
		Validator: dataset.NewValidator(dataset.Config{
			RequiredColumns: cfg.Dataset.RequiredColumns,
			MaxRows:         cfg.Dataset.MaxRows,
		}),
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		SearchRetry: resilience.Policy{
			MaxAttempts: cfg.Search.MaxAttempts,
			Backoff:     resilience.Backoff{Base: cfg.LLM.BaseDelay, Max: cfg.LLM.MaxDelay, Multiplier: 2, Jitter: 0.2},
			Logger:      logger,
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("build agent registry: %w", err)
	}

	disp, err := dispatcher.New(dispatcher.Config{
		Workers:       cfg.Dispatcher.Workers,
		LeaseDuration: cfg.Dispatcher.LeaseDuration,
		PollInterval:  cfg.Dispatcher.PollInterval,
		SweepInterval: cfg.Dispatcher.SweepInterval,
		MaxAttempts:   cfg.Dispatcher.MaxAttempts,
		Backoff: resilience.Backoff{
			Base:       cfg.Dispatcher.BaseBackoff,
			Max:        cfg.Dispatcher.MaxBackoff,
			Multiplier: 2,
			Jitter:     0.5,
		},
		ShutdownGrace: cfg.Dispatcher.ShutdownGrace,
		Reclaimer:     repository.NewLeaderReclaimer(db),
		Logger:        logger,
		Metrics:       metrics,
	}, jobRepo, queue, eng, registry)
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().
			Int("workers", cfg.Dispatcher.Workers).
			Strs("providers", gateway.Providers()).
			Msg("dispatcher starting")
		return disp.Run(gctx)
	})

	if cfg.Control.Enabled {
		consumer := control.NewConsumer(control.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Control.Topic,
			GroupID: cfg.Control.GroupID,
		}, eng, logger)
		g.Go(func() error {
			logger.Info().Str("topic", cfg.Control.Topic).Msg("control consumer starting")
			if err := consumer.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("control consumer: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return consumer.Close()
		})
	}

	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer := &http.Server{
			Addr:         cfg.Server.MetricsAddress(),
			Handler:      metricsMux,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
		g.Go(func() error {
			logger.Info().Str("address", metricsServer.Addr).Msg("metrics server starting")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	logger.Info().Strs("event_sinks", bus.Sinks()).Msg("oxidized-bio worker is ready")

	err = g.Wait()

	if kafkaSink != nil {
		if closeErr := kafkaSink.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("failed to close kafka sink")
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
		return err
	}
	logger.Info().Msg("oxidized-bio worker shutdown complete")
	return nil
}

// buildGateway creates one provider per entry of the configured fallback
// order and wraps them in a Gateway.
func buildGateway(ctx context.Context, cfg *config.LLMConfig, logger zerolog.Logger, metrics *observability.Metrics) (*llm.Gateway, error) {
	providers := make([]llm.Provider, 0, len(cfg.ProviderOrder))
	order := make([]string, 0, len(cfg.ProviderOrder))
	limits := make(map[string]llm.Limits, len(cfg.ProviderOrder))

	for _, raw := range cfg.ProviderOrder {
		name := strings.ToLower(strings.TrimSpace(raw))
		pc, ok := cfg.Provider(name)
		if !ok {
			return nil, fmt.Errorf("unknown llm provider %q", name)
		}

		p, err := llm.NewProvider(ctx, llm.ProviderConfig{
			Name:    name,
			APIKey:  pc.APIKey,
			Model:   pc.Model,
			BaseURL: pc.BaseURL,
			Timeout: cfg.CallTimeout,
			Capabilities: llm.Capabilities{
				SupportsStreaming: pc.SupportsStreaming,
				SupportsVision:    pc.SupportsVision,
				MaxContext:        pc.MaxContext,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("create llm provider %s: %w", name, err)
		}

		providers = append(providers, p)
		order = append(order, name)
		limits[name] = llm.Limits{
			MaxConcurrent: int64(pc.MaxConcurrent),
			RatePerSecond: pc.RateLimit,
			Burst:         pc.MaxConcurrent,
		}
		logger.Info().
			Str("provider", name).
			Str("model", pc.Model).
			Int("max_concurrent", pc.MaxConcurrent).
			Msg("llm provider configured")
	}

	gateway, err := llm.NewGateway(llm.GatewayConfig{
		Order:       order,
		MaxAttempts: cfg.MaxAttempts,
		Backoff: resilience.Backoff{
			Base:       cfg.BaseDelay,
			Max:        cfg.MaxDelay,
			Multiplier: 2,
			Jitter:     0.2,
		},
		CallTimeout: cfg.CallTimeout,
		Limits:      limits,
		Logger:      logger,
		Metrics:     metrics,
	}, providers...)
	if err != nil {
		return nil, fmt.Errorf("create llm gateway: %w", err)
	}
	return gateway, nil
}

// buildSearch creates the configured search backends. More than one source
// is merged by search.Multi.
func buildSearch(cfg *config.SearchConfig, logger zerolog.Logger, metrics *observability.Metrics) (search.Backend, error) {
	retries := max(cfg.MaxAttempts-1, 0)
	backends := make([]search.Backend, 0, len(cfg.Sources))
	for _, raw := range cfg.Sources {
		switch name := strings.ToLower(strings.TrimSpace(raw)); name {
		case config.SearchSourceOpenAlex:
			backends = append(backends, search.NewOpenAlex(search.OpenAlexConfig{
				BaseURL:    cfg.BaseURL,
				Mailto:     cfg.Mailto,
				APIKey:     cfg.APIKey,
				Timeout:    cfg.Timeout,
				RateLimit:  cfg.RateLimit,
				MaxResults: cfg.MaxResults,
				MaxRetries: retries,
			}, logger, metrics))
		case config.SearchSourceSemanticScholar:
			backends = append(backends, search.NewSemanticScholar(search.SemanticScholarConfig{
				BaseURL:    cfg.SemanticScholarURL,
				APIKey:     cfg.SemanticScholarAPIKey,
				Timeout:    cfg.Timeout,
				MaxResults: cfg.MaxResults,
				MaxRetries: retries,
			}, logger, metrics))
		default:
			return nil, fmt.Errorf("unknown search source %q", raw)
		}
	}
	if len(backends) == 1 {
		return backends[0], nil
	}
	return search.NewMulti(logger, backends...), nil
}
