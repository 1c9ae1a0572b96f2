package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/marloweai/marlowe/internal/cache"
	"github.com/marloweai/marlowe/internal/config"
	"github.com/marloweai/marlowe/internal/extractor"
	"github.com/marloweai/marlowe/internal/graph"
	"github.com/marloweai/marlowe/internal/observability"
	"github.com/marloweai/marlowe/internal/orchestrator"
	"github.com/marloweai/marlowe/internal/providers"
	"github.com/marloweai/marlowe/internal/retry"
	"github.com/marloweai/marlowe/internal/scheduler"
	"github.com/marloweai/marlowe/internal/statestore"
	"github.com/marloweai/marlowe/internal/stream"
	"github.com/marloweai/marlowe/internal/tools"
)

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := connectRedis(ctx, cfg.Stream.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()

	api := statestore.New(cfg.StateAPI.BaseURL, cfg.StateAPI.Timeout,
		statestore.WithLogger(logger),
		statestore.WithRetry(retry.Exponential(3, 200*time.Millisecond, 2*time.Second)),
		statestore.WithBreaker(5, 30*time.Second),
	)
	store := cache.NewStore(api, cache.New(cfg.StateAPI.CacheTTL))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	provider, err := buildProvider(cfg.LLM)
	if err != nil {
		return err
	}

	factory := tools.NewFactory(api,
		tools.WithFactoryLogger(logger),
		tools.WithSearcher(tools.NewDuckDuckGoSearcher(nil)),
	)

	engine := graph.NewEngine(store, provider, factory,
		graph.WithLogger(logger),
		graph.WithLLMTimeout(cfg.LLM.CallTimeout),
		graph.WithCheckpointer(graph.NewStoreCheckpointer(api)),
	)

	orch := orchestrator.New(rdb, orchestrator.Config{
		Inbound:        cfg.Stream.Inbound,
		Outbound:       cfg.Stream.Outbound,
		Group:          cfg.Stream.Group,
		ConsumerPrefix: cfg.Stream.Consumer,
		Consumers:      cfg.Stream.Consumers,
		ReadBlock:      cfg.Stream.ReadBlock,
		IdleReclaim:    cfg.Stream.IdleReclaim,
		RetryTTL:       cfg.Stream.RetryTTL,
	}, store, engine,
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(metrics),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return orch.Run(ctx) })

	if cfg.Scheduler.Enabled {
		// Reminder fires enter through the same inbound stream the
		// orchestrator consumes, as trigger events.
		emitter := stream.NewClient(rdb, cfg.Stream.Inbound, cfg.Stream.Group, "scheduler",
			stream.WithLogger(logger))
		sched := scheduler.New(api, emitter,
			scheduler.WithLogger(logger),
			scheduler.WithInterval(cfg.Scheduler.TickInterval),
			scheduler.WithMetrics(metrics),
		)
		g.Go(func() error { return sched.Run(ctx) })
	}

	if cfg.Extractor.Enabled {
		ext, err := buildExtractor(cfg, api, logger)
		if err != nil {
			logger.Warn("memory extractor disabled", "error", err)
		} else {
			g.Go(func() error { return ext.Run(ctx) })
		}
	}

	if cfg.Metrics.Enabled {
		g.Go(func() error { return serveMetrics(ctx, cfg.Metrics.Addr, registry, logger) })
	}

	logger.Info("marlowe core started",
		"inbound", cfg.Stream.Inbound,
		"outbound", cfg.Stream.Outbound,
		"consumers", cfg.Stream.Consumers,
		"provider", cfg.LLM.Provider,
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("marlowe core stopped")
	return nil
}

func connectRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func buildProvider(cfg config.LLMConfig) (providers.ChatProvider, error) {
	switch cfg.Provider {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       cfg.AnthropicAPIKey,
			DefaultModel: cfg.DefaultModel,
			MaxTokens:    cfg.MaxTokens,
		})
	case "openai":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       cfg.OpenAIAPIKey,
			DefaultModel: cfg.DefaultModel,
			MaxTokens:    cfg.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// buildExtractor wires the batch extraction worker. It needs the
// Anthropic batch API and an embedding provider; without either the
// caller degrades gracefully and runs without extraction.
func buildExtractor(cfg *config.Config, api *statestore.Client, logger *slog.Logger) (*extractor.Extractor, error) {
	batches, err := providers.NewAnthropicBatchClient(providers.AnthropicBatchConfig{
		APIKey:       cfg.LLM.AnthropicAPIKey,
		DefaultModel: cfg.LLM.DefaultModel,
		MaxTokens:    cfg.LLM.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	embedKey := cfg.Embedding.OpenAIAPIKey
	if embedKey == "" {
		embedKey = cfg.LLM.OpenAIAPIKey
	}
	embedder, err := providers.NewOpenAIEmbedder(providers.EmbedderConfig{
		APIKey: embedKey,
		Model:  cfg.Embedding.Model,
	})
	if err != nil {
		return nil, err
	}
	return extractor.New(api, batches, embedder,
		extractor.WithLogger(logger),
		extractor.WithInterval(cfg.Extractor.Interval),
		extractor.WithModel(cfg.LLM.DefaultModel),
	), nil
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	errs := make(chan error, 1)
	go func() { errs <- srv.ListenAndServe() }()

	logger.Info("metrics endpoint started", "addr", addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errs:
		return err
	}
}
