package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MikeSquared-Agency/herald/internal/analysis"
	"github.com/MikeSquared-Agency/herald/internal/anthropic"
	"github.com/MikeSquared-Agency/herald/internal/api"
	"github.com/MikeSquared-Agency/herald/internal/cache"
	"github.com/MikeSquared-Agency/herald/internal/config"
	"github.com/MikeSquared-Agency/herald/internal/extractor"
	"github.com/MikeSquared-Agency/herald/internal/hermes"
	"github.com/MikeSquared-Agency/herald/internal/ingest"
	"github.com/MikeSquared-Agency/herald/internal/metrics"
	"github.com/MikeSquared-Agency/herald/internal/monitor"
	"github.com/MikeSquared-Agency/herald/internal/oracle"
	"github.com/MikeSquared-Agency/herald/internal/pipeline"
	"github.com/MikeSquared-Agency/herald/internal/priority"
	"github.com/MikeSquared-Agency/herald/internal/processor"
	"github.com/MikeSquared-Agency/herald/internal/quality"
	"github.com/MikeSquared-Agency/herald/internal/slack"
)

func main() {
	envErr := godotenv.Load()
	cfg, cfgErr := config.Load()
	setupLogging(cfg.LogLevel)
	logger := slog.Default()

	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		logger.Warn("failed to load .env", "error", envErr)
	}
	if cfgErr != nil {
		logger.Warn("config file ignored, using defaults", "error", cfgErr)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("herald starting", "port", cfg.Port, "provider", cfg.OracleProvider, "cache", cfg.CacheBackend)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()

	// Caches
	backends, closeBackends := openBackends(ctx, cfg, logger)
	defer closeBackends()
	cacheOpts := []cache.Option{cache.WithLogger(logger), cache.WithMetrics(m)}
	oracleCache := cache.New("oracle", cfg.OracleCacheTTL, backends("oracle"), cacheOpts...)
	dataCache := cache.New("data", cfg.DataCacheTTL, backends("data"), cacheOpts...)
	itemCache := cache.New("items", cfg.ItemCacheTTL, backends("items"), cacheOpts...)
	caches := []*cache.Cache{oracleCache, dataCache, itemCache}
	for _, c := range caches {
		if n, err := c.Purge(ctx); err != nil {
			logger.Warn("cache purge failed", "namespace", c.Namespace(), "error", err)
		} else if n > 0 {
			logger.Info("expired cache entries purged", "namespace", c.Namespace(), "entries", n)
		}
	}

	// Oracle
	gw := newGateway(cfg)
	if cfg.OracleRetries > 0 {
		gw = oracle.WithRetry(gw, cfg.OracleRetries+1, 2*time.Second)
	}
	client := oracle.NewClient(gw, logger,
		oracle.WithCache(oracleCache),
		oracle.WithMetrics(m),
		oracle.WithTimeout(cfg.OracleTimeout),
	)
	logger.Info("oracle ready", "provider", cfg.OracleProvider, "model", cfg.Model)

	// Pipeline components
	engine := extractor.New(client, extractor.Options{BatchSize: cfg.BatchSize, Workers: cfg.BatchWorkers}, logger, m)
	scorer := priority.NewScorer(priority.LoadRulesOrDefault(cfg.RulesFile, logger), cfg.Holdings, logger)
	gate := quality.NewGate(logger,
		quality.WithEventThreshold(cfg.EventThreshold),
		quality.WithAnalysisThreshold(cfg.AnalysisThreshold),
		quality.WithMetrics(m),
	)
	var tables []analysis.Table
	if cfg.TablesFile != "" {
		t, err := analysis.LoadTables(cfg.TablesFile)
		if err != nil {
			logger.Warn("analysis tables unavailable, using defaults", "path", cfg.TablesFile, "error", err)
		} else {
			tables = t
		}
	}
	analyst := analysis.NewCoordinator(client, tables, cfg.AnalyzeParallel, logger, analysis.WithResultCache(dataCache))

	mon := monitor.New(cfg.MonitorInterval, monitor.Sources{
		OracleCalls: client.Calls,
		CacheCounts: func() (hits, misses int64) {
			for _, c := range caches {
				st := c.Stats()
				hits += st.Hits
				misses += st.Misses
			}
			return hits, misses
		},
	}, logger)
	mon.Start(ctx)
	defer mon.Stop()

	state, err := pipeline.LoadState(ingest.ExpandHome(cfg.StatePath))
	if err != nil {
		logger.Warn("run state unreadable, starting fresh", "path", cfg.StatePath, "error", err)
	}

	loader := ingest.NewLoader(cfg.NewsDir, cfg.NewsPattern, logger)
	runner := pipeline.New(pipeline.Deps{
		Source:  loader,
		Items:   itemCache,
		Engine:  engine,
		Scorer:  scorer,
		Gate:    gate,
		Analyst: analyst,
		Monitor: mon,
		Metrics: m,
		State:   state,
		Caches:  caches,
	}, pipeline.Options{
		TargetCount: cfg.TargetCount,
		ScanAll:     cfg.ScanAll,
		Filter:      ingest.Filter{Category: cfg.Category, Keyword: cfg.Keyword},
		Analyze:     cfg.Analyze,
		ItemTTL:     cfg.ItemCacheTTL,
	}, logger)
	logger.Info("item source ready", "dir", loader.Dir(), "pattern", cfg.NewsPattern)

	// NATS/Hermes (optional)
	var bus hermes.Publisher
	var hermesClient *hermes.Client
	if cfg.NatsURL != "" {
		hermesClient, err = hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		bus = hermesClient
		logger.Info("NATS connected", "url", cfg.NatsURL)
	} else {
		logger.Warn("NATS not configured, results stay local")
	}

	// Slack alerts (optional)
	var alerter processor.Alerter
	if cfg.SlackBotToken != "" && cfg.SlackChannel != "" {
		alerter = slack.NewPoster(cfg.SlackBotToken, cfg.SlackChannel, logger)
		logger.Info("slack alerts ready", "channel", cfg.SlackChannel)
	}

	proc := processor.New(ctx, runner, bus, alerter, logger)
	if hermesClient != nil {
		if err := hermesClient.Subscribe(hermes.SubjectRunRequested, proc.HandleRunRequested); err != nil {
			logger.Error("failed to subscribe to run requests", "error", err)
			os.Exit(1)
		}
	}

	// HTTP API
	srv := api.NewServer(cfg.Port, api.Deps{
		Runs:     proc,
		Reports:  runner,
		Gate:     gate,
		Monitor:  mon,
		Metrics:  m,
		Caches:   caches,
		APIToken: cfg.APIToken,
	}, logger)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	if cfg.RunOnStart {
		if _, err := proc.Trigger(pipeline.Request{}); err != nil {
			logger.Warn("startup run not started", "error", err)
		}
	}

	logger.Info("herald ready", "port", cfg.Port)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", "error", err)
	}
	proc.Wait()
	if hermesClient != nil {
		if err := hermesClient.Flush(shutdownCtx); err != nil {
			logger.Warn("NATS flush", "error", err)
		}
		hermesClient.Close()
	}
	logger.Info("herald stopped")
}

func newGateway(cfg config.Config) oracle.Gateway {
	switch cfg.OracleProvider {
	case "openai":
		return oracle.NewOpenAIClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.Model, cfg.OracleTimeout)
	case "ollama":
		return oracle.NewOllamaClient(cfg.OpenAIBaseURL, cfg.Model, cfg.OracleTimeout)
	default:
		c := anthropic.NewClient(cfg.AnthropicAPIKey, cfg.Model)
		c.SetMaxTokens(cfg.OracleMaxTokens)
		return c
	}
}

// openBackends returns a constructor for per-namespace backends. A backend
// that cannot be opened degrades to in-memory storage.
func openBackends(ctx context.Context, cfg config.Config, logger *slog.Logger) (func(ns string) cache.Backend, func()) {
	memory := func(string) cache.Backend { return cache.NewMemory(cfg.CacheMaxEntries) }

	switch cfg.CacheBackend {
	case "sqlite":
		db, err := cache.OpenSQLite(ingest.ExpandHome(cfg.CachePath))
		if err != nil {
			logger.Warn("sqlite cache unavailable, using memory", "path", cfg.CachePath, "error", err)
			return memory, func() {}
		}
		logger.Info("sqlite cache opened", "path", cfg.CachePath)
		return func(ns string) cache.Backend { return db.Backend(ns, cfg.CacheMaxEntries) }, func() {
			if err := db.Close(); err != nil {
				logger.Warn("sqlite close", "error", err)
			}
		}
	case "postgres":
		pg, err := cache.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Warn("postgres cache unavailable, using memory", "error", err)
			return memory, func() {}
		}
		logger.Info("postgres cache connected")
		return func(ns string) cache.Backend { return pg.Backend(ns, cfg.CacheMaxEntries) }, pg.Close
	default:
		return memory, func() {}
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
