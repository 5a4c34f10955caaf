package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"github.com/seanankenbruck/nl2sql-gateway/internal/config"
	"github.com/seanankenbruck/nl2sql-gateway/internal/curation"
	"github.com/seanankenbruck/nl2sql-gateway/internal/database"
	"github.com/seanankenbruck/nl2sql-gateway/internal/executor"
	"github.com/seanankenbruck/nl2sql-gateway/internal/llm"
	"github.com/seanankenbruck/nl2sql-gateway/internal/observability"
	"github.com/seanankenbruck/nl2sql-gateway/internal/processor"
	"github.com/seanankenbruck/nl2sql-gateway/internal/safety"
	"github.com/seanankenbruck/nl2sql-gateway/internal/schema"
	"github.com/seanankenbruck/nl2sql-gateway/internal/semantic"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewDefaultLoader()
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}
	if err := cfg.ValidateWithContext(); err != nil {
		log.Fatal("Invalid configuration:", err)
	}

	level := observability.ParseLogLevel(cfg.Server.LogLevel)
	newLogger := func(component string) *observability.Logger {
		return observability.NewLogger(component).WithLevel(level)
	}
	logger := newLogger("main")
	logger.Info(ctx, "Configuration loaded", map[string]interface{}{
		"claude_api_key_source":  loader.SourceOf(ctx, "CLAUDE_API_KEY"),
		"data_source_dsn_source": loader.SourceOf(ctx, "DATA_SOURCE_DSN"),
	})
	gin.SetMode(cfg.Server.GinMode)

	healthChecker := observability.NewHealthChecker()

	// Initialize the semantic cache
	embedder, err := llm.NewEmbedder(cfg.Embedding.Provider, llm.EmbeddingConfig{
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		BaseURL:    cfg.Embedding.BaseURL,
		Dimensions: cfg.Embedding.Dimensions,
		Timeout:    cfg.Embedding.Timeout,
	})
	if err != nil {
		fatal(logger, "Failed to initialize embedder", err)
	}

	var store semantic.VectorStore
	switch cfg.Cache.Backend {
	case "memory":
		store = semantic.NewMemoryStore()
		logger.Warn(ctx, "Using in-memory query cache; entries are lost on restart", nil)
	default:
		pgStore, err := semantic.NewPostgresStore(semantic.PostgresConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			Database: cfg.Database.Database,
			Username: cfg.Database.Username,
			Password: cfg.Database.Password,
			SSLMode:  cfg.Database.SSLMode,
		})
		if err != nil {
			fatal(logger, "Failed to connect to cache store", err)
		}
		defer pgStore.Close()

		healthChecker.Register("cache_store", observability.CacheStoreHealthCheck(func(ctx context.Context) error {
			return database.HealthCheck(ctx, pgStore.DB())
		}))
		store = pgStore
	}
	index := semantic.NewIndex(embedder, store).WithLogger(newLogger("semantic-cache"))

	// Initialize synthesis
	claudeClient, err := llm.NewClaudeClient(llm.Config{
		APIKey:    cfg.Claude.APIKey,
		Model:     cfg.Claude.Model,
		BaseURL:   cfg.Claude.BaseURL,
		MaxTokens: cfg.Claude.MaxTokens,
	})
	if err != nil {
		fatal(logger, "Failed to initialize LLM client", err)
	}
	synthesizer := llm.NewSynthesizer(llm.NewCircuitBreakerClient(claudeClient, "claude", llm.DefaultCircuitBreakerConfig))
	healthChecker.Register("llm", observability.LLMHealthCheck(claudeClient.Ping))

	// Initialize the execution gateway
	source, err := executor.NewPostgresSource(ctx, executor.PostgresConfig{
		DSN:      cfg.DataSource.DSN,
		PoolSize: int32(cfg.DataSource.PoolSize),
	})
	if err != nil {
		fatal(logger, "Failed to connect to data source", err)
	}
	defer source.Close()
	healthChecker.Register("data_source", observability.DataSourceHealthCheck(source.Ping))
	gateway := executor.NewGateway(source).WithLogger(newLogger("executor"))

	validator := safety.NewValidator(safety.Options{
		AllowList:      cfg.Query.AllowList,
		DefaultSchema:  cfg.Query.DefaultSchema,
		MaxQueryLength: cfg.Query.MaxQueryLength,
	})

	// Start schema discovery
	discovery := schema.NewDiscoveryService(schema.NewPostgresLoader(source.Pool()), schema.DiscoveryConfig{
		Enabled:         cfg.Discovery.Enabled,
		Interval:        cfg.Discovery.Interval,
		AllowList:       cfg.Query.AllowList,
		ExcludeTables:   cfg.Discovery.ExcludeTables,
		MaxContextChars: cfg.Discovery.MaxContextChars,
	})
	if err := discovery.Start(ctx); err != nil {
		logger.Warn(ctx, "Failed to start schema discovery", map[string]interface{}{
			"error": err.Error(),
		})
	}
	defer discovery.Stop()

	deps := processor.Dependencies{
		Index:       index,
		Synthesizer: synthesizer,
		Schema:      discovery,
		Validator:   validator,
		Executor:    gateway,
	}

	// Initialize the curation candidate queue
	var queue *curation.Queue
	if cfg.Curation.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		healthChecker.Register("redis", observability.RedisHealthCheck(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
		queue = curation.NewQueue(rdb, cfg.Curation.Retention)
		deps.Candidates = queue
	}

	qp := processor.NewQueryProcessor(deps, processor.ProcessorConfig{
		Threshold: cfg.Cache.Threshold,
		TopK:      cfg.Cache.TopK,
		Limits: executor.Limits{
			Timeout: cfg.Query.ExecutionTimeout,
			MaxRows: cfg.Query.MaxRows,
		},
		SearchTimeout:    cfg.Query.SearchTimeout,
		SynthesisTimeout: cfg.Query.SynthesisTimeout,
	})
	qp.SetLogger(newLogger("query-processor"))
	qp.SetHealthChecker(healthChecker)
	if queue != nil {
		qp.SetCandidateLister(queue)
	}
	if cfg.Server.RateLimitPerMinute > 0 {
		limiter := processor.NewRateLimiter(cfg.Server.RateLimitPerMinute)
		go limiter.Run(ctx)
		qp.SetRateLimiter(limiter)
	}

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           qp.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info(context.Background(), "Shutting down query processor", nil)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error(shutdownCtx, "Error shutting down server", err, nil)
		}
	}()

	logger.Info(ctx, "Query processor starting", map[string]interface{}{
		"port":          cfg.Server.Port,
		"cache_backend": cfg.Cache.Backend,
		"embedder":      cfg.Embedding.Provider,
		"threshold":     cfg.Cache.Threshold,
		"max_rows":      cfg.Query.MaxRows,
		"curation":      cfg.Curation.Enabled,
		"rate_limit":    cfg.Server.RateLimitPerMinute,
		"version":       "1.0.0",
	})
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fatal(logger, "Failed to start server", err)
	}
}

func fatal(logger *observability.Logger, message string, err error) {
	logger.Error(context.Background(), message, err, nil)
	os.Exit(1)
}
