package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"

	"github.com/seanankenbruck/nl2sql-gateway/internal/cli"
	"github.com/seanankenbruck/nl2sql-gateway/internal/config"
	"github.com/seanankenbruck/nl2sql-gateway/internal/curation"
	"github.com/seanankenbruck/nl2sql-gateway/internal/database"
	"github.com/seanankenbruck/nl2sql-gateway/internal/llm"
	"github.com/seanankenbruck/nl2sql-gateway/internal/observability"
	"github.com/seanankenbruck/nl2sql-gateway/internal/safety"
	"github.com/seanankenbruck/nl2sql-gateway/internal/semantic"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd(open).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// open builds the collaborators from the same environment the query
// processor reads, so cachectl writes to the cache the gateway serves from.
func open(ctx context.Context, needs cli.Needs) (*cli.Env, error) {
	cfg, err := config.NewDefaultLoader().Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := observability.NewLogger("cachectl").
		WithLevel(observability.ParseLogLevel(cfg.Server.LogLevel)).
		WithOutput(os.Stderr)

	pg := semantic.PostgresConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		Username: cfg.Database.Username,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
	}

	env := &cli.Env{
		Validator: safety.NewValidator(safety.Options{
			AllowList:      cfg.Query.AllowList,
			DefaultSchema:  cfg.Query.DefaultSchema,
			MaxQueryLength: cfg.Query.MaxQueryLength,
		}),
		Migration: database.MigrationConfig{DatabaseURL: pg.URL()},
		Logger:    logger,
	}

	var closers []func()
	env.Close = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if needs.Index {
		if cfg.Cache.Backend == "memory" {
			return nil, fmt.Errorf("CACHE_BACKEND=memory has no persistent cache to curate")
		}
		embedder, err := llm.NewEmbedder(cfg.Embedding.Provider, llm.EmbeddingConfig{
			APIKey:     cfg.Embedding.APIKey,
			Model:      cfg.Embedding.Model,
			BaseURL:    cfg.Embedding.BaseURL,
			Dimensions: cfg.Embedding.Dimensions,
			Timeout:    cfg.Embedding.Timeout,
		})
		if err != nil {
			return nil, err
		}
		store, err := semantic.NewPostgresStore(pg)
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() { store.Close() })
		env.Index = semantic.NewIndex(embedder, store).WithLogger(logger)
	}

	if needs.Queue {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			env.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		closers = append(closers, func() { rdb.Close() })
		env.Queue = curation.NewQueue(rdb, cfg.Curation.Retention)
	}

	return env, nil
}
