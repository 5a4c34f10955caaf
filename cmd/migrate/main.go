package main

import (
	"context"
	"flag"
	"os"

	"github.com/seanankenbruck/nl2sql-gateway/internal/config"
	"github.com/seanankenbruck/nl2sql-gateway/internal/database"
	"github.com/seanankenbruck/nl2sql-gateway/internal/observability"
	"github.com/seanankenbruck/nl2sql-gateway/internal/semantic"
)

func main() {
	migrationsPath := flag.String("path", "./migrations", "directory containing migration files")
	down := flag.Int("down", 0, "roll back this many migrations instead of applying")
	flag.Parse()

	ctx := context.Background()
	logger := observability.NewLogger("migrate")

	cfg, err := config.NewDefaultLoader().Load(ctx)
	if err != nil {
		logger.Error(ctx, "Failed to load configuration", err, nil)
		os.Exit(1)
	}

	store := semantic.PostgresConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		Username: cfg.Database.Username,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
	}

	err = logger.WithOperation(ctx, "migrate", func(ctx context.Context) error {
		if err := database.VerifyDatabase(ctx, store.DSN(), store.Database); err != nil {
			return err
		}
		logger.Info(ctx, "Database connectivity verified", map[string]interface{}{
			"host":     store.Host,
			"database": store.Database,
		})

		migration := database.MigrationConfig{
			DatabaseURL:    store.URL(),
			MigrationsPath: *migrationsPath,
		}

		var status *database.Status
		var err error
		if *down > 0 {
			status, err = database.RollbackMigrations(migration, *down)
		} else {
			status, err = database.RunMigrations(migration)
		}
		if err != nil {
			return err
		}

		logger.Info(ctx, "Schema is at version", map[string]interface{}{
			"version": status.Version,
			"dirty":   status.Dirty,
			"changed": status.Changed,
		})
		return nil
	})
	if err != nil {
		os.Exit(1)
	}
}
