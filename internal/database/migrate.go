// Package database manages the query cache schema.
package database

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

// MigrationConfig holds migration configuration
type MigrationConfig struct {
	DatabaseURL    string
	MigrationsPath string
}

// Status reports the schema version after a migration run
type Status struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
	Changed bool `json:"changed"`
}

func newMigrator(config MigrationConfig) (*migrate.Migrate, *sql.DB, error) {
	db, err := sql.Open("postgres", config.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create migration driver
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", config.MigrationsPath),
		"postgres",
		driver,
	)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return m, db, nil
}

// RunMigrations applies every pending up migration
func RunMigrations(config MigrationConfig) (*Status, error) {
	return run(config, func(m *migrate.Migrate) error { return m.Up() })
}

// RollbackMigrations reverts the given number of migrations
func RollbackMigrations(config MigrationConfig, steps int) (*Status, error) {
	if steps <= 0 {
		return nil, fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	return run(config, func(m *migrate.Migrate) error { return m.Steps(-steps) })
}

func run(config MigrationConfig, step func(*migrate.Migrate) error) (*Status, error) {
	m, db, err := newMigrator(config)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	defer m.Close()

	status := &Status{Changed: true}
	if err := step(m); err != nil {
		if !stderrors.Is(err, migrate.ErrNoChange) {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		status.Changed = false
	}

	version, dirty, err := m.Version()
	if err != nil && !stderrors.Is(err, migrate.ErrNilVersion) {
		return nil, fmt.Errorf("failed to read schema version: %w", err)
	}
	status.Version = version
	status.Dirty = dirty

	return status, nil
}

// VerifyDatabase checks that the named database exists and is reachable
func VerifyDatabase(ctx context.Context, dsn, dbname string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	var exists bool
	checkQuery := `SELECT EXISTS(SELECT datname FROM pg_catalog.pg_database WHERE datname = $1)`
	if err := db.QueryRowContext(ctx, checkQuery, dbname).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check if database exists: %w", err)
	}

	if !exists {
		return fmt.Errorf("database %s does not exist", dbname)
	}
	return nil
}

// HealthCheck verifies connectivity, the pgvector extension and the
// query_cache table
func HealthCheck(ctx context.Context, db *sql.DB) error {
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var hasVector bool
	err := db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = 'vector')").Scan(&hasVector)
	if err != nil {
		return fmt.Errorf("failed to check vector extension: %w", err)
	}
	if !hasVector {
		return fmt.Errorf("pgvector extension is not installed")
	}

	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM query_cache").Scan(&count); err != nil {
		return fmt.Errorf("failed to query query_cache table: %w", err)
	}

	return nil
}
