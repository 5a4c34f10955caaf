package semantic

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/seanankenbruck/nl2sql-gateway/internal/errors"
	"github.com/seanankenbruck/nl2sql-gateway/internal/observability"
)

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host     string
	Port     string
	Database string
	Username string
	Password string
	SSLMode  string
}

// DSN renders the configuration as a lib/pq connection string
func (c PostgresConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.Database, sslMode)
}

// URL renders the configuration as a postgres:// URL for migrations
func (c PostgresConfig) URL() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.Username, c.Password, c.Host, c.Port, c.Database, sslMode)
}

// PostgresStore implements VectorStore on a pgvector-enabled query_cache table
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to PostgreSQL and verifies the connection
func NewPostgresStore(config PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresStore{db: db}, nil
}

// Ping tests the database connection
func (ps *PostgresStore) Ping(ctx context.Context) error {
	return ps.db.PingContext(ctx)
}

// DB exposes the underlying connection pool for schema health checks
func (ps *PostgresStore) DB() *sql.DB {
	return ps.db
}

// Close closes the database connection
func (ps *PostgresStore) Close() error {
	return ps.db.Close()
}

// Append implements VectorStore
func (ps *PostgresStore) Append(ctx context.Context, entry CacheEntry) error {
	start := time.Now()

	insertQuery := `
		INSERT INTO query_cache (id, question, query_text, embedding, scope, hit_count, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
	`

	_, err := ps.db.ExecContext(ctx, insertQuery,
		entry.ID, entry.Question, entry.Query, pgvector.NewVector(entry.Embedding), entry.Scope, entry.CreatedAt)
	observability.RecordDBMetrics("cache_append", time.Since(start), err)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" { // unique violation
			return errors.NewDuplicateEntryError(entry.Question)
		}
		return fmt.Errorf("failed to store cache entry: %w", err)
	}

	return nil
}

// Nearest implements VectorStore using pgvector's cosine distance operator
func (ps *PostgresStore) Nearest(ctx context.Context, vector []float32, k int, scope string) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	start := time.Now()

	query := `
		SELECT id, question, query_text, embedding, scope, hit_count, last_used_at, created_at,
		       1 - (embedding <=> $1) AS similarity
		FROM query_cache
		WHERE ($2 = '' OR scope = $2)
		ORDER BY embedding <=> $1, last_used_at DESC NULLS LAST, id
		LIMIT $3
	`

	rows, err := ps.db.QueryContext(ctx, query, pgvector.NewVector(vector), scope, k)
	if err != nil {
		observability.RecordDBMetrics("cache_nearest", time.Since(start), err)
		return nil, fmt.Errorf("failed to query similar entries: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		var embedding pgvector.Vector
		var lastUsed sql.NullTime
		var similarity sql.NullFloat64

		err := rows.Scan(
			&m.Entry.ID,
			&m.Entry.Question,
			&m.Entry.Query,
			&embedding,
			&m.Entry.Scope,
			&m.Entry.HitCount,
			&lastUsed,
			&m.Entry.CreatedAt,
			&similarity,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cache entry row: %w", err)
		}

		m.Entry.Embedding = embedding.Slice()
		if lastUsed.Valid {
			t := lastUsed.Time
			m.Entry.LastUsedAt = &t
		}
		// Zero vectors produce NaN distances, which scan as NULL or NaN
		if similarity.Valid {
			m.Score = clampScore(similarity.Float64)
		}

		matches = append(matches, m)
	}

	err = rows.Err()
	observability.RecordDBMetrics("cache_nearest", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("error iterating cache entry rows: %w", err)
	}

	return matches, nil
}

// Touch implements VectorStore. The increment happens in a single UPDATE so
// concurrent hits are never lost.
func (ps *PostgresStore) Touch(ctx context.Context, id string, at time.Time) error {
	start := time.Now()

	query := `
		UPDATE query_cache
		SET hit_count = hit_count + 1, last_used_at = $2
		WHERE id = $1
	`

	result, err := ps.db.ExecContext(ctx, query, id, at)
	observability.RecordDBMetrics("cache_touch", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to record cache hit: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return errors.NewEntryNotFoundError(id)
	}

	return nil
}

// Count returns the number of stored entries
func (ps *PostgresStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := ps.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM query_cache").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return count, nil
}
