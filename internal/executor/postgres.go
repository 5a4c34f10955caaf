package executor

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seanankenbruck/nl2sql-gateway/internal/errors"
	"github.com/seanankenbruck/nl2sql-gateway/internal/observability"
)

const (
	cursorName = "vetted_query"

	// SQLSTATE raised when statement_timeout cancels a query
	pgQueryCanceled = "57014"
)

// PostgresConfig holds the data source connection settings
type PostgresConfig struct {
	DSN      string
	PoolSize int32
}

// PostgresSource is a pgxpool-backed DataSource. Every session runs inside a
// read-only transaction that is rolled back on release.
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource opens a pool bounded to config.PoolSize connections
func NewPostgresSource(ctx context.Context, config PostgresConfig) (*PostgresSource, error) {
	poolConfig, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, errors.NewDatabaseConnectionError(err).
			WithDetails("Invalid data source connection string")
	}
	if config.PoolSize > 0 {
		poolConfig.MaxConns = config.PoolSize
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "nl2sql-gateway"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.NewDatabaseConnectionError(err)
	}

	return &PostgresSource{pool: pool}, nil
}

// Acquire checks a connection out of the pool
func (s *PostgresSource) Acquire(ctx context.Context) (Session, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	s.recordPoolStats()
	return &pgSession{conn: conn, source: s}, nil
}

// Ping verifies the data source is reachable
func (s *PostgresSource) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool exposes the underlying pool for catalog discovery
func (s *PostgresSource) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes every pooled connection
func (s *PostgresSource) Close() {
	s.pool.Close()
}

func (s *PostgresSource) recordPoolStats() {
	stat := s.pool.Stat()
	metrics := observability.GetGlobalMetrics()
	metrics.Set(observability.MetricExecutionPoolSize, float64(stat.MaxConns()), nil)
	metrics.Set(observability.MetricExecutionPoolInUse, float64(stat.AcquiredConns()), nil)
}

type pgSession struct {
	conn   *pgxpool.Conn
	source *PostgresSource
	tx     pgx.Tx
}

// Query opens a read-only transaction and streams the statement through a
// cursor so that no more than fetch rows leave the server.
func (s *pgSession) Query(ctx context.Context, sql string, timeout time.Duration, fetch int) (Rows, error) {
	if s.tx != nil {
		return nil, fmt.Errorf("session already has an open query")
	}

	tx, err := s.conn.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to begin read-only transaction: %w", err)
	}
	s.tx = tx

	if timeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", timeout.Milliseconds())); err != nil {
			return nil, fmt.Errorf("failed to set statement timeout: %w", err)
		}
	}

	statement := strings.TrimSuffix(strings.TrimSpace(sql), ";")
	if _, err := tx.Exec(ctx, "DECLARE "+cursorName+" NO SCROLL CURSOR FOR "+statement); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, fmt.Sprintf("FETCH FORWARD %d FROM %s", fetch, cursorName), pgx.QueryExecModeSimpleProtocol)
	if err != nil {
		return nil, err
	}
	return &pgRows{rows: rows}, nil
}

// Release rolls back the transaction and returns the connection to the pool
func (s *pgSession) Release() {
	if s.tx != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.tx.Rollback(ctx)
		cancel()
		s.tx = nil
	}
	s.conn.Release()
	s.source.recordPoolStats()
}

type pgRows struct {
	rows pgx.Rows
}

func (r *pgRows) Columns() []string {
	fields := r.rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, field := range fields {
		columns[i] = field.Name
	}
	return columns
}

func (r *pgRows) Next() bool             { return r.rows.Next() }
func (r *pgRows) Values() ([]any, error) { return r.rows.Values() }
func (r *pgRows) Err() error             { return r.rows.Err() }
func (r *pgRows) Close()                 { r.rows.Close() }

func isStatementTimeout(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == pgQueryCanceled
}
