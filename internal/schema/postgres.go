package schema

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seanankenbruck/nl2sql-gateway/internal/observability"
)

const catalogQuery = `
	SELECT c.table_schema, c.table_name, c.column_name, c.data_type, c.is_nullable = 'YES'
	FROM information_schema.columns c
	JOIN information_schema.tables t
		ON t.table_schema = c.table_schema AND t.table_name = c.table_name
	WHERE t.table_type IN ('BASE TABLE', 'VIEW')
		AND c.table_schema NOT IN ('pg_catalog', 'information_schema')
		AND ($1::text[] IS NULL OR c.table_schema = ANY($1))
	ORDER BY c.table_schema, c.table_name, c.ordinal_position`

// PostgresLoader reads table and column metadata from information_schema
type PostgresLoader struct {
	pool *pgxpool.Pool
}

// NewPostgresLoader creates a loader over the data source pool
func NewPostgresLoader(pool *pgxpool.Pool) *PostgresLoader {
	return &PostgresLoader{pool: pool}
}

// LoadTables returns every table in schemas, or in all user schemas when
// schemas is empty
func (l *PostgresLoader) LoadTables(ctx context.Context, schemas []string) ([]Table, error) {
	start := time.Now()

	var filter []string
	if len(schemas) > 0 {
		filter = schemas
	}

	rows, err := l.pool.Query(ctx, catalogQuery, filter)
	if err != nil {
		observability.RecordDBMetrics("load_catalog", time.Since(start), err)
		return nil, fmt.Errorf("failed to query catalog: %w", err)
	}
	defer rows.Close()

	var tables []Table
	for rows.Next() {
		var schemaName, tableName string
		var column Column
		if err := rows.Scan(&schemaName, &tableName, &column.Name, &column.DataType, &column.Nullable); err != nil {
			return nil, fmt.Errorf("failed to scan catalog row: %w", err)
		}

		if n := len(tables); n == 0 || tables[n-1].Schema != schemaName || tables[n-1].Name != tableName {
			tables = append(tables, Table{Schema: schemaName, Name: tableName})
		}
		last := &tables[len(tables)-1]
		last.Columns = append(last.Columns, column)
	}
	if err := rows.Err(); err != nil {
		observability.RecordDBMetrics("load_catalog", time.Since(start), err)
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	observability.RecordDBMetrics("load_catalog", time.Since(start), nil)
	return tables, nil
}
