// Package executor runs vetted queries against the data source under a
// timeout and a row cap.
package executor

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/seanankenbruck/nl2sql-gateway/internal/errors"
	"github.com/seanankenbruck/nl2sql-gateway/internal/observability"
	"github.com/seanankenbruck/nl2sql-gateway/internal/safety"
)

// Limits bounds a single execution
type Limits struct {
	Timeout time.Duration
	MaxRows int
}

// Outcome is the result of a successful execution
type Outcome struct {
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Truncated bool             `json:"truncated"`
	Elapsed   time.Duration    `json:"-"`
}

// DataSource hands out read-only sessions from a bounded pool
type DataSource interface {
	Acquire(ctx context.Context) (Session, error)
}

// Session is a checked-out connection. Release must be called exactly once.
type Session interface {
	// Query starts a read-only statement. fetch is the number of rows the
	// caller intends to read; implementations may stop producing rows after it.
	Query(ctx context.Context, sql string, timeout time.Duration, fetch int) (Rows, error)
	Release()
}

// Rows iterates a result set
type Rows interface {
	Columns() []string
	Next() bool
	Values() ([]any, error)
	Err() error
	Close()
}

// Gateway executes vetted queries. It never retries.
type Gateway struct {
	source DataSource
	logger *observability.Logger
}

// NewGateway creates a gateway over a data source
func NewGateway(source DataSource) *Gateway {
	return &Gateway{
		source: source,
		logger: observability.NewLogger("executor"),
	}
}

// WithLogger replaces the gateway logger
func (g *Gateway) WithLogger(logger *observability.Logger) *Gateway {
	g.logger = logger
	return g
}

// Execute claims vq and runs it. At most limits.MaxRows rows are returned;
// Truncated is set when the result had more.
func (g *Gateway) Execute(ctx context.Context, vq *safety.VettedQuery, limits Limits) (*Outcome, error) {
	start := time.Now()

	if limits.Timeout <= 0 {
		return nil, errors.NewInvalidInputError("timeout", "execution timeout must be positive")
	}
	if limits.MaxRows <= 0 {
		return nil, errors.NewInvalidInputError("max_rows", "row limit must be positive")
	}

	text, err := vq.Claim()
	if err != nil {
		observability.RecordExecutionMetrics(time.Since(start), 0, false, string(errors.KindUnsafeQuery))
		return nil, err
	}

	outcome, err := g.run(ctx, text, limits)
	elapsed := time.Since(start)
	if err != nil {
		mapped := classify(ctx, err, limits.Timeout)
		observability.RecordExecutionMetrics(elapsed, 0, false, string(errors.KindOf(mapped)))
		g.logger.Warn(ctx, "Query execution failed", map[string]interface{}{
			"kind":        errors.KindOf(mapped),
			"duration_ms": elapsed.Milliseconds(),
			"cause":       err.Error(),
		})
		return nil, mapped
	}

	outcome.Elapsed = elapsed
	observability.RecordExecutionMetrics(elapsed, outcome.RowCount, outcome.Truncated, "")
	g.logger.Debug(ctx, "Query executed", map[string]interface{}{
		"rows":        outcome.RowCount,
		"truncated":   outcome.Truncated,
		"duration_ms": elapsed.Milliseconds(),
	})

	return outcome, nil
}

func (g *Gateway) run(ctx context.Context, text string, limits Limits) (*Outcome, error) {
	execCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	session, err := g.source.Acquire(execCtx)
	if err != nil {
		return nil, err
	}
	defer session.Release()

	// One extra row tells us whether the result was cut off
	rows, err := session.Query(execCtx, text, limits.Timeout, limits.MaxRows+1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := rows.Columns()
	outcome := &Outcome{
		Columns: columns,
		Rows:    make([]map[string]any, 0),
	}

	for rows.Next() {
		if len(outcome.Rows) == limits.MaxRows {
			outcome.Truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		outcome.Rows = append(outcome.Rows, rowMap(columns, values))
	}
	if !outcome.Truncated {
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	outcome.RowCount = len(outcome.Rows)
	return outcome, nil
}

// classify maps a data source failure onto the caller-visible error kinds
func classify(parent context.Context, err error, timeout time.Duration) error {
	if stderrors.Is(parent.Err(), context.Canceled) {
		return errors.NewCancelledError(err, "executing")
	}
	if stderrors.Is(err, context.DeadlineExceeded) || isStatementTimeout(err) {
		return errors.NewExecutionTimeoutError(err, timeout.String())
	}
	if stderrors.Is(err, context.Canceled) {
		return errors.NewCancelledError(err, "executing")
	}
	return errors.NewExecutionError(err)
}

func rowMap(columns []string, values []any) map[string]any {
	row := make(map[string]any, len(columns))
	for i, column := range columns {
		if i < len(values) {
			row[column] = NormalizeValue(values[i])
		} else {
			row[column] = nil
		}
	}
	return row
}
