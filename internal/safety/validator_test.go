package safety

import (
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanankenbruck/nl2sql-gateway/internal/errors"
)

func TestValidateAcceptsReadOnlyQueries(t *testing.T) {
	v := NewValidator(Options{MaxQueryLength: 5000})

	tests := []struct {
		name  string
		query string
	}{
		{name: "simple select", query: "SELECT id, total FROM orders"},
		{name: "trailing semicolon", query: "SELECT count(*) FROM orders;"},
		{name: "lowercase", query: "select * from orders where status = 'open'"},
		{name: "cte", query: "WITH recent AS (SELECT * FROM orders WHERE created_at > now() - interval '7 days') SELECT count(*) FROM recent"},
		{name: "keyword inside string", query: "SELECT * FROM audit WHERE note = 'DROP TABLE users; --'"},
		{name: "escaped quote", query: "SELECT * FROM people WHERE name = 'O''Brien'"},
		{name: "keyword inside comment", query: "SELECT 1 -- DELETE FROM users\n"},
		{name: "keyword inside block comment", query: "SELECT /* UPDATE users SET x = 1 */ 1"},
		{name: "quoted identifier named like a keyword", query: `SELECT "delete", "update" FROM events`},
		{name: "dollar quoted string", query: "SELECT $body$ INSERT; DROP $body$ AS txt"},
		{name: "semicolon in string", query: "SELECT ';' AS sep"},
		{name: "extract from", query: "SELECT EXTRACT(YEAR FROM created_at) FROM orders"},
		{name: "substring for", query: "SELECT SUBSTRING(name FROM 1 FOR 3) FROM people"},
		{name: "surrounding whitespace", query: "  \n SELECT 1 \t"},
		{name: "column with keyword prefix", query: "SELECT updated_at, created_by FROM orders"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vq, err := v.Validate(tt.query)
			require.NoError(t, err)
			require.NotNil(t, vq)
			assert.False(t, vq.Consumed())
		})
	}
}

func TestValidateRejectsUnsafeQueries(t *testing.T) {
	v := NewValidator(Options{MaxQueryLength: 200})

	tests := []struct {
		name        string
		query       string
		errContains string
	}{
		{name: "empty", query: "   ", errContains: "empty"},
		{name: "insert", query: "INSERT INTO orders VALUES (1)", errContains: "must start with SELECT or WITH"},
		{name: "delete", query: "DELETE FROM orders", errContains: "must start with SELECT or WITH"},
		{name: "drop", query: "DROP TABLE orders", errContains: "must start with SELECT or WITH"},
		{name: "explain analyze", query: "EXPLAIN ANALYZE SELECT 1", errContains: "must start with SELECT or WITH"},
		{name: "stacked statements", query: "SELECT 1; DROP TABLE orders", errContains: "more than one statement"},
		{name: "two selects", query: "SELECT 1; SELECT 2;", errContains: "more than one statement"},
		{name: "double terminator", query: "SELECT 1;;", errContains: "more than one statement"},
		{name: "select into", query: "SELECT * INTO backup FROM orders", errContains: "forbidden keyword: INTO"},
		{name: "cte with delete", query: "WITH gone AS (DELETE FROM orders RETURNING *) SELECT * FROM gone", errContains: "forbidden keyword: DELETE"},
		{name: "for update", query: "SELECT * FROM orders FOR UPDATE", errContains: "forbidden keyword: UPDATE"},
		{name: "for share", query: "SELECT * FROM orders FOR SHARE", errContains: "row locking"},
		{name: "blocked function", query: "SELECT pg_read_file('/etc/passwd')", errContains: "blocked function: pg_read_file"},
		{name: "sleep", query: "SELECT pg_sleep(100)", errContains: "blocked function"},
		{name: "quoted sleep", query: `SELECT "pg_sleep"(600)`, errContains: "blocked function: pg_sleep"},
		{name: "qualified quoted read", query: `SELECT pg_catalog."pg_read_file"('/etc/passwd')`, errContains: "blocked function: pg_read_file"},
		{name: "quoted set_config", query: `SELECT "set_config"('statement_timeout', '0', false)`, errContains: "blocked function: set_config"},
		{name: "mixed case quoted", query: `SELECT "PG_SLEEP"(1)`, errContains: "blocked function"},
		{name: "query inside xml helper", query: "SELECT query_to_xml('SELECT * FROM hr.salaries', true, false, '')", errContains: "blocked function: query_to_xml"},
		{name: "unicode escaped identifier", query: `SELECT U&"\0070g_sleep"(1)`, errContains: "unicode escape"},
		{name: "unterminated string", query: "SELECT 'abc", errContains: "unterminated string"},
		{name: "unterminated comment", query: "SELECT 1 /* DROP", errContains: "unterminated block comment"},
		{name: "unterminated identifier", query: `SELECT "abc FROM t`, errContains: "unterminated quoted identifier"},
		{name: "unterminated dollar quote", query: "SELECT $x$ abc", errContains: "unterminated dollar-quoted"},
		{name: "string breakout attempt", query: "SELECT 'a'; DELETE FROM t; --'", errContains: "more than one statement"},
		{name: "only terminator", query: ";", errContains: "no statement"},
		{name: "too long", query: "SELECT " + string(make([]byte, 300)), errContains: "exceeds maximum"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vq, err := v.Validate(tt.query)
			require.Error(t, err)
			assert.Nil(t, vq)
			assert.True(t, errors.IsKind(err, errors.KindUnsafeQuery))
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestValidateIsDeterministic(t *testing.T) {
	v := NewValidator(Options{AllowList: []string{"sales"}, DefaultSchema: "sales"})
	queries := []string{
		"SELECT * FROM orders",
		"SELECT * FROM hr.salaries",
		"SELECT 1; SELECT 2",
		"UPDATE orders SET total = 0",
	}

	for _, q := range queries {
		_, first := v.Validate(q)
		for i := 0; i < 5; i++ {
			_, again := v.Validate(q)
			assert.Equal(t, first == nil, again == nil, q)
		}
	}
}

func TestValidateAllowList(t *testing.T) {
	v := NewValidator(Options{
		AllowList:     []string{"sales", "analytics.daily_revenue"},
		DefaultSchema: "sales",
	})

	tests := []struct {
		name    string
		query   string
		wantErr string
	}{
		{name: "default schema", query: "SELECT * FROM orders"},
		{name: "qualified schema", query: "SELECT * FROM sales.orders o JOIN sales.customers c ON c.id = o.customer_id"},
		{name: "allowed table", query: "SELECT * FROM analytics.daily_revenue"},
		{name: "three part name", query: "SELECT * FROM warehouse.sales.orders"},
		{name: "comma list", query: "SELECT * FROM orders o, customers c WHERE o.customer_id = c.id"},
		{name: "cte name", query: "WITH totals AS (SELECT customer_id, sum(total) t FROM orders GROUP BY 1) SELECT * FROM totals"},
		{name: "subquery", query: "SELECT * FROM (SELECT * FROM orders) sub"},
		{name: "quoted names", query: `SELECT * FROM "sales"."orders"`},
		{name: "is distinct from", query: "SELECT * FROM orders WHERE status IS DISTINCT FROM 'x'"},
		{name: "other schema", query: "SELECT * FROM hr.salaries", wantErr: "outside the allow-list: hr.salaries"},
		{name: "other table in partial schema", query: "SELECT * FROM analytics.sessions", wantErr: "analytics.sessions"},
		{name: "join outside", query: "SELECT * FROM orders JOIN pg_catalog.pg_authid a ON true", wantErr: "pg_catalog.pg_authid"},
		{name: "comma list outside", query: "SELECT * FROM orders, hr.salaries", wantErr: "hr.salaries"},
		{name: "nested outside", query: "SELECT * FROM orders WHERE id IN (SELECT id FROM hr.salaries)", wantErr: "hr.salaries"},
		{name: "table function", query: "SELECT * FROM generate_series(1, 10)", wantErr: "table function"},
		{name: "table shorthand in cte", query: "WITH x AS (TABLE secret.payroll) SELECT * FROM x", wantErr: "secret.payroll"},
		{name: "table shorthand in union", query: "SELECT id FROM sales.orders UNION ALL TABLE secret.payroll", wantErr: "secret.payroll"},
		{name: "bare table statement", query: "TABLE orders", wantErr: "must start with SELECT or WITH"},
		{name: "parenthesised join leading table", query: "SELECT * FROM (secret.payroll CROSS JOIN sales.orders)", wantErr: "secret.payroll"},
		{name: "nested parenthesised join", query: "SELECT * FROM ((secret.payroll p JOIN orders o ON true) JOIN customers c ON true)", wantErr: "secret.payroll"},
		{name: "parenthesised join inside", query: "SELECT * FROM (orders o JOIN customers c ON c.id = o.customer_id)"},
		{name: "list after aliased subquery", query: "SELECT * FROM (SELECT 1) s, secret.payroll", wantErr: "secret.payroll"},
		{name: "values list", query: "SELECT * FROM (VALUES (1), (2)) AS v(n)"},
		{name: "union with allowed table", query: "SELECT id FROM orders UNION ALL TABLE sales.customers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(tt.query)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateAllowListWithoutDefaultSchema(t *testing.T) {
	v := NewValidator(Options{AllowList: []string{"sales.orders"}})

	_, err := v.Validate("SELECT * FROM orders")
	assert.NoError(t, err)

	_, err = v.Validate("SELECT * FROM customers")
	assert.Error(t, err)
}

func TestVettedQueryClaimOnce(t *testing.T) {
	v := NewValidator(Options{})
	vq, err := v.Validate("SELECT 1")
	require.NoError(t, err)

	assert.Equal(t, "SELECT 1", vq.Text())

	text, err := vq.Claim()
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", text)
	assert.True(t, vq.Consumed())

	_, err = vq.Claim()
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, ErrTokenConsumed))
	assert.True(t, errors.IsKind(err, errors.KindUnsafeQuery))
}

func TestVettedQueryConcurrentClaims(t *testing.T) {
	v := NewValidator(Options{})
	vq, err := v.Validate("SELECT 1")
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := vq.Claim(); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestUnapprovedTokenRejected(t *testing.T) {
	var forged VettedQuery
	_, err := forged.Claim()
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, ErrNotApproved))

	var missing *VettedQuery
	_, err = missing.Claim()
	assert.True(t, errors.IsKind(err, errors.KindUnsafeQuery))
}
