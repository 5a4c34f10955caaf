// Package safety statically classifies candidate SQL and mints the
// single-use VettedQuery tokens that the execution gateway requires.
package safety

import (
	stderrors "errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/seanankenbruck/nl2sql-gateway/internal/errors"
)

var (
	// ErrTokenConsumed is returned when a VettedQuery is claimed a second time
	ErrTokenConsumed = stderrors.New("vetted query has already been executed")
	// ErrNotApproved is returned when a VettedQuery did not come from Validate
	ErrNotApproved = stderrors.New("query was not approved by the safety validator")
)

// defaultForbiddenKeywords are verbs and clauses that modify data, schema,
// privileges or session state.
var defaultForbiddenKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE", "TRUNCATE",
	"MERGE", "UPSERT", "GRANT", "REVOKE", "DENY", "EXEC", "EXECUTE", "CALL",
	"COPY", "INTO", "LOCK", "VACUUM", "ANALYZE", "REINDEX", "CLUSTER",
	"REFRESH", "ATTACH", "DETACH", "RENAME", "DECLARE", "BEGIN", "COMMIT",
	"ROLLBACK", "SAVEPOINT", "LOAD", "IMPORT", "SHUTDOWN", "KILL", "BACKUP",
	"RESTORE", "BULK", "OPENROWSET", "OPENQUERY", "OPENDATASOURCE", "SET",
	"RESET", "NOTIFY", "LISTEN", "PREPARE", "DEALLOCATE", "DO",
}

// defaultBlockedFunctions have side effects on the server or leave the database.
var defaultBlockedFunctions = []string{
	"pg_read_file", "pg_read_binary_file", "pg_ls_dir", "pg_stat_file",
	"pg_terminate_backend", "pg_cancel_backend", "pg_reload_conf",
	"pg_sleep", "pg_sleep_for", "pg_sleep_until", "pg_advisory_lock",
	"pg_advisory_xact_lock", "set_config", "lo_import", "lo_export",
	"lo_unlink", "dblink", "dblink_exec", "nextval", "setval",
	"xp_cmdshell", "sp_executesql", "query_to_xml", "query_to_xmlschema",
	"query_to_xml_and_xmlschema", "cursor_to_xml", "table_to_xml",
	"table_to_xml_and_xmlschema", "schema_to_xml", "database_to_xml",
}

// functionsWithFrom take a FROM keyword inside their argument list
var functionsWithFrom = map[string]bool{
	"EXTRACT": true, "SUBSTRING": true, "SUBSTR": true, "TRIM": true,
	"OVERLAY": true, "POSITION": true,
}

// clauseKeywords end a FROM item and can never be an alias
var clauseKeywords = map[string]bool{
	"WHERE": true, "GROUP": true, "HAVING": true, "ORDER": true, "LIMIT": true,
	"OFFSET": true, "FETCH": true, "UNION": true, "INTERSECT": true,
	"EXCEPT": true, "WINDOW": true, "ON": true, "USING": true, "JOIN": true,
	"INNER": true, "LEFT": true, "RIGHT": true, "FULL": true, "CROSS": true,
	"NATURAL": true, "OUTER": true, "FOR": true, "TABLESAMPLE": true,
	"RETURNING": true, "LATERAL": true,
}

// Options configures a Validator
type Options struct {
	// AllowList holds schema names ("sales") and schema-qualified tables
	// ("sales.orders"). Empty disables the object check.
	AllowList []string
	// DefaultSchema resolves unqualified table names against the allow-list
	DefaultSchema  string
	MaxQueryLength int
}

// Validator classifies candidate query text as safe or unsafe
type Validator struct {
	forbidden     map[string]bool
	blocked       map[string]bool
	schemas       map[string]bool
	tables        map[string]bool
	defaultSchema string
	maxLength     int
}

// NewValidator creates a validator with the built-in keyword and function rules
func NewValidator(opts Options) *Validator {
	v := &Validator{
		forbidden:     make(map[string]bool, len(defaultForbiddenKeywords)),
		blocked:       make(map[string]bool, len(defaultBlockedFunctions)),
		schemas:       make(map[string]bool),
		tables:        make(map[string]bool),
		defaultSchema: strings.ToLower(strings.TrimSpace(opts.DefaultSchema)),
		maxLength:     opts.MaxQueryLength,
	}
	for _, kw := range defaultForbiddenKeywords {
		v.forbidden[kw] = true
	}
	for _, fn := range defaultBlockedFunctions {
		v.blocked[fn] = true
	}
	for _, entry := range opts.AllowList {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if strings.Contains(entry, ".") {
			v.tables[entry] = true
		} else {
			v.schemas[entry] = true
		}
	}
	return v
}

// HasAllowList reports whether object references are restricted
func (v *Validator) HasAllowList() bool {
	return len(v.schemas) > 0 || len(v.tables) > 0
}

// Validate approves text for execution or rejects it with an UnsafeQuery error.
// The same text always yields the same decision.
func (v *Validator) Validate(text string) (*VettedQuery, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, errors.NewUnsafeQueryError("query is empty")
	}
	if v.maxLength > 0 && len(trimmed) > v.maxLength {
		return nil, errors.NewUnsafeQueryError(
			fmt.Sprintf("query length %d exceeds maximum of %d characters", len(trimmed), v.maxLength))
	}

	tokens, err := tokenize(trimmed)
	if err != nil {
		return nil, errors.NewUnsafeQueryError(err.Error())
	}

	for i, tok := range tokens {
		if tok.kind == tokSemicolon && i != len(tokens)-1 {
			return nil, errors.NewUnsafeQueryError("query contains more than one statement")
		}
	}
	if n := len(tokens); n > 0 && tokens[n-1].kind == tokSemicolon {
		tokens = tokens[:n-1]
	}
	if len(tokens) == 0 {
		return nil, errors.NewUnsafeQueryError("query has no statement")
	}

	if !tokens[0].isWord("SELECT", "WITH") {
		return nil, errors.NewUnsafeQueryError(
			fmt.Sprintf("statement must start with SELECT or WITH, found %q", tokens[0].text))
	}

	if reason := v.checkTokens(tokens); reason != "" {
		return nil, errors.NewUnsafeQueryError(reason)
	}

	if v.HasAllowList() {
		if reason := v.checkObjects(tokens); reason != "" {
			return nil, errors.NewUnsafeQueryError(reason)
		}
	}

	return &VettedQuery{text: trimmed, approved: true}, nil
}

func (v *Validator) checkTokens(tokens []token) string {
	for i, tok := range tokens {
		// a quoted identifier names the same function as the bare word
		if tok.kind == tokQuotedIdent && v.blocked[strings.ToLower(tok.text)] {
			return fmt.Sprintf("query calls blocked function: %s", strings.ToLower(tok.text))
		}
		if tok.kind != tokWord {
			continue
		}
		upper := tok.upper()
		if v.forbidden[upper] {
			return fmt.Sprintf("query contains forbidden keyword: %s", upper)
		}
		if v.blocked[strings.ToLower(tok.text)] {
			return fmt.Sprintf("query calls blocked function: %s", strings.ToLower(tok.text))
		}
		// FOR SHARE / FOR NO KEY UPDATE / FOR KEY SHARE take row locks
		if upper == "FOR" && i+1 < len(tokens) && tokens[i+1].isWord("SHARE", "NO", "KEY") {
			return "query contains a row locking clause"
		}
	}
	return ""
}

// objectRef is a FROM/JOIN target split into its name parts
type objectRef struct {
	parts []string
}

func (r objectRef) String() string {
	return strings.Join(r.parts, ".")
}

func (v *Validator) checkObjects(tokens []token) string {
	ctes := cteNames(tokens)
	refs, reason := referencedObjects(tokens)
	if reason != "" {
		return reason
	}
	for _, ref := range refs {
		if len(ref.parts) == 1 && ctes[ref.parts[0]] {
			continue
		}
		if !v.permitted(ref) {
			return fmt.Sprintf("query references object outside the allow-list: %s", ref)
		}
	}
	return ""
}

func (v *Validator) permitted(ref objectRef) bool {
	table := ref.parts[len(ref.parts)-1]
	schema := v.defaultSchema
	if len(ref.parts) > 1 {
		schema = ref.parts[len(ref.parts)-2]
	}
	if schema != "" {
		return v.schemas[schema] || v.tables[schema+"."+table]
	}
	for entry := range v.tables {
		if strings.HasSuffix(entry, "."+table) {
			return true
		}
	}
	return false
}

// cteNames collects the names bound by a leading WITH clause
func cteNames(tokens []token) map[string]bool {
	names := make(map[string]bool)
	if len(tokens) == 0 || !tokens[0].isWord("WITH") {
		return names
	}
	i := 1
	if i < len(tokens) && tokens[i].isWord("RECURSIVE") {
		i++
	}
	for i < len(tokens) && tokens[i].isName() {
		names[normalizeName(tokens[i])] = true
		i++
		if i < len(tokens) && tokens[i].isPunct("(") {
			i = skipParens(tokens, i)
		}
		if i < len(tokens) && tokens[i].isWord("AS") {
			i++
		}
		if i < len(tokens) && tokens[i].isWord("NOT") {
			i++
		}
		if i < len(tokens) && tokens[i].isWord("MATERIALIZED") {
			i++
		}
		if i < len(tokens) && tokens[i].isPunct("(") {
			i = skipParens(tokens, i)
		}
		if i < len(tokens) && tokens[i].isPunct(",") {
			i++
			continue
		}
		break
	}
	return names
}

// skipParens returns the index just past the parenthesised group opened at i
func skipParens(tokens []token, i int) int {
	depth := 0
	for ; i < len(tokens); i++ {
		switch {
		case tokens[i].isPunct("("):
			depth++
		case tokens[i].isPunct(")"):
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return i
}

// referencedObjects finds every table-like target of FROM, JOIN and the
// TABLE shorthand. Subqueries are reached by the same scan since it walks
// every token.
func referencedObjects(tokens []token) ([]objectRef, string) {
	var refs []objectRef
	// names of the functions whose argument lists are currently open
	var open []string

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch {
		case tok.isPunct("("):
			fn := ""
			if i > 0 && tokens[i-1].kind == tokWord {
				fn = tokens[i-1].upper()
			}
			open = append(open, fn)
			continue
		case tok.isPunct(")"):
			if len(open) > 0 {
				open = open[:len(open)-1]
			}
			continue
		}

		if !tok.isWord("FROM", "JOIN", "TABLE") {
			continue
		}
		if tok.isWord("FROM") {
			if i > 0 && tokens[i-1].isWord("DISTINCT") {
				continue
			}
			if len(open) > 0 && functionsWithFrom[open[len(open)-1]] {
				continue
			}
		}

		list := tok.isWord("FROM")
		j := i + 1
		for {
			ref, next, reason := parseFromItem(tokens, j)
			if reason != "" {
				return nil, reason
			}
			if ref != nil {
				refs = append(refs, *ref)
			}
			if !list || next >= len(tokens) || !tokens[next].isPunct(",") {
				break
			}
			j = next + 1
		}
	}
	return refs, ""
}

// parseFromItem reads one FROM/JOIN target starting at i. Subqueries and
// VALUES lists yield a nil ref since the outer scan visits them on its own.
// A parenthesised join yields its leading table; the tables after its JOIN
// keywords are found by the outer scan.
func parseFromItem(tokens []token, i int) (*objectRef, int, string) {
	for i < len(tokens) && tokens[i].isWord("LATERAL", "ONLY") {
		i++
	}
	if i >= len(tokens) {
		return nil, i, "FROM clause has no target"
	}

	var ref *objectRef
	if tokens[i].isPunct("(") {
		end := skipParens(tokens, i)
		if inner := i + 1; inner < len(tokens) && !tokens[inner].isWord("SELECT", "WITH", "VALUES", "TABLE") {
			nested, _, reason := parseFromItem(tokens, inner)
			if reason != "" {
				return nil, end, reason
			}
			ref = nested
		}
		i = end
	} else {
		if !tokens[i].isName() {
			return nil, i, fmt.Sprintf("cannot classify FROM target %q", tokens[i].text)
		}

		ref = &objectRef{parts: []string{normalizeName(tokens[i])}}
		i++
		for i+1 < len(tokens) && tokens[i].isPunct(".") && tokens[i+1].isName() {
			ref.parts = append(ref.parts, normalizeName(tokens[i+1]))
			i += 2
		}
		if i < len(tokens) && tokens[i].isPunct("(") {
			return nil, i, fmt.Sprintf("table function %s is not permitted", ref)
		}
	}

	// alias: [AS] name [(col, ...)]
	if i < len(tokens) && tokens[i].isWord("AS") {
		i++
	}
	if i < len(tokens) && tokens[i].isName() && !(tokens[i].kind == tokWord && clauseKeywords[tokens[i].upper()]) {
		i++
		if i < len(tokens) && tokens[i].isPunct("(") {
			i = skipParens(tokens, i)
		}
	}
	return ref, i, ""
}

func normalizeName(t token) string {
	return strings.ToLower(t.text)
}

// VettedQuery is query text that passed validation. It can be claimed for
// execution exactly once; only Validate produces usable values.
type VettedQuery struct {
	text     string
	approved bool
	claimed  atomic.Bool
}

// Text returns the approved text without consuming the token
func (q *VettedQuery) Text() string {
	if q == nil {
		return ""
	}
	return q.text
}

// Consumed reports whether the token has been claimed
func (q *VettedQuery) Consumed() bool {
	return q != nil && q.claimed.Load()
}

// Claim hands out the query text for execution. It succeeds once.
func (q *VettedQuery) Claim() (string, error) {
	if q == nil || !q.approved {
		return "", errors.Wrap(ErrNotApproved, errors.ErrCodeUnsafeQuery, "Query rejected by safety validation").
			WithDetails(ErrNotApproved.Error()).
			WithMetadata("reason", ErrNotApproved.Error())
	}
	if !q.claimed.CompareAndSwap(false, true) {
		return "", errors.Wrap(ErrTokenConsumed, errors.ErrCodeUnsafeQuery, "Query rejected by safety validation").
			WithDetails(ErrTokenConsumed.Error()).
			WithMetadata("reason", ErrTokenConsumed.Error())
	}
	return q.text, nil
}
