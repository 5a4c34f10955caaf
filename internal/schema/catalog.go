// Package schema discovers the tables visible to the gateway and renders
// them as context for query synthesis.
package schema

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Column describes one table column
type Column struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
}

// Table describes a table or view
type Table struct {
	Schema  string   `json:"schema"`
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// QualifiedName returns schema.name
func (t Table) QualifiedName() string {
	return t.Schema + "." + t.Name
}

// Catalog is a snapshot of discovered tables
type Catalog struct {
	Tables       []Table   `json:"tables"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// AllowList mirrors the validator's object policy. Entries without a dot name
// a schema; dotted entries name a single table.
type AllowList struct {
	schemas map[string]bool
	tables  map[string]bool
}

// NewAllowList builds an allow-list from configuration entries
func NewAllowList(entries []string) AllowList {
	list := AllowList{schemas: map[string]bool{}, tables: map[string]bool{}}
	for _, entry := range entries {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if strings.Contains(entry, ".") {
			list.tables[entry] = true
		} else {
			list.schemas[entry] = true
		}
	}
	return list
}

// Empty reports whether no entries were configured
func (a AllowList) Empty() bool {
	return len(a.schemas) == 0 && len(a.tables) == 0
}

// Permits reports whether the table may be referenced
func (a AllowList) Permits(t Table) bool {
	if a.Empty() {
		return true
	}
	schemaName := strings.ToLower(t.Schema)
	return a.schemas[schemaName] || a.tables[schemaName+"."+strings.ToLower(t.Name)]
}

// Schemas returns the schemas worth loading, sorted
func (a AllowList) Schemas() []string {
	seen := map[string]bool{}
	for s := range a.schemas {
		seen[s] = true
	}
	for t := range a.tables {
		seen[t[:strings.Index(t, ".")]] = true
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Filter keeps only permitted tables
func (a AllowList) Filter(tables []Table) []Table {
	if a.Empty() {
		return tables
	}
	out := make([]Table, 0, len(tables))
	for _, t := range tables {
		if a.Permits(t) {
			out = append(out, t)
		}
	}
	return out
}

// Render formats tables for the synthesis prompt. Output stops before
// maxChars when it is positive.
func Render(tables []Table, maxChars int) string {
	var sb strings.Builder
	for _, t := range tables {
		var line strings.Builder
		line.WriteString("table ")
		line.WriteString(t.QualifiedName())
		line.WriteString(" (")
		for i, c := range t.Columns {
			if i > 0 {
				line.WriteString(", ")
			}
			line.WriteString(fmt.Sprintf("%s %s", c.Name, c.DataType))
			if !c.Nullable {
				line.WriteString(" not null")
			}
		}
		line.WriteString(")\n")

		if maxChars > 0 && sb.Len()+line.Len() > maxChars {
			break
		}
		sb.WriteString(line.String())
	}
	return sb.String()
}
