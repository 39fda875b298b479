// Package adapter talks to target databases: schema introspection for the
// graph builder and bounded connection handling for the execution engine.
package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Introspector supplies raw schema metadata for one database.
type Introspector interface {
	// Introspect reads tables, columns, keys, FK constraints and row-count
	// estimates. Partial metadata is returned with gaps noted in
	// Metadata.Gaps rather than failing the whole call.
	Introspect(ctx context.Context) (*Metadata, error)

	Close() error
}

// Metadata is the raw introspection result.
type Metadata struct {
	DatabaseID  string       `json:"database_id"`
	Tables      []Table      `json:"tables"`
	ForeignKeys []ForeignKey `json:"foreign_keys"`

	// Gaps lists metadata the source could not supply (missing row
	// estimates, unreadable constraints). The graph builder absorbs these
	// as a degraded-but-usable build.
	Gaps []string `json:"gaps,omitempty"`
}

// Table holds one table's introspected shape.
type Table struct {
	Schema      string   `json:"schema"`
	Name        string   `json:"name"`
	Columns     []Column `json:"columns"`
	PrimaryKey  []string `json:"primary_key"`
	RowEstimate int64    `json:"row_estimate"`
}

// Column holds one column's introspected shape.
type Column struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
	IsUnique bool   `json:"is_unique"`
}

// ForeignKey is a declared FK constraint.
type ForeignKey struct {
	FromTable  string `json:"from_table"`
	FromColumn string `json:"from_column"`
	ToTable    string `json:"to_table"`
	ToColumn   string `json:"to_column"`
}

// Fingerprint hashes the structural parts of the metadata. Row estimates are
// excluded so routine growth does not register as drift.
func (m *Metadata) Fingerprint() string {
	var parts []string
	for _, t := range m.Tables {
		cols := make([]string, 0, len(t.Columns))
		for _, c := range t.Columns {
			cols = append(cols, c.Name+":"+c.DataType)
		}
		sort.Strings(cols)
		parts = append(parts, fmt.Sprintf("%s.%s(%s)[%s]",
			t.Schema, t.Name, strings.Join(cols, ","), strings.Join(t.PrimaryKey, ",")))
	}
	for _, fk := range m.ForeignKeys {
		parts = append(parts, fmt.Sprintf("%s.%s->%s.%s", fk.FromTable, fk.FromColumn, fk.ToTable, fk.ToColumn))
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
