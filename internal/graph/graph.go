// Package graph builds and holds the in-memory schema relationship graph.
// A graph is immutable once built; rebuilds produce a fresh snapshot that
// callers swap in atomically.
package graph

import (
	"strings"
)

// SemanticTag is a best-effort classification of a column's real-world
// meaning.
type SemanticTag string

const (
	TagID       SemanticTag = "id"
	TagName     SemanticTag = "name"
	TagDate     SemanticTag = "date"
	TagAmount   SemanticTag = "amount"
	TagCategory SemanticTag = "category"
	TagUnknown  SemanticTag = "unknown"
)

// Trust records where a relationship edge came from. Inferred edges are
// join-resolution fallbacks only, never treated as certain.
type Trust string

const (
	TrustDeclared Trust = "declared"
	TrustInferred Trust = "inferred"
)

// Cardinality of a relationship edge, derived from column uniqueness.
type Cardinality string

const (
	ManyToOne   Cardinality = "many_to_one"
	OneToOne    Cardinality = "one_to_one"
	CardUnknown Cardinality = "unknown"
)

// ColumnDef is one column of a table node.
type ColumnDef struct {
	Name     string      `json:"name"`
	DataType string      `json:"data_type"`
	Nullable bool        `json:"nullable"`
	IsUnique bool        `json:"is_unique"`
	Tag      SemanticTag `json:"tag"`
}

// TableNode is one table in the graph arena.
type TableNode struct {
	Name        string      `json:"name"`
	Schema      string      `json:"schema"`
	Columns     []ColumnDef `json:"columns"`
	PrimaryKey  []string    `json:"primary_key"`
	RowEstimate int64       `json:"row_estimate"`

	// NamingTags are canonical entity labels (kullanici, siparis, urun...)
	// matched from the naming lexicon, empty when nothing matched.
	NamingTags []string `json:"naming_tags,omitempty"`
}

// RelationshipEdge connects two tables by arena index. Self-referential and
// cyclic edges are just index pairs, so ownership cycles cannot occur.
type RelationshipEdge struct {
	From        int         `json:"from"`
	To          int         `json:"to"`
	FromColumn  string      `json:"from_column"`
	ToColumn    string      `json:"to_column"`
	Cardinality Cardinality `json:"cardinality"`
	Trust       Trust       `json:"trust"`
}

// Graph is an immutable schema snapshot. Multigraph: parallel edges between
// the same table pair are kept.
type Graph struct {
	DatabaseID  string             `json:"database_id"`
	Fingerprint string             `json:"fingerprint"`
	Tables      []TableNode        `json:"tables"`
	Edges       []RelationshipEdge `json:"edges"`

	// Gaps carries the metadata holes absorbed during the build. A non-empty
	// list marks the graph degraded-but-usable.
	Gaps []string `json:"gaps,omitempty"`

	byName      map[string]int
	adjacency   [][]int
	identifiers map[string]struct{}
}

// TableIndex resolves a table name (case-insensitive) to its arena index.
func (g *Graph) TableIndex(name string) (int, bool) {
	i, ok := g.byName[strings.ToLower(name)]
	return i, ok
}

// Adjacency returns, per table index, the indices of incident edges
// (both directions).
func (g *Graph) Adjacency() [][]int { return g.adjacency }

// KnownIdentifier reports whether name is a table, a column, or a qualified
// table.column present in the snapshot. The assembler refuses anything else.
func (g *Graph) KnownIdentifier(name string) bool {
	_, ok := g.identifiers[strings.ToLower(name)]
	return ok
}

// Column looks up a column definition on a table by name.
func (g *Graph) Column(tableIdx int, name string) (ColumnDef, bool) {
	if tableIdx < 0 || tableIdx >= len(g.Tables) {
		return ColumnDef{}, false
	}
	for _, c := range g.Tables[tableIdx].Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return ColumnDef{}, false
}

// FirstColumnByTag returns the first column on a table carrying the tag.
func (g *Graph) FirstColumnByTag(tableIdx int, tag SemanticTag) (ColumnDef, bool) {
	if tableIdx < 0 || tableIdx >= len(g.Tables) {
		return ColumnDef{}, false
	}
	for _, c := range g.Tables[tableIdx].Columns {
		if c.Tag == tag {
			return c, true
		}
	}
	return ColumnDef{}, false
}

func (g *Graph) buildIndexes() {
	g.byName = make(map[string]int, len(g.Tables))
	g.identifiers = make(map[string]struct{})
	for i, t := range g.Tables {
		g.byName[strings.ToLower(t.Name)] = i
		g.identifiers[strings.ToLower(t.Name)] = struct{}{}
		for _, c := range t.Columns {
			g.identifiers[strings.ToLower(c.Name)] = struct{}{}
			g.identifiers[strings.ToLower(t.Name)+"."+strings.ToLower(c.Name)] = struct{}{}
		}
	}
	g.adjacency = make([][]int, len(g.Tables))
	for ei, e := range g.Edges {
		g.adjacency[e.From] = append(g.adjacency[e.From], ei)
		if e.To != e.From {
			g.adjacency[e.To] = append(g.adjacency[e.To], ei)
		}
	}
}
