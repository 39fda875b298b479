package graph

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"sorgu/internal/adapter"
)

// Builder turns raw introspection metadata into an immutable Graph.
type Builder struct {
	logger *slog.Logger
}

func NewBuilder(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{logger: logger}
}

// Build is deterministic: identical metadata yields identical node and edge
// sets. Incomplete metadata degrades the graph instead of failing it.
func (b *Builder) Build(meta *adapter.Metadata) *Graph {
	g := &Graph{
		DatabaseID:  meta.DatabaseID,
		Fingerprint: meta.Fingerprint(),
		Gaps:        append([]string(nil), meta.Gaps...),
	}

	tables := append([]adapter.Table(nil), meta.Tables...)
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })

	for _, t := range tables {
		node := TableNode{
			Name:        t.Name,
			Schema:      t.Schema,
			PrimaryKey:  append([]string(nil), t.PrimaryKey...),
			RowEstimate: t.RowEstimate,
			NamingTags:  classifyTable(t.Name),
		}
		pkSet := make(map[string]struct{}, len(t.PrimaryKey))
		for _, pk := range t.PrimaryKey {
			pkSet[strings.ToLower(pk)] = struct{}{}
		}
		for _, c := range t.Columns {
			col := ColumnDef{
				Name:     c.Name,
				DataType: c.DataType,
				Nullable: c.Nullable,
				IsUnique: c.IsUnique,
			}
			_, isPK := pkSet[strings.ToLower(c.Name)]
			col.Tag = classifyColumn(col, isPK)
			node.Columns = append(node.Columns, col)
		}
		if len(node.Columns) == 0 {
			g.Gaps = append(g.Gaps, fmt.Sprintf("table %s has no readable columns", t.Name))
		}
		g.Tables = append(g.Tables, node)
	}

	byName := make(map[string]int, len(g.Tables))
	for i, t := range g.Tables {
		byName[strings.ToLower(t.Name)] = i
	}

	declared := make(map[string]struct{})
	for _, fk := range meta.ForeignKeys {
		from, okFrom := byName[strings.ToLower(fk.FromTable)]
		to, okTo := byName[strings.ToLower(fk.ToTable)]
		if !okFrom || !okTo {
			g.Gaps = append(g.Gaps, fmt.Sprintf("constraint %s.%s references unknown table", fk.FromTable, fk.FromColumn))
			continue
		}
		e := RelationshipEdge{
			From:        from,
			To:          to,
			FromColumn:  fk.FromColumn,
			ToColumn:    fk.ToColumn,
			Cardinality: b.cardinality(g, from, fk.FromColumn),
			Trust:       TrustDeclared,
		}
		g.Edges = append(g.Edges, e)
		declared[edgeKey(from, strings.ToLower(fk.FromColumn))] = struct{}{}
	}

	g.Edges = append(g.Edges, b.inferEdges(g, byName, declared)...)

	sort.Slice(g.Edges, func(i, j int) bool {
		a, c := g.Edges[i], g.Edges[j]
		if a.From != c.From {
			return a.From < c.From
		}
		if a.FromColumn != c.FromColumn {
			return a.FromColumn < c.FromColumn
		}
		if a.To != c.To {
			return a.To < c.To
		}
		return a.Trust < c.Trust
	})

	g.buildIndexes()
	b.logger.Info("schema graph built",
		slog.String("database", g.DatabaseID),
		slog.Int("tables", len(g.Tables)),
		slog.Int("edges", len(g.Edges)),
		slog.Int("gaps", len(g.Gaps)))
	return g
}

// inferEdges adds lower-trust edges from <table>_id naming when no declared
// constraint covers the column. Used only as a join-resolution fallback.
func (b *Builder) inferEdges(g *Graph, byName map[string]int, declared map[string]struct{}) []RelationshipEdge {
	// Canonical-form lookup so "musteri_id" finds table "Musteriler".
	canon := make(map[string]int, len(g.Tables))
	for i, t := range g.Tables {
		canon[canonicalForm(t.Name)] = i
	}

	var edges []RelationshipEdge
	for from, t := range g.Tables {
		for _, c := range t.Columns {
			lower := FoldTurkish(c.Name)
			if !strings.HasSuffix(lower, "_id") {
				continue
			}
			if _, ok := declared[edgeKey(from, strings.ToLower(c.Name))]; ok {
				continue
			}
			prefix := canonicalForm(strings.TrimSuffix(lower, "_id"))
			to, ok := canon[prefix]
			if !ok {
				continue
			}
			toCol := targetKeyColumn(g.Tables[to])
			if toCol == "" {
				continue
			}
			edges = append(edges, RelationshipEdge{
				From:        from,
				To:          to,
				FromColumn:  c.Name,
				ToColumn:    toCol,
				Cardinality: b.cardinality(g, from, c.Name),
				Trust:       TrustInferred,
			})
		}
	}
	return edges
}

// targetKeyColumn picks the referenced column for an inferred edge: a single
// primary key column, or a column literally named id.
func targetKeyColumn(t TableNode) string {
	if len(t.PrimaryKey) == 1 {
		return t.PrimaryKey[0]
	}
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, "id") {
			return c.Name
		}
	}
	return ""
}

func (b *Builder) cardinality(g *Graph, tableIdx int, column string) Cardinality {
	col, ok := g.Column(tableIdx, column)
	if !ok {
		return CardUnknown
	}
	if col.IsUnique {
		return OneToOne
	}
	return ManyToOne
}

func edgeKey(table int, column string) string {
	return fmt.Sprintf("%d:%s", table, column)
}
