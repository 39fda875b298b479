// Package intent turns normalized tokens plus a schema graph into ranked,
// structured query intents.
package intent

import (
	"sorgu/internal/graph"
	"sorgu/internal/nlq"
)

// Kind is the overall shape of a recognized query.
type Kind string

const (
	KindList      Kind = "list"      // plain row listing
	KindAggregate Kind = "aggregate" // MAX/MIN/SUM/AVG over a column
	KindCount     Kind = "count"
	KindTopN      Kind = "top_n" // aggregate + ordering + limit
	// KindGroupTop is "en çok X veren Y": group the root entity, count the
	// joined one, order by the count.
	KindGroupTop Kind = "group_top"
)

// FilterOp is the comparison used in a structured filter.
type FilterOp string

const (
	OpEq FilterOp = "="
	OpGt FilterOp = ">"
	OpLt FilterOp = "<"
	OpGe FilterOp = ">="
	OpLe FilterOp = "<="
)

// Filter is one structured predicate extracted from the prompt. Value is
// carried as an opaque argument, never interpolated into SQL text.
type Filter struct {
	Column string      `json:"column"`
	Op     FilterOp    `json:"op"`
	Value  interface{} `json:"value"`

	// DateRange is set instead of Value for relative-date predicates
	// (today, last_month...). The assembler expands it at build time.
	DateRange string `json:"date_range,omitempty"`
}

// Intent is one structured interpretation of the prompt.
type Intent struct {
	Kind      Kind     `json:"kind"`
	Table     int      `json:"table"` // arena index into the graph
	TableName string   `json:"table_name"`
	Aggregate string   `json:"aggregate,omitempty"` // MAX, MIN, SUM, AVG, COUNT
	AggColumn string   `json:"agg_column,omitempty"`
	Filters   []Filter `json:"filters,omitempty"`
	OrderBy   string   `json:"order_by,omitempty"`
	OrderDir  string   `json:"order_dir,omitempty"`
	Limit     int      `json:"limit,omitempty"`

	// ExtraTables are additional referenced entities that force a join.
	ExtraTables []int `json:"extra_tables,omitempty"`

	// aggColumnImplied marks an AggColumn picked by tag fallback rather
	// than named in the prompt; later recognizers may override it.
	aggColumnImplied bool
}

// Candidate is a scored interpretation with its supporting evidence.
type Candidate struct {
	ID       string   `json:"id"`
	Intent   Intent   `json:"intent"`
	Score    float64  `json:"score"`    // lexical match component, 0..1
	Evidence []string `json:"evidence"` // which tokens matched what
	Source   string   `json:"source"`   // exact, fuzzy, learned
}

// LearnedIndex supplies historical success boosts for table matches. The
// learning store implements it; the matcher only reads.
type LearnedIndex interface {
	// Boost returns an additive score in [0, boostCap] for routing this
	// token set to the named table, based on past confirmed successes.
	Boost(databaseID string, words []string, table string) float64
}

// Recognizer inspects the token stream and fills structural detail into an
// intent already anchored to a table.
type Recognizer interface {
	Name() string
	Apply(tokens []nlq.Token, g *graph.Graph, in *Intent) (applied bool, evidence []string)
}
