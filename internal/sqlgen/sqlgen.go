// Package sqlgen assembles parameterized SELECT statements from structured
// intents. It never interpolates user text into SQL and refuses identifiers
// that are not present in the schema graph.
package sqlgen

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"sorgu/internal/graph"
	"sorgu/internal/intent"
	"sorgu/internal/joinpath"
	"sorgu/internal/qerror"
)

// Dialect selects placeholder style, identifier quoting and limit syntax.
type Dialect string

const (
	DialectPostgres  Dialect = "postgres"
	DialectMySQL     Dialect = "mysql"
	DialectSQLServer Dialect = "sqlserver"
)

// DefaultRowCap bounds listing queries. Pure aggregates return one row and
// are exempt.
const DefaultRowCap = 1000

// Statement is a ready-to-execute parameterized query.
type Statement struct {
	SQL       string        `json:"sql"`
	Args      []interface{} `json:"-"`
	RowCap    int           `json:"row_cap"`
	Aggregate bool          `json:"aggregate"`
}

var identShape = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Generator builds statements for one dialect. Now is injectable so
// relative date ranges are testable; nil means time.Now.
type Generator struct {
	Dialect Dialect
	RowCap  int
	Now     func() time.Time
}

func NewGenerator(d Dialect) *Generator {
	return &Generator{Dialect: d, RowCap: DefaultRowCap, Now: time.Now}
}

// Build assembles the statement for an intent and its join plan. plan may
// be nil for single-table queries.
func (gen *Generator) Build(g *graph.Graph, in intent.Intent, plan *joinpath.Plan) (*Statement, error) {
	root := in.TableName
	if err := gen.checkIdentifier(g, root); err != nil {
		return nil, err
	}

	var b strings.Builder
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return gen.placeholder(len(args))
	}

	st := &Statement{RowCap: gen.rowCap()}

	limit := in.Limit
	var groupParts []string
	switch in.Kind {
	case intent.KindCount:
		st.Aggregate = true
		b.WriteString("SELECT COUNT(*) AS adet FROM ")
	case intent.KindAggregate:
		if err := gen.checkColumn(g, root, in.AggColumn); err != nil {
			return nil, err
		}
		st.Aggregate = true
		fmt.Fprintf(&b, "SELECT %s(%s) AS deger FROM ",
			in.Aggregate, gen.quote(root)+"."+gen.quote(in.AggColumn))
	case intent.KindTopN:
		if err := gen.checkColumn(g, root, in.AggColumn); err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, "SELECT %s.* FROM ", gen.quote(root))
		if limit == 0 {
			limit = 1
		}
	case intent.KindGroupTop:
		// Grouped count over a join: one row per root entity, ordered by
		// how many joined rows it owns.
		rootIdx, ok := g.TableIndex(root)
		if !ok {
			return nil, qerror.New(qerror.KindRejected, "identifier not present in schema", root)
		}
		for _, col := range gen.groupColumns(g, rootIdx) {
			if err := gen.checkColumn(g, root, col); err != nil {
				return nil, err
			}
			groupParts = append(groupParts, gen.quote(root)+"."+gen.quote(col))
		}
		if len(groupParts) == 0 {
			return nil, qerror.New(qerror.KindRejected, "table has no groupable column", root)
		}
		fmt.Fprintf(&b, "SELECT %s, COUNT(*) AS adet FROM ", strings.Join(groupParts, ", "))
		if limit == 0 {
			limit = 1
		}
	default:
		fmt.Fprintf(&b, "SELECT %s.* FROM ", gen.quote(root))
	}
	b.WriteString(gen.quote(root))

	if plan != nil {
		for _, j := range plan.Joins {
			for _, id := range []string{j.FromTable, j.ToTable} {
				if err := gen.checkIdentifier(g, id); err != nil {
					return nil, err
				}
			}
			fmt.Fprintf(&b, " JOIN %s ON %s.%s = %s.%s",
				gen.quote(j.ToTable),
				gen.quote(j.FromTable), gen.quote(j.FromColumn),
				gen.quote(j.ToTable), gen.quote(j.ToColumn))
		}
	}

	var conds []string
	for _, f := range in.Filters {
		if err := gen.checkColumn(g, root, f.Column); err != nil {
			return nil, err
		}
		col := gen.quote(root) + "." + gen.quote(f.Column)
		if f.DateRange != "" {
			fromT, toT, err := gen.dateBounds(f.DateRange)
			if err != nil {
				return nil, err
			}
			conds = append(conds, fmt.Sprintf("%s >= %s AND %s < %s", col, arg(fromT), col, arg(toT)))
			continue
		}
		conds = append(conds, fmt.Sprintf("%s %s %s", col, f.Op, arg(f.Value)))
	}
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}

	ordered := false
	if in.Kind == intent.KindGroupTop {
		fmt.Fprintf(&b, " GROUP BY %s", strings.Join(groupParts, ", "))
		dir := "DESC"
		if in.OrderDir == "ASC" {
			dir = "ASC"
		}
		fmt.Fprintf(&b, " ORDER BY adet %s", dir)
		ordered = true
	}

	if in.OrderBy != "" && in.Kind != intent.KindAggregate && in.Kind != intent.KindCount && in.Kind != intent.KindGroupTop {
		if err := gen.checkColumn(g, root, in.OrderBy); err != nil {
			return nil, err
		}
		dir := "ASC"
		if in.OrderDir == "DESC" {
			dir = "DESC"
		}
		fmt.Fprintf(&b, " ORDER BY %s %s", gen.quote(root)+"."+gen.quote(in.OrderBy), dir)
		ordered = true
	}

	if !st.Aggregate {
		if limit <= 0 || limit > st.RowCap {
			limit = st.RowCap
		}
		b.WriteString(gen.limitClause(limit, ordered))
	}

	st.SQL = b.String()
	st.Args = args
	if err := Validate(st.SQL); err != nil {
		return nil, err
	}
	return st, nil
}

// groupColumns are the primary key plus the name-tagged column, the set a
// grouped count selects and groups by.
func (gen *Generator) groupColumns(g *graph.Graph, tableIdx int) []string {
	var cols []string
	if tableIdx >= 0 && tableIdx < len(g.Tables) {
		cols = append(cols, g.Tables[tableIdx].PrimaryKey...)
	}
	if name, ok := g.FirstColumnByTag(tableIdx, graph.TagName); ok {
		dup := false
		for _, c := range cols {
			if c == name.Name {
				dup = true
			}
		}
		if !dup {
			cols = append(cols, name.Name)
		}
	}
	if len(cols) == 0 && tableIdx >= 0 && tableIdx < len(g.Tables) && len(g.Tables[tableIdx].Columns) > 0 {
		cols = append(cols, g.Tables[tableIdx].Columns[0].Name)
	}
	return cols
}

func (gen *Generator) rowCap() int {
	if gen.RowCap > 0 {
		return gen.RowCap
	}
	return DefaultRowCap
}

func (gen *Generator) checkIdentifier(g *graph.Graph, name string) error {
	if !identShape.MatchString(name) || !g.KnownIdentifier(name) {
		return qerror.New(qerror.KindRejected, "identifier not present in schema", name)
	}
	return nil
}

func (gen *Generator) checkColumn(g *graph.Graph, table, column string) error {
	if !identShape.MatchString(column) {
		return qerror.New(qerror.KindRejected, "identifier not present in schema", column)
	}
	idx, ok := g.TableIndex(table)
	if !ok {
		return qerror.New(qerror.KindRejected, "identifier not present in schema", table)
	}
	if _, ok := g.Column(idx, column); !ok {
		return qerror.New(qerror.KindRejected, "identifier not present in schema", table+"."+column)
	}
	return nil
}

func (gen *Generator) placeholder(n int) string {
	switch gen.Dialect {
	case DialectPostgres:
		return fmt.Sprintf("$%d", n)
	case DialectSQLServer:
		return fmt.Sprintf("@p%d", n)
	default:
		return "?"
	}
}

func (gen *Generator) quote(ident string) string {
	switch gen.Dialect {
	case DialectMySQL:
		return "`" + ident + "`"
	case DialectSQLServer:
		return "[" + ident + "]"
	default:
		return `"` + ident + `"`
	}
}

func (gen *Generator) limitClause(n int, ordered bool) string {
	if gen.Dialect == DialectSQLServer {
		// TOP cannot trail the statement, and OFFSET/FETCH is only legal
		// after ORDER BY; unordered listings get the constant-sort form.
		if !ordered {
			return fmt.Sprintf(" ORDER BY (SELECT NULL) OFFSET 0 ROWS FETCH NEXT %d ROWS ONLY", n)
		}
		return fmt.Sprintf(" OFFSET 0 ROWS FETCH NEXT %d ROWS ONLY", n)
	}
	return fmt.Sprintf(" LIMIT %d", n)
}

// dateBounds expands a relative range name into [from, to) instants in the
// local timezone.
func (gen *Generator) dateBounds(name string) (time.Time, time.Time, error) {
	now := time.Now()
	if gen.Now != nil {
		now = gen.Now()
	}
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch name {
	case "today":
		return day, day.AddDate(0, 0, 1), nil
	case "yesterday":
		return day.AddDate(0, 0, -1), day, nil
	case "this_week":
		// Week starts Monday.
		offset := (int(day.Weekday()) + 6) % 7
		start := day.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7), nil
	case "last_week":
		offset := (int(day.Weekday()) + 6) % 7
		start := day.AddDate(0, 0, -offset-7)
		return start, start.AddDate(0, 0, 7), nil
	case "this_month":
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return start, start.AddDate(0, 1, 0), nil
	case "last_month":
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, -1, 0)
		return start, start.AddDate(0, 1, 0), nil
	case "this_year":
		start := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, now.Location())
		return start, start.AddDate(1, 0, 0), nil
	case "last_year":
		start := time.Date(now.Year()-1, 1, 1, 0, 0, 0, 0, now.Location())
		return start, start.AddDate(1, 0, 0), nil
	}
	return time.Time{}, time.Time{}, qerror.New(qerror.KindRejected, "unknown date range", name)
}

var dangerous = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|truncate|create|grant|revoke|exec|execute|merge)\b`),
	regexp.MustCompile(`--`),
	regexp.MustCompile(`/\*`),
	regexp.MustCompile(`;`),
	regexp.MustCompile(`(?i)\binto\s+(outfile|dumpfile)\b`),
}

// Validate enforces the read-only contract on an assembled statement:
// a single SELECT with no comment markers, statement separators or
// mutating keywords.
func Validate(sql string) error {
	trimmed := strings.TrimSpace(sql)
	if !strings.HasPrefix(strings.ToUpper(trimmed), "SELECT") {
		return qerror.New(qerror.KindRejected, "only SELECT statements are executable")
	}
	for _, re := range dangerous {
		if loc := re.FindStringIndex(trimmed); loc != nil {
			return qerror.New(qerror.KindRejected, "statement contains a forbidden construct",
				trimmed[loc[0]:loc[1]])
		}
	}
	return nil
}
