package intent

import (
	"fmt"
	"strconv"
	"strings"

	"sorgu/internal/graph"
	"sorgu/internal/nlq"
)

// Recognizers run in this order; later ones may read what earlier ones set
// (TopN needs the aggregate already placed).
func defaultRecognizers() []Recognizer {
	return []Recognizer{
		aggregateRecognizer{},
		dateFilterRecognizer{},
		numericFilterRecognizer{},
		nameFilterRecognizer{},
		orderingRecognizer{},
		limitRecognizer{},
		entityRefRecognizer{},
		groupTopRecognizer{},
	}
}

// aggregateRecognizer maps operator tokens onto an aggregate column. COUNT
// needs no column; the rest prefer an explicitly named column, then the
// table's first amount-tagged one.
type aggregateRecognizer struct{}

func (aggregateRecognizer) Name() string { return "aggregate" }

func (aggregateRecognizer) Apply(tokens []nlq.Token, g *graph.Graph, in *Intent) (bool, []string) {
	var op, raw string
	for _, t := range tokens {
		if t.Kind == nlq.KindOperator {
			op, raw = t.Op, t.Raw
			break
		}
	}
	if op == "" {
		return false, nil
	}

	if op == nlq.OpCount {
		in.Kind = KindCount
		in.Aggregate = op
		return true, []string{fmt.Sprintf("%q -> COUNT", raw)}
	}

	in.Kind = KindAggregate
	in.Aggregate = op

	if col, ok := namedColumn(tokens, g, in.Table); ok {
		in.AggColumn = col
		return true, []string{fmt.Sprintf("%q -> %s(%s)", raw, op, col)}
	}
	if col, ok := g.FirstColumnByTag(in.Table, graph.TagAmount); ok {
		in.AggColumn = col.Name
		in.aggColumnImplied = true
		return true, []string{fmt.Sprintf("%q -> %s(%s) via amount tag", raw, op, col.Name)}
	}
	// No usable column: degrade MAX/MIN prompts to an ordered listing.
	in.Kind = KindList
	in.Aggregate = ""
	return false, nil
}

// dateFilterRecognizer binds relative-date tokens to the table's first
// date-tagged column.
type dateFilterRecognizer struct{}

func (dateFilterRecognizer) Name() string { return "date_filter" }

func (dateFilterRecognizer) Apply(tokens []nlq.Token, g *graph.Graph, in *Intent) (bool, []string) {
	var rng, raw string
	for _, t := range tokens {
		if t.Kind == nlq.KindDateWord {
			rng, raw = t.Date, t.Raw
			break
		}
	}
	if rng == "" {
		return false, nil
	}
	col, ok := g.FirstColumnByTag(in.Table, graph.TagDate)
	if !ok {
		return false, nil
	}
	in.Filters = append(in.Filters, Filter{Column: col.Name, DateRange: rng})
	return true, []string{fmt.Sprintf("%q -> date range %s on %s", raw, rng, col.Name)}
}

// numericFilterRecognizer handles "100'den fazla", "50 üzerinde" style
// comparisons: a number token followed by a direction word.
type numericFilterRecognizer struct{}

func (numericFilterRecognizer) Name() string { return "numeric_filter" }

var numericDirections = map[string]FilterOp{
	"fazla":    OpGt,
	"fazlası":  OpGt,
	"üzerinde": OpGt,
	"üstünde":  OpGt,
	"büyük":    OpGt,
	"az":       OpLt,
	"altında":  OpLt,
	"altı":     OpLt,
	"küçük":    OpLt,
}

func (numericFilterRecognizer) Apply(tokens []nlq.Token, g *graph.Graph, in *Intent) (bool, []string) {
	for i, t := range tokens {
		if t.Kind != nlq.KindNumber {
			continue
		}
		for j := i + 1; j < len(tokens) && j <= i+2; j++ {
			op, ok := numericDirections[tokens[j].Text]
			if !ok {
				continue
			}
			col := numericTargetColumn(tokens[:i], g, in.Table)
			if col == "" {
				return false, nil
			}
			val, err := strconv.ParseFloat(t.Text, 64)
			if err != nil {
				return false, nil
			}
			in.Filters = append(in.Filters, Filter{Column: col, Op: op, Value: val})
			return true, []string{fmt.Sprintf("%q %s -> %s %s %s", t.Raw, tokens[j].Raw, col, op, t.Text)}
		}
	}
	return false, nil
}

// numericTargetColumn picks the column the comparison applies to: a column
// named before the number, else the table's first amount column.
func numericTargetColumn(before []nlq.Token, g *graph.Graph, table int) string {
	for i := len(before) - 1; i >= 0; i-- {
		if before[i].Kind != nlq.KindWord {
			continue
		}
		if col, ok := matchColumn(g, table, before[i].Text); ok {
			return col
		}
	}
	if col, ok := g.FirstColumnByTag(table, graph.TagAmount); ok {
		return col.Name
	}
	return ""
}

// nameFilterRecognizer handles "ismi X olan" / "adı X olan": an equality on
// the table's name-tagged column against a quoted literal or the
// capitalized word next to the marker.
type nameFilterRecognizer struct{}

func (nameFilterRecognizer) Name() string { return "name_filter" }

var nameMarkers = map[string]struct{}{
	"ismi": {}, "isim": {}, "adı": {}, "ad": {}, "adlı": {}, "isimli": {},
}

func (nameFilterRecognizer) Apply(tokens []nlq.Token, g *graph.Graph, in *Intent) (bool, []string) {
	marker := -1
	for i, t := range tokens {
		if t.Kind != nlq.KindWord {
			continue
		}
		if _, ok := nameMarkers[t.Text]; ok {
			marker = i
			break
		}
	}

	value := ""
	for _, t := range tokens {
		if t.Kind == nlq.KindLiteral {
			value = t.Text
			break
		}
	}
	if value == "" && marker >= 0 {
		// "ismi Ahmet olan": take the capitalized surface form next to the
		// marker, either side.
		for _, j := range []int{marker + 1, marker - 1} {
			if j < 0 || j >= len(tokens) || tokens[j].Kind != nlq.KindWord {
				continue
			}
			if isCapitalized(tokens[j].Raw) {
				value = tokens[j].Raw
				break
			}
		}
	}
	if value == "" || marker < 0 {
		return false, nil
	}

	col, ok := g.FirstColumnByTag(in.Table, graph.TagName)
	if !ok {
		return false, nil
	}
	in.Filters = append(in.Filters, Filter{Column: col.Name, Op: OpEq, Value: value})
	return true, []string{fmt.Sprintf("name filter %s = %q", col.Name, value)}
}

func isCapitalized(s string) bool {
	if s == "" {
		return false
	}
	r := []rune(s)[0]
	return r >= 'A' && r <= 'Z' || strings.ContainsRune("ÇĞİÖŞÜ", r)
}

// orderingRecognizer applies direction tokens. The sort column is the
// aggregate column when one exists, else a column named in the prompt, else
// the first amount column.
type orderingRecognizer struct{}

func (orderingRecognizer) Name() string { return "ordering" }

func (orderingRecognizer) Apply(tokens []nlq.Token, g *graph.Graph, in *Intent) (bool, []string) {
	dir, raw := "", ""
	for _, t := range tokens {
		if t.Kind == nlq.KindOrder {
			dir, raw = t.Op, t.Raw
			break
		}
	}
	if dir == "" {
		return false, nil
	}
	col := in.AggColumn
	if col == "" {
		if c, ok := namedColumn(tokens, g, in.Table); ok {
			col = c
		} else if c, ok := g.FirstColumnByTag(in.Table, graph.TagAmount); ok {
			col = c.Name
		}
	}
	if col == "" {
		return false, nil
	}
	in.OrderBy = col
	in.OrderDir = dir
	return true, []string{fmt.Sprintf("%q -> ORDER BY %s %s", raw, col, dir)}
}

// limitRecognizer handles "ilk 5" and the implicit limit of single-winner
// aggregates ("en çok satan ürün" wants one row, not a table scan).
type limitRecognizer struct{}

func (limitRecognizer) Name() string { return "limit" }

func (limitRecognizer) Apply(tokens []nlq.Token, g *graph.Graph, in *Intent) (bool, []string) {
	for i, t := range tokens {
		if t.Kind != nlq.KindWord || t.Text != "ilk" {
			continue
		}
		if i+1 < len(tokens) && tokens[i+1].Kind == nlq.KindNumber {
			n, err := strconv.Atoi(tokens[i+1].Text)
			if err != nil || n <= 0 {
				return false, nil
			}
			in.Limit = n
			if in.Kind == KindAggregate && in.OrderDir != "" {
				in.Kind = KindTopN
			}
			return true, []string{fmt.Sprintf("\"ilk %d\" -> LIMIT %d", n, n)}
		}
	}
	return false, nil
}

// entityRefRecognizer records additional tables named in the prompt so the
// join resolver can connect them.
type entityRefRecognizer struct{}

func (entityRefRecognizer) Name() string { return "entity_ref" }

func (entityRefRecognizer) Apply(tokens []nlq.Token, g *graph.Graph, in *Intent) (bool, []string) {
	seen := map[int]struct{}{in.Table: {}}
	var evidence []string
	for _, t := range tokens {
		if t.Kind != nlq.KindWord {
			continue
		}
		// Only unambiguous references become join terminals; a word naming
		// several tables is the matcher's ambiguity to report, not a join.
		matches := resolveTables(g, t.Text)
		if len(matches) != 1 {
			continue
		}
		idx := matches[0]
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		in.ExtraTables = append(in.ExtraTables, idx)
		evidence = append(evidence, fmt.Sprintf("%q -> table %s", t.Raw, g.Tables[idx].Name))
	}
	return len(evidence) > 0, evidence
}

// groupTopRecognizer turns a superlative over a related entity ("en çok
// sipariş veren müşteri") into a grouped count: group by the root table,
// count rows of the joined one, order by the count. Runs last so it can see
// what the aggregate and entity recognizers decided.
type groupTopRecognizer struct{}

func (groupTopRecognizer) Name() string { return "group_top" }

func (groupTopRecognizer) Apply(tokens []nlq.Token, g *graph.Graph, in *Intent) (bool, []string) {
	if (in.AggColumn != "" && !in.aggColumnImplied) || len(in.ExtraTables) == 0 {
		return false, nil
	}
	var op string
	for _, t := range tokens {
		if t.Kind == nlq.KindOperator && (t.Op == nlq.OpMax || t.Op == nlq.OpMin) {
			op = t.Op
			break
		}
	}
	if op == "" {
		return false, nil
	}
	in.Kind = KindGroupTop
	in.Aggregate = nlq.OpCount
	in.AggColumn = ""
	in.aggColumnImplied = false
	in.OrderDir = "DESC"
	if op == nlq.OpMin {
		in.OrderDir = "ASC"
	}
	if in.Limit == 0 {
		in.Limit = 1
	}
	counted := g.Tables[in.ExtraTables[0]].Name
	return true, []string{fmt.Sprintf("grouping %s by count of %s (%s)", in.TableName, counted, in.OrderDir)}
}

// namedColumn returns the first prompt word that names a column on the
// table, excluding id-tagged columns.
func namedColumn(tokens []nlq.Token, g *graph.Graph, table int) (string, bool) {
	for _, t := range tokens {
		if t.Kind != nlq.KindWord {
			continue
		}
		if col, ok := matchColumn(g, table, t.Text); ok {
			return col, true
		}
	}
	return "", false
}

// matchColumn compares a prompt word to column names on folded, suffix
// stripped form. ID columns are excluded: nobody aggregates a key.
func matchColumn(g *graph.Graph, table int, word string) (string, bool) {
	if table < 0 || table >= len(g.Tables) {
		return "", false
	}
	canon := graph.Singularize(graph.FoldTurkish(word))
	for _, c := range g.Tables[table].Columns {
		if c.Tag == graph.TagID {
			continue
		}
		cn := graph.Singularize(graph.FoldTurkish(c.Name))
		if cn == canon || strings.TrimSuffix(cn, "i") == strings.TrimSuffix(canon, "i") && len(canon) > 3 {
			return c.Name, true
		}
	}
	return "", false
}
