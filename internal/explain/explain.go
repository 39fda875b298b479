// Package explain renders query plans for humans: a step list for the API
// response and a Mermaid ER fragment for documentation tooling.
package explain

import (
	"fmt"
	"strings"

	"sorgu/internal/graph"
	"sorgu/internal/intent"
	"sorgu/internal/joinpath"
	"sorgu/internal/score"
)

// Plan summarizes how a prompt became a statement.
type Plan struct {
	Steps      []string `json:"steps"`
	Confidence float64  `json:"confidence"`
	Decision   string   `json:"decision"`
}

// Describe builds the step list from the candidate, join plan and score.
func Describe(cand intent.Candidate, plan *joinpath.Plan, sc score.Result) Plan {
	var steps []string

	steps = append(steps, fmt.Sprintf("matched table %s (%s, %.2f)",
		cand.Intent.TableName, cand.Source, cand.Score))
	steps = append(steps, cand.Evidence...)

	switch cand.Intent.Kind {
	case intent.KindCount:
		steps = append(steps, "counting rows")
	case intent.KindAggregate:
		steps = append(steps, fmt.Sprintf("computing %s over %s",
			cand.Intent.Aggregate, cand.Intent.AggColumn))
	case intent.KindTopN:
		steps = append(steps, fmt.Sprintf("top %d by %s", cand.Intent.Limit, cand.Intent.OrderBy))
	case intent.KindGroupTop:
		steps = append(steps, fmt.Sprintf("grouping %s by related row count (%s)",
			cand.Intent.TableName, cand.Intent.OrderDir))
	}

	if plan != nil {
		for _, j := range plan.Joins {
			trust := ""
			if j.Trust == graph.TrustInferred {
				trust = " (inferred relationship)"
			}
			steps = append(steps, fmt.Sprintf("joining %s.%s -> %s.%s%s",
				j.FromTable, j.FromColumn, j.ToTable, j.ToColumn, trust))
		}
	}

	steps = append(steps, sc.Breakdown...)
	return Plan{Steps: steps, Confidence: sc.Confidence, Decision: string(sc.Decision)}
}

// MermaidER renders the schema graph, or just the plan's subgraph when one
// is given, as a Mermaid erDiagram.
func MermaidER(g *graph.Graph, plan *joinpath.Plan) string {
	include := map[int]bool{}
	if plan != nil {
		for _, t := range plan.Tables {
			include[t] = true
		}
	} else {
		for i := range g.Tables {
			include[i] = true
		}
	}

	var b strings.Builder
	b.WriteString("erDiagram\n")
	for i, t := range g.Tables {
		if !include[i] {
			continue
		}
		fmt.Fprintf(&b, "    %s {\n", t.Name)
		for _, c := range t.Columns {
			key := ""
			if isPrimary(t, c.Name) {
				key = " PK"
			}
			fmt.Fprintf(&b, "        %s %s%s\n", mermaidType(c.DataType), c.Name, key)
		}
		b.WriteString("    }\n")
	}
	for _, e := range g.Edges {
		if !include[e.From] || !include[e.To] {
			continue
		}
		rel := "}o--||"
		if e.Cardinality == graph.OneToOne {
			rel = "||--||"
		}
		label := e.FromColumn
		if e.Trust == graph.TrustInferred {
			label += " (inferred)"
		}
		fmt.Fprintf(&b, "    %s %s %s : \"%s\"\n",
			g.Tables[e.From].Name, rel, g.Tables[e.To].Name, label)
	}
	return b.String()
}

func isPrimary(t graph.TableNode, column string) bool {
	for _, pk := range t.PrimaryKey {
		if strings.EqualFold(pk, column) {
			return true
		}
	}
	return false
}

// mermaidType collapses driver-specific type names into the few Mermaid
// renders nicely.
func mermaidType(dataType string) string {
	dt := strings.ToLower(dataType)
	switch {
	case strings.Contains(dt, "int") || strings.Contains(dt, "serial"):
		return "int"
	case strings.Contains(dt, "char") || strings.Contains(dt, "text"):
		return "string"
	case strings.Contains(dt, "date") || strings.Contains(dt, "time"):
		return "datetime"
	case strings.Contains(dt, "bool"):
		return "bool"
	case strings.Contains(dt, "numeric") || strings.Contains(dt, "decimal") ||
		strings.Contains(dt, "float") || strings.Contains(dt, "double") || strings.Contains(dt, "money"):
		return "decimal"
	default:
		return "string"
	}
}
