// Package joinpath picks minimum-cost join trees over the schema graph.
package joinpath

import (
	"container/heap"
	"fmt"
	"strings"

	"sorgu/internal/graph"
	"sorgu/internal/qerror"
)

const (
	costDeclared = 1
	costInferred = 3

	// maxHops bounds a single root-to-terminal path. Anything longer is a
	// sign the prompt was misread, not that the schema is that deep.
	maxHops = 4
)

// Join is one edge of the resolved tree, oriented from the already-joined
// side to the newly-attached table.
type Join struct {
	FromTable  string      `json:"from_table"`
	FromColumn string      `json:"from_column"`
	ToTable    string      `json:"to_table"`
	ToColumn   string      `json:"to_column"`
	Trust      graph.Trust `json:"trust"`
}

// Plan is the resolved join tree. Tables lists arena indices in attach
// order, root first; Joins has one entry per non-root table.
type Plan struct {
	Root   int    `json:"root"`
	Tables []int  `json:"tables"`
	Joins  []Join `json:"joins"`
	Cost   int    `json:"cost"`
	Hops   int    `json:"hops"` // longest root-to-terminal path length
}

// Inferred reports whether any join in the plan rests on an inferred edge.
// Confidence scoring penalizes such plans.
func (p *Plan) Inferred() bool {
	for _, j := range p.Joins {
		if j.Trust == graph.TrustInferred {
			return true
		}
	}
	return false
}

// Resolve connects root to every terminal with a minimum-cost tree.
// Terminals are attached greedily in ascending path-cost order; each path
// may reuse tables already in the tree.
func Resolve(g *graph.Graph, root int, terminals []int) (*Plan, error) {
	if root < 0 || root >= len(g.Tables) {
		return nil, qerror.New(qerror.KindJoinUnreachable, "root table index out of range")
	}

	plan := &Plan{Root: root, Tables: []int{root}}
	inTree := map[int]struct{}{root: {}}

	remaining := map[int]struct{}{}
	for _, t := range terminals {
		if t == root {
			continue
		}
		if t < 0 || t >= len(g.Tables) {
			return nil, qerror.New(qerror.KindJoinUnreachable, "terminal table index out of range")
		}
		remaining[t] = struct{}{}
	}

	for len(remaining) > 0 {
		path, target, err := cheapestAttachment(g, inTree, remaining)
		if err != nil {
			return nil, err
		}
		for _, step := range path {
			if _, ok := inTree[step.table]; !ok {
				inTree[step.table] = struct{}{}
				plan.Tables = append(plan.Tables, step.table)
			}
			plan.Joins = append(plan.Joins, step.join)
			plan.Cost += step.cost
		}
		if len(path) > plan.Hops {
			plan.Hops = len(path)
		}
		delete(remaining, target)
	}
	return plan, nil
}

type step struct {
	table int
	join  Join
	cost  int
}

// cheapestAttachment runs Dijkstra from the whole current tree at once and
// returns the path to the nearest remaining terminal.
func cheapestAttachment(g *graph.Graph, inTree, remaining map[int]struct{}) ([]step, int, error) {
	const unreached = int(^uint(0) >> 1)

	dist := make([]int, len(g.Tables))
	hops := make([]int, len(g.Tables))
	via := make([]int, len(g.Tables)) // edge index used to reach the table
	prev := make([]int, len(g.Tables))
	for i := range dist {
		dist[i] = unreached
		via[i] = -1
		prev[i] = -1
	}

	pq := &nodeQueue{}
	for t := range inTree {
		dist[t] = 0
		heap.Push(pq, nodeItem{table: t, dist: 0})
	}

	adj := g.Adjacency()
	for pq.Len() > 0 {
		cur := heap.Pop(pq).(nodeItem)
		if cur.dist > dist[cur.table] {
			continue
		}
		if _, ok := remaining[cur.table]; ok {
			return walkBack(g, inTree, via, prev, cur.table), cur.table, nil
		}
		if hops[cur.table] >= maxHops {
			continue
		}
		for _, ei := range adj[cur.table] {
			e := g.Edges[ei]
			next := e.To
			if next == cur.table {
				next = e.From
			}
			w := costDeclared
			if e.Trust == graph.TrustInferred {
				w = costInferred
			}
			nd := cur.dist + w
			nh := hops[cur.table] + 1
			better := nd < dist[next]
			// Equal-cost tie-break: fewer hops first, then the smaller
			// intermediate table. Hub tables fan the row count out, so they
			// are routed through only when nothing cheaper exists.
			if nd == dist[next] && prev[next] >= 0 {
				switch {
				case nh < hops[next]:
					better = true
				case nh == hops[next] && g.Tables[cur.table].RowEstimate < g.Tables[prev[next]].RowEstimate:
					better = true
				}
			}
			if !better {
				continue
			}
			dist[next] = nd
			hops[next] = hops[cur.table] + 1
			via[next] = ei
			prev[next] = cur.table
			heap.Push(pq, nodeItem{table: next, dist: nd})
		}
	}

	names := make([]string, 0, len(remaining))
	for t := range remaining {
		names = append(names, g.Tables[t].Name)
	}
	return nil, -1, qerror.New(qerror.KindJoinUnreachable,
		fmt.Sprintf("no join path within %d hops", maxHops),
		"unreachable: "+strings.Join(names, ", "))
}

// walkBack rebuilds the path tree-side first.
func walkBack(g *graph.Graph, inTree map[int]struct{}, via, prev []int, target int) []step {
	var rev []step
	cur := target
	for {
		if _, ok := inTree[cur]; ok {
			break
		}
		ei := via[cur]
		e := g.Edges[ei]
		from := prev[cur]
		j := Join{Trust: e.Trust}
		if e.From == from {
			j.FromTable = g.Tables[e.From].Name
			j.FromColumn = e.FromColumn
			j.ToTable = g.Tables[e.To].Name
			j.ToColumn = e.ToColumn
		} else {
			j.FromTable = g.Tables[e.To].Name
			j.FromColumn = e.ToColumn
			j.ToTable = g.Tables[e.From].Name
			j.ToColumn = e.FromColumn
		}
		cost := costDeclared
		if e.Trust == graph.TrustInferred {
			cost = costInferred
		}
		rev = append(rev, step{table: cur, join: j, cost: cost})
		cur = from
	}
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	return rev
}

type nodeItem struct {
	table int
	dist  int
}

type nodeQueue []nodeItem

func (q nodeQueue) Len() int            { return len(q) }
func (q nodeQueue) Less(i, j int) bool  { return q[i].dist < q[j].dist }
func (q nodeQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *nodeQueue) Push(x interface{}) { *q = append(*q, x.(nodeItem)) }
func (q *nodeQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
