package joinpath

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sorgu/internal/adapter"
	"sorgu/internal/graph"
	"sorgu/internal/qerror"
)

func shopGraph(t *testing.T) *graph.Graph {
	t.Helper()
	meta := &adapter.Metadata{
		DatabaseID: "shop",
		Tables: []adapter.Table{
			{Name: "musteriler", PrimaryKey: []string{"id"}, RowEstimate: 1000, Columns: []adapter.Column{
				{Name: "id", DataType: "integer", IsUnique: true},
				{Name: "ad", DataType: "varchar"},
			}},
			{Name: "siparisler", PrimaryKey: []string{"id"}, RowEstimate: 50000, Columns: []adapter.Column{
				{Name: "id", DataType: "integer", IsUnique: true},
				{Name: "musteri_id", DataType: "integer"},
			}},
			{Name: "siparis_detaylari", PrimaryKey: []string{"id"}, RowEstimate: 200000, Columns: []adapter.Column{
				{Name: "id", DataType: "integer", IsUnique: true},
				{Name: "siparis_id", DataType: "integer"},
				{Name: "urun_id", DataType: "integer"},
			}},
			{Name: "urunler", PrimaryKey: []string{"id"}, RowEstimate: 500, Columns: []adapter.Column{
				{Name: "id", DataType: "integer", IsUnique: true},
				{Name: "urun_adi", DataType: "varchar"},
			}},
			{Name: "loglar", PrimaryKey: []string{"id"}, Columns: []adapter.Column{
				{Name: "id", DataType: "integer", IsUnique: true},
			}},
		},
		ForeignKeys: []adapter.ForeignKey{
			{FromTable: "siparisler", FromColumn: "musteri_id", ToTable: "musteriler", ToColumn: "id"},
			{FromTable: "siparis_detaylari", FromColumn: "siparis_id", ToTable: "siparisler", ToColumn: "id"},
			{FromTable: "siparis_detaylari", FromColumn: "urun_id", ToTable: "urunler", ToColumn: "id"},
		},
	}
	return graph.NewBuilder(nil).Build(meta)
}

func idx(t *testing.T, g *graph.Graph, name string) int {
	t.Helper()
	i, ok := g.TableIndex(name)
	require.True(t, ok, "table %s", name)
	return i
}

func TestResolveSingleHop(t *testing.T) {
	g := shopGraph(t)
	plan, err := Resolve(g, idx(t, g, "siparisler"), []int{idx(t, g, "musteriler")})
	require.NoError(t, err)

	require.Len(t, plan.Joins, 1)
	assert.Equal(t, "siparisler", plan.Joins[0].FromTable)
	assert.Equal(t, "musteri_id", plan.Joins[0].FromColumn)
	assert.Equal(t, "musteriler", plan.Joins[0].ToTable)
	assert.Equal(t, "id", plan.Joins[0].ToColumn)
	assert.Equal(t, 1, plan.Cost)
	assert.Equal(t, 1, plan.Hops)
	assert.False(t, plan.Inferred())
}

func TestResolveMultiHop(t *testing.T) {
	g := shopGraph(t)
	plan, err := Resolve(g, idx(t, g, "musteriler"), []int{idx(t, g, "urunler")})
	require.NoError(t, err)

	// musteriler -> siparisler -> siparis_detaylari -> urunler
	require.Len(t, plan.Joins, 3)
	assert.Equal(t, 3, plan.Hops)
	assert.Equal(t, []int{
		idx(t, g, "musteriler"),
		idx(t, g, "siparisler"),
		idx(t, g, "siparis_detaylari"),
		idx(t, g, "urunler"),
	}, plan.Tables)
}

func TestResolveMultipleTerminalsShareSpine(t *testing.T) {
	g := shopGraph(t)
	plan, err := Resolve(g, idx(t, g, "siparis_detaylari"),
		[]int{idx(t, g, "urunler"), idx(t, g, "musteriler")})
	require.NoError(t, err)

	// urunler attaches directly; musteriler reuses the siparisler spine.
	assert.Len(t, plan.Joins, 3)
	assert.Equal(t, 3, plan.Cost)
	seen := map[string]bool{}
	for _, j := range plan.Joins {
		seen[j.ToTable] = true
	}
	assert.True(t, seen["urunler"])
	assert.True(t, seen["musteriler"])
	assert.True(t, seen["siparisler"])
}

func TestResolveRootIsTerminal(t *testing.T) {
	g := shopGraph(t)
	root := idx(t, g, "siparisler")
	plan, err := Resolve(g, root, []int{root})
	require.NoError(t, err)
	assert.Empty(t, plan.Joins)
	assert.Equal(t, []int{root}, plan.Tables)
}

func TestResolveUnreachable(t *testing.T) {
	g := shopGraph(t)
	_, err := Resolve(g, idx(t, g, "siparisler"), []int{idx(t, g, "loglar")})
	require.Error(t, err)
	assert.Equal(t, qerror.KindJoinUnreachable, qerror.KindOf(err))
}

func TestResolvePrefersDeclaredOverInferred(t *testing.T) {
	// a -> c declared via b (cost 2) versus a -> c inferred direct
	// (cost 3): the longer declared route must win.
	meta := &adapter.Metadata{
		DatabaseID: "trust",
		Tables: []adapter.Table{
			{Name: "a_tablo", PrimaryKey: []string{"id"}, Columns: []adapter.Column{
				{Name: "id", DataType: "integer", IsUnique: true},
				{Name: "b_tablo_id", DataType: "integer"},
				{Name: "c_tablo_id", DataType: "integer"},
			}},
			{Name: "b_tablo", PrimaryKey: []string{"id"}, Columns: []adapter.Column{
				{Name: "id", DataType: "integer", IsUnique: true},
				{Name: "c_tablo_id", DataType: "integer"},
			}},
			{Name: "c_tablo", PrimaryKey: []string{"id"}, Columns: []adapter.Column{
				{Name: "id", DataType: "integer", IsUnique: true},
			}},
		},
		ForeignKeys: []adapter.ForeignKey{
			{FromTable: "a_tablo", FromColumn: "b_tablo_id", ToTable: "b_tablo", ToColumn: "id"},
			{FromTable: "b_tablo", FromColumn: "c_tablo_id", ToTable: "c_tablo", ToColumn: "id"},
		},
	}
	g := graph.NewBuilder(nil).Build(meta)

	plan, err := Resolve(g, idx(t, g, "a_tablo"), []int{idx(t, g, "c_tablo")})
	require.NoError(t, err)
	assert.Equal(t, 2, plan.Cost)
	assert.False(t, plan.Inferred())
	require.Len(t, plan.Joins, 2)
	assert.Equal(t, "b_tablo", plan.Joins[0].ToTable)
}

func TestResolveEqualCostPrefersSmallerIntermediate(t *testing.T) {
	// Two declared two-hop routes to the same terminal; the one through the
	// small lookup table must beat the one through the huge hub.
	meta := &adapter.Metadata{
		DatabaseID: "diamond",
		Tables: []adapter.Table{
			{Name: "kaynak", PrimaryKey: []string{"id"}, RowEstimate: 100, Columns: []adapter.Column{
				{Name: "id", DataType: "integer", IsUnique: true},
				{Name: "kucuk_ref", DataType: "integer"},
				{Name: "devasa_ref", DataType: "integer"},
			}},
			{Name: "kucuk", PrimaryKey: []string{"id"}, RowEstimate: 50, Columns: []adapter.Column{
				{Name: "id", DataType: "integer", IsUnique: true},
				{Name: "hedef_ref", DataType: "integer"},
			}},
			{Name: "devasa", PrimaryKey: []string{"id"}, RowEstimate: 5_000_000, Columns: []adapter.Column{
				{Name: "id", DataType: "integer", IsUnique: true},
				{Name: "hedef_ref", DataType: "integer"},
			}},
			{Name: "hedefler", PrimaryKey: []string{"id"}, RowEstimate: 10, Columns: []adapter.Column{
				{Name: "id", DataType: "integer", IsUnique: true},
			}},
		},
		ForeignKeys: []adapter.ForeignKey{
			{FromTable: "kaynak", FromColumn: "kucuk_ref", ToTable: "kucuk", ToColumn: "id"},
			{FromTable: "kaynak", FromColumn: "devasa_ref", ToTable: "devasa", ToColumn: "id"},
			{FromTable: "kucuk", FromColumn: "hedef_ref", ToTable: "hedefler", ToColumn: "id"},
			{FromTable: "devasa", FromColumn: "hedef_ref", ToTable: "hedefler", ToColumn: "id"},
		},
	}
	g := graph.NewBuilder(nil).Build(meta)

	plan, err := Resolve(g, idx(t, g, "kaynak"), []int{idx(t, g, "hedefler")})
	require.NoError(t, err)
	assert.Equal(t, 2, plan.Cost)
	assert.Contains(t, plan.Tables, idx(t, g, "kucuk"))
	assert.NotContains(t, plan.Tables, idx(t, g, "devasa"))
}

func TestResolveEqualCostPrefersFewerHops(t *testing.T) {
	// An inferred direct link (cost 3, one hop) against a declared
	// three-hop chain of the same total cost: fewer hops wins.
	meta := &adapter.Metadata{
		DatabaseID: "hops",
		Tables: []adapter.Table{
			{Name: "kok", PrimaryKey: []string{"id"}, RowEstimate: 10, Columns: []adapter.Column{
				{Name: "id", DataType: "integer", IsUnique: true},
				{Name: "birinci_ref", DataType: "integer"},
				{Name: "hedef_id", DataType: "integer"},
			}},
			{Name: "birinci", PrimaryKey: []string{"id"}, RowEstimate: 10, Columns: []adapter.Column{
				{Name: "id", DataType: "integer", IsUnique: true},
				{Name: "ikinci_ref", DataType: "integer"},
			}},
			{Name: "ikinci", PrimaryKey: []string{"id"}, RowEstimate: 1_000_000, Columns: []adapter.Column{
				{Name: "id", DataType: "integer", IsUnique: true},
				{Name: "hedef_ref", DataType: "integer"},
			}},
			{Name: "hedefler", PrimaryKey: []string{"id"}, RowEstimate: 10, Columns: []adapter.Column{
				{Name: "id", DataType: "integer", IsUnique: true},
			}},
		},
		ForeignKeys: []adapter.ForeignKey{
			{FromTable: "kok", FromColumn: "birinci_ref", ToTable: "birinci", ToColumn: "id"},
			{FromTable: "birinci", FromColumn: "ikinci_ref", ToTable: "ikinci", ToColumn: "id"},
			{FromTable: "ikinci", FromColumn: "hedef_ref", ToTable: "hedefler", ToColumn: "id"},
		},
	}
	g := graph.NewBuilder(nil).Build(meta)

	plan, err := Resolve(g, idx(t, g, "kok"), []int{idx(t, g, "hedefler")})
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Hops)
	assert.True(t, plan.Inferred())
	require.Len(t, plan.Joins, 1)
	assert.Equal(t, "hedef_id", plan.Joins[0].FromColumn)
}

func TestResolveHopBound(t *testing.T) {
	// A 6-link chain: the far end is beyond the hop bound.
	var tables []adapter.Table
	var fks []adapter.ForeignKey
	for i := 0; i < 7; i++ {
		cols := []adapter.Column{{Name: "id", DataType: "integer", IsUnique: true}}
		if i > 0 {
			cols = append(cols, adapter.Column{Name: fmt.Sprintf("zincir%d_id", i-1), DataType: "integer"})
		}
		tables = append(tables, adapter.Table{
			Name: fmt.Sprintf("zincir%d", i), PrimaryKey: []string{"id"}, Columns: cols,
		})
		if i > 0 {
			fks = append(fks, adapter.ForeignKey{
				FromTable:  fmt.Sprintf("zincir%d", i),
				FromColumn: fmt.Sprintf("zincir%d_id", i-1),
				ToTable:    fmt.Sprintf("zincir%d", i-1),
				ToColumn:   "id",
			})
		}
	}
	g := graph.NewBuilder(nil).Build(&adapter.Metadata{DatabaseID: "chain", Tables: tables, ForeignKeys: fks})

	_, err := Resolve(g, idx(t, g, "zincir0"), []int{idx(t, g, "zincir6")})
	require.Error(t, err)
	assert.Equal(t, qerror.KindJoinUnreachable, qerror.KindOf(err))

	plan, err := Resolve(g, idx(t, g, "zincir0"), []int{idx(t, g, "zincir4")})
	require.NoError(t, err)
	assert.Equal(t, 4, plan.Hops)
}

func TestResolveSelfReference(t *testing.T) {
	meta := &adapter.Metadata{
		DatabaseID: "org",
		Tables: []adapter.Table{
			{Name: "calisanlar", PrimaryKey: []string{"id"}, Columns: []adapter.Column{
				{Name: "id", DataType: "integer", IsUnique: true},
				{Name: "yonetici_id", DataType: "integer"},
			}},
		},
		ForeignKeys: []adapter.ForeignKey{
			{FromTable: "calisanlar", FromColumn: "yonetici_id", ToTable: "calisanlar", ToColumn: "id"},
		},
	}
	g := graph.NewBuilder(nil).Build(meta)

	// Self-loops must not wedge the search; root == terminal resolves flat.
	root := idx(t, g, "calisanlar")
	plan, err := Resolve(g, root, []int{root})
	require.NoError(t, err)
	assert.Empty(t, plan.Joins)
}
