package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sorgu/internal/adapter"
	"sorgu/internal/graph"
	"sorgu/internal/nlq"
	"sorgu/internal/qerror"
)

func testGraph(t *testing.T) *graph.Graph {
	t.Helper()
	meta := &adapter.Metadata{
		DatabaseID: "shop",
		Tables: []adapter.Table{
			{
				Name:       "musteriler",
				PrimaryKey: []string{"id"},
				Columns: []adapter.Column{
					{Name: "id", DataType: "integer", IsUnique: true},
					{Name: "ad", DataType: "varchar"},
					{Name: "sehir", DataType: "varchar"},
					{Name: "bakiye", DataType: "numeric"},
					{Name: "kayit_tarihi", DataType: "timestamp"},
				},
			},
			{
				Name:       "siparisler",
				PrimaryKey: []string{"id"},
				Columns: []adapter.Column{
					{Name: "id", DataType: "integer", IsUnique: true},
					{Name: "musteri_id", DataType: "integer"},
					{Name: "toplam_tutar", DataType: "numeric"},
					{Name: "siparis_tarihi", DataType: "date"},
				},
			},
			{
				Name:       "urunler",
				PrimaryKey: []string{"id"},
				Columns: []adapter.Column{
					{Name: "id", DataType: "integer", IsUnique: true},
					{Name: "urun_adi", DataType: "varchar"},
					{Name: "fiyat", DataType: "numeric"},
				},
			},
		},
		ForeignKeys: []adapter.ForeignKey{
			{FromTable: "siparisler", FromColumn: "musteri_id", ToTable: "musteriler", ToColumn: "id"},
		},
	}
	return graph.NewBuilder(nil).Build(meta)
}

func TestMatchExactTable(t *testing.T) {
	g := testGraph(t)
	m := NewMatcher(nil, nil)

	cands, err := m.Match("shop", nlq.Normalize("müşterileri listele"), g)
	require.NoError(t, err)
	require.NotEmpty(t, cands)

	best := cands[0]
	assert.Equal(t, "musteriler", best.Intent.TableName)
	assert.Equal(t, KindList, best.Intent.Kind)
	assert.Equal(t, "exact", best.Source)
	assert.InDelta(t, 1.0, best.Score, 0.001)
	assert.NotEmpty(t, best.Evidence)
}

func TestMatchLexiconSynonym(t *testing.T) {
	g := testGraph(t)
	m := NewMatcher(nil, nil)

	// "customer" maps to the musteri lexicon entry even though the table
	// is named in Turkish.
	cands, err := m.Match("shop", nlq.Normalize("list customers"), g)
	require.NoError(t, err)
	assert.Equal(t, "musteriler", cands[0].Intent.TableName)
}

func TestMatchFuzzyTypo(t *testing.T) {
	g := testGraph(t)
	m := NewMatcher(nil, nil)

	cands, err := m.Match("shop", nlq.Normalize("musterler listesi"), g)
	require.NoError(t, err)
	assert.Equal(t, "musteriler", cands[0].Intent.TableName)
	assert.Equal(t, "fuzzy", cands[0].Source)
	assert.Less(t, cands[0].Score, 1.0)
}

func TestMatchAggregateIntent(t *testing.T) {
	g := testGraph(t)
	m := NewMatcher(nil, nil)

	cands, err := m.Match("shop", nlq.Normalize("siparişlerin toplam tutarı nedir"), g)
	require.NoError(t, err)

	in := cands[0].Intent
	assert.Equal(t, "siparisler", in.TableName)
	assert.Equal(t, KindAggregate, in.Kind)
	assert.Equal(t, nlq.OpSum, in.Aggregate)
	assert.Equal(t, "toplam_tutar", in.AggColumn)
}

func TestMatchCountIntent(t *testing.T) {
	g := testGraph(t)
	m := NewMatcher(nil, nil)

	cands, err := m.Match("shop", nlq.Normalize("kaç müşteri var"), g)
	require.NoError(t, err)
	assert.Equal(t, KindCount, cands[0].Intent.Kind)
	assert.Equal(t, nlq.OpCount, cands[0].Intent.Aggregate)
}

func TestMatchDateFilter(t *testing.T) {
	g := testGraph(t)
	m := NewMatcher(nil, nil)

	cands, err := m.Match("shop", nlq.Normalize("bugün gelen siparişler"), g)
	require.NoError(t, err)

	in := cands[0].Intent
	require.Len(t, in.Filters, 1)
	assert.Equal(t, "siparis_tarihi", in.Filters[0].Column)
	assert.Equal(t, "today", in.Filters[0].DateRange)
}

func TestMatchNumericFilter(t *testing.T) {
	g := testGraph(t)
	m := NewMatcher(nil, nil)

	cands, err := m.Match("shop", nlq.Normalize("fiyatı 100'den fazla olan ürünler"), g)
	require.NoError(t, err)

	in := cands[0].Intent
	assert.Equal(t, "urunler", in.TableName)
	require.Len(t, in.Filters, 1)
	assert.Equal(t, "fiyat", in.Filters[0].Column)
	assert.Equal(t, OpGt, in.Filters[0].Op)
	assert.Equal(t, 100.0, in.Filters[0].Value)
}

func TestMatchNameFilter(t *testing.T) {
	g := testGraph(t)
	m := NewMatcher(nil, nil)

	cands, err := m.Match("shop", nlq.Normalize("ismi 'Ahmet Yılmaz' olan müşteri"), g)
	require.NoError(t, err)

	in := cands[0].Intent
	require.Len(t, in.Filters, 1)
	assert.Equal(t, "ad", in.Filters[0].Column)
	assert.Equal(t, OpEq, in.Filters[0].Op)
	assert.Equal(t, "Ahmet Yılmaz", in.Filters[0].Value)
}

func TestMatchMultiTableReference(t *testing.T) {
	g := testGraph(t)
	m := NewMatcher(nil, nil)

	cands, err := m.Match("shop", nlq.Normalize("müşterilerin siparişleri"), g)
	// Both tables anchor; either an unambiguous winner or an explicit
	// ambiguity report is acceptable, silence is not.
	if err != nil {
		assert.Equal(t, qerror.KindAmbiguousIntent, qerror.KindOf(err))
		assert.NotEmpty(t, cands)
		return
	}
	require.NotEmpty(t, cands)
	union := map[string]struct{}{cands[0].Intent.TableName: {}}
	for _, extra := range cands[0].Intent.ExtraTables {
		union[g.Tables[extra].Name] = struct{}{}
	}
	assert.Contains(t, union, "siparisler")
	assert.Contains(t, union, "musteriler")
}

func TestMatchSynonymTablesAmbiguous(t *testing.T) {
	// Two tables share the kullanici lexicon entry; a word matching the
	// entry must surface both, not silently pick the first.
	meta := &adapter.Metadata{
		DatabaseID: "crm",
		Tables: []adapter.Table{
			{Name: "users", PrimaryKey: []string{"id"}, Columns: []adapter.Column{
				{Name: "id", DataType: "integer", IsUnique: true},
				{Name: "name", DataType: "varchar"},
			}},
			{Name: "uyeler", PrimaryKey: []string{"id"}, Columns: []adapter.Column{
				{Name: "id", DataType: "integer", IsUnique: true},
				{Name: "ad", DataType: "varchar"},
			}},
		},
	}
	g := graph.NewBuilder(nil).Build(meta)
	m := NewMatcher(nil, nil)

	cands, err := m.Match("crm", nlq.Normalize("kullanıcıları listele"), g)
	require.Error(t, err)
	assert.Equal(t, qerror.KindAmbiguousIntent, qerror.KindOf(err))

	names := map[string]struct{}{}
	for _, c := range cands {
		names[c.Intent.TableName] = struct{}{}
	}
	assert.Contains(t, names, "users")
	assert.Contains(t, names, "uyeler")
}

func TestMatchUnrecognized(t *testing.T) {
	g := testGraph(t)
	m := NewMatcher(nil, nil)

	_, err := m.Match("shop", nlq.Normalize("hava durumu nasıl olacak"), g)
	require.Error(t, err)
	assert.Equal(t, qerror.KindUnrecognizedIntent, qerror.KindOf(err))
}

func TestMatchEmptyGraph(t *testing.T) {
	g := graph.NewBuilder(nil).Build(&adapter.Metadata{DatabaseID: "empty"})
	m := NewMatcher(nil, nil)

	_, err := m.Match("empty", nlq.Normalize("müşteriler"), g)
	require.Error(t, err)
	assert.Equal(t, qerror.KindSchemaIncomplete, qerror.KindOf(err))
}

type fixedBoost struct {
	table string
	boost float64
}

func (f fixedBoost) Boost(_ string, _ []string, table string) float64 {
	if table == f.table {
		return f.boost
	}
	return 0
}

func TestLearnedBoostBreaksTies(t *testing.T) {
	g := testGraph(t)

	plain := NewMatcher(nil, nil)
	_, err := plain.Match("shop", nlq.Normalize("müşteri siparişleri"), g)
	// Without history the two anchors are within the ambiguity margin.
	require.Error(t, err)
	require.Equal(t, qerror.KindAmbiguousIntent, qerror.KindOf(err))

	boosted := NewMatcher(fixedBoost{table: "siparisler", boost: 0.12}, nil)
	cands, err := boosted.Match("shop", nlq.Normalize("müşteri siparişleri"), g)
	require.NoError(t, err)
	assert.Equal(t, "siparisler", cands[0].Intent.TableName)
}

func TestLearnedBoostIsCapped(t *testing.T) {
	g := testGraph(t)
	m := NewMatcher(fixedBoost{table: "musteriler", boost: 5.0}, nil)

	cands, err := m.Match("shop", nlq.Normalize("müşteriler"), g)
	require.NoError(t, err)
	// The additive contribution never exceeds the cap even for a huge
	// claimed boost.
	assert.LessOrEqual(t, cands[0].Score, 1.0+0.15+0.001)
}

func TestMatchGroupTop(t *testing.T) {
	g := testGraph(t)
	m := NewMatcher(nil, nil)

	cands, err := m.Match("shop", nlq.Normalize("en çok sipariş veren müşteri"), g)
	require.NoError(t, err)

	in := cands[0].Intent
	assert.Equal(t, "musteriler", in.TableName)
	assert.Equal(t, KindGroupTop, in.Kind)
	assert.Equal(t, nlq.OpCount, in.Aggregate)
	assert.Equal(t, "DESC", in.OrderDir)
	assert.Equal(t, 1, in.Limit)
	require.Len(t, in.ExtraTables, 1)
	assert.Equal(t, "siparisler", g.Tables[in.ExtraTables[0]].Name)
}

func TestMatchGroupTopMinDirection(t *testing.T) {
	g := testGraph(t)
	m := NewMatcher(nil, nil)

	cands, err := m.Match("shop", nlq.Normalize("en az sipariş veren müşteri"), g)
	require.NoError(t, err)

	in := cands[0].Intent
	assert.Equal(t, KindGroupTop, in.Kind)
	assert.Equal(t, "ASC", in.OrderDir)
}
