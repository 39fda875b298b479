package service

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sorgu/internal/adapter"
	"sorgu/internal/engine"
	"sorgu/internal/learning"
	"sorgu/internal/qerror"
	"sorgu/internal/score"
	"sorgu/internal/sqlgen"
)

type fakeIntrospector struct {
	meta *adapter.Metadata
}

func (f *fakeIntrospector) Introspect(_ context.Context) (*adapter.Metadata, error) {
	return f.meta, nil
}

func (f *fakeIntrospector) Close() error { return nil }

type fakeStream struct {
	columns []string
	rows    int
	perRow  time.Duration
	served  int
}

func (s *fakeStream) Columns() []string { return s.columns }

func (s *fakeStream) Next() ([]interface{}, error) {
	if s.served >= s.rows {
		return nil, io.EOF
	}
	if s.perRow > 0 {
		time.Sleep(s.perRow)
	}
	s.served++
	return []interface{}{s.served}, nil
}

func (s *fakeStream) Close() error { return nil }

type fakeConn struct{ stream *fakeStream }

func (c *fakeConn) Query(_ context.Context, _ string, _ ...interface{}) (engine.RowStream, error) {
	return c.stream, nil
}

func (c *fakeConn) Release() {}

type fakePool struct{ stream func() *fakeStream }

func (p *fakePool) Acquire(_ context.Context, _ string) (engine.Conn, error) {
	return &fakeConn{stream: p.stream()}, nil
}

func shopMeta() *adapter.Metadata {
	return &adapter.Metadata{
		DatabaseID: "shop",
		Tables: []adapter.Table{
			{Name: "musteriler", PrimaryKey: []string{"id"}, RowEstimate: 100, Columns: []adapter.Column{
				{Name: "id", DataType: "integer", IsUnique: true},
				{Name: "ad", DataType: "varchar"},
				{Name: "bakiye", DataType: "numeric"},
			}},
			{Name: "siparisler", PrimaryKey: []string{"id"}, RowEstimate: 5000, Columns: []adapter.Column{
				{Name: "id", DataType: "integer", IsUnique: true},
				{Name: "musteri_id", DataType: "integer"},
				{Name: "toplam_tutar", DataType: "numeric"},
				{Name: "siparis_tarihi", DataType: "date"},
			}},
		},
		ForeignKeys: []adapter.ForeignKey{
			{FromTable: "siparisler", FromColumn: "musteri_id", ToTable: "musteriler", ToColumn: "id"},
		},
	}
}

func newTestService(t *testing.T, stream func() *fakeStream) (*Service, learning.Store) {
	t.Helper()
	if stream == nil {
		stream = func() *fakeStream { return &fakeStream{columns: []string{"adet"}, rows: 1} }
	}
	eng := engine.New(&fakePool{stream: stream}, engine.Options{
		BatchSize:    10,
		RetryBackoff: time.Millisecond,
	}, nil)
	t.Cleanup(eng.Close)

	store := learning.NewMemoryStore()
	svc := New(eng, Options{Store: store})
	require.NoError(t, svc.RegisterDatabase(context.Background(), "shop",
		&fakeIntrospector{meta: shopMeta()}, sqlgen.DialectPostgres))
	return svc, store
}

func TestAskCountExecutesImmediately(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	resp, err := svc.Ask(ctx, AskRequest{DatabaseID: "shop", Question: "kaç müşteri var"})
	require.NoError(t, err)

	assert.Equal(t, score.DecisionExecute, resp.Decision)
	assert.GreaterOrEqual(t, resp.Confidence, score.ExecuteThreshold)
	assert.Contains(t, resp.SQL, "COUNT(*)")
	require.NotEmpty(t, resp.ExecutionID)
	require.NotNil(t, resp.Plan)

	require.NoError(t, svc.Wait(ctx, resp.ExecutionID))
	res, err := svc.Results(resp.ExecutionID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowCount)
}

func TestAskGroupedSuperlativeExecutes(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	resp, err := svc.Ask(ctx, AskRequest{DatabaseID: "shop", Question: "en çok sipariş veren müşteri"})
	require.NoError(t, err)

	assert.Equal(t, score.DecisionExecute, resp.Decision)
	assert.Contains(t, resp.SQL, "COUNT(*) AS adet")
	assert.Contains(t, resp.SQL, `GROUP BY "musteriler"."id"`)
	assert.Contains(t, resp.SQL, "ORDER BY adet DESC LIMIT 1")
	assert.Contains(t, resp.SQL, `JOIN "siparisler"`)
	require.NotEmpty(t, resp.ExecutionID)
	require.NoError(t, svc.Wait(ctx, resp.ExecutionID))
}

func TestResultsPagination(t *testing.T) {
	svc, _ := newTestService(t, func() *fakeStream {
		return &fakeStream{columns: []string{"id"}, rows: 10}
	})
	ctx := context.Background()

	resp, err := svc.Ask(ctx, AskRequest{DatabaseID: "shop", Question: "müşterileri listele"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.ExecutionID)
	require.NoError(t, svc.Wait(ctx, resp.ExecutionID))

	full, err := svc.Results(resp.ExecutionID, 0, 0)
	require.NoError(t, err)
	require.Len(t, full.Rows, 10)

	page, err := svc.Results(resp.ExecutionID, 3, 4)
	require.NoError(t, err)
	require.Len(t, page.Rows, 4)
	assert.Equal(t, full.Rows[3], page.Rows[0])
	assert.Equal(t, 10, page.RowCount)

	tail, err := svc.Results(resp.ExecutionID, 8, 5)
	require.NoError(t, err)
	assert.Len(t, tail.Rows, 2)

	beyond, err := svc.Results(resp.ExecutionID, 50, 5)
	require.NoError(t, err)
	assert.Empty(t, beyond.Rows)
}

func TestAskFuzzyPromptIsWithheldThenConfirmed(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	// A typo-distance prompt scores in the confirmation band.
	resp, err := svc.Ask(ctx, AskRequest{DatabaseID: "shop", Question: "musterler kayıtları"})
	require.NoError(t, err)

	assert.Equal(t, score.DecisionWithhold, resp.Decision)
	assert.Empty(t, resp.ExecutionID)
	require.Len(t, resp.Candidates, 1)
	cand := resp.Candidates[0]
	assert.Equal(t, "musteriler", cand.Table)
	assert.Less(t, cand.Confidence, score.ExecuteThreshold)
	assert.GreaterOrEqual(t, cand.Confidence, score.RejectThreshold)

	// Confirming the candidate runs it as-is.
	confirmed, err := svc.Ask(ctx, AskRequest{DatabaseID: "shop", CandidateID: cand.ID})
	require.NoError(t, err)
	assert.Equal(t, score.DecisionExecute, confirmed.Decision)
	require.NotEmpty(t, confirmed.ExecutionID)
	require.NoError(t, svc.Wait(ctx, confirmed.ExecutionID))

	// A candidate confirms once.
	_, err = svc.Ask(ctx, AskRequest{DatabaseID: "shop", CandidateID: cand.ID})
	require.Error(t, err)
	assert.Equal(t, qerror.KindRejected, qerror.KindOf(err))
}

func TestAskAmbiguousPromptOffersChoices(t *testing.T) {
	svc, _ := newTestService(t, nil)

	resp, err := svc.Ask(context.Background(),
		AskRequest{DatabaseID: "shop", Question: "müşteri siparişleri"})
	require.NoError(t, err)

	assert.Equal(t, score.DecisionWithhold, resp.Decision)
	require.GreaterOrEqual(t, len(resp.Candidates), 2)
	tables := map[string]bool{}
	for _, c := range resp.Candidates {
		tables[c.Table] = true
		assert.NotEmpty(t, c.SQL)
		assert.NotEmpty(t, c.ID)
	}
	assert.True(t, tables["musteriler"])
	assert.True(t, tables["siparisler"])
}

func TestAskUnrecognizedPrompt(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, err := svc.Ask(context.Background(),
		AskRequest{DatabaseID: "shop", Question: "yarın hava nasıl olacak"})
	require.Error(t, err)
	assert.Equal(t, qerror.KindUnrecognizedIntent, qerror.KindOf(err))
}

func TestCancelRunningExecution(t *testing.T) {
	svc, _ := newTestService(t, func() *fakeStream {
		return &fakeStream{columns: []string{"id"}, rows: 1_000_000, perRow: time.Millisecond}
	})
	ctx := context.Background()

	resp, err := svc.Ask(ctx, AskRequest{DatabaseID: "shop", Question: "kaç sipariş var"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.ExecutionID)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, svc.Cancel(resp.ExecutionID))
	require.NoError(t, svc.Wait(ctx, resp.ExecutionID))

	snap, err := svc.Progress(resp.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateCancelled, snap.State)

	_, err = svc.Results(resp.ExecutionID, 0, 0)
	assert.Equal(t, qerror.KindExecutionCancelled, qerror.KindOf(err))
}

func TestSuccessfulExecutionFeedsLearning(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()

	resp, err := svc.Ask(ctx, AskRequest{DatabaseID: "shop", Question: "kaç müşteri var"})
	require.NoError(t, err)
	require.NoError(t, svc.Wait(ctx, resp.ExecutionID))

	require.Eventually(t, func() bool {
		st, err := store.Stats(ctx, "shop")
		return err == nil && st.Total == 1 && st.Successes == 1
	}, time.Second, 10*time.Millisecond)

	st, err := svc.LearningStats(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Total)
}

func TestThresholdConfidenceOutcomeIsLearned(t *testing.T) {
	// An execution that scored exactly at the auto-execute floor was
	// trusted enough to run, so its outcome counts.
	svc, store := newTestService(t, nil)

	svc.stash("esik", &learning.Record{
		DatabaseID: "shop",
		Words:      []string{"kac", "musteri"},
		Table:      "musteriler",
		SQL:        `SELECT COUNT(*) AS adet FROM "musteriler"`,
		Confidence: score.ExecuteThreshold,
	})
	svc.recordOutcome(&engine.Execution{ID: "esik"}, engine.StateCompleted)

	st, err := store.Stats(context.Background(), "shop")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.Successes)
}

func TestCancelledExecutionIsNotLearned(t *testing.T) {
	svc, store := newTestService(t, func() *fakeStream {
		return &fakeStream{columns: []string{"id"}, rows: 1_000_000, perRow: time.Millisecond}
	})
	ctx := context.Background()

	resp, err := svc.Ask(ctx, AskRequest{DatabaseID: "shop", Question: "kaç müşteri var"})
	require.NoError(t, err)
	time.Sleep(15 * time.Millisecond)
	require.NoError(t, svc.Cancel(resp.ExecutionID))
	require.NoError(t, svc.Wait(ctx, resp.ExecutionID))

	time.Sleep(50 * time.Millisecond)
	st, err := store.Stats(ctx, "shop")
	require.NoError(t, err)
	assert.Zero(t, st.Total)
}

func TestRefreshSchemaDetectsDrift(t *testing.T) {
	intro := &fakeIntrospector{meta: shopMeta()}
	eng := engine.New(&fakePool{stream: func() *fakeStream { return &fakeStream{rows: 0} }}, engine.Options{}, nil)
	t.Cleanup(eng.Close)
	svc := New(eng, Options{})
	ctx := context.Background()
	require.NoError(t, svc.RegisterDatabase(ctx, "shop", intro, sqlgen.DialectPostgres))

	changed, err := svc.RefreshSchema(ctx, "shop")
	require.NoError(t, err)
	assert.False(t, changed)

	// New column: structural fingerprint moves, snapshot is rebuilt.
	intro.meta = shopMeta()
	intro.meta.Tables[0].Columns = append(intro.meta.Tables[0].Columns,
		adapter.Column{Name: "eposta", DataType: "varchar"})

	changed, err = svc.RefreshSchema(ctx, "shop")
	require.NoError(t, err)
	assert.True(t, changed)

	g, err := svc.Graph("shop")
	require.NoError(t, err)
	i, ok := g.TableIndex("musteriler")
	require.True(t, ok)
	_, ok = g.Column(i, "eposta")
	assert.True(t, ok)
}

func TestAskUnknownDatabase(t *testing.T) {
	svc, _ := newTestService(t, nil)
	_, err := svc.Ask(context.Background(), AskRequest{DatabaseID: "yok", Question: "müşteriler"})
	assert.Error(t, err)
}

func TestProgressUnknownExecution(t *testing.T) {
	svc, _ := newTestService(t, nil)
	_, err := svc.Progress("bilinmeyen")
	assert.Error(t, err)
}
