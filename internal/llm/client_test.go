package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sorgu/internal/adapter"
	"sorgu/internal/graph"
	"sorgu/internal/qerror"
)

func testGraph(t *testing.T) *graph.Graph {
	t.Helper()
	meta := &adapter.Metadata{
		DatabaseID: "shop",
		Tables: []adapter.Table{
			{Name: "musteriler", PrimaryKey: []string{"id"}, Columns: []adapter.Column{
				{Name: "id", DataType: "integer", IsUnique: true},
				{Name: "ad", DataType: "varchar"},
			}},
		},
	}
	return graph.NewBuilder(nil).Build(meta)
}

func modelServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)

		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		// The schema must travel with the question.
		assert.Contains(t, req.Messages[1].Content, "musteriler")

		json.NewEncoder(w).Encode(map[string]interface{}{
			"message": map[string]string{"role": "assistant", "content": content},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSuggestReturnsValidatedCandidate(t *testing.T) {
	srv := modelServer(t, `{"sql": "SELECT * FROM musteriler LIMIT 10", "table": "musteriler", "confidence": 0.8, "reasoning": "listing"}`)
	c := NewOllamaClient(srv.URL, "llama3", time.Second)

	cand, err := c.Suggest(context.Background(), "müşterileri listele", testGraph(t))
	require.NoError(t, err)
	assert.Equal(t, "musteriler", cand.Table)
	assert.InDelta(t, 0.8, cand.Confidence, 0.001)
}

func TestSuggestRejectsMutatingSQL(t *testing.T) {
	srv := modelServer(t, `{"sql": "DELETE FROM musteriler", "table": "musteriler", "confidence": 0.9}`)
	c := NewOllamaClient(srv.URL, "llama3", time.Second)

	_, err := c.Suggest(context.Background(), "müşterileri sil", testGraph(t))
	require.Error(t, err)
	assert.Equal(t, qerror.KindRejected, qerror.KindOf(err))
}

func TestSuggestRejectsUnknownTable(t *testing.T) {
	srv := modelServer(t, `{"sql": "SELECT * FROM hayali_tablo", "table": "hayali_tablo", "confidence": 0.9}`)
	c := NewOllamaClient(srv.URL, "llama3", time.Second)

	_, err := c.Suggest(context.Background(), "hayali tabloyu getir", testGraph(t))
	require.Error(t, err)
	assert.Equal(t, qerror.KindRejected, qerror.KindOf(err))
}

func TestSuggestClampsConfidence(t *testing.T) {
	srv := modelServer(t, `{"sql": "SELECT * FROM musteriler", "table": "musteriler", "confidence": 3.5}`)
	c := NewOllamaClient(srv.URL, "llama3", time.Second)

	cand, err := c.Suggest(context.Background(), "müşteriler", testGraph(t))
	require.NoError(t, err)
	assert.Equal(t, 1.0, cand.Confidence)
}

func TestSuggestServerDown(t *testing.T) {
	c := NewOllamaClient("http://127.0.0.1:1", "llama3", 200*time.Millisecond)
	_, err := c.Suggest(context.Background(), "müşteriler", testGraph(t))
	require.Error(t, err)
	assert.Equal(t, qerror.KindConnectionUnavailable, qerror.KindOf(err))
}

func TestSuggestNonJSONContent(t *testing.T) {
	srv := modelServer(t, "tabii, iste sorgunuz: SELECT ...")
	c := NewOllamaClient(srv.URL, "llama3", time.Second)

	_, err := c.Suggest(context.Background(), "müşteriler", testGraph(t))
	assert.Error(t, err)
}
