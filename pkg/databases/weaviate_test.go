package databases

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatstack/ragpipe/pkg/config"
)

func newTestWeaviate(t *testing.T, handler http.HandlerFunc) (*Weaviate, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := &config.WeaviateConfig{URL: server.URL}
	cfg.SetDefaults()
	w, err := NewWeaviate(cfg)
	require.NoError(t, err)
	return w, server
}

func TestHybridQueryRendering(t *testing.T) {
	var captured string
	w, _ := newTestWeaviate(t, func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]string
		require.NoError(t, json.Unmarshal(body, &payload))
		captured = payload["query"]

		rw.Header().Set("Content-Type", "application/json")
		rw.Write([]byte(`{"data":{"Get":{"Chunks":[]}}}`))
	})

	_, err := w.Hybrid(context.Background(), &HybridQuery{
		Collection: "Chunks",
		Query:      `벡터 "검색"`,
		Alpha:      0.45,
		Properties: []string{"text", "filename"},
		FusionType: "relative",
		Limit:      10,
		Where:      NormalizeFilters(map[string]interface{}{"user_id": "u1"}),
		ReturnProperties: []string{
			"text", "filename", "page",
		},
	})
	require.NoError(t, err)

	assert.Contains(t, captured, `hybrid: {query: "벡터 \"검색\"", alpha: 0.45, properties: ["text", "filename"], fusionType: relativeScoreFusion}`)
	assert.Contains(t, captured, "limit: 10")
	assert.Contains(t, captured, `where: {path: ["user_id"], operator: ContainsAny, valueText: ["u1"]}`)
	assert.Contains(t, captured, "_additional { id score distance }")
	assert.Contains(t, captured, "Get { Chunks(")
}

func TestNearTextQueryRendering(t *testing.T) {
	var captured string
	w, _ := newTestWeaviate(t, func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]string
		require.NoError(t, json.Unmarshal(body, &payload))
		captured = payload["query"]

		rw.Header().Set("Content-Type", "application/json")
		rw.Write([]byte(`{"data":{"Get":{"Chunks":[]}}}`))
	})

	_, err := w.NearText(context.Background(), &NearTextQuery{
		Collection:       "Chunks",
		Query:            "question",
		Distance:         0.7,
		Limit:            5,
		ReturnProperties: []string{"text"},
		IncludeVector:    true,
	})
	require.NoError(t, err)

	assert.Contains(t, captured, `nearText: {concepts: ["question"], distance: 0.7}`)
	assert.Contains(t, captured, "_additional { id score distance vector }")
}

func TestHybridResultConversion(t *testing.T) {
	w, _ := newTestWeaviate(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		rw.Write([]byte(`{
			"data": {
				"Get": {
					"Chunks": [
						{
							"text": "chunk body",
							"filename": "guide.pdf",
							"page": 3,
							"_additional": {"id": "uuid-1", "score": "0.82", "distance": 0.31}
						},
						{
							"text": "second",
							"_additional": {"id": "uuid-2", "vector": [0.1, 0.2]}
						}
					]
				}
			}
		}`))
	})

	results, err := w.Hybrid(context.Background(), &HybridQuery{
		Collection: "Chunks",
		Query:      "q",
		Alpha:      0.6,
		Limit:      10,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	first := results[0]
	assert.Equal(t, "uuid-1", first.ID)
	require.NotNil(t, first.Score)
	assert.InDelta(t, 0.82, *first.Score, 1e-9)
	require.NotNil(t, first.Distance)
	assert.InDelta(t, 0.31, *first.Distance, 1e-9)
	assert.Equal(t, "chunk body", first.Properties["text"])
	assert.Equal(t, "guide.pdf", first.Properties["filename"])
	assert.NotContains(t, first.Properties, "_additional")

	second := results[1]
	assert.Nil(t, second.Score)
	assert.Equal(t, []float64{0.1, 0.2}, second.Vector)
}

func TestGraphQLErrorsSurface(t *testing.T) {
	w, _ := newTestWeaviate(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		rw.Write([]byte(`{"errors":[{"message":"Cannot query field \"body\" on type \"Chunks\""}]}`))
	})

	_, err := w.Hybrid(context.Background(), &HybridQuery{
		Collection: "Chunks",
		Query:      "q",
		Limit:      10,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Cannot query field")
}
